// Package cluster fronts a multi-worker deployment: the master process runs
// a Balancer that forwards each request to the worker owning its session
// affinity, and the workers (the same binary with --worker-index) share one
// durable session store.
package cluster

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/rs/zerolog"

	"veilproxy/internal/affinity"
	"veilproxy/internal/session"
)

// Balancer is the master's HTTP front: it resolves the session id of every
// incoming request and reverse-proxies it to the worker the affinity router
// selects. It never consults the session store; affinity depends only on the
// id string, so unknown ids still route deterministically.
type Balancer struct {
	router  *affinity.Router
	proxies []*httputil.ReverseProxy
	logger  zerolog.Logger
}

// NewBalancer builds a Balancer over workers processes listening on
// consecutive ports starting at basePort on the loopback interface.
func NewBalancer(workers, basePort int, logger zerolog.Logger) *Balancer {
	b := &Balancer{
		router: affinity.NewRouter(workers),
		logger: logger.With().Str("component", "balancer").Logger(),
	}
	for i := 0; i < workers; i++ {
		target := &url.URL{
			Scheme: "http",
			Host:   fmt.Sprintf("127.0.0.1:%d", basePort+i),
		}
		b.proxies = append(b.proxies, httputil.NewSingleHostReverseProxy(target))
	}
	return b
}

// WorkerAddr returns the listen address for a worker index.
func WorkerAddr(bindingAddress string, basePort, index int) string {
	return fmt.Sprintf("%s:%d", bindingAddress, basePort+index)
}

// WorkerFor returns the worker index that owns r's session affinity.
func (b *Balancer) WorkerFor(r *http.Request) int {
	id := session.Resolve(r.URL.RequestURI(), r.Header.Get("Referer"))
	return b.router.Route(id)
}

func (b *Balancer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	idx := b.WorkerFor(r)
	b.logger.Debug().Int("worker", idx).Str("url", r.URL.Path).Msg("routed request")
	b.proxies[idx].ServeHTTP(w, r)
}
