// Package affinity maps session ids onto worker indexes so that every
// request for a given session lands on the same worker process.
package affinity

// NoSessionSentinel is hashed in place of a session id when a request
// carries none, so that id-less traffic (static assets, landing pages) is
// still spread across workers instead of funneled to worker 0.
const NoSessionSentinel = " "

// hashMod keeps every intermediate value below 2^31. Balancer and workers
// are built from the same binary, so the only contract is that this
// arithmetic stays stable across releases: changing it would remap every
// session on a running multi-worker deployment mid-restart.
const hashMod = 1 << 31

// Router deterministically selects a worker index for a session id. It never
// inspects session content, only the id string, so it runs before a session
// is known to exist and has no dependency on the session store.
type Router struct {
	workers int
}

// NewRouter returns a Router over the given worker count. Counts below one
// are treated as a single worker.
func NewRouter(workers int) *Router {
	if workers < 1 {
		workers = 1
	}
	return &Router{workers: workers}
}

// Workers returns the worker count this Router was built with.
func (r *Router) Workers() int {
	return r.workers
}

// Route returns the worker index for sessionID. An empty id is replaced by
// NoSessionSentinel. Repeated calls with the same id always return the same
// index for a fixed worker count; changing the count reshuffles everything,
// which is accepted because worker counts are stable for a process lifetime.
func (r *Router) Route(sessionID string) int {
	if r.workers == 1 {
		return 0
	}
	if sessionID == "" {
		sessionID = NoSessionSentinel
	}
	return int(hash(sessionID) % uint32(r.workers))
}

// hash mixes the ordered character codes of id, one byte at a time, with
// add/shift/xor rounds reduced mod 2^31 at each step. It is a distribution
// hash, not a reimplementation of any particular library's arithmetic.
func hash(id string) uint32 {
	var h uint64
	for i := 0; i < len(id); i++ {
		h += uint64(id[i])
		h %= hashMod
		h += h << 10
		h %= hashMod
		h ^= h >> 6
	}
	h += h << 3
	h %= hashMod
	h ^= h >> 11
	h += h << 15
	h %= hashMod
	return uint32(h)
}
