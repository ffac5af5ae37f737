// Package rewrite defines the boundary with the external content-rewriting
// engine and ships a passthrough implementation of it.
package rewrite

import (
	"net/http"

	"veilproxy/internal/session"
	"veilproxy/internal/shuffle"
)

// Context is the resolved session state the front end hands to the engine
// along with the request.
type Context struct {
	SessionID string
	// Shuffler decodes obfuscated outbound paths; nil when the session has
	// shuffling disabled.
	Shuffler *shuffle.Shuffler
	// ExternalProxy is the upstream HTTP proxy this session's traffic goes
	// through; nil for direct connections.
	ExternalProxy *session.ProxySettings
}

// Engine receives a pass-through request plus its session context and writes
// a fully formed response. The front end writes nothing after delegating.
type Engine interface {
	Rewrite(w http.ResponseWriter, r *http.Request, rc Context)
}
