package pipeline

import (
	"context"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"veilproxy/internal/session"
)

// IPRestrictStage terminates pass-through requests whose session is pinned
// to a different client IP. Never-expiring sessions bypass the check
// unconditionally. It must run before any stage that forwards traffic, so it
// is registered at the front of the chain.
type IPRestrictStage struct {
	Enabled bool
}

func (s IPRestrictStage) Handle(_ context.Context, req *Request) (Result, error) {
	if !s.Enabled || req.IsRoute || req.Session == nil {
		return NotHandled, nil
	}
	if !req.Session.IPAllowed(req.ClientIP) {
		req.W.WriteHeader(http.StatusForbidden)
		io.WriteString(req.W, "Sessions must come from the same IP")
		return Handled, nil
	}
	return Pass, nil
}

// StripHeadersStage removes client-identifying headers from requests headed
// to the rewrite engine. Registered routes are exempt.
type StripHeadersStage struct {
	Headers []string
}

func (s StripHeadersStage) Handle(_ context.Context, req *Request) (Result, error) {
	if req.IsRoute {
		return Pass, nil
	}
	for _, h := range s.Headers {
		req.R.Header.Del(h)
	}
	return NotHandled, nil
}

// TouchStage extends the resolved session's liveness, once per request. A
// touch failure is logged but never fails the request.
type TouchStage struct {
	Store  session.Store
	Logger zerolog.Logger
}

func (s TouchStage) Handle(ctx context.Context, req *Request) (Result, error) {
	if req.Session != nil {
		if err := s.Store.Touch(ctx, req.SessionID); err != nil {
			s.Logger.Warn().Err(err).Str("session", req.SessionID).
				Msg("failed to touch session")
		}
	}
	return NotHandled, nil
}
