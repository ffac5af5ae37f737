// Package server assembles the request pipeline, the route table, and the
// admin endpoints over the session store.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"veilproxy/internal/config"
	"veilproxy/internal/pipeline"
	"veilproxy/internal/rewrite"
	"veilproxy/internal/session"
)

// Server is one worker's front end: it resolves the session for each
// request, runs the pipeline, and terminates in either a registered route or
// the rewrite engine.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  session.Store
	engine rewrite.Engine
	pipe   *pipeline.Pipeline

	// routes maps GET paths to handlers. Populated at startup only;
	// read-only at request time.
	routes map[string]http.HandlerFunc
}

func New(cfg *config.Config, logger zerolog.Logger, store session.Store, engine rewrite.Engine) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger.With().Str("component", "server").Logger(),
		store:  store,
		engine: engine,
		routes: make(map[string]http.HandlerFunc),
	}

	s.pipe = pipeline.New(logger)
	s.pipe.Use(pipeline.StripHeadersStage{Headers: cfg.StripClientHeaders})
	s.pipe.Use(pipeline.TouchStage{Store: store, Logger: s.logger})
	s.pipe.Use(dispatchStage{s})
	// Boundary-sensitive: must reject before anything touches or forwards.
	s.pipe.UseFront(pipeline.IPRestrictStage{Enabled: cfg.Session.RestrictIP})

	s.registerRoutes()
	return s
}

// Pipeline exposes the stage chain so callers can prepend extra
// boundary stages before the server starts.
func (s *Server) Pipeline() *pipeline.Pipeline {
	return s.pipe
}

// GET registers a route. Later registrations override earlier ones. Static
// files go through addStatic instead, which never displaces a route.
func (s *Server) GET(path string, handler http.HandlerFunc) {
	s.routes[path] = handler
}

func (s *Server) isRoute(r *http.Request) bool {
	_, ok := s.routes[r.URL.Path]
	return ok
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := session.Resolve(r.URL.RequestURI(), r.Header.Get("Referer"))

	var sess *session.Session
	if id != "" {
		var err error
		sess, err = s.store.Get(r.Context(), id)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			s.logger.Error().Err(err).Str("session", id).Msg("session lookup failed")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}

	s.pipe.Run(r.Context(), &pipeline.Request{
		W:         w,
		R:         r,
		IsRoute:   s.isRoute(r),
		SessionID: id,
		Session:   sess,
		ClientIP:  ClientIP(r),
	})
}

// dispatchStage is the terminal stage: registered routes run their handler,
// everything else goes to the rewrite engine with the session context.
type dispatchStage struct {
	s *Server
}

func (d dispatchStage) Handle(_ context.Context, req *pipeline.Request) (pipeline.Result, error) {
	if req.IsRoute {
		d.s.routes[req.R.URL.Path](req.W, req.R)
		return pipeline.Handled, nil
	}
	if req.Session == nil {
		// Pass-through requires a live session in the path or referer.
		http.NotFound(req.W, req.R)
		return pipeline.Handled, nil
	}
	d.s.engine.Rewrite(req.W, req.R, rewrite.Context{
		SessionID:     req.SessionID,
		Shuffler:      req.Session.Shuffler(),
		ExternalProxy: req.Session.ExternalProxy,
	})
	return pipeline.Handled, nil
}

// externalURL rebuilds the externally visible base URL for links returned to
// clients.
func (s *Server) externalURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
