// Package pipeline runs each request through an ordered, short-circuiting
// chain of stages.
package pipeline

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"veilproxy/internal/session"
)

// Result is a stage's verdict on a request.
type Result int

const (
	// NotHandled passes control to the next stage.
	NotHandled Result = iota
	// Handled means the stage wrote a response; the chain stops.
	Handled
	// Pass is an explicit no-op at a stage boundary. Semantically identical
	// to NotHandled; it exists for readability where a stage has inspected
	// the request and deliberately declined it.
	Pass
)

// Request is the unit of work flowing through a pipeline: the live
// request/response pair plus the routing classification and resolved session
// context stages consult.
type Request struct {
	W http.ResponseWriter
	R *http.Request

	// IsRoute is true for registered local routes (session management,
	// static files) and false for pass-through proxy targets.
	IsRoute bool

	// SessionID is the resolved id, or "" for session-less requests.
	SessionID string
	// Session is the resolved record, nil when SessionID is empty or
	// unknown to the store.
	Session *session.Session

	ClientIP string
}

// Stage is one handler in the chain. Stages for a single request run
// strictly sequentially; pipelines for different requests run fully
// concurrently.
type Stage interface {
	Handle(ctx context.Context, req *Request) (Result, error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc func(ctx context.Context, req *Request) (Result, error)

func (f StageFunc) Handle(ctx context.Context, req *Request) (Result, error) {
	return f(ctx, req)
}

// Pipeline executes stages in registration order.
type Pipeline struct {
	stages []Stage
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Pipeline {
	return &Pipeline{logger: logger.With().Str("component", "pipeline").Logger()}
}

// Use appends a stage to the end of the chain.
func (p *Pipeline) Use(s Stage) {
	p.stages = append(p.stages, s)
}

// UseFront inserts a stage before all registered ones, for
// boundary-sensitive stages that must run first.
func (p *Pipeline) UseFront(s Stage) {
	p.stages = append([]Stage{s}, p.stages...)
}

// Run executes the chain and reports whether any stage handled the request.
// A stage error or panic is converted into a plain server error rather than
// crashing the worker.
func (p *Pipeline) Run(ctx context.Context, req *Request) (handled bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("url", req.R.URL.String()).
				Msg("pipeline stage panicked")
			http.Error(req.W, "Internal Server Error", http.StatusInternalServerError)
			handled = true
		}
	}()

	for _, stage := range p.stages {
		res, err := stage.Handle(ctx, req)
		if err != nil {
			p.logger.Error().Err(err).Str("url", req.R.URL.String()).
				Msg("pipeline stage failed")
			http.Error(req.W, "Internal Server Error", http.StatusInternalServerError)
			return true
		}
		if res == Handled {
			return true
		}
	}
	return false
}
