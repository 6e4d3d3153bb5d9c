// Package server exposes the evaluation machine over Connect RPC.
// Messages are CBOR; there is no generated schema. One MachineWorker
// goroutine owns all evaluation, so concurrent requests serialize.
package server

import (
	"net/http"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/ferrite/constcache"
)

var log = commonlog.GetLogger("ferrite.server")

// Server is the eval service plus its worker and optional cache.
type Server struct {
	worker *MachineWorker
	cache  *constcache.Cache
	mux    *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithCache attaches a const-eval outcome cache. The server closes it
// on Stop.
func WithCache(c *constcache.Cache) Option {
	return func(s *Server) { s.cache = c }
}

// New creates a Server with its handlers registered.
func New(opts ...Option) *Server {
	s := &Server{
		worker: NewMachineWorker(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	svc := NewEvalService(s.worker, s.cache)
	codec := connect.WithCodec(cborCodec{})

	s.mux.Handle(ProcEvaluate, connect.NewUnaryHandler(ProcEvaluate, svc.Evaluate, codec))
	s.mux.Handle(ProcListTargets, connect.NewUnaryHandler(ProcListTargets, svc.ListTargets, codec))
	s.mux.Handle(ProcHealth, connect.NewUnaryHandler(ProcHealth, svc.Health, codec))

	return s
}

// Handler returns the HTTP handler serving all procedures.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts the HTTP server on addr ("host:port" or
// ":port").
func (s *Server) ListenAndServe(addr string) error {
	log.Infof("ferrite eval server listening on %s", addr)
	return http.ListenAndServe(addr, s.mux)
}

// Stop shuts down the worker and closes the cache.
func (s *Server) Stop() {
	s.worker.Stop()
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			log.Warningf("closing cache: %v", err)
		}
	}
}
