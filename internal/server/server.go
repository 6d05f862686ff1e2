// Package server sets up the HTTP router, middleware, and the proxy request
// pipeline that sits between clients and the backend inference server.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/howard-nolan/llmcache/internal/cache"
	"github.com/howard-nolan/llmcache/internal/config"
	"github.com/howard-nolan/llmcache/internal/upstream"
)

// Server holds the HTTP router and the dependencies every handler needs:
// the cache engine and the upstream client. Both are passed in explicitly —
// the engine is a handle created once in main, not a package global.
type Server struct {
	router   chi.Router
	cfg      *config.Config
	engine   *cache.Engine
	upstream *upstream.Client
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(cfg *config.Config, engine *cache.Engine, client *upstream.Client) *Server {
	s := &Server{cfg: cfg, engine: engine, upstream: client}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions,
// gathered in one method so the routing table is easy to scan.
func (s *Server) routes() {
	r := chi.NewRouter()

	// middleware.Logger prints a log line for every request: method, path,
	// status, duration. middleware.Recoverer catches handler panics and
	// turns them into 500s instead of crashing the whole proxy.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Generation endpoints — the three dialect entry points into the one
	// shared pipeline.
	r.Post("/generate", s.handleGenerate)
	r.Post("/v1/completions", s.handleCompletions)
	r.Post("/v1/chat/completions", s.handleChatCompletions)

	// Cache administration.
	r.Get("/cache/stats", s.handleStats)
	r.Post("/cache/clear", s.handleClear)
	r.Get("/cache/info", s.handleInfo)

	r.Get("/health", s.handleHealth)

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface; every incoming
// request is delegated to chi's router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
