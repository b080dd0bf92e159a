// Package api is the loopback-only HTTP surface the UI consumes: a thin
// shell over the Store, Rewind Engine, and Fork Engine that enforces no
// AuthN/Z beyond loopback binding.
package api

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Server serves the Forked daemon's REST/JSON API on 127.0.0.1, CORS
// restricted to localhost/127.0.0.1 origins.
type Server struct {
	store     apiStore
	rewind    rewindEngine
	fork      forkEngine
	cfg       configView
	startedAt time.Time

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	http *http.Server
	mux  *http.ServeMux
}

// New constructs a Server bound to 127.0.0.1:port.
func New(store apiStore, rewind rewindEngine, fork forkEngine, cfg configView, port int, startedAt time.Time) *Server {
	s := &Server{
		store:     store,
		rewind:    rewind,
		fork:      fork,
		cfg:       cfg,
		startedAt: startedAt,
		limiters:  make(map[string]*rate.Limiter),
	}
	s.mux = s.buildMux()
	s.http = &http.Server{
		Addr:    net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Handler: s.cors(s.mux),
	}
	return s
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("GET /api/openclaw-config", s.handleOpenclawConfig)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/traces/{id}", s.handleTraces)
	mux.HandleFunc("GET /api/snapshots/{id}", s.handleSnapshots)
	mux.HandleFunc("GET /api/rewind/preview/{runId}/{seq}", s.handleRewindPreview)
	mux.HandleFunc("POST /api/rewind", s.rateLimited(s.handleRewind))
	mux.HandleFunc("POST /api/fork", s.rateLimited(s.handleFork))
	return mux
}

// Serve blocks accepting API requests until the server is shut down.
func (s *Server) Serve() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and waits for in-flight ones to
// drain, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// cors restricts responses to localhost/127.0.0.1 origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isLoopbackOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

// rateLimited gates a POST handler behind a per-remote-addr token bucket.
// A safety net against a runaway UI, not an AuthN boundary.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(r) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

func (s *Server) allow(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	lim, ok := s.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(10), 20)
		s.limiters[host] = lim
	}
	return lim.Allow()
}
