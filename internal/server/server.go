// Package server exposes a Controller over HTTP: start and stop a monitor,
// poll queued alerts and scrape metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultFolder is watched when a start request names no folder.
const DefaultFolder = "./sandbox"

// Options tunes the HTTP surface.
type Options struct {
	// RateLimit is the sustained requests per second allowed per client IP.
	// Zero disables limiting.
	RateLimit rate.Limit
	Burst     int
	Logger    *zap.Logger
}

// DefaultOptions allows a polling UI plus occasional control calls.
func DefaultOptions() Options {
	return Options{RateLimit: 20, Burst: 40}
}

// Server routes HTTP requests to a Controller.
type Server struct {
	ctrl   *Controller
	router *mux.Router
	logger *zap.Logger
}

// New wires the routes.
func New(ctrl *Controller, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{ctrl: ctrl, router: mux.NewRouter(), logger: logger}

	s.router.Use(s.logRequests)
	if opts.RateLimit > 0 {
		s.router.Use(s.rateLimitMiddleware(opts.RateLimit, opts.Burst))
	}

	s.router.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	s.router.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	s.router.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(ctrl.Metrics().Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down and
// stops any live monitor.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("Control surface listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	<-errCh
	if _, stopErr := s.ctrl.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

type startRequest struct {
	Folder string `json:"folder"`
	Window int    `json:"window"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Folder == "" {
		req.Folder = DefaultFolder
	}
	if req.Window < 0 {
		s.writeError(w, http.StatusBadRequest, "window must not be negative")
		return
	}

	res, err := s.ctrl.Start(req.Folder, req.Window)
	if err != nil {
		s.logger.Warn("Start failed", zap.String("folder", req.Folder), zap.Error(err))
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.Stop()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Drain())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.ctrl.Running(),
		"time":    time.Now().Format(time.RFC3339),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Int("status", code), zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

// --------------------------------------------------------------------------
// Middleware
// --------------------------------------------------------------------------

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimitMiddleware limits each client IP to r requests per second.
func (s *Server) rateLimitMiddleware(r rate.Limit, burst int) mux.MiddlewareFunc {
	if burst < 1 {
		burst = 1
	}
	var mu sync.Mutex
	visitors := make(map[string]*visitor)

	get := func(ip string, now time.Time) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		for k, v := range visitors {
			if now.Sub(v.lastSeen) > 30*time.Minute {
				delete(visitors, k)
			}
		}
		v, ok := visitors[ip]
		if !ok {
			v = &visitor{limiter: rate.NewLimiter(r, burst)}
			visitors[ip] = v
		}
		v.lastSeen = now
		return v.limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			now := time.Now()
			if !get(clientIP(req), now).AllowN(now, 1) {
				s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
