// Package server wires together the request handler, the conversation
// registry, and the upstream clients into the HTTP surface described in
// spec section 6: the core chat endpoint, reset/health/dashboard/metrics
// endpoints, and a transparent passthrough catch-all.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dbproxy/dbproxy/internal/buffer"
	"github.com/dbproxy/dbproxy/internal/bus"
	"github.com/dbproxy/dbproxy/internal/config"
	"github.com/dbproxy/dbproxy/internal/dashboard"
	"github.com/dbproxy/dbproxy/internal/identity"
	. "github.com/dbproxy/dbproxy/internal/logging"
	"github.com/dbproxy/dbproxy/internal/metrics"
	"github.com/dbproxy/dbproxy/internal/store"
	"github.com/dbproxy/dbproxy/internal/upstream"
)

// Server is the proxy's HTTP frontend.
type Server struct {
	httpServer *http.Server
	wg         sync.WaitGroup

	cfgMu sync.RWMutex
	cfg   *config.Config

	reg        *identity.Registry
	forward    *upstream.Client
	checkpoint buffer.CheckpointClient
	st         *store.Store
	dash       *dashboard.Broadcaster
}

// New builds a Server bound to addr, sharing the given registry and
// upstream clients with the rest of the process.
func New(addr string, cfg *config.Config, reg *identity.Registry, forward *upstream.Client, checkpoint buffer.CheckpointClient, st *store.Store, dash *dashboard.Broadcaster) *Server {
	s := &Server{
		cfg:        cfg,
		reg:        reg,
		forward:    forward,
		checkpoint: checkpoint,
		st:         st,
		dash:       dash,
	}

	WireRegistry(reg, st)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: upstream.ForwardTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// WireRegistry installs the registry's phase-transition hook, fanning
// every manager's transitions out to metrics, telemetry storage, and the
// dashboard event bus, without internal/buffer importing any of them.
func WireRegistry(reg *identity.Registry, st *store.Store) {
	reg.OnTransition(func(key string, from, to buffer.Phase, trigger string) {
		metrics.RecordTransition(from.String(), to.String())
		if st != nil {
			st.RecordTransition(context.Background(), key, from.String(), to.String(), trigger)
		}
		bus.PublishEventWithSource(bus.TopicPhaseTransition, map[string]any{
			"key":     key,
			"from":    from.String(),
			"to":      to.String(),
			"trigger": trigger,
		}, key)
	})
}

// Config returns a copy of the live configuration.
func (s *Server) Config() config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return *s.cfg
}

// SetConfig atomically replaces the live configuration, taking effect on
// the next request for every tracked conversation.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg = cfg
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.recoverPanic(h))
	}

	mux.HandleFunc("/v1/messages", wrap(s.handleMessages))
	mux.HandleFunc("/v1/_reset", wrap(s.handleReset))
	mux.HandleFunc("/health", wrap(s.handleHealth))

	mux.HandleFunc("/dashboard/ws", wrap(s.dash.ServeWS))
	mux.HandleFunc("/dashboard/api/conversation/", wrap(s.handleDashboardConversation))
	mux.HandleFunc("/dashboard", wrap(s.handleDashboardIndex))

	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/", wrap(s.handlePassthrough))

	return mux
}

// Start begins serving in the background. When tlsConfig is non-nil the
// server terminates inbound TLS with it (spec section 6); otherwise it
// serves plaintext, used by tests and local passthrough debugging.
func (s *Server) Start(tlsConfig *tls.Config) error {
	s.httpServer.TLSConfig = tlsConfig

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("server: starting", "addr", s.httpServer.Addr)

		var err error
		if tlsConfig != nil {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			L_error("server: listen error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down, waiting up to 10s for in-flight
// requests (including long-lived SSE streams) to finish.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		L_error("server: shutdown error", "error", err)
		return err
	}
	s.wg.Wait()
	L_info("server: stopped")
	return nil
}

// logRequest logs method/path/status/duration and records both the
// Prometheus and telemetry-store views of the outcome.
func (s *Server) logRequest(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		h(lw, r)

		duration := time.Since(start)
		L_trace("server: request", "method", r.Method, "path", r.URL.Path, "status", lw.statusCode, "duration", duration)
		metrics.RecordRequest(r.URL.Path, lw.statusCode, duration)
		if s.st != nil {
			s.st.RecordRequest(r.Context(), lw.convKey, r.Method, r.URL.Path, lw.statusCode, duration)
		}
	}
}

// recoverPanic converts an invalid-transition panic (or any other handler
// panic) into a 500 instead of taking the whole server down, per spec
// section 7's "hot path never throws into the client" policy -- the
// panic itself is still logged loudly, since InvalidTransition is a
// programmer error that must fail loudly somewhere.
func (s *Server) recoverPanic(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				L_error("server: handler panic", "path", r.URL.Path, "panic", rec)
				http.Error(w, `{"error":{"type":"internal_error","message":"internal error"}}`, http.StatusInternalServerError)
			}
		}()
		h(w, r)
	}
}

// loggingResponseWriter captures the response status and (once set by a
// handler) the conversation key, for request-outcome telemetry, and
// implements http.Flusher so SSE streaming still works through it and
// http.Hijacker so the dashboard websocket upgrade does too.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	convKey    string
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: underlying ResponseWriter does not support hijacking")
	}
	return h.Hijack()
}

func bufferConfigFromConfig(cfg config.Config) buffer.Config {
	return buffer.Config{
		CheckpointThreshold:  cfg.CheckpointThreshold,
		SwapThreshold:        cfg.SwapThreshold,
		CompactTriggerTokens: int(cfg.CompactTriggerTokens),
		CheckpointTimeout:    upstream.CheckpointTimeout,
	}
}
