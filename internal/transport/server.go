package transport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/cosimctl/internal/channel"
	"github.com/3cpo-dev/cosimctl/internal/telemetry"
)

// MaxWait bounds one long-poll receive; clients poll again on 204.
const MaxWait = 30 * time.Second

// Server exposes a channel hub over HTTP.
type Server struct {
	Version string
	// Token enables bearer-token auth when set.
	Token string
	Hub   *channel.Hub

	mu  sync.Mutex
	srv *http.Server
}

// Handler returns the routes wrapped in token auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return s.auth(mux)
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v0/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		telemetry.CounterGlobal("cosim_transport_heartbeats", 1, nil)
		writeJSON(w, http.StatusOK, HeartbeatResponse{Time: time.Now(), Host: r.Host, Version: s.Version})
	})
	mux.HandleFunc("POST /v0/channels/{name}/send", s.handleSend)
	mux.HandleFunc("POST /v0/channels/{name}/receive", s.handleReceive)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && r.URL.Path != "/v0/heartbeat" {
			tok := r.Header.Get("X-Auth-Token")
			if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				tok = bearer
			}
			if subtle.ConstantTimeCompare([]byte(tok), []byte(s.Token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer r.Body.Close()
	name := r.PathValue("name")

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	status := http.StatusAccepted
	if err := s.Hub.Send(r.Context(), req.Message, name); err != nil {
		status = statusOf(err)
		writeJSON(w, status, ErrorResponse{Error: err.Error()})
	} else {
		w.WriteHeader(status)
	}
	log.Debug().Str("channel", name).Str("message", req.Message.String()).Int("status", status).Msg("send")
	telemetry.TimerGlobal("cosim_transport_request_duration", time.Since(start), map[string]string{
		"endpoint": "send",
		"status":   fmt.Sprint(status),
	})
}

// handleReceive long-polls the channel. An optional ?wait= duration (capped by MaxWait)
// bounds the poll; 204 means nothing arrived.
func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	wait := MaxWait
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid wait"})
			return
		}
		if d < wait {
			wait = d
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	msg, err := s.Hub.Receive(ctx, name)
	switch {
	case err == nil && r.Context().Err() != nil:
		// dequeued for a client that is gone: put it back for the next poll
		if rerr := s.Hub.Send(context.WithoutCancel(r.Context()), msg, name); rerr != nil {
			log.Warn().Err(rerr).Str("channel", name).Str("message", msg.String()).Msg("client gone, message dropped")
			return
		}
		log.Warn().Str("channel", name).Str("message", msg.String()).Msg("client gone, message requeued")
	case err == nil:
		writeJSON(w, http.StatusOK, ReceiveResponse{Message: msg})
	case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
		w.WriteHeader(http.StatusNoContent)
	case r.Context().Err() != nil:
		// client went away
	default:
		writeJSON(w, statusOf(err), ErrorResponse{Error: err.Error()})
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, channel.ErrEndpointFull):
		return http.StatusTooManyRequests
	case errors.Is(err, channel.ErrNoEndpoint):
		return http.StatusBadRequest
	case errors.Is(err, channel.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) newHTTPServer(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// receive holds the response open for up to MaxWait
		WriteTimeout: MaxWait + 10*time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	return srv
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	srv := s.newHTTPServer(addr)
	log.Info().Str("addr", addr).Bool("auth", s.Token != "").Msg("serving channels")
	return ignoreClosed(srv.ListenAndServe())
}

// Serve serves on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	srv := s.newHTTPServer(l.Addr().String())
	log.Info().Str("addr", l.Addr().String()).Bool("auth", s.Token != "").Msg("serving channels")
	return ignoreClosed(srv.Serve(l))
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	return srv.Shutdown(ctx)
}
