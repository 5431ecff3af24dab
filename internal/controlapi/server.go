// Package controlapi implements the tunnel daemon's control surface
// (spec.md component C9): a local net/http + encoding/json API that
// tunnelctl and monitoring use to inspect and mutate daemon state.
//
// The teacher's internal/server exposes a ConnectRPC+protobuf service
// generated from a .proto file that is not present in this corpus; this
// package carries the same intent -- a thin adapter in front of the
// supervisor, one handler method per operation, logged at the same call
// sites the teacher's RPC handlers log entry -- over a hand-written JSON
// API instead.
package controlapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/wanglonggod/ConnectTool12/internal/tunnel"
)

// Supervisor is the subset of *tunnel.Supervisor the control API drives.
type Supervisor interface {
	Status() tunnel.Status
	SetLocalPort(port int)
	SetRole(isHost bool)
}

// Server is the control API's handler set.
type Server struct {
	sup    Supervisor
	logger *slog.Logger
}

// New constructs a Server over sup.
func New(sup Supervisor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sup: sup, logger: logger.With(slog.String("component", "controlapi"))}
}

// Handler returns the routed, logged, panic-recovering http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/local-port", s.handleSetLocalPort)
	mux.HandleFunc("POST /v1/role", s.handleSetRole)
	return recoveryMiddleware(s.logger, loggingMiddleware(s.logger, mux))
}

// statusResponse is the JSON body of GET /v1/status.
type statusResponse struct {
	OverlayUp bool   `json:"overlay_up"`
	Role      string `json:"role"`
	LocalPort int    `json:"local_port"`
	FlowCount int    `json:"flow_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w)
}

// writeStatus writes the supervisor's current status as the JSON response
// body. Used both by GET /v1/status and by the mutation endpoints, so a
// caller always sees the full, up-to-date state rather than just the field
// it touched.
func (s *Server) writeStatus(w http.ResponseWriter) {
	st := s.sup.Status()
	role := "client"
	if st.IsHost {
		role = "host"
	}
	writeJSON(w, http.StatusOK, statusResponse{
		OverlayUp: st.OverlayUp,
		Role:      role,
		LocalPort: st.LocalPort,
		FlowCount: st.FlowCount,
	})
}

type localPortRequest struct {
	Port int `json:"port"`
}

func (s *Server) handleSetLocalPort(w http.ResponseWriter, r *http.Request) {
	var req localPortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, errors.New("port must be between 0 and 65535"))
		return
	}

	s.sup.SetLocalPort(req.Port)
	s.logger.InfoContext(r.Context(), "local port updated", slog.Int("port", req.Port))
	s.writeStatus(w)
}

type roleRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	var isHost bool
	switch req.Role {
	case "host":
		isHost = true
	case "client":
		isHost = false
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("role must be %q or %q, got %q", "host", "client", req.Role))
		return
	}

	s.sup.SetRole(isHost)
	s.logger.InfoContext(r.Context(), "role updated", slog.String("role", req.Role))
	s.writeStatus(w)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// loggingMiddleware logs every request with method, path, status, and
// duration, grounded on internal/server's LoggingInterceptor -- the same
// shape applied to net/http instead of a ConnectRPC interceptor chain.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		duration := time.Since(start)

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Duration("duration", duration),
		}
		level := slog.LevelInfo
		if sw.status >= 400 {
			level = slog.LevelWarn
		}
		logger.LogAttrs(r.Context(), level, "request completed", attrs...)
	})
}

// recoveryMiddleware recovers panics in handlers, logs the stack trace,
// and returns 500, grounded on internal/server's RecoveryInterceptor.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				logger.ErrorContext(r.Context(), "panic recovered in control api handler",
					slog.Any("panic", rec),
					slog.String("stack", string(buf[:n])),
				)
				writeError(w, http.StatusInternalServerError, errors.New("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
