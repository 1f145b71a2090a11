package observer

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/msageha/exprun/internal/model"
)

const shutdownTimeout = 5 * time.Second

type apiError struct {
	Error string `json:"error"`
}

type commandRequest struct {
	Action  model.Action   `json:"action"`
	Payload map[string]any `json:"payload"`
}

type commandResponse struct {
	Status  string        `json:"status"`
	Command model.Command `json:"command"`
}

// Server exposes a Session over HTTP.
type Server struct {
	session *Session
	logger  zerolog.Logger
	limiter *rate.Limiter
	server  *http.Server
}

func NewServer(session *Session, cfg model.ObserverConfig, logger zerolog.Logger) *Server {
	rps := cfg.CommandRatePerSec
	if rps <= 0 {
		rps = 5
	}
	burst := max(cfg.CommandBurst, 1)
	s := &Server{
		session: session,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /api/tasks/{id}/logs", s.handleLog)
	mux.HandleFunc("GET /api/tasks/{id}/metrics/{file}", s.handleMetric)
	mux.HandleFunc("GET /api/commands", s.handlePendingCommands)
	mux.HandleFunc("POST /api/commands", s.handleCommand)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	return s.logRequest(mux)
}

// Serve listens on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("observer_listening")
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("observer_stopped")
	return nil
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("observer_request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.session.State()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	details, err := s.session.TaskDetails(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	tail := DefaultLogTail
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 10 || n > MaxLogTail {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "tail must be an integer between 10 and 5000"})
			return
		}
		tail = n
	}
	out, err := s.session.ReadLog(r.PathValue("id"), r.URL.Query().Get("run_id"), tail)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMetric(w http.ResponseWriter, r *http.Request) {
	out, err := s.session.ReadMetric(r.PathValue("id"), r.PathValue("file"), DefaultMetricLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePendingCommands(w http.ResponseWriter, _ *http.Request) {
	cmds, err := s.session.PendingCommands()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, apiError{Error: "too many commands"})
		return
	}
	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return
	}
	cmd, err := s.session.SendCommand(req.Action, req.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Status: "accepted", Command: cmd})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	runs, err := s.session.History(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrFileNotFound), errors.Is(err, ErrNoHistory):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidCommand):
		status = http.StatusBadRequest
	default:
		s.logger.Error().Err(err).Msg("observer_request_failed")
	}
	writeJSON(w, status, apiError{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
