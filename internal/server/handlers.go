package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/sells-group/maintops/internal/job"
	"github.com/sells-group/maintops/internal/refresh"
)

const (
	msgStarted        = "Proceso iniciado"
	msgAlreadyRunning = "Proceso ya en curso"
	msgReset          = "Estado reiniciado"
)

// startResponse is returned by POST /iniciar.
type startResponse struct {
	OK      bool      `json:"ok"`
	Message string    `json:"mensaje"`
	State   job.State `json:"estado"`
}

// resetResponse is returned by POST /reiniciar.
type resetResponse struct {
	OK      bool       `json:"ok"`
	Message string     `json:"mensaje"`
	State   *job.State `json:"estado,omitempty"`
}

type historyResponse struct {
	OK      bool               `json:"ok"`
	Data    []refresh.RunEntry `json:"data"`
	Message string             `json:"mensaje,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	state, started := s.jobs.Start(r.Context())
	msg := msgStarted
	if !started {
		msg = msgAlreadyRunning
	}
	s.jsonResponse(w, http.StatusAccepted, startResponse{OK: true, Message: msg, State: state})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.jobs.Status())
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	state, err := s.jobs.Reset()
	if errors.Is(err, job.ErrRunning) {
		s.jsonResponse(w, http.StatusConflict, resetResponse{OK: false, Message: err.Error()})
		return
	}
	if err != nil {
		s.log.Error("reset failed", zap.Error(err))
		s.jsonResponse(w, http.StatusInternalServerError, resetResponse{OK: false, Message: err.Error()})
		return
	}
	s.jsonResponse(w, http.StatusOK, resetResponse{OK: true, Message: msgReset, State: &state})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.jsonResponse(w, http.StatusOK, historyResponse{OK: true, Data: []refresh.RunEntry{}})
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.jsonResponse(w, http.StatusBadRequest, historyResponse{OK: false, Data: []refresh.RunEntry{}, Message: "limit inválido"})
			return
		}
		limit = n
	}

	entries, err := s.history.ListRecent(r.Context(), limit)
	if err != nil {
		s.log.Error("list history", zap.Error(err))
		s.jsonResponse(w, http.StatusInternalServerError, historyResponse{OK: false, Data: []refresh.RunEntry{}, Message: err.Error()})
		return
	}
	s.jsonResponse(w, http.StatusOK, historyResponse{OK: true, Data: entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.log.Warn("health check: database unreachable", zap.Error(err))
			s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("encode response", zap.Error(err))
	}
}
