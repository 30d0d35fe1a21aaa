package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/arzzra/voice_bot/pkg/control"
	"github.com/arzzra/voice_bot/pkg/session"
)

const (
	defaultTenant  = "default"
	defaultSubject = "Llamada automática"
	maxBodyBytes   = 64 << 10
	hangupTimeout  = 5 * time.Second
)

// OriginateRequest тело POST /call
type OriginateRequest struct {
	Number       string `json:"number"`
	CustomerName string `json:"customer_name"`
	AgentContext string `json:"agent_context"`
	TenantID     string `json:"tenant_id,omitempty"`
	Subject      string `json:"subject,omitempty"`
}

// OriginateResponse ответ POST /call
type OriginateResponse struct {
	Success   bool   `json:"success"`
	CallID    string `json:"call_id"`
	ChannelID string `json:"channel_id,omitempty"`
	Status    string `json:"status"`
	Number    string `json:"number"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Missing []string `json:"missing,omitempty"`
}

type healthResponse struct {
	Status      string `json:"status"`
	ActiveCalls int    `json:"active_calls"`
}

type callsResponse struct {
	Total int                `json:"total"`
	Calls []session.Snapshot `json:"calls"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		ActiveCalls: len(s.sessions.Sessions()),
	})
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	calls := s.sessions.Sessions()
	if calls == nil {
		calls = []session.Snapshot{}
	}
	writeJSON(w, http.StatusOK, callsResponse{Total: len(calls), Calls: calls})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := channelID(r.PathValue("id"))
	for _, snap := range s.sessions.Sessions() {
		if snap.ID == id {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "звонок не найден"})
}

func (s *Server) handleOriginate(w http.ResponseWriter, r *http.Request) {
	var req OriginateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "невалидный JSON: " + err.Error()})
		return
	}
	if missing := req.missing(); len(missing) > 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "не заданы обязательные поля", Missing: missing})
		return
	}
	if strings.ContainsAny(req.Number, "/&, \t") {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "невалидный номер"})
		return
	}
	if req.TenantID == "" {
		req.TenantID = defaultTenant
	}
	if req.Subject == "" {
		req.Subject = defaultSubject
	}

	callID := s.newCallID()
	channel, err := s.plane.Originate(r.Context(), control.OriginateRequest{
		Endpoint:  fmt.Sprintf(s.cfg.OriginateEndpoint, req.Number),
		CallerID:  s.cfg.OriginateCallerID,
		Timeout:   s.cfg.OriginateTimeout,
		ChannelID: callID,
		AppArgs:   s.appArgs(callID, req),
	})
	if err != nil {
		s.log.Error("originate failed", "number", req.Number, "call_id", callID, "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "не удалось создать звонок: " + err.Error()})
		return
	}

	s.log.Info("outbound call originated", "number", req.Number, "call_id", callID, "channel", channel, "tenant", req.TenantID)
	writeJSON(w, http.StatusCreated, OriginateResponse{
		Success:   true,
		CallID:    callID,
		ChannelID: channel,
		Status:    "ringing",
		Number:    req.Number,
	})
}

func (r OriginateRequest) missing() []string {
	var out []string
	if strings.TrimSpace(r.Number) == "" {
		out = append(out, "number")
	}
	if strings.TrimSpace(r.CustomerName) == "" {
		out = append(out, "customer_name")
	}
	if strings.TrimSpace(r.AgentContext) == "" {
		out = append(out, "agent_context")
	}
	return out
}

// appArgs аргументы приложения для нового канала. Запятая разделяет
// аргументы, поэтому в значениях она заменяется.
func (s *Server) appArgs(callID string, req OriginateRequest) []string {
	arg := func(k, v string) string {
		return k + "=" + strings.ReplaceAll(v, ",", ".")
	}
	return []string{
		arg(s.cfg.ContextKey, req.AgentContext),
		arg(s.cfg.CustomerKey, req.CustomerName),
		arg("tenant", req.TenantID),
		arg("subject", req.Subject),
		arg("call_id", callID),
	}
}

// handleHangup завершает звонок после паузы HangupDelay, чтобы бот
// успел договорить. Используется диалоговым бэкендом.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	id := channelID(r.PathValue("id"))
	log := s.log.With("call_id", id)

	s.afterFunc(s.cfg.HangupDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
		defer cancel()
		err := s.plane.Hangup(ctx, id)
		switch {
		case errors.Is(err, control.ErrNotFound):
			log.Debug("delayed hangup: channel already gone")
		case err != nil:
			log.Error("delayed hangup failed", "error", err)
		default:
			log.Info("delayed hangup done")
		}
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":    true,
		"channel_id": id,
		"delay_ms":   s.cfg.HangupDelay.Milliseconds(),
	})
}

// channelID восстанавливает id канала из безопасной формы (точки заменены
// на подчеркивания), в которой он уходит в диалоговый бэкенд
func channelID(raw string) string {
	return strings.ReplaceAll(raw, "_", ".")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func accessLog(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func recoverPanics(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				log.Error("panic in handler", "panic", v, "path", r.URL.Path, "stack", string(debug.Stack()))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
