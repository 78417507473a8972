// Package api exposes the call registry to local UI surfaces over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/observer/teacall/internal/call"
	"github.com/observer/teacall/internal/database"
	"github.com/observer/teacall/internal/domain"
)

const (
	eventBuffer  = 16
	reportExpiry = 15 * time.Minute
)

// Calls is the registry as the API drives it. *call.Registry implements it.
type Calls interface {
	StartCall(ctx context.Context, remote domain.Participant, roomID string) (domain.CallSession, error)
	AcceptCall(ctx context.Context, remote domain.Participant, roomID string) (domain.CallSession, error)
	EndCall() error
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	SwapVideoSource(ctx context.Context, toScreen bool) error
	TogglePictureInPicture() (bool, error)
	Current() (domain.CallSession, bool)
	Subscribe(buffer int) (<-chan domain.CallSession, func())
}

var _ Calls = (*call.Registry)(nil)

// History reads archived calls. *database.CallRepository implements it.
type History interface {
	ListRecent(ctx context.Context, remoteID string, limit, offset int) ([]database.CallRecord, error)
	GetCall(ctx context.Context, sessionID string) (*database.CallRecord, error)
}

// Reports links a call to its diagnostics report.
type Reports interface {
	ReportURL(ctx context.Context, cs domain.CallSession, expiry time.Duration) (string, error)
}

// CallHandler handles call-related HTTP endpoints
type CallHandler struct {
	calls   Calls
	history History
	reports Reports
	logger  *slog.Logger
	now     func() time.Time
	tick    time.Duration
}

// NewCallHandler creates a new CallHandler. history and reports may be nil.
func NewCallHandler(calls Calls, history History, reports Reports, logger *slog.Logger) *CallHandler {
	return &CallHandler{
		calls:   calls,
		history: history,
		reports: reports,
		logger:  logger.With("component", "api"),
		now:     time.Now,
		tick:    time.Second,
	}
}

type callRequest struct {
	Remote domain.Participant `json:"remote"`
	RoomID string             `json:"roomId"`
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *CallHandler) view() call.View {
	cs, ok := h.calls.Current()
	if !ok {
		return call.IdleView()
	}
	return call.Render(cs, h.now())
}

// GetCall godoc
// @Summary Get the current call view
// @Tags call
// @Produce json
// @Success 200 {object} call.View
// @Router /call [get]
func (h *CallHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.view())
}

// StartCall godoc
// @Summary Call a participant
// @Tags call
// @Accept json
// @Produce json
// @Success 201 {object} call.View
// @Router /call/start [post]
func (h *CallHandler) StartCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cs, err := h.calls.StartCall(r.Context(), req.Remote, req.RoomID)
	if err != nil {
		h.handleCallError(w, "start call", err)
		return
	}
	writeJSON(w, http.StatusCreated, call.Render(cs, h.now()))
}

// AcceptCall godoc
// @Summary Answer a call in a known room
// @Tags call
// @Accept json
// @Produce json
// @Success 201 {object} call.View
// @Router /call/accept [post]
func (h *CallHandler) AcceptCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cs, err := h.calls.AcceptCall(r.Context(), req.Remote, req.RoomID)
	if err != nil {
		h.handleCallError(w, "accept call", err)
		return
	}
	writeJSON(w, http.StatusCreated, call.Render(cs, h.now()))
}

func (h *CallHandler) EndCall(w http.ResponseWriter, r *http.Request) {
	if err := h.calls.EndCall(); err != nil {
		h.handleCallError(w, "end call", err)
		return
	}
	writeJSON(w, http.StatusOK, h.view())
}

func (h *CallHandler) ToggleAudio(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, "toggle audio", h.calls.ToggleAudio)
}

func (h *CallHandler) ToggleVideo(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, "toggle video", h.calls.ToggleVideo)
}

func (h *CallHandler) TogglePictureInPicture(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, "toggle picture-in-picture", h.calls.TogglePictureInPicture)
}

func (h *CallHandler) toggle(w http.ResponseWriter, op string, fn func() (bool, error)) {
	enabled, err := fn()
	if err != nil {
		h.handleCallError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled, "call": h.view()})
}

// ShareScreen godoc
// @Summary Switch outgoing video between camera and screen
// @Tags call
// @Accept json
// @Param request body toggleRequest true "enabled=true shares the screen"
// @Router /call/screen [post]
func (h *CallHandler) ShareScreen(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.calls.SwapVideoSource(r.Context(), req.Enabled); err != nil {
		h.handleCallError(w, "swap video source", err)
		return
	}
	writeJSON(w, http.StatusOK, h.view())
}

// Events streams the call view as Server-Sent Events. A view is sent on
// every change and once a second while a call is live, so the duration
// keeps counting.
func (h *CallHandler) Events(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("failed to clear write deadline", "error", err)
	}

	updates, unsubscribe := h.calls.Subscribe(eventBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var last *domain.CallSession
	send := func(v call.View) bool {
		data, err := json.Marshal(v)
		if err != nil {
			h.logger.Error("failed to encode call view", "error", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "event: call\ndata: %s\n\n", data); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	if _, ok := h.calls.Current(); !ok {
		if !send(call.IdleView()) {
			return
		}
	}

	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case cs, ok := <-updates:
			if !ok {
				return
			}
			last = &cs
			if !send(call.Render(cs, h.now())) {
				return
			}
		case <-ticker.C:
			if last == nil || last.State != domain.StateConnected {
				continue
			}
			if !send(call.Render(*last, h.now())) {
				return
			}
		}
	}
}

// GetCallHistory godoc
// @Summary List finished calls, newest first
// @Tags calls
// @Produce json
// @Param remote query string false "Only calls with this participant"
// @Param limit query int false "Limit (default 50)"
// @Param offset query int false "Offset (default 0)"
// @Success 200 {object} map[string]interface{}
// @Router /calls [get]
func (h *CallHandler) GetCallHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "Call history is not enabled")
		return
	}

	limit := 50
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	calls, err := h.history.ListRecent(r.Context(), r.URL.Query().Get("remote"), limit, offset)
	if err != nil {
		h.logger.Error("failed to get call history", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get call history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"calls":  calls,
		"limit":  limit,
		"offset": offset,
	})
}

// GetCallRecord godoc
// @Summary Get a finished call
// @Tags calls
// @Produce json
// @Param id path string true "Session ID"
// @Router /calls/{id} [get]
func (h *CallHandler) GetCallRecord(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "Call history is not enabled")
		return
	}

	id := r.PathValue("id")
	rec, err := h.history.GetCall(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Call not found")
			return
		}
		h.logger.Error("failed to get call", "error", err, "session_id", id)
		writeError(w, http.StatusInternalServerError, "Failed to get call")
		return
	}

	resp := map[string]any{"call": rec}
	if h.reports != nil {
		url, err := h.reports.ReportURL(r.Context(), domain.CallSession{ID: rec.SessionID, StartedAt: rec.StartedAt}, reportExpiry)
		if err != nil {
			h.logger.Warn("failed to sign report url", "error", err, "session_id", id)
		} else {
			resp["report_url"] = url
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CallHandler) handleCallError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidParticipant),
		errors.Is(err, domain.ErrSelfCall),
		errors.Is(err, domain.ErrInvalidRoom):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNoActiveCall),
		errors.Is(err, domain.ErrSessionClosed),
		errors.Is(err, domain.ErrNoAudioTrack),
		errors.Is(err, domain.ErrNoVideoTrack),
		errors.Is(err, domain.ErrNoStream),
		errors.Is(err, domain.ErrSwapInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrRegistryClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request cancelled")
	default:
		h.logger.Error("call operation failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to "+op)
	}
}
