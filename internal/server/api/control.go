package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ayusman/posecam/internal/app"
	"github.com/ayusman/posecam/internal/perf"
)

// ControlHandler serves the controller lifecycle endpoints:
//
//	GET  /api/status
//	POST /api/enable
//	POST /api/disable
type ControlHandler struct {
	ctrl  *app.Controller
	start time.Time
}

// NewControlHandler creates a ControlHandler for ctrl.
func NewControlHandler(ctrl *app.Controller) *ControlHandler {
	return &ControlHandler{ctrl: ctrl, start: time.Now()}
}

type statusResponse struct {
	app.Snapshot
	Stats        app.Stats         `json:"stats"`
	Capabilities perf.Capabilities `json:"capabilities"`
	Uptime       string            `json:"uptime"`
}

func (h *ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch strings.TrimPrefix(r.URL.Path, "/api/") {
	case "status":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.status(w)
	case "enable":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.enable(w, r)
	case "disable":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ctrl.Disable()
		writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
	default:
		http.NotFound(w, r)
	}
}

func (h *ControlHandler) status(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, statusResponse{
		Snapshot:     h.ctrl.Snapshot(),
		Stats:        h.ctrl.Stats(),
		Capabilities: h.ctrl.Capabilities(),
		Uptime:       time.Since(h.start).Round(time.Second).String(),
	})
}

// enable handles POST /api/enable. It blocks until the camera and detector
// are up or have failed.
func (h *ControlHandler) enable(w http.ResponseWriter, r *http.Request) {
	err := h.ctrl.Enable(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
	case errors.Is(err, app.ErrCanceled):
		writeFailure(w, http.StatusConflict, "Enable was canceled", err)
	case errors.Is(err, app.ErrClosed):
		writeFailure(w, http.StatusServiceUnavailable, "Controller is shut down", err)
	default:
		info := app.NewErrorInfo(err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: info.Message, Info: info})
	}
}
