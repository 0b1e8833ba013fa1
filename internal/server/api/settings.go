package api

import (
	"net/http"
	"time"

	"github.com/ayusman/posecam/internal/app"
)

// SettingsHandler serves GET and PUT /api/settings.
type SettingsHandler struct {
	ctrl *app.Controller
}

// NewSettingsHandler creates a SettingsHandler for ctrl.
func NewSettingsHandler(ctrl *app.Controller) *SettingsHandler {
	return &SettingsHandler{ctrl: ctrl}
}

// settingsRequest holds optional fields; absent ones keep their value.
type settingsRequest struct {
	TargetRate        *float64 `json:"target_rate"`
	MinAcceptableRate *float64 `json:"min_acceptable_rate"`
	AdjustInterval    *string  `json:"adjust_interval"`
	AutoAdjust        *bool    `json:"auto_adjust"`
}

func (h *SettingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.ctrl.Settings())
	case http.MethodPut:
		h.update(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *SettingsHandler) update(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	s := h.ctrl.Settings()
	if req.TargetRate != nil {
		s.TargetRate = *req.TargetRate
	}
	if req.MinAcceptableRate != nil {
		s.MinAcceptableRate = *req.MinAcceptableRate
	}
	if req.AdjustInterval != nil {
		d, err := time.ParseDuration(*req.AdjustInterval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid adjust_interval")
			return
		}
		s.AdjustInterval = d
	}
	if req.AutoAdjust != nil {
		s.AutoAdjust = *req.AutoAdjust
	}

	if err := h.ctrl.SetSettings(s); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Settings())
}
