package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ayusman/posecam/internal/app"
	"github.com/ayusman/posecam/internal/capture"
	"github.com/ayusman/posecam/internal/perf"
)

// CameraHandler serves preset and device selection:
//
//	GET /api/presets
//	PUT /api/resolution  {"label": "..."}
//	GET /api/devices
//	PUT /api/device      {"id": "..."}
type CameraHandler struct {
	ctrl *app.Controller
}

// NewCameraHandler creates a CameraHandler for ctrl.
func NewCameraHandler(ctrl *app.Controller) *CameraHandler {
	return &CameraHandler{ctrl: ctrl}
}

type presetsResponse struct {
	Presets     []capture.Resolution `json:"presets"`
	Current     capture.Resolution   `json:"current"`
	Recommended capture.Resolution   `json:"recommended"`
}

type devicesResponse struct {
	Devices []capture.Device `json:"devices"`
	Current string           `json:"current"`
}

type resolutionRequest struct {
	Label string `json:"label"`
}

type deviceRequest struct {
	ID string `json:"id"`
}

func (h *CameraHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := strings.TrimPrefix(r.URL.Path, "/api/")
	method := r.Method

	switch {
	case route == "presets" && method == http.MethodGet:
		h.presets(w)
	case route == "resolution" && method == http.MethodPut:
		h.setResolution(w, r)
	case route == "devices" && method == http.MethodGet:
		h.devices(w, r)
	case route == "device" && method == http.MethodPut:
		h.setDevice(w, r)
	case route == "presets" || route == "resolution" || route == "devices" || route == "device":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func (h *CameraHandler) presets(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, presetsResponse{
		Presets:     h.ctrl.Presets(),
		Current:     h.ctrl.Snapshot().Preset,
		Recommended: h.ctrl.Capabilities().RecommendedPreset,
	})
}

func (h *CameraHandler) setResolution(w http.ResponseWriter, r *http.Request) {
	var req resolutionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	preset, ok := h.ctrl.Ladder().Find(req.Label)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown preset")
		return
	}

	h.apply(w, h.ctrl.SetResolution(r.Context(), preset))
}

func (h *CameraHandler) devices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.ctrl.Devices(r.Context())
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, "Failed to list devices", err)
		return
	}
	if devices == nil {
		devices = []capture.Device{}
	}
	writeJSON(w, http.StatusOK, devicesResponse{Devices: devices, Current: h.ctrl.Snapshot().DeviceID})
}

func (h *CameraHandler) setDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	h.apply(w, h.ctrl.SetDevice(r.Context(), req.ID))
}

// apply reports the outcome of a preset or device change.
func (h *CameraHandler) apply(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
	case errors.Is(err, perf.ErrUnknownPreset):
		writeError(w, http.StatusBadRequest, "Unknown preset")
	case errors.Is(err, app.ErrCanceled), errors.Is(err, capture.ErrSuperseded):
		writeFailure(w, http.StatusConflict, "Change was overtaken by another request", err)
	case errors.Is(err, app.ErrClosed):
		writeFailure(w, http.StatusServiceUnavailable, "Controller is shut down", err)
	default:
		info := app.NewErrorInfo(err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: info.Message, Info: info})
	}
}
