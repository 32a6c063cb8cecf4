package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"github.com/chiwei-platform/workload-engine/internal/service"
	"github.com/go-chi/chi/v5"
)

type ProcessHandler struct {
	apps port.WlAppRepository
	hub  *service.ControllerHub
	view *service.ProcessViewService
}

func NewProcessHandler(apps port.WlAppRepository, hub *service.ControllerHub, view *service.ProcessViewService) *ProcessHandler {
	return &ProcessHandler{apps: apps, hub: hub, view: view}
}

func (h *ProcessHandler) appFromPath(r *http.Request) (*domain.WlApp, error) {
	return h.apps.FindByEnv(r.Context(),
		chi.URLParam(r, "code"), chi.URLParam(r, "module"), chi.URLParam(r, "env"))
}

type processOperationRequest struct {
	ProcessType string `json:"process_type"`
	Operation   string `json:"operation"`

	TargetReplicas *int                  `json:"target_replicas,omitempty"`
	Autoscaling    bool                  `json:"autoscaling,omitempty"`
	ScalingConfig  *domain.ScalingConfig `json:"scaling_config,omitempty"`
}

// Update 按应用类型分派 start / stop / scale / scale_v2。
func (h *ProcessHandler) Update(w http.ResponseWriter, r *http.Request) {
	app, err := h.appFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req processOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: decode body: %v", domain.ErrInvalidInput, err))
		return
	}
	if req.ProcessType == "" {
		writeError(w, fmt.Errorf("%w: process_type is required", domain.ErrInvalidInput))
		return
	}

	controller, err := h.hub.ControllerFor(app)
	if err != nil {
		writeError(w, err)
		return
	}

	switch req.Operation {
	case "start":
		err = controller.Start(r.Context(), app, req.ProcessType)
	case "stop":
		err = controller.Stop(r.Context(), app, req.ProcessType)
	case "scale":
		err = controller.Scale(r.Context(), app, req.ProcessType, service.ScaleRequest{
			TargetReplicas: req.TargetReplicas,
		})
	case "scale_v2":
		err = controller.Scale(r.Context(), app, req.ProcessType, service.ScaleRequest{
			Autoscaling:    req.Autoscaling,
			TargetReplicas: req.TargetReplicas,
			ScalingConfig:  req.ScalingConfig,
		})
	default:
		err = fmt.Errorf("%w: unknown operation %q", domain.ErrInvalidInput, req.Operation)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"operation": req.Operation, "process_type": req.ProcessType})
}

func (h *ProcessHandler) List(w http.ResponseWriter, r *http.Request) {
	app, err := h.appFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.view.List(r.Context(), app, r.URL.Query().Get("release_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Watch 以 SSE 推送 process / instance 变化，rv_proc / rv_inst 是续传令牌。
func (h *ProcessHandler) Watch(w http.ResponseWriter, r *http.Request) {
	app, err := h.appFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal))
		return
	}

	rvProc, _ := strconv.ParseInt(r.URL.Query().Get("rv_proc"), 10, 64)
	rvInst, _ := strconv.ParseInt(r.URL.Query().Get("rv_inst"), 10, 64)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_ = h.view.Watch(r.Context(), app, rvProc, rvInst, func(event service.ProcessWatchEvent) error {
		payload, err := json.Marshal(event.Object)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.RV, event.ObjectType, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}
