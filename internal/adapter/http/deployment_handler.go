package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"github.com/chiwei-platform/workload-engine/internal/service"
	"github.com/go-chi/chi/v5"
)

type DeploymentHandler struct {
	svc         *service.DeployService
	deployments port.DeploymentRepository
	events      port.EventStream
}

func NewDeploymentHandler(svc *service.DeployService, deployments port.DeploymentRepository, events port.EventStream) *DeploymentHandler {
	return &DeploymentHandler{svc: svc, deployments: deployments, events: events}
}

type createDeploymentRequest struct {
	SourceBranch     string            `json:"source_branch"`
	SourceRevision   string            `json:"source_revision"`
	ProcfilePayload  string            `json:"procfile_payload,omitempty"`
	DescriptionProcs map[string]string `json:"description_procs,omitempty"`
	Dockerfile       string            `json:"dockerfile,omitempty"`
	Operator         string            `json:"operator,omitempty"`
}

func (h *DeploymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: decode body: %v", domain.ErrInvalidInput, err))
		return
	}
	deployment, err := h.svc.CreateDeployment(r.Context(), service.DeployRequest{
		AppCode:          chi.URLParam(r, "code"),
		ModuleName:       chi.URLParam(r, "module"),
		Environment:      chi.URLParam(r, "env"),
		SourceBranch:     req.SourceBranch,
		SourceRevision:   req.SourceRevision,
		ProcfilePayload:  []byte(req.ProcfilePayload),
		DescriptionProcs: req.DescriptionProcs,
		Dockerfile:       req.Dockerfile,
		Operator:         req.Operator,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, deployment)
}

type phaseDetail struct {
	*domain.DeployPhase
	Steps []*domain.DeployStep `json:"steps"`
}

type deploymentDetail struct {
	*domain.Deployment
	Phases []phaseDetail `json:"phases"`
}

// Get 返回部署记录及阶段 / 步骤明细。
func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	deployment, err := h.svc.GetDeployment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	phases, err := h.deployments.FindPhases(r.Context(), deployment.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	detail := deploymentDetail{Deployment: deployment, Phases: make([]phaseDetail, 0, len(phases))}
	for _, phase := range phases {
		steps, err := h.deployments.FindSteps(r.Context(), phase.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		detail.Phases = append(detail.Phases, phaseDetail{DeployPhase: phase, Steps: steps})
	}
	writeJSON(w, http.StatusOK, detail)
}

type interruptionRequest struct {
	Target string `json:"target"`
}

// Interrupt 按 target 分派到构建或发布阶段的中断。
func (h *DeploymentHandler) Interrupt(w http.ResponseWriter, r *http.Request) {
	var req interruptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: decode body: %v", domain.ErrInvalidInput, err))
		return
	}
	deploymentID := chi.URLParam(r, "id")
	switch req.Target {
	case "build":
		deployment, err := h.svc.GetDeployment(r.Context(), deploymentID)
		if err != nil {
			writeError(w, err)
			return
		}
		if deployment.BuildProcessID == "" {
			writeError(w, fmt.Errorf("%w: deployment %s has no build process yet", domain.ErrDeployInterruptionFailed, deploymentID))
			return
		}
		if err := h.svc.InterruptBuild(r.Context(), deployment.BuildProcessID); err != nil {
			writeError(w, err)
			return
		}
	case "release":
		if err := h.svc.InterruptRelease(r.Context(), deploymentID); err != nil {
			writeError(w, err)
			return
		}
	default:
		writeError(w, fmt.Errorf("%w: target must be build or release", domain.ErrInvalidInput))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"target": req.Target})
}

// Events 回放部署事件流。带 Accept: text/event-stream 时先回放再实时跟进，
// 否则一次性返回 after_seq 之后的事件列表。
func (h *DeploymentHandler) Events(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "id")
	afterSeq, _ := strconv.Atoi(r.URL.Query().Get("after_seq"))

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		events, err := h.events.Replay(r.Context(), deploymentID, afterSeq)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal))
		return
	}

	// 先订阅后回放，避免两步之间漏事件；重叠部分按 seq 去重
	live, cancel := h.events.Subscribe(deploymentID)
	defer cancel()

	replayed, err := h.events.Replay(r.Context(), deploymentID, afterSeq)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastSeq := afterSeq
	for _, event := range replayed {
		if err := writeSSEEvent(w, event); err != nil {
			return
		}
		lastSeq = event.Seq
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-live:
			if !ok {
				return
			}
			if event.Seq <= lastSeq {
				continue
			}
			if err := writeSSEEvent(w, event); err != nil {
				return
			}
			lastSeq = event.Seq
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event *domain.DeployEvent) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Event, event.Data)
	return err
}
