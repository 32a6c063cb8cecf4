package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/chiwei-platform/workload-engine/internal/service"
	"github.com/go-chi/chi/v5"
)

type ManifestHandler struct {
	svc *service.ManifestService
}

func NewManifestHandler(svc *service.ManifestService) *ManifestHandler {
	return &ManifestHandler{svc: svc}
}

// moduleOf 取 module 查询参数，缺省为主模块。
func moduleOf(r *http.Request) string {
	if m := r.URL.Query().Get("module"); m != "" {
		return m
	}
	return "default"
}

// Replace 接收 BkApp 清单原文（YAML 或 JSON）并生成新 revision。
func (h *ManifestHandler) Replace(w http.ResponseWriter, r *http.Request) {
	appCode := chi.URLParam(r, "code")
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	rev, err := h.svc.ReplaceResource(r.Context(), appCode, moduleOf(r), r.URL.Query().Get("operator"), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

type createModelDeployRequest struct {
	Module      string `json:"module,omitempty"`
	Environment string `json:"environment"`
	Operator    string `json:"operator,omitempty"`
}

func (h *ManifestHandler) CreateDeploy(w http.ResponseWriter, r *http.Request) {
	appCode := chi.URLParam(r, "code")
	var req createModelDeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}
	if req.Module == "" {
		req.Module = "default"
	}
	deploy, err := h.svc.Deploy(r.Context(), appCode, req.Module, req.Environment, req.Operator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, deploy)
}

func (h *ManifestHandler) ListDeploys(w http.ResponseWriter, r *http.Request) {
	appCode := chi.URLParam(r, "code")
	deploys, err := h.svc.ListDeploys(r.Context(), appCode, moduleOf(r), r.URL.Query().Get("environment"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deploys)
}

func (h *ManifestHandler) Status(w http.ResponseWriter, r *http.Request) {
	appCode := chi.URLParam(r, "code")
	view, err := h.svc.Status(r.Context(), appCode, moduleOf(r), r.URL.Query().Get("environment"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
