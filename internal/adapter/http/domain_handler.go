package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"github.com/chiwei-platform/workload-engine/internal/service"
	"github.com/go-chi/chi/v5"
)

type DomainHandler struct {
	apps    port.WlAppRepository
	domains *service.AppDomainService
}

func NewDomainHandler(apps port.WlAppRepository, domains *service.AppDomainService) *DomainHandler {
	return &DomainHandler{apps: apps, domains: domains}
}

type assignCustomHostsRequest struct {
	Domains            []service.HostDecl `json:"domains"`
	DefaultServiceName string             `json:"default_service_name"`
}

// AssignCustomHosts 全量声明本环境的 custom 主机集合。
func (h *DomainHandler) AssignCustomHosts(w http.ResponseWriter, r *http.Request) {
	app, err := h.apps.FindByEnv(r.Context(),
		chi.URLParam(r, "code"), chi.URLParam(r, "module"), chi.URLParam(r, "env"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req assignCustomHostsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: decode body: %v", domain.ErrInvalidInput, err))
		return
	}
	for _, d := range req.Domains {
		if d.Host == "" {
			writeError(w, fmt.Errorf("%w: host is required", domain.ErrInvalidInput))
			return
		}
	}

	if err := h.domains.AssignCustomHosts(r.Context(), app, req.Domains, req.DefaultServiceName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
