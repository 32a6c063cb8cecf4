package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/chiwei-platform/workload-engine/internal/domain"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

// writeError 把错误哨兵映射为状态码与 code_slug。
// 内部错误不向用户暴露细节，只进日志。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	msg := "internal error, please retry"

	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code, msg = "not_found", err.Error()
	case errors.Is(err, domain.ErrAlreadyExists):
		status = http.StatusConflict
		code, msg = "already_exists", err.Error()
	case errors.Is(err, domain.ErrResourceDuplicate):
		status = http.StatusConflict
		code, msg = "resource_duplicate", err.Error()
	case errors.Is(err, domain.ErrDeployInterruptionFailed):
		status = http.StatusUnprocessableEntity
		code, msg = "interruption_failed", err.Error()
	case errors.Is(err, domain.ErrAutoscalingUnsupported):
		status = http.StatusUnprocessableEntity
		code, msg = "autoscaling_unsupported", err.Error()
	case errors.Is(err, domain.ErrValidCertNotFound):
		status = http.StatusBadRequest
		code, msg = "cert_not_found", err.Error()
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
		code, msg = "invalid_input", err.Error()
	case errors.Is(err, domain.ErrNotImplemented):
		status = http.StatusNotImplemented
		code, msg = "not_implemented", err.Error()
	case errors.Is(err, domain.ErrClusterAuth):
		status = http.StatusBadGateway
		code, msg = "cluster_auth", err.Error()
	case errors.Is(err, domain.ErrClusterUnreachable):
		status = http.StatusBadGateway
		code, msg = "cluster_unreachable", err.Error()
	default:
		slog.Error("internal error", "error", err)
	}

	var coded *domain.CodedError
	if errors.As(err, &coded) {
		code = coded.Slug
		msg = coded.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: &apiError{Code: code, Message: msg}})
}
