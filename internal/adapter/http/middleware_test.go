package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chiwei-platform/workload-engine/internal/domain"
)

func TestAuthMiddleware(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		token      string
		header     string
		wantStatus int
	}{
		{"no token configured, no header", "", "", http.StatusOK},
		{"no token configured, header sent", "", "Bearer anything", http.StatusOK},
		{"token configured, correct header", "secret", "Bearer secret", http.StatusOK},
		{"token configured, wrong header", "secret", "Bearer wrong", http.StatusUnauthorized},
		{"token configured, missing scheme", "secret", "secret", http.StatusUnauthorized},
		{"token configured, empty header", "secret", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := authMiddleware(tt.token)
			handler := mw(okHandler)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestBodySizeLimit(t *testing.T) {
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v map[string]any
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	handler := bodySizeLimitMiddleware(echo)

	large := `{"payload":"` + strings.Repeat("x", maxRequestBodySize) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(large))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: got status %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"payload":"ok"}`))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("small body: got status %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{domain.ErrNotFound, http.StatusNotFound, "not_found"},
		{domain.ErrResourceDuplicate, http.StatusConflict, "resource_duplicate"},
		{domain.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
		{domain.ErrDeployInterruptionFailed, http.StatusUnprocessableEntity, "interruption_failed"},
		{domain.ErrClusterUnreachable, http.StatusBadGateway, "cluster_unreachable"},
		{domain.ErrInternal, http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, tt.err)
		if rec.Code != tt.wantStatus {
			t.Errorf("%v: got status %d, want %d", tt.err, rec.Code, tt.wantStatus)
		}
		var body envelope
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%v: decode body: %v", tt.err, err)
		}
		if body.Error == nil || body.Error.Code != tt.wantCode {
			t.Errorf("%v: got error %+v, want code %q", tt.err, body.Error, tt.wantCode)
		}
	}
}
