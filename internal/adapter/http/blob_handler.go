package http

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/go-chi/chi/v5"
)

// BlobSource 是签名下载端点需要的对象存储子集。
type BlobSource interface {
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	VerifySignature(key string, expires int64, signature string) bool
}

// BlobHandler 服务 SignedURL 签出的 /blobs/{key} 地址，
// builder Pod 经由它拉取源码包。签名即授权，不走 API token。
type BlobHandler struct {
	store BlobSource
}

func NewBlobHandler(store BlobSource) *BlobHandler {
	return &BlobHandler{store: store}
}

func (h *BlobHandler) Download(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(key); err == nil {
		key = unescaped
	}

	expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
	if err != nil || !h.store.VerifySignature(key, expires, r.URL.Query().Get("signature")) {
		writeError(w, fmt.Errorf("%w: invalid or expired signature", domain.ErrInvalidInput))
		return
	}

	rc, err := h.store.Download(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		// 响应已开始写，只能记录
		slog.Warn("stream blob failed", "key", key, "error", err)
	}
}
