package port

import (
	"context"
	"io"
	"time"
)

// BlobStore 是对象存储的外部协作接口（S3 兼容 / bk-repo，实现不在本仓库）。
type BlobStore interface {
	Upload(ctx context.Context, key string, r io.Reader) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	// SignedURL 生成带签名的临时访问地址，供 builder Pod 拉取源码包。
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	ObjectSize(ctx context.Context, key string) (int64, error)
}
