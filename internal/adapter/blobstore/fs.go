// Package blobstore 提供本地文件系统实现的对象存储。
// 单实例部署够用；多副本场景换 S3 兼容实现，接口不变。
package blobstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
)

type FSStore struct {
	root       string
	baseURL    string
	signingKey []byte
}

func NewFSStore(root, baseURL string, signingKey []byte) *FSStore {
	return &FSStore{root: root, baseURL: strings.TrimSuffix(baseURL, "/"), signingKey: signingKey}
}

// pathFor 拒绝逃出 root 的 key。
func (s *FSStore) pathFor(key string) (string, error) {
	cleaned := filepath.Clean("/" + key)
	if cleaned == "/" {
		return "", fmt.Errorf("%w: empty blob key", domain.ErrInvalidInput)
	}
	return filepath.Join(s.root, cleaned), nil
}

func (s *FSStore) Upload(ctx context.Context, key string, r io.Reader) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// 先写临时文件再改名，下载方永远看不到半截对象
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FSStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, key)
	}
	return f, err
}

// SignedURL 生成 HMAC 签名的临时地址，由同进程的下载端点校验。
func (s *FSStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := s.pathFor(key); err != nil {
		return "", err
	}
	expires := time.Now().Add(ttl).Unix()
	sig := s.sign(key, expires)
	// 逐段转义，key 里的 "/" 保留为路径分隔符
	escaped := (&url.URL{Path: "/blobs/" + key}).EscapedPath()
	return fmt.Sprintf("%s%s?expires=%d&signature=%s", s.baseURL, escaped, expires, sig), nil
}

// VerifySignature 校验下载端点收到的 expires / signature 参数。
func (s *FSStore) VerifySignature(key string, expires int64, signature string) bool {
	if time.Now().Unix() > expires {
		return false
	}
	expected := s.sign(key, expires)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *FSStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write([]byte(key + "\n" + strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *FSStore) ObjectSize(ctx context.Context, key string) (int64, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: blob %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
