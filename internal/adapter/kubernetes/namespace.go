package kubernetes

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/mapper"
	"github.com/chiwei-platform/workload-engine/internal/port"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

var _ port.NamespaceOperator = (*NamespaceOperator)(nil)

// ImagePullSecretName 是应用命名空间内镜像拉取凭据 Secret 的固定名。
const ImagePullSecretName = port.ImagePullSecretName

const saPollInterval = 500 * time.Millisecond

type NamespaceOperator struct {
	resolver Resolver
	// 首次建 ns 后等 default ServiceAccount 就位的时限
	saWaitTimeout time.Duration
}

func NewNamespaceOperator(resolver Resolver, saWaitTimeout time.Duration) *NamespaceOperator {
	return &NamespaceOperator{resolver: resolver, saWaitTimeout: saWaitTimeout}
}

// EnsureNamespace 幂等创建应用命名空间。新建的命名空间要等 token controller
// 填充 default ServiceAccount，否则紧随其后的 Pod 创建会被拒绝。
func (o *NamespaceOperator) EnsureNamespace(ctx context.Context, app *domain.WlApp) error {
	client, err := o.resolver.ClientFor(ctx, app)
	if err != nil {
		return err
	}
	namespace := app.Namespace()

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:        namespace,
			Annotations: mapper.Annotations(app),
		},
	}
	_, err = client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if errors.IsAlreadyExists(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create namespace %s: %w", namespace, err)
	}
	return o.waitDefaultServiceAccount(ctx, app, namespace)
}

func (o *NamespaceOperator) waitDefaultServiceAccount(ctx context.Context, app *domain.WlApp, namespace string) error {
	client, err := o.resolver.ClientFor(ctx, app)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, o.saWaitTimeout)
	defer cancel()

	ticker := time.NewTicker(saPollInterval)
	defer ticker.Stop()
	for {
		if _, err := client.CoreV1().ServiceAccounts(namespace).Get(ctx, "default", metav1.GetOptions{}); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait default service account in %s: %w", namespace, ctx.Err())
		case <-ticker.C:
		}
	}
}

// EnsureImageCredentialsSecret 把应用的镜像凭据合成为一个 dockerconfigjson
// Secret。凭据为空时删除 Secret。
func (o *NamespaceOperator) EnsureImageCredentialsSecret(ctx context.Context, app *domain.WlApp, creds []*domain.ImageCredential) error {
	client, err := o.resolver.ClientFor(ctx, app)
	if err != nil {
		return err
	}
	namespace := app.Namespace()

	if len(creds) == 0 {
		err := client.CoreV1().Secrets(namespace).Delete(ctx, ImagePullSecretName, metav1.DeleteOptions{})
		if err != nil && !errors.IsNotFound(err) {
			return fmt.Errorf("delete image pull secret: %w", err)
		}
		return nil
	}

	payload, err := dockerConfigJSON(creds)
	if err != nil {
		return err
	}
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        ImagePullSecretName,
			Namespace:   namespace,
			Annotations: mapper.Annotations(app),
		},
		Type: corev1.SecretTypeDockerConfigJson,
		Data: map[string][]byte{corev1.DockerConfigJsonKey: payload},
	}

	existing, err := client.CoreV1().Secrets(namespace).Get(ctx, ImagePullSecretName, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = client.CoreV1().Secrets(namespace).Create(ctx, secret, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existing.Type = secret.Type
	existing.Data = secret.Data
	_, err = client.CoreV1().Secrets(namespace).Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

func dockerConfigJSON(creds []*domain.ImageCredential) ([]byte, error) {
	type authEntry struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Auth     string `json:"auth"`
	}
	auths := make(map[string]authEntry, len(creds))
	for _, c := range creds {
		auths[c.Registry] = authEntry{
			Username: c.Username,
			Password: c.Password,
			Auth:     base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password)),
		}
	}
	return json.Marshal(map[string]any{"auths": auths})
}
