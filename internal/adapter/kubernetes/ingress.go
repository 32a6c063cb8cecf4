package kubernetes

import (
	"context"
	"fmt"
	"strings"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/mapper"
	"github.com/chiwei-platform/workload-engine/internal/port"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

var _ port.IngressOperator = (*IngressOperator)(nil)

const (
	rewriteAnnotation  = "nginx.ingress.kubernetes.io/rewrite-target"
	useRegexAnnotation = "nginx.ingress.kubernetes.io/use-regex"
)

type IngressOperator struct {
	resolver Resolver
}

func NewIngressOperator(resolver Resolver) *IngressOperator {
	return &IngressOperator{resolver: resolver}
}

// Replace 以期望内容整体覆盖 Ingress。规则为空视为调用方错误，
// 不允许下发空 Ingress 抹掉存量路由。
func (o *IngressOperator) Replace(ctx context.Context, app *domain.WlApp, payload port.IngressPayload) error {
	if len(payload.Rules) == 0 {
		return domain.ErrEmptyAppIngress
	}
	client, err := o.resolver.ClientFor(ctx, app)
	if err != nil {
		return err
	}
	namespace := app.Namespace()

	annotations := mapper.Annotations(app)
	if payload.RewritePathToRoot {
		if payload.UseRegex {
			annotations[useRegexAnnotation] = "true"
			annotations[rewriteAnnotation] = "/$2"
		} else {
			annotations[rewriteAnnotation] = "/"
		}
	}

	ingress := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:        payload.Name,
			Namespace:   namespace,
			Labels:      map[string]string{"category": "bkapp"},
			Annotations: annotations,
		},
		Spec: networkingv1.IngressSpec{
			Rules: rulesToK8s(payload.Rules, payload.RewritePathToRoot && payload.UseRegex),
			TLS:   tlsToK8s(payload.TLS),
		},
	}

	existing, err := client.NetworkingV1().Ingresses(namespace).Get(ctx, payload.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = client.NetworkingV1().Ingresses(namespace).Create(ctx, ingress, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existing.Annotations = ingress.Annotations
	existing.Spec = ingress.Spec
	_, err = client.NetworkingV1().Ingresses(namespace).Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

func (o *IngressOperator) Delete(ctx context.Context, app *domain.WlApp, name string) error {
	client, err := o.resolver.ClientFor(ctx, app)
	if err != nil {
		return err
	}
	err = client.NetworkingV1().Ingresses(app.Namespace()).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete ingress %s: %w", name, err)
	}
	return nil
}

// EnsureTLSSecret 把共享证书物化为应用命名空间里的 TLS Secret。
func (o *IngressOperator) EnsureTLSSecret(ctx context.Context, app *domain.WlApp, cert *domain.AppDomainSharedCert) (string, error) {
	client, err := o.resolver.ClientFor(ctx, app)
	if err != nil {
		return "", err
	}
	namespace := app.Namespace()
	secretName := fmt.Sprintf("eng-shared-cert-%s", cert.Name)

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        secretName,
			Namespace:   namespace,
			Annotations: mapper.Annotations(app),
		},
		Type: corev1.SecretTypeTLS,
		Data: map[string][]byte{
			corev1.TLSCertKey:       []byte(cert.CertData),
			corev1.TLSPrivateKeyKey: []byte(cert.KeyData),
		},
	}

	existing, err := client.CoreV1().Secrets(namespace).Get(ctx, secretName, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		if _, err := client.CoreV1().Secrets(namespace).Create(ctx, secret, metav1.CreateOptions{}); err != nil {
			return "", err
		}
		return secretName, nil
	}
	if err != nil {
		return "", err
	}
	existing.Type = secret.Type
	existing.Data = secret.Data
	if _, err := client.CoreV1().Secrets(namespace).Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return "", err
	}
	return secretName, nil
}

// regexPath 把路径前缀改写为捕获组模式，第二组即剥离前缀后的剩余路径。
func regexPath(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "(/|$)(.*)"
}

func rulesToK8s(rules []port.IngressRule, useRegex bool) []networkingv1.IngressRule {
	pathType := networkingv1.PathTypeImplementationSpecific
	result := make([]networkingv1.IngressRule, 0, len(rules))
	for _, rule := range rules {
		paths := make([]networkingv1.HTTPIngressPath, 0, len(rule.Paths))
		for _, p := range rule.Paths {
			path := p.Path
			if useRegex {
				path = regexPath(p.Path)
			}
			paths = append(paths, networkingv1.HTTPIngressPath{
				Path:     path,
				PathType: &pathType,
				Backend: networkingv1.IngressBackend{
					Service: &networkingv1.IngressServiceBackend{
						Name: p.ServiceName,
						Port: networkingv1.ServiceBackendPort{Number: int32(p.ServicePort)},
					},
				},
			})
		}
		result = append(result, networkingv1.IngressRule{
			Host: rule.Host,
			IngressRuleValue: networkingv1.IngressRuleValue{
				HTTP: &networkingv1.HTTPIngressRuleValue{Paths: paths},
			},
		})
	}
	return result
}

func tlsToK8s(tls []port.IngressTLS) []networkingv1.IngressTLS {
	if len(tls) == 0 {
		return nil
	}
	result := make([]networkingv1.IngressTLS, len(tls))
	for i, t := range tls {
		result[i] = networkingv1.IngressTLS{Hosts: t.Hosts, SecretName: t.SecretName}
	}
	return result
}
