package kubernetes

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/mapper"
	"github.com/chiwei-platform/workload-engine/internal/port"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

var _ port.Builder = (*SlugBuilder)(nil)

const (
	builderContainerName = "slug-builder"
	builderPollInterval  = 2 * time.Second
)

// SlugBuilder 在应用命名空间内运行一次性构建 Pod。
// 同一命名空间同一时间只允许一个构建，Pod 名固定。
type SlugBuilder struct {
	resolver Resolver
}

func NewSlugBuilder(resolver Resolver) *SlugBuilder {
	return &SlugBuilder{resolver: resolver}
}

func (b *SlugBuilder) BuildSlug(ctx context.Context, app *domain.WlApp, tmpl port.BuilderTemplate) (string, error) {
	client, err := b.resolver.ClientFor(ctx, app)
	if err != nil {
		return "", err
	}
	podName := mapper.BuilderPodName(app)
	namespace := app.Namespace()

	resources, err := resourceRequirements(tmpl.Requests, tmpl.Limits)
	if err != nil {
		return "", err
	}

	podSpec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		NodeSelector:  tmpl.NodeSelector,
		Tolerations:   tolerationsToK8s(tmpl.Tolerations),
		Containers: []corev1.Container{
			{
				Name:      builderContainerName,
				Image:     tmpl.Image,
				Env:       envsToK8s(tmpl.Envs),
				Resources: resources,
			},
		},
	}
	if tmpl.PullSecretName != "" {
		podSpec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: tmpl.PullSecretName}}
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        podName,
			Namespace:   namespace,
			Labels:      map[string]string{"category": "slug-builder"},
			Annotations: mapper.Annotations(app),
		},
		Spec: podSpec,
	}

	if _, err := client.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		if errors.IsAlreadyExists(err) {
			// 上一次构建的残留，调用方决定清理后重试
			return "", fmt.Errorf("builder pod %s/%s: %w", namespace, podName, domain.ErrResourceDuplicate)
		}
		return "", fmt.Errorf("create builder pod: %w", err)
	}
	return podName, nil
}

// WaitForLogsReadiness 等待 builder Pod 离开 Pending，此后才能拉取日志流。
func (b *SlugBuilder) WaitForLogsReadiness(ctx context.Context, app *domain.WlApp, timeout time.Duration) error {
	_, err := b.waitForPhase(ctx, app, timeout, func(phase corev1.PodPhase) bool {
		return phase != corev1.PodPending
	})
	return err
}

func (b *SlugBuilder) FollowLogs(ctx context.Context, app *domain.WlApp, sink func(line string)) error {
	client, err := b.resolver.ClientFor(ctx, app)
	if err != nil {
		return err
	}
	podName := mapper.BuilderPodName(app)

	stream, err := client.CoreV1().Pods(app.Namespace()).GetLogs(podName, &corev1.PodLogOptions{
		Container: builderContainerName,
		Follow:    true,
	}).Stream(ctx)
	if err != nil {
		return fmt.Errorf("open builder log stream: %w", err)
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink(scanner.Text())
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read builder logs: %w", err)
	}
	return ctx.Err()
}

func (b *SlugBuilder) WaitForTerminal(ctx context.Context, app *domain.WlApp, timeout time.Duration) (string, error) {
	phase, err := b.waitForPhase(ctx, app, timeout, func(phase corev1.PodPhase) bool {
		return phase == corev1.PodSucceeded || phase == corev1.PodFailed
	})
	return string(phase), err
}

func (b *SlugBuilder) DeleteBuilder(ctx context.Context, app *domain.WlApp) error {
	client, err := b.resolver.ClientFor(ctx, app)
	if err != nil {
		return err
	}
	err = client.CoreV1().Pods(app.Namespace()).Delete(ctx, mapper.BuilderPodName(app), metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete builder pod: %w", err)
	}
	return nil
}

// InterruptBuilder 删除运行中的 builder Pod，容器收到 SIGTERM 后退出。
// Pod 不存在说明构建已经结束，中断失败。
func (b *SlugBuilder) InterruptBuilder(ctx context.Context, app *domain.WlApp) error {
	client, err := b.resolver.ClientFor(ctx, app)
	if err != nil {
		return err
	}
	err = client.CoreV1().Pods(app.Namespace()).Delete(ctx, mapper.BuilderPodName(app), metav1.DeleteOptions{})
	if errors.IsNotFound(err) {
		return fmt.Errorf("builder pod already gone: %w", domain.ErrDeployInterruptionFailed)
	}
	return err
}

func (b *SlugBuilder) waitForPhase(ctx context.Context, app *domain.WlApp, timeout time.Duration, done func(corev1.PodPhase) bool) (corev1.PodPhase, error) {
	client, err := b.resolver.ClientFor(ctx, app)
	if err != nil {
		return "", err
	}
	podName := mapper.BuilderPodName(app)
	namespace := app.Namespace()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(builderPollInterval)
	defer ticker.Stop()
	for {
		pod, err := client.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
		if err == nil && done(pod.Status.Phase) {
			return pod.Status.Phase, nil
		}
		if err != nil && !errors.IsNotFound(err) && ctx.Err() == nil {
			return "", fmt.Errorf("get builder pod: %w", err)
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("wait builder pod %s/%s: %w", namespace, podName, domain.ErrReadTargetStatusTimeout)
		case <-ticker.C:
		}
	}
}
