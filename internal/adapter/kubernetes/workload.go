package kubernetes

import (
	"context"
	"fmt"
	"strconv"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/mapper"
	"github.com/chiwei-platform/workload-engine/internal/port"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
)

var _ port.ProcessOperator = (*WorkloadOperator)(nil)

// 进程 Service 的对外端口，转发到容器 TargetPort。
const processServicePort = 80

// 自动扩缩容的 CPU 利用率阈值。
const hpaCPUUtilization = int32(85)

// WorkloadOperator 把进程期望状态下发为 Deployment + Service。
type WorkloadOperator struct {
	resolver Resolver
}

func NewWorkloadOperator(resolver Resolver) *WorkloadOperator {
	return &WorkloadOperator{resolver: resolver}
}

func (o *WorkloadOperator) Deploy(ctx context.Context, app *domain.WlApp, in port.ProcessDeployInput) error {
	client, err := o.resolver.ClientFor(ctx, app)
	if err != nil {
		return err
	}
	m := mapper.Process(mapper.Version(in.MapperVersion), app, in.Name, in.ReleaseVersion)

	if err := o.applyDeployment(ctx, client, app, m, in); err != nil {
		return fmt.Errorf("apply deployment %s: %w", m.Name, err)
	}
	if err := o.applyService(ctx, client, app, m, in); err != nil {
		return fmt.Errorf("apply service: %w", err)
	}
	return nil
}

func (o *WorkloadOperator) Scale(ctx context.Context, app *domain.WlApp, procName string, replicas int) error {
	client, err := o.resolver.ClientFor(ctx, app)
	if err != nil {
		return err
	}
	m := o.mapping(app, procName)

	scale, err := client.AppsV1().Deployments(m.Namespace).GetScale(ctx, m.Name, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return fmt.Errorf("scale %s: %w", m.Name, domain.ErrProcessNotFound)
		}
		return err
	}
	scale.Spec.Replicas = int32(replicas)
	_, err = client.AppsV1().Deployments(m.Namespace).UpdateScale(ctx, m.Name, scale, metav1.UpdateOptions{})
	return err
}

func (o *WorkloadOperator) Delete(ctx context.Context, app *domain.WlApp, procName string) error {
	client, err := o.resolver.ClientFor(ctx, app)
	if err != nil {
		return err
	}
	m := o.mapping(app, procName)

	if err := client.AppsV1().Deployments(m.Namespace).Delete(ctx, m.Name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete deployment %s: %w", m.Name, err)
	}
	svcName := mapper.ServiceName(o.version(app), app, procName)
	if err := client.CoreV1().Services(m.Namespace).Delete(ctx, svcName, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete service %s: %w", svcName, err)
	}
	if err := client.AutoscalingV2().HorizontalPodAutoscalers(m.Namespace).Delete(ctx, m.Name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete hpa %s: %w", m.Name, err)
	}
	return nil
}

func (o *WorkloadOperator) SetAutoscaling(ctx context.Context, app *domain.WlApp, procName string, cfg *domain.ScalingConfig, enabled bool) error {
	client, err := o.resolver.ClientFor(ctx, app)
	if err != nil {
		return err
	}
	m := o.mapping(app, procName)

	if !enabled {
		err := client.AutoscalingV2().HorizontalPodAutoscalers(m.Namespace).Delete(ctx, m.Name, metav1.DeleteOptions{})
		if err != nil && !errors.IsNotFound(err) {
			return fmt.Errorf("delete hpa %s: %w", m.Name, err)
		}
		return nil
	}

	minReplicas := int32(cfg.MinReplicas)
	utilization := hpaCPUUtilization
	hpa := &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{
			Name:        m.Name,
			Namespace:   m.Namespace,
			Labels:      m.Labels,
			Annotations: m.Annotations,
		},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       m.Name,
			},
			MinReplicas: &minReplicas,
			MaxReplicas: int32(cfg.MaxReplicas),
			Metrics: []autoscalingv2.MetricSpec{
				{
					Type: autoscalingv2.ResourceMetricSourceType,
					Resource: &autoscalingv2.ResourceMetricSource{
						Name: corev1.ResourceCPU,
						Target: autoscalingv2.MetricTarget{
							Type:               autoscalingv2.UtilizationMetricType,
							AverageUtilization: &utilization,
						},
					},
				},
			},
		},
	}

	existing, err := client.AutoscalingV2().HorizontalPodAutoscalers(m.Namespace).Get(ctx, m.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = client.AutoscalingV2().HorizontalPodAutoscalers(m.Namespace).Create(ctx, hpa, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existing.Spec = hpa.Spec
	_, err = client.AutoscalingV2().HorizontalPodAutoscalers(m.Namespace).Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

// Snapshot 按 category=bkapp 标签收集进程 Deployment 与其 Pod 观测值。
func (o *WorkloadOperator) Snapshot(ctx context.Context, app *domain.WlApp) ([]domain.ProcessSnapshot, error) {
	client, err := o.resolver.ClientFor(ctx, app)
	if err != nil {
		return nil, err
	}
	namespace := app.Namespace()

	deploys, err := client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "category=bkapp",
	})
	if err != nil {
		return nil, fmt.Errorf("list process deployments: %w", err)
	}

	snapshots := make([]domain.ProcessSnapshot, 0, len(deploys.Items))
	for i := range deploys.Items {
		deploy := &deploys.Items[i]
		procName := deploy.Labels["process_id"]
		selector := deploy.Labels["pod_selector"]
		if procName == "" || selector == "" {
			continue
		}

		pods, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
			LabelSelector: "pod_selector=" + selector,
		})
		if err != nil {
			return nil, fmt.Errorf("list pods of %s: %w", procName, err)
		}

		snapshot := domain.ProcessSnapshot{
			Name:      procName,
			Instances: make([]domain.Instance, 0, len(pods.Items)),
		}
		if deploy.Spec.Replicas != nil {
			snapshot.DesiredReplicas = int(*deploy.Spec.Replicas)
		}
		for j := range pods.Items {
			snapshot.Instances = append(snapshot.Instances, podToInstance(&pods.Items[j], procName))
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

// DetectPodFailure 扫描应用全部进程 Pod，发现不可恢复的等待原因即返回。
func (o *WorkloadOperator) DetectPodFailure(ctx context.Context, app *domain.WlApp) (string, bool, error) {
	client, err := o.resolver.ClientFor(ctx, app)
	if err != nil {
		return "", false, err
	}
	pods, err := client.CoreV1().Pods(app.Namespace()).List(ctx, metav1.ListOptions{
		LabelSelector: "category=bkapp",
	})
	if err != nil {
		return "", false, fmt.Errorf("list pods: %w", err)
	}

	for i := range pods.Items {
		pod := &pods.Items[i]
		for _, cs := range pod.Status.InitContainerStatuses {
			if reason, bad := waitingFailure(cs); bad {
				return fmt.Sprintf("pod %s init container %s: %s", pod.Name, cs.Name, reason), true, nil
			}
		}
		for _, cs := range pod.Status.ContainerStatuses {
			if reason, bad := waitingFailure(cs); bad {
				return fmt.Sprintf("pod %s container %s: %s", pod.Name, cs.Name, reason), true, nil
			}
		}
	}
	return "", false, nil
}

func waitingFailure(cs corev1.ContainerStatus) (string, bool) {
	waiting := cs.State.Waiting
	if waiting == nil {
		return "", false
	}
	switch waiting.Reason {
	case "CrashLoopBackOff":
		return fmt.Sprintf("CrashLoopBackOff: %s", waiting.Message), true
	case "ImagePullBackOff", "ErrImagePull":
		return fmt.Sprintf("failed to pull image: %s", waiting.Message), true
	}
	return "", false
}

func (o *WorkloadOperator) applyDeployment(ctx context.Context, client kubernetes.Interface, app *domain.WlApp, m mapper.Mapping, in port.ProcessDeployInput) error {
	replicas := int32(in.Replicas)
	revisionHistoryLimit := int32(2)

	container := corev1.Container{
		Name:  in.Name,
		Image: in.Image,
		Env:   envsToK8s(in.Envs),
	}
	if in.Command != "" {
		container.Command = []string{"/bin/sh", "-c", in.Command}
	}
	if in.TargetPort > 0 {
		container.Ports = []corev1.ContainerPort{{ContainerPort: int32(in.TargetPort)}}
	}
	resources, err := resourceRequirements(in.Requests, in.Limits)
	if err != nil {
		return err
	}
	container.Resources = resources

	podSpec := corev1.PodSpec{
		Containers:   []corev1.Container{container},
		NodeSelector: in.NodeSelector,
		Tolerations:  tolerationsToK8s(in.Tolerations),
	}
	if in.ImagePullSecret != "" {
		podSpec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: in.ImagePullSecret}}
	}

	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        m.Name,
			Namespace:   m.Namespace,
			Labels:      m.Labels,
			Annotations: m.Annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas:             &replicas,
			RevisionHistoryLimit: &revisionHistoryLimit,
			Selector:             &metav1.LabelSelector{MatchLabels: m.MatchLabels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      m.Labels,
					Annotations: m.Annotations,
				},
				Spec: podSpec,
			},
		},
	}

	existing, err := client.AppsV1().Deployments(m.Namespace).Get(ctx, m.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = client.AppsV1().Deployments(m.Namespace).Create(ctx, deploy, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existing.Labels = deploy.Labels
	existing.Annotations = deploy.Annotations
	existing.Spec = deploy.Spec
	_, err = client.AppsV1().Deployments(m.Namespace).Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

func (o *WorkloadOperator) applyService(ctx context.Context, client kubernetes.Interface, app *domain.WlApp, m mapper.Mapping, in port.ProcessDeployInput) error {
	name := mapper.ServiceName(mapper.Version(in.MapperVersion), app, in.Name)
	targetPort := in.TargetPort
	if targetPort <= 0 {
		targetPort = processServicePort
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   m.Namespace,
			Labels:      m.Labels,
			Annotations: m.Annotations,
		},
		Spec: corev1.ServiceSpec{
			Selector: m.MatchLabels,
			Ports: []corev1.ServicePort{
				{
					Name:       "http",
					Port:       processServicePort,
					TargetPort: intstr.FromInt(targetPort),
				},
			},
		},
	}

	existing, err := client.CoreV1().Services(m.Namespace).Get(ctx, name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = client.CoreV1().Services(m.Namespace).Create(ctx, svc, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existing.Spec.Selector = svc.Spec.Selector
	existing.Spec.Ports = svc.Spec.Ports
	_, err = client.CoreV1().Services(m.Namespace).Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

// mapping 基于 app 已固定的 mapper 版本计算命名，用于 release 版本无关的操作。
func (o *WorkloadOperator) mapping(app *domain.WlApp, procName string) mapper.Mapping {
	return mapper.Process(o.version(app), app, procName, 0)
}

func (o *WorkloadOperator) version(app *domain.WlApp) mapper.Version {
	if app.LatestMapperVersion != "" {
		return mapper.Version(app.LatestMapperVersion)
	}
	return mapper.CurrentVersion
}

func podToInstance(pod *corev1.Pod, procName string) domain.Instance {
	inst := domain.Instance{
		Name:        pod.Name,
		ProcessType: procName,
		Phase:       string(pod.Status.Phase),
	}
	if v := pod.Labels["release_version"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			inst.ReleaseVersion = n
		}
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			inst.Ready = true
		}
	}
	for _, cs := range pod.Status.ContainerStatuses {
		inst.RestartCount += int(cs.RestartCount)
	}
	if pod.Status.StartTime != nil {
		inst.StartTime = pod.Status.StartTime.Time
	}
	return inst
}

func envsToK8s(envs map[string]string) []corev1.EnvVar {
	result := make([]corev1.EnvVar, 0, len(envs))
	for k, v := range envs {
		result = append(result, corev1.EnvVar{Name: k, Value: v})
	}
	return result
}

func tolerationsToK8s(tolerations []domain.Toleration) []corev1.Toleration {
	if len(tolerations) == 0 {
		return nil
	}
	result := make([]corev1.Toleration, len(tolerations))
	for i, t := range tolerations {
		result[i] = corev1.Toleration{
			Key:               t.Key,
			Operator:          corev1.TolerationOperator(t.Operator),
			Value:             t.Value,
			Effect:            corev1.TaintEffect(t.Effect),
			TolerationSeconds: t.TolerationSeconds,
		}
	}
	return result
}

func resourceRequirements(requests, limits map[string]string) (corev1.ResourceRequirements, error) {
	var rr corev1.ResourceRequirements
	var err error
	if rr.Requests, err = parseResourceList(requests); err != nil {
		return rr, err
	}
	if rr.Limits, err = parseResourceList(limits); err != nil {
		return rr, err
	}
	return rr, nil
}

func parseResourceList(values map[string]string) (corev1.ResourceList, error) {
	if len(values) == 0 {
		return nil, nil
	}
	list := make(corev1.ResourceList, len(values))
	for k, v := range values {
		q, err := resource.ParseQuantity(v)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid resource quantity %s=%s", domain.ErrInvalidInput, k, v)
		}
		list[corev1.ResourceName(k)] = q
	}
	return list, nil
}
