package kubernetes

import (
	"context"
	"testing"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	fakeclient "k8s.io/client-go/kubernetes/fake"
)

type stubResolver struct {
	client kubernetes.Interface
	dyn    dynamic.Interface
}

func (s *stubResolver) ClientFor(ctx context.Context, app *domain.WlApp) (kubernetes.Interface, error) {
	return s.client, nil
}

func (s *stubResolver) DynamicFor(ctx context.Context, app *domain.WlApp) (dynamic.Interface, error) {
	return s.dyn, nil
}

func (s *stubResolver) ClientByName(ctx context.Context, clusterName string) (kubernetes.Interface, error) {
	return s.client, nil
}

func testApp() *domain.WlApp {
	return &domain.WlApp{
		Name:        "bkapp-demo-stag",
		Region:      "default",
		Type:        domain.AppTypeDefault,
		AppCode:     "demo",
		ModuleName:  "default",
		Environment: "stag",
	}
}

func TestWorkloadDeployCreatesDeploymentAndService(t *testing.T) {
	client := fakeclient.NewSimpleClientset()
	op := NewWorkloadOperator(&stubResolver{client: client})
	app := testApp()

	in := port.ProcessDeployInput{
		Name:           "web",
		Command:        "gunicorn app:wsgi",
		Image:          "registry.example.com/demo:v1",
		Replicas:       2,
		TargetPort:     5000,
		Envs:           map[string]string{"PORT": "5000"},
		Requests:       map[string]string{"cpu": "250m", "memory": "512Mi"},
		Limits:         map[string]string{"cpu": "4", "memory": "1Gi"},
		ReleaseVersion: 3,
		MapperVersion:  "v2",
	}
	if err := op.Deploy(context.Background(), app, in); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	deploy, err := client.AppsV1().Deployments(app.Namespace()).Get(context.Background(), "bkapp-demo-stag--web", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if *deploy.Spec.Replicas != 2 {
		t.Errorf("replicas = %d, want 2", *deploy.Spec.Replicas)
	}
	if got := deploy.Labels["release_version"]; got != "3" {
		t.Errorf("release_version label = %q, want 3", got)
	}
	if got := deploy.Labels["category"]; got != "bkapp" {
		t.Errorf("category label = %q, want bkapp", got)
	}
	if got := deploy.Annotations[domain.WlAppNameAnnoKey]; got != "bkapp-demo-stag" {
		t.Errorf("wl-app-name annotation = %q", got)
	}

	svc, err := client.CoreV1().Services(app.Namespace()).Get(context.Background(), "bkapp-demo-stag--web", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get service: %v", err)
	}
	if svc.Spec.Ports[0].TargetPort.IntValue() != 5000 {
		t.Errorf("target port = %d, want 5000", svc.Spec.Ports[0].TargetPort.IntValue())
	}

	// 再次下发是更新而非冲突
	in.Replicas = 4
	if err := op.Deploy(context.Background(), app, in); err != nil {
		t.Fatalf("Deploy() second time error = %v", err)
	}
	deploy, _ = client.AppsV1().Deployments(app.Namespace()).Get(context.Background(), "bkapp-demo-stag--web", metav1.GetOptions{})
	if *deploy.Spec.Replicas != 4 {
		t.Errorf("replicas after update = %d, want 4", *deploy.Spec.Replicas)
	}
}

func TestWorkloadDeployRejectsBadQuantity(t *testing.T) {
	op := NewWorkloadOperator(&stubResolver{client: fakeclient.NewSimpleClientset()})
	err := op.Deploy(context.Background(), testApp(), port.ProcessDeployInput{
		Name:          "web",
		Image:         "registry.example.com/demo:v1",
		Replicas:      1,
		Requests:      map[string]string{"cpu": "a lot"},
		MapperVersion: "v2",
	})
	if err == nil {
		t.Fatal("Deploy() with bad quantity should fail")
	}
}

func TestWorkloadSnapshot(t *testing.T) {
	app := testApp()
	namespace := app.Namespace()
	replicas := int32(2)

	started := metav1.NewTime(time.Now().Add(-time.Minute))
	client := fakeclient.NewSimpleClientset(
		makeProcessDeployment(namespace, "bkapp-demo-stag--web", "web", replicas),
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "bkapp-demo-stag--web-abc",
				Namespace: namespace,
				Labels: map[string]string{
					"pod_selector":    "bkapp-demo-stag--web",
					"release_version": "7",
				},
			},
			Status: corev1.PodStatus{
				Phase:     corev1.PodRunning,
				StartTime: &started,
				Conditions: []corev1.PodCondition{
					{Type: corev1.PodReady, Status: corev1.ConditionTrue},
				},
				ContainerStatuses: []corev1.ContainerStatus{{RestartCount: 1}},
			},
		},
	)
	op := NewWorkloadOperator(&stubResolver{client: client})

	snapshots, err := op.Snapshot(context.Background(), app)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snapshots))
	}
	snap := snapshots[0]
	if snap.Name != "web" || snap.DesiredReplicas != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Instances) != 1 {
		t.Fatalf("instances = %d, want 1", len(snap.Instances))
	}
	inst := snap.Instances[0]
	if inst.ReleaseVersion != 7 || !inst.Ready || inst.RestartCount != 1 {
		t.Errorf("instance = %+v", inst)
	}
}

func makeProcessDeployment(namespace, name, proc string, replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				"category":     "bkapp",
				"process_id":   proc,
				"pod_selector": name,
			},
		},
		Spec: appsv1.DeploymentSpec{Replicas: &replicas},
	}
}

func TestDetectPodFailure(t *testing.T) {
	app := testApp()
	tests := []struct {
		name     string
		status   corev1.PodStatus
		wantFail bool
	}{
		{
			name: "healthy",
			status: corev1.PodStatus{
				ContainerStatuses: []corev1.ContainerStatus{{Name: "web"}},
			},
		},
		{
			name: "crash loop",
			status: corev1.PodStatus{
				ContainerStatuses: []corev1.ContainerStatus{{
					Name: "web",
					State: corev1.ContainerState{
						Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"},
					},
				}},
			},
			wantFail: true,
		},
		{
			name: "image pull backoff",
			status: corev1.PodStatus{
				ContainerStatuses: []corev1.ContainerStatus{{
					Name: "web",
					State: corev1.ContainerState{
						Waiting: &corev1.ContainerStateWaiting{Reason: "ImagePullBackOff"},
					},
				}},
			},
			wantFail: true,
		},
		{
			name: "init container crash",
			status: corev1.PodStatus{
				InitContainerStatuses: []corev1.ContainerStatus{{
					Name: "init",
					State: corev1.ContainerState{
						Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"},
					},
				}},
			},
			wantFail: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := fakeclient.NewSimpleClientset(&corev1.Pod{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "pod-1",
					Namespace: app.Namespace(),
					Labels:    map[string]string{"category": "bkapp"},
				},
				Status: tt.status,
			})
			op := NewWorkloadOperator(&stubResolver{client: client})

			reason, failed, err := op.DetectPodFailure(context.Background(), app)
			if err != nil {
				t.Fatalf("DetectPodFailure() error = %v", err)
			}
			if failed != tt.wantFail {
				t.Errorf("failed = %v, want %v (reason %q)", failed, tt.wantFail, reason)
			}
		})
	}
}
