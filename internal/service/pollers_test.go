package service

import (
	"context"
	"testing"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

type stubDeploymentRepo struct {
	deployment *domain.Deployment
}

func (s *stubDeploymentRepo) Save(context.Context, *domain.Deployment) error   { return nil }
func (s *stubDeploymentRepo) Update(context.Context, *domain.Deployment) error { return nil }
func (s *stubDeploymentRepo) FindByID(context.Context, string) (*domain.Deployment, error) {
	return s.deployment, nil
}
func (s *stubDeploymentRepo) FindLatest(context.Context, string) (*domain.Deployment, error) {
	return s.deployment, nil
}
func (s *stubDeploymentRepo) AnySuccessful(context.Context, string) (bool, error) { return false, nil }
func (s *stubDeploymentRepo) SavePhase(context.Context, *domain.DeployPhase) error {
	return nil
}
func (s *stubDeploymentRepo) UpdatePhase(context.Context, *domain.DeployPhase) error { return nil }
func (s *stubDeploymentRepo) FindPhases(context.Context, string) ([]*domain.DeployPhase, error) {
	return nil, nil
}
func (s *stubDeploymentRepo) SaveStep(context.Context, *domain.DeployStep) error   { return nil }
func (s *stubDeploymentRepo) UpdateStep(context.Context, *domain.DeployStep) error { return nil }
func (s *stubDeploymentRepo) FindSteps(context.Context, string) ([]*domain.DeployStep, error) {
	return nil, nil
}

type stubSpecRepo struct {
	specs []*domain.ProcessSpec
}

func (s *stubSpecRepo) Upsert(context.Context, *domain.ProcessSpec) error { return nil }
func (s *stubSpecRepo) Update(context.Context, *domain.ProcessSpec) error { return nil }
func (s *stubSpecRepo) FindByName(context.Context, string, string) (*domain.ProcessSpec, error) {
	return nil, domain.ErrProcessNotFound
}
func (s *stubSpecRepo) FindByApp(context.Context, string) ([]*domain.ProcessSpec, error) {
	return s.specs, nil
}
func (s *stubSpecRepo) DeleteAbsent(context.Context, string, []string) error { return nil }
func (s *stubSpecRepo) FindPlan(context.Context, string) (*domain.ProcessSpecPlan, error) {
	return nil, domain.ErrPlanNotFound
}
func (s *stubSpecRepo) SavePlan(context.Context, *domain.ProcessSpecPlan) error { return nil }
func (s *stubSpecRepo) ListPlans(context.Context) ([]*domain.ProcessSpecPlan, error) {
	return nil, nil
}

type stubProcOperator struct {
	snapshot   []domain.ProcessSnapshot
	failReason string
}

func (s *stubProcOperator) Deploy(context.Context, *domain.WlApp, port.ProcessDeployInput) error {
	return nil
}
func (s *stubProcOperator) Scale(context.Context, *domain.WlApp, string, int) error  { return nil }
func (s *stubProcOperator) Delete(context.Context, *domain.WlApp, string) error      { return nil }
func (s *stubProcOperator) SetAutoscaling(context.Context, *domain.WlApp, string, *domain.ScalingConfig, bool) error {
	return nil
}
func (s *stubProcOperator) Snapshot(context.Context, *domain.WlApp) ([]domain.ProcessSnapshot, error) {
	return s.snapshot, nil
}
func (s *stubProcOperator) DetectPodFailure(context.Context, *domain.WlApp) (string, bool, error) {
	return s.failReason, s.failReason != "", nil
}

type recordingEvents struct {
	emitted []string
}

func (r *recordingEvents) Emit(_ context.Context, _ string, event string, _ any) error {
	r.emitted = append(r.emitted, event)
	return nil
}
func (r *recordingEvents) Replay(context.Context, string, int) ([]*domain.DeployEvent, error) {
	return nil, nil
}
func (r *recordingEvents) Subscribe(string) (<-chan *domain.DeployEvent, func()) {
	ch := make(chan *domain.DeployEvent)
	close(ch)
	return ch, func() {}
}

func releaseWaitFixture(snapshot []domain.ProcessSnapshot) (ReleaseWaitDeps, *stubDeploymentRepo, *recordingEvents) {
	deployments := &stubDeploymentRepo{deployment: &domain.Deployment{ID: "d-1", Status: domain.JobPending}}
	events := &recordingEvents{}
	deps := ReleaseWaitDeps{
		Deployments: deployments,
		Specs: &stubSpecRepo{specs: []*domain.ProcessSpec{
			{WlAppName: "bkapp-demo-stag", Name: "web", TargetReplicas: 2, TargetStatus: domain.ProcessStart},
		}},
		Operator: &stubProcOperator{snapshot: snapshot},
		Events:   events,
	}
	return deps, deployments, events
}

func readyInstances(version, count int) []domain.Instance {
	instances := make([]domain.Instance, 0, count)
	for i := 0; i < count; i++ {
		instances = append(instances, domain.Instance{
			ProcessType:    "web",
			ReleaseVersion: version,
			Ready:          true,
		})
	}
	return instances
}

func TestReleaseWaitAllReady(t *testing.T) {
	deps, _, _ := releaseWaitFixture([]domain.ProcessSnapshot{
		{Name: "web", DesiredReplicas: 2, Instances: readyInstances(5, 2)},
	})
	poll := NewReleaseWaitPoll(deps, testApp(), "d-1", 5, 900*time.Second)

	result, err := poll(context.Background(), &PollerMetadata{StartedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, PollDone, result.Status)
	assert.Nil(t, result.Aborted)
}

func TestReleaseWaitStaleVersionNotReady(t *testing.T) {
	// 旧版本的就绪实例不算数
	deps, _, _ := releaseWaitFixture([]domain.ProcessSnapshot{
		{Name: "web", DesiredReplicas: 2, Instances: readyInstances(4, 2)},
	})
	poll := NewReleaseWaitPoll(deps, testApp(), "d-1", 5, 900*time.Second)

	result, err := poll(context.Background(), &PollerMetadata{StartedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, PollDoing, result.Status)
}

func TestReleaseWaitUserInterrupted(t *testing.T) {
	deps, deployments, _ := releaseWaitFixture(nil)
	now := time.Now()
	deployments.deployment.ReleaseIntRequestedAt = &now
	poll := NewReleaseWaitPoll(deps, testApp(), "d-1", 5, 900*time.Second)

	result, err := poll(context.Background(), &PollerMetadata{StartedAt: time.Now()})
	require.NoError(t, err)
	require.NotNil(t, result.Aborted)
	assert.Equal(t, "user_interrupted", result.Aborted.PolicyName)
	assert.True(t, result.Aborted.IsInterrupted)
}

func TestReleaseWaitTooManyRestarts(t *testing.T) {
	deps, _, _ := releaseWaitFixture([]domain.ProcessSnapshot{
		{Name: "web", DesiredReplicas: 2, Instances: []domain.Instance{
			{ProcessType: "web", ReleaseVersion: 5, RestartCount: 4},
		}},
	})
	poll := NewReleaseWaitPoll(deps, testApp(), "d-1", 5, 900*time.Second)

	result, err := poll(context.Background(), &PollerMetadata{StartedAt: time.Now()})
	require.NoError(t, err)
	require.NotNil(t, result.Aborted)
	assert.Equal(t, "too_many_restarts", result.Aborted.PolicyName)
	assert.False(t, result.Aborted.IsInterrupted)
}

func TestReleaseWaitOldVersionRestartsIgnored(t *testing.T) {
	deps, _, _ := releaseWaitFixture([]domain.ProcessSnapshot{
		{Name: "web", DesiredReplicas: 2, Instances: []domain.Instance{
			{ProcessType: "web", ReleaseVersion: 4, RestartCount: 10},
		}},
	})
	poll := NewReleaseWaitPoll(deps, testApp(), "d-1", 5, 900*time.Second)

	result, err := poll(context.Background(), &PollerMetadata{StartedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, PollDoing, result.Status)
}

func TestReleaseWaitPodFailureAborts(t *testing.T) {
	deps, _, _ := releaseWaitFixture(nil)
	deps.Operator = &stubProcOperator{failReason: "CrashLoopBackOff: back-off restarting"}
	poll := NewReleaseWaitPoll(deps, testApp(), "d-1", 5, 900*time.Second)

	result, err := poll(context.Background(), &PollerMetadata{StartedAt: time.Now()})
	require.NoError(t, err)
	require.NotNil(t, result.Aborted)
	assert.Equal(t, "pod_failure", result.Aborted.PolicyName)
	assert.Contains(t, result.Aborted.Reason, "CrashLoopBackOff")
}

func TestReleaseWaitDynamicTimeout(t *testing.T) {
	deps, _, _ := releaseWaitFixture(nil)
	poll := NewReleaseWaitPoll(deps, testApp(), "d-1", 5, time.Second)

	result, err := poll(context.Background(), &PollerMetadata{StartedAt: time.Now().Add(-2 * time.Second)})
	require.NoError(t, err)
	require.NotNil(t, result.Aborted)
	assert.Equal(t, "dynamic_ready_timeout", result.Aborted.PolicyName)
}

func TestReleaseWaitEmitsSnapshotDiff(t *testing.T) {
	deps, _, events := releaseWaitFixture([]domain.ProcessSnapshot{
		{Name: "web", DesiredReplicas: 2, Instances: readyInstances(5, 1)},
	})
	poll := NewReleaseWaitPoll(deps, testApp(), "d-1", 5, 900*time.Second)
	meta := &PollerMetadata{StartedAt: time.Now()}

	// 首轮建立基线，不发事件
	_, err := poll(context.Background(), meta)
	require.NoError(t, err)
	assert.Empty(t, events.emitted)

	// 快照变化后发 process-updated
	deps.Operator.(*stubProcOperator).snapshot = []domain.ProcessSnapshot{
		{Name: "web", DesiredReplicas: 2, Instances: readyInstances(5, 2)},
	}
	_, err = poll(context.Background(), meta)
	require.NoError(t, err)
	assert.Contains(t, events.emitted, "process-updated")
}

func TestDynamicReadyTimeout(t *testing.T) {
	assert.Equal(t, 180*time.Second, DynamicReadyTimeout(900*time.Second, 1))
	assert.Equal(t, 420*time.Second, DynamicReadyTimeout(900*time.Second, 5))
	// 超出封顶取封顶
	assert.Equal(t, 900*time.Second, DynamicReadyTimeout(900*time.Second, 100))
}
