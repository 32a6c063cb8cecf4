package service

import (
	"context"
	"testing"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackingSpecRepo 在内存里维护 spec / plan 行，记录写入。
type trackingSpecRepo struct {
	stubSpecRepo
	rows  map[string]*domain.ProcessSpec
	plans map[string]*domain.ProcessSpecPlan
}

func newTrackingSpecRepo() *trackingSpecRepo {
	return &trackingSpecRepo{
		rows:  make(map[string]*domain.ProcessSpec),
		plans: make(map[string]*domain.ProcessSpecPlan),
	}
}

func (r *trackingSpecRepo) Upsert(_ context.Context, spec *domain.ProcessSpec) error {
	r.rows[spec.WlAppName+"/"+spec.Name] = spec
	return nil
}

func (r *trackingSpecRepo) Update(ctx context.Context, spec *domain.ProcessSpec) error {
	return r.Upsert(ctx, spec)
}

func (r *trackingSpecRepo) FindByName(_ context.Context, appName, procType string) (*domain.ProcessSpec, error) {
	spec, ok := r.rows[appName+"/"+procType]
	if !ok {
		return nil, domain.ErrProcessNotFound
	}
	return spec, nil
}

func (r *trackingSpecRepo) FindPlan(_ context.Context, name string) (*domain.ProcessSpecPlan, error) {
	plan, ok := r.plans[name]
	if !ok {
		return nil, domain.ErrPlanNotFound
	}
	return plan, nil
}

// trackingOperator 记录集群侧调用。
type trackingOperator struct {
	stubProcOperator
	scaled      map[string]int
	autoscaled  map[string]bool
	autoscaleCf *domain.ScalingConfig
}

func newTrackingOperator() *trackingOperator {
	return &trackingOperator{scaled: make(map[string]int), autoscaled: make(map[string]bool)}
}

func (o *trackingOperator) Scale(_ context.Context, _ *domain.WlApp, procType string, replicas int) error {
	o.scaled[procType] = replicas
	return nil
}

func (o *trackingOperator) SetAutoscaling(_ context.Context, _ *domain.WlApp, procType string, cfg *domain.ScalingConfig, enabled bool) error {
	o.autoscaled[procType] = enabled
	o.autoscaleCf = cfg
	return nil
}

type recordingScaler struct {
	calls map[string]int
}

func (s *recordingScaler) ScaleProcess(_ context.Context, _ *domain.WlApp, procType string, replicas int) error {
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[procType] = replicas
	return nil
}

func newProcfileController(cluster *domain.Cluster) (*AppProcessesController, *trackingSpecRepo, *trackingOperator) {
	specs := newTrackingSpecRepo()
	operator := newTrackingOperator()
	controller := NewAppProcessesController(
		NewProcSpecUpdater(specs), specs, &fakeClusterRepo{cluster: cluster}, operator)
	return controller, specs, operator
}

func TestControllerHubDispatch(t *testing.T) {
	procfile, _, _ := newProcfileController(testCluster())
	cnative := NewCNativeProcController(NewProcSpecUpdater(newTrackingSpecRepo()), &recordingScaler{})
	hub := NewControllerHub(procfile, cnative)

	app := testApp()
	got, err := hub.ControllerFor(app)
	require.NoError(t, err)
	assert.Same(t, procfile, got)

	app.Type = domain.AppTypeCloudNative
	got, err = hub.ControllerFor(app)
	require.NoError(t, err)
	assert.Same(t, cnative, got)

	app.Type = domain.AppTypeEngineless
	_, err = hub.ControllerFor(app)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestProcfileStartDefaultsToOneReplica(t *testing.T) {
	controller, specs, operator := newProcfileController(testCluster())
	app := testApp()

	require.NoError(t, controller.Start(context.Background(), app, "web"))

	spec, err := specs.FindByName(context.Background(), app.Name, "web")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessStart, spec.TargetStatus)
	assert.Equal(t, 1, spec.TargetReplicas)
	assert.Equal(t, 1, operator.scaled["web"])
}

func TestProcfileStartKeepsExistingReplicas(t *testing.T) {
	controller, specs, operator := newProcfileController(testCluster())
	app := testApp()
	specs.rows[app.Name+"/web"] = &domain.ProcessSpec{
		WlAppName: app.Name, Name: "web",
		TargetReplicas: 3, TargetStatus: domain.ProcessStop,
	}

	require.NoError(t, controller.Start(context.Background(), app, "web"))
	assert.Equal(t, 3, operator.scaled["web"])
}

func TestProcfileStopScalesToZeroKeepsReplicas(t *testing.T) {
	controller, specs, operator := newProcfileController(testCluster())
	app := testApp()
	specs.rows[app.Name+"/web"] = &domain.ProcessSpec{
		WlAppName: app.Name, Name: "web",
		TargetReplicas: 3, TargetStatus: domain.ProcessStart,
	}

	require.NoError(t, controller.Stop(context.Background(), app, "web"))

	spec, _ := specs.FindByName(context.Background(), app.Name, "web")
	assert.Equal(t, domain.ProcessStop, spec.TargetStatus)
	// 期望副本数保留，下一次 start 直接恢复
	assert.Equal(t, 3, spec.TargetReplicas)
	assert.Equal(t, 0, operator.scaled["web"])
}

func TestProcfileScaleRequiresReplicas(t *testing.T) {
	controller, _, _ := newProcfileController(testCluster())

	err := controller.Scale(context.Background(), testApp(), "web", ScaleRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestProcfileScaleHonorsPlanCap(t *testing.T) {
	controller, specs, _ := newProcfileController(testCluster())
	app := testApp()
	specs.rows[app.Name+"/web"] = &domain.ProcessSpec{
		WlAppName: app.Name, Name: "web", TargetReplicas: 1, PlanName: "small",
	}
	specs.plans["small"] = &domain.ProcessSpecPlan{Name: "small", MaxReplicas: 5}

	six := 6
	err := controller.Scale(context.Background(), app, "web", ScaleRequest{TargetReplicas: &six})
	assert.ErrorIs(t, err, domain.ErrReplicasExceedsLimit)

	five := 5
	require.NoError(t, controller.Scale(context.Background(), app, "web", ScaleRequest{TargetReplicas: &five}))
}

func TestProcfileScaleDisablesAutoscaling(t *testing.T) {
	controller, specs, operator := newProcfileController(testCluster())
	app := testApp()
	specs.rows[app.Name+"/web"] = &domain.ProcessSpec{
		WlAppName: app.Name, Name: "web", TargetReplicas: 2,
		Autoscaling:   true,
		ScalingConfig: &domain.ScalingConfig{MinReplicas: 1, MaxReplicas: 4},
	}

	four := 4
	require.NoError(t, controller.Scale(context.Background(), app, "web", ScaleRequest{TargetReplicas: &four}))

	spec, _ := specs.FindByName(context.Background(), app.Name, "web")
	assert.False(t, spec.Autoscaling)
	assert.Nil(t, spec.ScalingConfig)
	assert.False(t, operator.autoscaled["web"])
	assert.Equal(t, 4, operator.scaled["web"])
}

func TestProcfileAutoscaleNeedsClusterFeature(t *testing.T) {
	cluster := testCluster()
	cluster.FeatureFlags = nil
	controller, _, _ := newProcfileController(cluster)

	err := controller.Scale(context.Background(), testApp(), "web", ScaleRequest{
		Autoscaling:   true,
		ScalingConfig: &domain.ScalingConfig{MinReplicas: 1, MaxReplicas: 3},
	})
	assert.ErrorIs(t, err, domain.ErrAutoscalingUnsupported)
}

func TestProcfileAutoscaleEnablesHPA(t *testing.T) {
	cluster := testCluster()
	cluster.FeatureFlags = map[string]bool{domain.FeatureAutoscaling: true}
	controller, specs, operator := newProcfileController(cluster)
	app := testApp()

	cfg := &domain.ScalingConfig{MinReplicas: 1, MaxReplicas: 3}
	require.NoError(t, controller.Scale(context.Background(), app, "web", ScaleRequest{
		Autoscaling:   true,
		ScalingConfig: cfg,
	}))

	spec, _ := specs.FindByName(context.Background(), app.Name, "web")
	assert.True(t, spec.Autoscaling)
	assert.True(t, operator.autoscaled["web"])
	assert.Equal(t, cfg, operator.autoscaleCf)
}

func TestProcfileAutoscaleValidatesConfig(t *testing.T) {
	cluster := testCluster()
	cluster.FeatureFlags = map[string]bool{domain.FeatureAutoscaling: true}
	controller, _, _ := newProcfileController(cluster)

	err := controller.Scale(context.Background(), testApp(), "web", ScaleRequest{
		Autoscaling:   true,
		ScalingConfig: &domain.ScalingConfig{MinReplicas: 3, MaxReplicas: 1},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCNativeScaleGoesThroughManifest(t *testing.T) {
	scaler := &recordingScaler{}
	controller := NewCNativeProcController(NewProcSpecUpdater(newTrackingSpecRepo()), scaler)
	app := testApp()
	app.Type = domain.AppTypeCloudNative

	five := 5
	require.NoError(t, controller.Scale(context.Background(), app, "web", ScaleRequest{TargetReplicas: &five}))
	assert.Equal(t, 5, scaler.calls["web"])
}

func TestCNativeScaleRejectsAutoscaling(t *testing.T) {
	controller := NewCNativeProcController(NewProcSpecUpdater(newTrackingSpecRepo()), &recordingScaler{})

	err := controller.Scale(context.Background(), testApp(), "web", ScaleRequest{
		Autoscaling:   true,
		ScalingConfig: &domain.ScalingConfig{MinReplicas: 1, MaxReplicas: 3},
	})
	assert.ErrorIs(t, err, domain.ErrNotImplemented)
}

func TestCNativeScaleCapped(t *testing.T) {
	controller := NewCNativeProcController(NewProcSpecUpdater(newTrackingSpecRepo()), &recordingScaler{})

	over := domain.DefaultCNativeMaxReplicas + 1
	err := controller.Scale(context.Background(), testApp(), "web", ScaleRequest{TargetReplicas: &over})
	assert.ErrorIs(t, err, domain.ErrReplicasExceedsLimit)
}
