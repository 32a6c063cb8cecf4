package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/config"
	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBuildRepo struct {
	mu        sync.Mutex
	builds    map[string]*domain.Build
	processes map[string]*domain.BuildProcess
}

func newMemBuildRepo() *memBuildRepo {
	return &memBuildRepo{
		builds:    map[string]*domain.Build{},
		processes: map[string]*domain.BuildProcess{},
	}
}

func (r *memBuildRepo) SaveBuild(_ context.Context, b *domain.Build) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builds[b.ID] = b
	return nil
}

func (r *memBuildRepo) FindBuildByID(_ context.Context, id string) (*domain.Build, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.builds[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (r *memBuildRepo) SaveBuildProcess(_ context.Context, bp *domain.BuildProcess) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *bp
	r.processes[bp.ID] = &cp
	return nil
}

func (r *memBuildRepo) UpdateBuildProcess(_ context.Context, bp *domain.BuildProcess) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *bp
	r.processes[bp.ID] = &cp
	return nil
}

func (r *memBuildRepo) FindBuildProcessByID(_ context.Context, id string) (*domain.BuildProcess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bp, ok := r.processes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *bp
	return &cp, nil
}

// stubBuilder 按脚本走完一次构建：日志逐行回放，终态由 phase 决定。
type stubBuilder struct {
	logLines []string
	phase    string

	buildErr     error
	readinessErr error

	tmpl        port.BuilderTemplate
	deleted     bool
	interrupted bool
}

func (b *stubBuilder) BuildSlug(_ context.Context, _ *domain.WlApp, tmpl port.BuilderTemplate) (string, error) {
	b.tmpl = tmpl
	return "slug-builder", b.buildErr
}

func (b *stubBuilder) WaitForLogsReadiness(context.Context, *domain.WlApp, time.Duration) error {
	return b.readinessErr
}

func (b *stubBuilder) FollowLogs(_ context.Context, _ *domain.WlApp, sink func(line string)) error {
	for _, line := range b.logLines {
		sink(line)
	}
	return nil
}

func (b *stubBuilder) WaitForTerminal(context.Context, *domain.WlApp, time.Duration) (string, error) {
	return b.phase, nil
}

func (b *stubBuilder) DeleteBuilder(context.Context, *domain.WlApp) error {
	b.deleted = true
	return nil
}

func (b *stubBuilder) InterruptBuilder(context.Context, *domain.WlApp) error {
	b.interrupted = true
	return nil
}

func executorFixture(builder *stubBuilder) (*memBuildRepo, *BuildProcessExecutor) {
	builds := newMemBuildRepo()
	clusters := &fakeClusterRepo{cluster: testCluster(domain.DomainScheme{Name: "bkapps.example.com"})}
	cfg := &config.Config{
		SlugBuilderImage:        "bkpaas/slugbuilder:latest",
		DockerBuilderImage:      "bkpaas/kaniko-executor:latest",
		BuilderReadinessTimeout: time.Second,
		BuilderLogsTimeout:      time.Second,
		BuilderTerminalTimeout:  time.Second,
	}
	events := NewDeployEventStream(newMemEventRepo())
	exec := NewBuildProcessExecutor(builds, &fakeWlAppRepo{}, clusters, builder, &fakeNamespaceOperator{}, events, cfg)
	return builds, exec
}

func buildRequest() (DeployRequest, *PreparationResult) {
	req := DeployRequest{
		AppCode:        "demo",
		ModuleName:     "default",
		Environment:    "stag",
		SourceBranch:   "master",
		SourceRevision: "abc123",
		Operator:       "admin",
	}
	prep := &PreparationResult{
		Procfile: map[string]string{"web": "python main.py"},
		Config:   &domain.Config{RuntimeImage: "bkpaas/slugrunner:latest"},
		Envs:     map[string]string{"PORT": "5000"},
		SlugPath: "default/home/bkapp-demo-stag:master:abc123/push.slug.tgz",
	}
	return req, prep
}

func TestExecuteSuccessfulBuild(t *testing.T) {
	builder := &stubBuilder{logLines: []string{"-----> compiling", "-----> done"}, phase: "Succeeded"}
	builds, exec := executorFixture(builder)
	req, prep := buildRequest()

	bp, err := exec.Execute(context.Background(), testApp(), "deploy-1", req, prep)
	require.NoError(t, err)

	assert.Equal(t, domain.BuildStatusSuccessful, bp.Status)
	assert.True(t, bp.LogsWasReady)
	require.NotEmpty(t, bp.BuildID)

	build, err := builds.FindBuildByID(context.Background(), bp.BuildID)
	require.NoError(t, err)
	assert.Equal(t, domain.ArtifactSlug, build.ArtifactType)
	assert.Equal(t, prep.SlugPath, build.SlugPath)
	assert.Equal(t, "abc123", build.SourceRevision)

	assert.True(t, builder.deleted)
}

func TestExecuteDockerfileBuildUsesDockerBuilder(t *testing.T) {
	builder := &stubBuilder{phase: "Succeeded"}
	builds, exec := executorFixture(builder)
	req, prep := buildRequest()
	req.Dockerfile = "Dockerfile"
	prep.Dockerfile = "Dockerfile"

	bp, err := exec.Execute(context.Background(), testApp(), "deploy-1", req, prep)
	require.NoError(t, err)

	assert.Equal(t, "bkpaas/kaniko-executor:latest", builder.tmpl.Image)
	assert.Equal(t, "Dockerfile", builder.tmpl.Envs["DOCKERFILE_PATH"])

	build, err := builds.FindBuildByID(context.Background(), bp.BuildID)
	require.NoError(t, err)
	assert.Equal(t, domain.ArtifactImage, build.ArtifactType)
	assert.Empty(t, build.SlugPath)
}

func TestExecuteRetainsBuildLog(t *testing.T) {
	builder := &stubBuilder{logLines: []string{"line one", "line two"}, phase: "Succeeded"}
	builds, exec := executorFixture(builder)
	req, prep := buildRequest()

	bp, err := exec.Execute(context.Background(), testApp(), "deploy-1", req, prep)
	require.NoError(t, err)

	saved, err := builds.FindBuildProcessByID(context.Background(), bp.ID)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", saved.OutputStream)
}

func TestExecuteFailedPodPhase(t *testing.T) {
	builder := &stubBuilder{phase: "Failed"}
	builds, exec := executorFixture(builder)
	req, prep := buildRequest()

	bp, err := exec.Execute(context.Background(), testApp(), "deploy-1", req, prep)
	require.Error(t, err)

	saved, _ := builds.FindBuildProcessByID(context.Background(), bp.ID)
	assert.Equal(t, domain.BuildStatusFailed, saved.Status)
	assert.Empty(t, saved.BuildID)
	assert.True(t, builder.deleted)
}

func TestExecuteResidualBuilderPod(t *testing.T) {
	builder := &stubBuilder{buildErr: domain.ErrResourceDuplicate}
	builds, exec := executorFixture(builder)
	req, prep := buildRequest()

	bp, err := exec.Execute(context.Background(), testApp(), "deploy-1", req, prep)
	require.Error(t, err)

	saved, _ := builds.FindBuildProcessByID(context.Background(), bp.ID)
	assert.Equal(t, domain.BuildStatusFailed, saved.Status)
}

func TestExecuteInterruptedBuild(t *testing.T) {
	builder := &stubBuilder{phase: "Failed"}
	builds, exec := executorFixture(builder)
	req, prep := buildRequest()

	// FollowLogs 断流后 executor 会重读协作取消信号
	builder.logLines = []string{"-----> compiling"}
	now := time.Now()
	bp := &domain.BuildProcess{
		ID:        "bp-int",
		WlAppName: testApp().Name,
		Status:    domain.BuildStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, builds.SaveBuildProcess(context.Background(), bp))
	bp.IntRequestedAt = &now
	require.NoError(t, builds.UpdateBuildProcess(context.Background(), bp))

	err := exec.runBuild(context.Background(), testApp(), "deploy-1", req, prep, bp)
	require.Error(t, err)

	saved, _ := builds.FindBuildProcessByID(context.Background(), bp.ID)
	assert.Equal(t, domain.BuildStatusInterrupted, saved.Status)
}

func TestInterruptBuild(t *testing.T) {
	builder := &stubBuilder{}
	builds, exec := executorFixture(builder)
	app := testApp()
	exec.apps = &fakeWlAppRepo{apps: map[string]*domain.WlApp{app.Name: app}}

	bp := &domain.BuildProcess{ID: "bp-1", WlAppName: app.Name, Status: domain.BuildStatusPending}
	require.NoError(t, builds.SaveBuildProcess(context.Background(), bp))

	require.NoError(t, exec.InterruptBuild(context.Background(), "bp-1"))

	saved, _ := builds.FindBuildProcessByID(context.Background(), "bp-1")
	assert.NotNil(t, saved.IntRequestedAt)
	assert.True(t, builder.interrupted)
}

func TestInterruptBuildRejectsTerminal(t *testing.T) {
	builds, exec := executorFixture(&stubBuilder{})
	bp := &domain.BuildProcess{ID: "bp-1", Status: domain.BuildStatusSuccessful}
	require.NoError(t, builds.SaveBuildProcess(context.Background(), bp))

	err := exec.InterruptBuild(context.Background(), "bp-1")
	assert.ErrorIs(t, err, domain.ErrDeployInterruptionFailed)
}
