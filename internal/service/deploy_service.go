package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/config"
	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/mapper"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"github.com/google/uuid"
)

// 事件流里的终态标题，前端据此收尾展示。
const (
	titleDeploySuccessful  = "部署完成"
	titleDeployFailed      = "部署失败"
	titleDeployInterrupted = "部署已中止"
)

// DeployService 驱动 procfile 模型的部署流水线：
// 准备 → 构建 → 发布，全程落库并写事件流。
type DeployService struct {
	deployments port.DeploymentRepository
	releases    port.ReleaseRepository
	builds      port.BuildRepository
	specs       port.ProcessSpecRepository
	apps        port.WlAppRepository
	clusters    port.ClusterRepository

	operator  port.ProcessOperator
	events    port.EventStream
	preparer  *Preparer
	executor  *BuildProcessExecutor
	updater   *ProcSpecUpdater
	subdomain *SubdomainAppIngressMgr

	runner *PollerRunner
	tasks  Enqueuer
	cfg    *config.Config
}

func NewDeployService(
	deployments port.DeploymentRepository,
	releases port.ReleaseRepository,
	builds port.BuildRepository,
	specs port.ProcessSpecRepository,
	apps port.WlAppRepository,
	clusters port.ClusterRepository,
	operator port.ProcessOperator,
	events port.EventStream,
	preparer *Preparer,
	executor *BuildProcessExecutor,
	updater *ProcSpecUpdater,
	subdomain *SubdomainAppIngressMgr,
	runner *PollerRunner,
	tasks Enqueuer,
	cfg *config.Config,
) *DeployService {
	return &DeployService{
		deployments: deployments,
		releases:    releases,
		builds:      builds,
		specs:       specs,
		apps:        apps,
		clusters:    clusters,
		operator:    operator,
		events:      events,
		preparer:    preparer,
		executor:    executor,
		updater:     updater,
		subdomain:   subdomain,
		runner:      runner,
		tasks:       tasks,
		cfg:         cfg,
	}
}

// CreateDeployment 建立 Pending 的部署记录并把流水线排入后台任务。
func (s *DeployService) CreateDeployment(ctx context.Context, req DeployRequest) (*domain.Deployment, error) {
	app, err := s.apps.FindByEnv(ctx, req.AppCode, req.ModuleName, req.Environment)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	deployment := &domain.Deployment{
		ID:             uuid.New().String(),
		WlAppName:      app.Name,
		AppCode:        req.AppCode,
		ModuleName:     req.ModuleName,
		Environment:    req.Environment,
		Status:         domain.JobPending,
		SourceBranch:   req.SourceBranch,
		SourceRevision: req.SourceRevision,
		Operator:       req.Operator,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.deployments.Save(ctx, deployment); err != nil {
		return nil, err
	}

	s.tasks.Enqueue(Task{
		Name: "deploy:" + deployment.ID,
		Run: func(taskCtx context.Context) error {
			return s.runPipeline(taskCtx, deployment.ID, req)
		},
	})
	return deployment, nil
}

// GetDeployment / ListEvents / EnvIsRunning 供 HTTP 层读。

func (s *DeployService) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return s.deployments.FindByID(ctx, id)
}

// EnvIsRunning 判定环境当前是否在运行。
// 手动下线优先于集群实况：残留 Pod 不改变结论。
func (s *DeployService) EnvIsRunning(ctx context.Context, app *domain.WlApp) (bool, error) {
	if app.IsOfflined {
		return false, nil
	}
	return s.deployments.AnySuccessful(ctx, app.Name)
}

// InterruptRelease 写入发布阶段的协作式取消信号。
// 流水线已经终态时拒绝。
func (s *DeployService) InterruptRelease(ctx context.Context, deploymentID string) error {
	deployment, err := s.deployments.FindByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if deployment.Status.IsTerminal() {
		return fmt.Errorf("%w: deployment %s is already %s", domain.ErrDeployInterruptionFailed, deploymentID, deployment.Status)
	}
	now := time.Now()
	deployment.ReleaseIntRequestedAt = &now
	deployment.UpdatedAt = now
	return s.deployments.Update(ctx, deployment)
}

// InterruptBuild 转发到构建执行器。
func (s *DeployService) InterruptBuild(ctx context.Context, bpID string) error {
	return s.executor.InterruptBuild(ctx, bpID)
}

// runPipeline 在后台任务里跑完整条流水线并落终态。
func (s *DeployService) runPipeline(ctx context.Context, deploymentID string, req DeployRequest) error {
	deployment, err := s.deployments.FindByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	app, err := s.apps.FindByName(ctx, deployment.WlAppName)
	if err != nil {
		return s.finishDeployment(ctx, deployment, domain.JobFailed, err)
	}

	tracker := newPhaseTracker(s.deployments, s.events, deploymentID)

	prep, err := s.runPreparation(ctx, tracker, app, req)
	if err != nil {
		return s.finishDeployment(ctx, deployment, domain.JobFailed, err)
	}

	bp, err := s.runBuildPhase(ctx, tracker, app, deployment, req, prep)
	if err != nil {
		status := domain.JobFailed
		if bp != nil && bp.Status == domain.BuildStatusInterrupted {
			status = domain.JobInterrupted
		}
		return s.finishDeployment(ctx, deployment, status, err)
	}
	deployment.BuildProcessID = bp.ID
	deployment.BuildID = bp.BuildID
	if err := s.deployments.Update(ctx, deployment); err != nil {
		return err
	}

	status, err := s.runReleasePhase(ctx, tracker, app, deployment, prep)
	return s.finishDeployment(ctx, deployment, status, err)
}

func (s *DeployService) runPreparation(ctx context.Context, tracker *phaseTracker, app *domain.WlApp, req DeployRequest) (prep *PreparationResult, err error) {
	if err := tracker.beginPhase(ctx, domain.PhasePreparation); err != nil {
		return nil, err
	}
	defer func() { tracker.endPhase(ctx, domain.PhasePreparation, err) }()

	var procfile map[string]string
	err = tracker.step(ctx, domain.PhasePreparation, "解析应用进程信息", func() error {
		procfile, err = s.preparer.ResolveProcesses(req)
		return err
	})
	if err != nil {
		return nil, err
	}

	var cfg *domain.Config
	var envs map[string]string
	err = tracker.step(ctx, domain.PhasePreparation, "解析部署配置", func() error {
		cfg, envs, err = s.preparer.ResolveConfig(ctx, app, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	prep = &PreparationResult{
		Procfile:   procfile,
		Config:     cfg,
		Envs:       envs,
		Dockerfile: req.Dockerfile,
		SourceURL:  envs["SOURCE_GET_URL"],
		SlugPath:   envs["SLUG_SET_PATH"],
	}
	err = tracker.step(ctx, domain.PhasePreparation, "配置资源实例", func() error {
		return s.preparer.ProvisionResources(ctx, app, req, prep, func(message string) {
			tracker.message(ctx, message)
		})
	})
	if err != nil {
		return nil, err
	}
	return prep, nil
}

func (s *DeployService) runBuildPhase(ctx context.Context, tracker *phaseTracker, app *domain.WlApp, deployment *domain.Deployment, req DeployRequest, prep *PreparationResult) (bp *domain.BuildProcess, err error) {
	if err := tracker.beginPhase(ctx, domain.PhaseBuild); err != nil {
		return nil, err
	}
	defer func() { tracker.endPhase(ctx, domain.PhaseBuild, err) }()

	err = tracker.step(ctx, domain.PhaseBuild, "上传仓库代码", func() error {
		// 源码包由上游平台推到对象存储，这里仅校验可达并签发拉取地址
		if prep.SourceURL == "" {
			return fmt.Errorf("%w: source package url missing", domain.ErrInvalidInput)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = tracker.step(ctx, domain.PhaseBuild, "构建应用镜像", func() error {
		bp, err = s.executor.Execute(ctx, app, deployment.ID, req, prep)
		return err
	})
	return bp, err
}

func (s *DeployService) runReleasePhase(ctx context.Context, tracker *phaseTracker, app *domain.WlApp, deployment *domain.Deployment, prep *PreparationResult) (status domain.JobStatus, err error) {
	if err := tracker.beginPhase(ctx, domain.PhaseRelease); err != nil {
		return domain.JobFailed, err
	}
	defer func() { tracker.endPhase(ctx, domain.PhaseRelease, err) }()

	var release *domain.Release
	err = tracker.step(ctx, domain.PhaseRelease, "部署应用", func() error {
		release, err = s.rollout(ctx, app, deployment, prep)
		return err
	})
	if err != nil {
		return domain.JobFailed, err
	}
	deployment.ReleaseID = release.ID
	if err := s.deployments.Update(ctx, deployment); err != nil {
		return domain.JobFailed, err
	}

	err = tracker.step(ctx, domain.PhaseRelease, "检测部署结果", func() error {
		var result CallbackResult
		runErr := s.runner.Run(ctx, PollerSpec{
			Name:           "wait-release-all-ready",
			Key:            "release-wait:" + deployment.ID,
			OverallTimeout: s.cfg.ReleaseWaitMaxTimeout,
			Poll: NewReleaseWaitPoll(ReleaseWaitDeps{
				Deployments: s.deployments,
				Specs:       s.specs,
				Operator:    s.operator,
				Events:      s.events,
			}, app, deployment.ID, release.Version, s.cfg.ReleaseWaitMaxTimeout),
			OnResult: func(_ context.Context, r CallbackResult) error {
				result = r
				return nil
			},
		})
		if runErr != nil {
			return runErr
		}
		switch {
		case result.Status == CallbackNormal:
			return nil
		case result.Aborted != nil && result.Aborted.IsInterrupted:
			return fmt.Errorf("%w: %s", errDeployInterrupted, result.Aborted.Reason)
		case result.Aborted != nil:
			return errors.New(result.Aborted.Reason)
		default:
			return errors.New("release wait finished abnormally")
		}
	})
	switch {
	case err == nil:
		return domain.JobSuccessful, nil
	case errors.Is(err, errDeployInterrupted):
		return domain.JobInterrupted, err
	default:
		return domain.JobFailed, err
	}
}

// rollout 创建 Release 并把每个进程的期望状态推到集群。
func (s *DeployService) rollout(ctx context.Context, app *domain.WlApp, deployment *domain.Deployment, prep *PreparationResult) (*domain.Release, error) {
	build, err := s.builds.FindBuildByID(ctx, deployment.BuildID)
	if err != nil {
		return nil, err
	}

	// 首个 Release 固化 mapper 版本；首次失败过的应用重试时重新固化
	version := mapper.Version(app.LatestMapperVersion)
	if version == "" {
		version = mapper.CurrentVersion
	}

	release, err := s.releases.Create(ctx, &domain.Release{
		ID:            uuid.New().String(),
		WlAppName:     app.Name,
		BuildID:       build.ID,
		ConfigID:      prep.Config.ID,
		MapperVersion: string(version),
		Operator:      deployment.Operator,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		return nil, err
	}

	if app.LatestMapperVersion == "" {
		app.LatestMapperVersion = string(version)
		app.UpdatedAt = time.Now()
		if err := s.apps.Update(ctx, app); err != nil {
			return nil, err
		}
	}

	cluster, err := clusterForApp(ctx, s.clusters, app)
	if err != nil {
		return nil, err
	}

	procNames := make([]string, 0, len(prep.Procfile))
	var pullSecret string
	if len(prep.Credentials) > 0 {
		pullSecret = port.ImagePullSecretName
	}
	for proc, command := range prep.Procfile {
		procNames = append(procNames, proc)

		spec, err := s.updater.Mutate(ctx, app, proc, func(ps *domain.ProcessSpec) {
			ps.TargetStatus = domain.ProcessStart
		})
		if err != nil {
			return nil, err
		}

		in := port.ProcessDeployInput{
			Name:            proc,
			Command:         command,
			Image:           build.Image,
			Replicas:        spec.TargetReplicas,
			Envs:            prep.Envs,
			Requests:        prep.Config.Requests,
			Limits:          prep.Config.Limits,
			NodeSelector:    mergeStringMaps(cluster.DefaultNodeSelector, prep.Config.NodeSelector),
			Tolerations:     append(append([]domain.Toleration{}, cluster.DefaultTolerations...), prep.Config.Tolerations...),
			ReleaseVersion:  release.Version,
			MapperVersion:   string(version),
			ImagePullSecret: pullSecret,
		}
		if err := s.operator.Deploy(ctx, app, in); err != nil {
			return nil, err
		}
	}

	// 不在本次 Procfile 里的进程不再是期望状态
	if err := s.specs.DeleteAbsent(ctx, app.Name, procNames); err != nil {
		return nil, err
	}

	serviceName := mapper.ServiceName(version, app, defaultWebProcess(prep.Procfile))
	if err := s.subdomain.Sync(ctx, app, serviceName); err != nil && !errors.Is(err, domain.ErrEmptyAppIngress) {
		return nil, err
	}
	return release, nil
}

// finishDeployment 是流水线唯一的终态出口：更新行、写终态标题事件、
// 执行显式的后置状态转移。
func (s *DeployService) finishDeployment(ctx context.Context, deployment *domain.Deployment, status domain.JobStatus, cause error) error {
	deployment.Status = status
	deployment.UpdatedAt = time.Now()
	if cause != nil {
		deployment.ErrDetail = cause.Error()
	}
	if err := s.deployments.Update(ctx, deployment); err != nil {
		return err
	}

	var title string
	switch status {
	case domain.JobSuccessful:
		title = titleDeploySuccessful
	case domain.JobInterrupted:
		title = titleDeployInterrupted
	default:
		title = titleDeployFailed
	}
	if err := s.events.Emit(ctx, deployment.ID, "title", map[string]string{"title": title}); err != nil {
		slog.Warn("emit terminal title failed", "deployment_id", deployment.ID, "error", err)
	}

	if status == domain.JobSuccessful {
		// 成功部署把手动下线的环境拉回在线，由终态处理器显式完成
		if app, err := s.apps.FindByName(ctx, deployment.WlAppName); err == nil && app.IsOfflined {
			app.IsOfflined = false
			app.UpdatedAt = time.Now()
			if err := s.apps.Update(ctx, app); err != nil {
				slog.Warn("reset offlined flag failed", "app", app.Name, "error", err)
			}
		}
	}

	slog.Info("deployment finished",
		"deployment_id", deployment.ID, "status", status, "err_detail", deployment.ErrDetail)
	if cause != nil && status == domain.JobFailed {
		return cause
	}
	return nil
}

// defaultWebProcess 选 Ingress 的默认后端进程，优先 web，
// 否则取字典序最小的进程名保证稳定。
func defaultWebProcess(procfile map[string]string) string {
	if _, ok := procfile["web"]; ok {
		return "web"
	}
	names := make([]string, 0, len(procfile))
	for proc := range procfile {
		names = append(names, proc)
	}
	if len(names) == 0 {
		return "web"
	}
	sort.Strings(names)
	return names[0]
}

func mergeStringMaps(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
