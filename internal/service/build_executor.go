package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/config"
	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"github.com/google/uuid"
)

// builder Pod 的资源规格，独立于应用进程的套餐。
var slugbuilderResources = struct {
	Requests map[string]string
	Limits   map[string]string
}{
	Requests: map[string]string{"cpu": "500m", "memory": "1Gi"},
	Limits:   map[string]string{"cpu": "2", "memory": "2Gi"},
}

// BuildProcessExecutor 驱动一次构建：创建 BuildProcess 行、
// 拉起 builder Pod、流式转发日志、按终态产出 Build。
type BuildProcessExecutor struct {
	builds   port.BuildRepository
	apps     port.WlAppRepository
	clusters port.ClusterRepository

	builder   port.Builder
	namespace port.NamespaceOperator
	events    port.EventStream

	cfg *config.Config
}

func NewBuildProcessExecutor(
	builds port.BuildRepository,
	apps port.WlAppRepository,
	clusters port.ClusterRepository,
	builder port.Builder,
	namespace port.NamespaceOperator,
	events port.EventStream,
	cfg *config.Config,
) *BuildProcessExecutor {
	return &BuildProcessExecutor{
		builds:    builds,
		apps:      apps,
		clusters:  clusters,
		builder:   builder,
		namespace: namespace,
		events:    events,
		cfg:       cfg,
	}
}

// Execute 跑完一次构建并返回终态的 BuildProcess。
// 成功时 BuildProcess.BuildID 指向新产出的 Build。
// builder Pod 无论结局如何都会被删除。
func (e *BuildProcessExecutor) Execute(ctx context.Context, app *domain.WlApp, deploymentID string, req DeployRequest, prep *PreparationResult) (*domain.BuildProcess, error) {
	now := time.Now()
	bp := &domain.BuildProcess{
		ID:             uuid.New().String(),
		WlAppName:      app.Name,
		DeploymentID:   deploymentID,
		Status:         domain.BuildStatusPending,
		SourceBranch:   req.SourceBranch,
		SourceRevision: req.SourceRevision,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.builds.SaveBuildProcess(ctx, bp); err != nil {
		return nil, err
	}

	if err := e.runBuild(ctx, app, deploymentID, req, prep, bp); err != nil {
		return bp, err
	}
	return bp, nil
}

func (e *BuildProcessExecutor) runBuild(ctx context.Context, app *domain.WlApp, deploymentID string, req DeployRequest, prep *PreparationResult, bp *domain.BuildProcess) error {
	cluster, err := clusterForApp(ctx, e.clusters, app)
	if err != nil {
		return e.finalize(ctx, bp, domain.BuildStatusFailed, err.Error())
	}

	if err := e.namespace.EnsureNamespace(ctx, app); err != nil {
		return e.finalize(ctx, bp, domain.BuildStatusFailed, err.Error())
	}
	if err := e.namespace.EnsureImageCredentialsSecret(ctx, app, prep.Credentials); err != nil {
		return e.finalize(ctx, bp, domain.BuildStatusFailed, err.Error())
	}

	tmpl := e.builderTemplate(cluster, prep)
	if _, err := e.builder.BuildSlug(ctx, app, tmpl); err != nil {
		if errors.Is(err, domain.ErrResourceDuplicate) {
			// 上一次失败构建的残留 Pod 还在，稍后重试即可
			return e.finalize(ctx, bp, domain.BuildStatusFailed,
				"构建环境尚有残留，请稍候约一分钟后重试")
		}
		return e.finalize(ctx, bp, domain.BuildStatusFailed, err.Error())
	}
	defer func() {
		if err := e.builder.DeleteBuilder(context.WithoutCancel(ctx), app); err != nil {
			slog.Warn("delete builder pod failed", "app", app.Name, "error", err)
		}
	}()

	if err := e.builder.WaitForLogsReadiness(ctx, app, e.cfg.BuilderReadinessTimeout); err != nil {
		if errors.Is(err, domain.ErrReadTargetStatusTimeout) {
			return e.finalize(ctx, bp, domain.BuildStatusFailed,
				"构建 Pod 健康检查超时，未能进入可读日志状态")
		}
		return e.finalize(ctx, bp, domain.BuildStatusFailed, err.Error())
	}
	bp.LogsWasReady = true
	bp.UpdatedAt = time.Now()
	if err := e.builds.UpdateBuildProcess(ctx, bp); err != nil {
		return err
	}

	var logBuf strings.Builder
	logsCtx, cancel := context.WithTimeout(ctx, e.cfg.BuilderLogsTimeout)
	err = e.builder.FollowLogs(logsCtx, app, func(line string) {
		logBuf.WriteString(line)
		logBuf.WriteByte('\n')
		if emitErr := e.events.Emit(ctx, deploymentID, "message", map[string]string{"line": line}); emitErr != nil {
			slog.Warn("emit build log line failed", "deployment_id", deploymentID, "error", emitErr)
		}
	})
	cancel()
	// 终态前留档完整日志，事件流只保证在线订阅者
	bp.OutputStream = logBuf.String()
	// 日志跟随到时限属正常断流，继续等终态；其余错误按失败处理
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return e.finalize(ctx, bp, domain.BuildStatusFailed, err.Error())
	}

	// 日志断流后检查协作式取消信号
	if fresh, err := e.builds.FindBuildProcessByID(ctx, bp.ID); err == nil {
		bp.IntRequestedAt = fresh.IntRequestedAt
	}

	phase, err := e.builder.WaitForTerminal(ctx, app, e.cfg.BuilderTerminalTimeout)
	switch {
	case err != nil:
		if bp.IntRequestedAt != nil {
			return e.finalize(ctx, bp, domain.BuildStatusInterrupted, "构建被用户中断")
		}
		return e.finalize(ctx, bp, domain.BuildStatusFailed, fmt.Sprintf("等待构建结束超时: %v", err))
	case phase == "Succeeded":
		artifact := domain.ArtifactSlug
		slugPath := prep.SlugPath
		if prep.Dockerfile != "" {
			artifact = domain.ArtifactImage
			slugPath = ""
		}
		build := &domain.Build{
			ID:             uuid.New().String(),
			WlAppName:      app.Name,
			Image:          prep.Config.RuntimeImage,
			SlugPath:       slugPath,
			Procfile:       prep.Procfile,
			ArtifactType:   artifact,
			EnvVariables:   prep.Envs,
			SourceBranch:   req.SourceBranch,
			SourceRevision: req.SourceRevision,
			Operator:       req.Operator,
			CreatedAt:      time.Now(),
		}
		if err := e.builds.SaveBuild(ctx, build); err != nil {
			return e.finalize(ctx, bp, domain.BuildStatusFailed, err.Error())
		}
		bp.BuildID = build.ID
		return e.finalize(ctx, bp, domain.BuildStatusSuccessful, "")
	default:
		if bp.IntRequestedAt != nil {
			return e.finalize(ctx, bp, domain.BuildStatusInterrupted, "构建被用户中断")
		}
		return e.finalize(ctx, bp, domain.BuildStatusFailed,
			fmt.Sprintf("%v: builder pod phase %s", domain.ErrPodNotSucceeded, phase))
	}
}

// finalize 把 BuildProcess 落到终态；message 非空时写入事件流。
func (e *BuildProcessExecutor) finalize(ctx context.Context, bp *domain.BuildProcess, status domain.BuildStatus, message string) error {
	bp.Status = status
	bp.UpdatedAt = time.Now()
	if err := e.builds.UpdateBuildProcess(ctx, bp); err != nil {
		return err
	}
	if message != "" && bp.DeploymentID != "" {
		if err := e.events.Emit(ctx, bp.DeploymentID, "message", map[string]string{"line": message}); err != nil {
			slog.Warn("emit build terminal message failed", "deployment_id", bp.DeploymentID, "error", err)
		}
	}
	switch status {
	case domain.BuildStatusInterrupted:
		return fmt.Errorf("%w: %s", errDeployInterrupted, message)
	case domain.BuildStatusFailed:
		return fmt.Errorf("build failed: %s", message)
	}
	return nil
}

func (e *BuildProcessExecutor) builderTemplate(cluster *domain.Cluster, prep *PreparationResult) port.BuilderTemplate {
	envs := make(map[string]string, len(prep.Envs))
	for k, v := range prep.Envs {
		envs[k] = v
	}

	nodeSelector := map[string]string{}
	for k, v := range cluster.DefaultNodeSelector {
		nodeSelector[k] = v
	}
	for k, v := range prep.Config.NodeSelector {
		nodeSelector[k] = v
	}
	tolerations := append([]domain.Toleration{}, cluster.DefaultTolerations...)
	tolerations = append(tolerations, prep.Config.Tolerations...)

	image := e.cfg.SlugBuilderImage
	if prep.Dockerfile != "" {
		image = e.cfg.DockerBuilderImage
		envs["DOCKERFILE_PATH"] = prep.Dockerfile
	}

	tmpl := port.BuilderTemplate{
		Image:        image,
		Envs:         envs,
		Requests:     slugbuilderResources.Requests,
		Limits:       slugbuilderResources.Limits,
		NodeSelector: nodeSelector,
		Tolerations:  tolerations,
	}
	if len(prep.Credentials) > 0 {
		tmpl.PullSecretName = port.ImagePullSecretName
	}
	return tmpl
}

// InterruptBuild 设置协作式取消信号并删除运行中的 builder Pod。
// 已到终态的构建拒绝打断。
func (e *BuildProcessExecutor) InterruptBuild(ctx context.Context, bpID string) error {
	bp, err := e.builds.FindBuildProcessByID(ctx, bpID)
	if err != nil {
		return err
	}
	if !bp.CanInterrupt() {
		return fmt.Errorf("%w: build process %s is already %s", domain.ErrDeployInterruptionFailed, bpID, bp.Status)
	}
	now := time.Now()
	bp.IntRequestedAt = &now
	bp.UpdatedAt = now
	if err := e.builds.UpdateBuildProcess(ctx, bp); err != nil {
		return err
	}
	app, err := e.apps.FindByName(ctx, bp.WlAppName)
	if err != nil {
		return err
	}
	return e.builder.InterruptBuilder(ctx, app)
}
