package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"github.com/google/uuid"
)

// ScaleRequest 是进程 scale 操作的参数。TargetReplicas 为 nil 表示未指定。
type ScaleRequest struct {
	Autoscaling    bool
	TargetReplicas *int
	ScalingConfig  *domain.ScalingConfig
}

// ProcessController 是按应用类型分派的进程控制门面。
type ProcessController interface {
	Start(ctx context.Context, app *domain.WlApp, procType string) error
	Stop(ctx context.Context, app *domain.WlApp, procType string) error
	Scale(ctx context.Context, app *domain.WlApp, procType string, req ScaleRequest) error
}

// ControllerHub 按封闭枚举选择控制器。新增应用类型需要改这里，
// 不提供运行时注册。
type ControllerHub struct {
	procfile *AppProcessesController
	cnative  *CNativeProcController
}

func NewControllerHub(procfile *AppProcessesController, cnative *CNativeProcController) *ControllerHub {
	return &ControllerHub{procfile: procfile, cnative: cnative}
}

func (h *ControllerHub) ControllerFor(app *domain.WlApp) (ProcessController, error) {
	switch app.Type {
	case domain.AppTypeDefault, domain.AppTypeBkPlugin:
		return h.procfile, nil
	case domain.AppTypeCloudNative:
		return h.cnative, nil
	case domain.AppTypeEngineless:
		return nil, fmt.Errorf("%w: engineless app has no processes", domain.ErrInvalidInput)
	}
	return nil, fmt.Errorf("%w: unknown app type %q", domain.ErrInvalidInput, app.Type)
}

// ProcSpecUpdater 统一进程期望状态的写入纪律：先落库，再改集群。
// 集群侧失败不回滚库内行，后续调和把集群拉平到期望状态。
type ProcSpecUpdater struct {
	specs port.ProcessSpecRepository
}

func NewProcSpecUpdater(specs port.ProcessSpecRepository) *ProcSpecUpdater {
	return &ProcSpecUpdater{specs: specs}
}

// Mutate 读取（或创建）spec 行，应用变更后保存，返回保存后的行。
func (u *ProcSpecUpdater) Mutate(ctx context.Context, app *domain.WlApp, procType string, change func(*domain.ProcessSpec)) (*domain.ProcessSpec, error) {
	spec, err := u.specs.FindByName(ctx, app.Name, procType)
	if errors.Is(err, domain.ErrNotFound) {
		spec = &domain.ProcessSpec{
			ID:             uuid.New().String(),
			WlAppName:      app.Name,
			Name:           procType,
			TargetReplicas: 1,
			TargetStatus:   domain.ProcessStart,
			CreatedAt:      time.Now(),
		}
	} else if err != nil {
		return nil, err
	}

	change(spec)
	spec.UpdatedAt = time.Now()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := u.specs.Upsert(ctx, spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// AppProcessesController 是 procfile 模型的进程控制器，
// 落到普通 Deployment + HPA。
type AppProcessesController struct {
	updater  *ProcSpecUpdater
	specs    port.ProcessSpecRepository
	clusters port.ClusterRepository
	operator port.ProcessOperator
}

func NewAppProcessesController(
	updater *ProcSpecUpdater,
	specs port.ProcessSpecRepository,
	clusters port.ClusterRepository,
	operator port.ProcessOperator,
) *AppProcessesController {
	return &AppProcessesController{updater: updater, specs: specs, clusters: clusters, operator: operator}
}

// Start 把进程拉起：副本为 0 时提到 1，否则按既有期望副本数恢复。
func (c *AppProcessesController) Start(ctx context.Context, app *domain.WlApp, procType string) error {
	spec, err := c.updater.Mutate(ctx, app, procType, func(s *domain.ProcessSpec) {
		s.TargetStatus = domain.ProcessStart
		if s.TargetReplicas == 0 {
			s.TargetReplicas = 1
		}
	})
	if err != nil {
		return err
	}
	if err := c.operator.Scale(ctx, app, procType, spec.TargetReplicas); err != nil {
		// spec 行已提交，集群侧由下一次调和拉平
		slog.Warn("cluster scale failed after spec commit",
			"app", app.Name, "process", procType, "error", err)
		return err
	}
	return nil
}

// Stop 缩容到 0 但保留 Service 与 Ingress，路由在重启后即刻可用。
func (c *AppProcessesController) Stop(ctx context.Context, app *domain.WlApp, procType string) error {
	if _, err := c.updater.Mutate(ctx, app, procType, func(s *domain.ProcessSpec) {
		s.TargetStatus = domain.ProcessStop
	}); err != nil {
		return err
	}
	if err := c.operator.Scale(ctx, app, procType, 0); err != nil {
		slog.Warn("cluster scale failed after spec commit",
			"app", app.Name, "process", procType, "error", err)
		return err
	}
	return nil
}

func (c *AppProcessesController) Scale(ctx context.Context, app *domain.WlApp, procType string, req ScaleRequest) error {
	if req.Autoscaling {
		return c.scaleAuto(ctx, app, procType, req.ScalingConfig)
	}
	if req.TargetReplicas == nil {
		return fmt.Errorf("%w: target_replicas is required when autoscaling is off", domain.ErrInvalidInput)
	}
	target := *req.TargetReplicas

	plan, err := c.planFor(ctx, app, procType)
	if err != nil {
		return err
	}
	if plan != nil && target > plan.MaxReplicas {
		return fmt.Errorf("%w: %d > plan %s cap %d", domain.ErrReplicasExceedsLimit, target, plan.Name, plan.MaxReplicas)
	}

	spec, err := c.updater.Mutate(ctx, app, procType, func(s *domain.ProcessSpec) {
		s.TargetReplicas = target
		s.Autoscaling = false
		s.ScalingConfig = nil
		if target > 0 {
			s.TargetStatus = domain.ProcessStart
		}
	})
	if err != nil {
		return err
	}
	if err := c.operator.SetAutoscaling(ctx, app, procType, nil, false); err != nil {
		slog.Warn("disable autoscaling failed", "app", app.Name, "process", procType, "error", err)
	}
	return c.operator.Scale(ctx, app, procType, spec.TargetReplicas)
}

func (c *AppProcessesController) scaleAuto(ctx context.Context, app *domain.WlApp, procType string, cfg *domain.ScalingConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: scaling_config is required when autoscaling is on", domain.ErrInvalidInput)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cluster, err := c.clusterFor(ctx, app)
	if err != nil {
		return err
	}
	if !cluster.HasFeature(domain.FeatureAutoscaling) {
		return domain.ErrAutoscalingUnsupported
	}

	plan, err := c.planFor(ctx, app, procType)
	if err != nil {
		return err
	}
	if plan != nil && cfg.MaxReplicas > plan.MaxReplicas {
		return fmt.Errorf("%w: max_replicas %d > plan %s cap %d", domain.ErrReplicasExceedsLimit, cfg.MaxReplicas, plan.Name, plan.MaxReplicas)
	}

	if _, err := c.updater.Mutate(ctx, app, procType, func(s *domain.ProcessSpec) {
		s.Autoscaling = true
		s.ScalingConfig = cfg
		s.TargetStatus = domain.ProcessStart
	}); err != nil {
		return err
	}
	return c.operator.SetAutoscaling(ctx, app, procType, cfg, true)
}

func (c *AppProcessesController) clusterFor(ctx context.Context, app *domain.WlApp) (*domain.Cluster, error) {
	if app.ClusterName != "" {
		return c.clusters.FindByName(ctx, app.ClusterName)
	}
	return c.clusters.FindDefault(ctx, app.Region)
}

// planFor 返回进程绑定的资源套餐；未绑定或套餐缺失时返回 nil（无上限约束）。
func (c *AppProcessesController) planFor(ctx context.Context, app *domain.WlApp, procType string) (*domain.ProcessSpecPlan, error) {
	spec, err := c.specs.FindByName(ctx, app.Name, procType)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if spec.PlanName == "" {
		return nil, nil
	}
	plan, err := c.specs.FindPlan(ctx, spec.PlanName)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// RevisionScaler 把云原生进程的副本变更写回 AppModelRevision 并重新下发。
// ManifestService 实现。
type RevisionScaler interface {
	ScaleProcess(ctx context.Context, app *domain.WlApp, procType string, replicas int) error
}

// CNativeProcController 是云原生模型的进程控制器：清单是事实来源，
// 所有变更走改清单再 apply 的路径。
type CNativeProcController struct {
	updater *ProcSpecUpdater
	scaler  RevisionScaler
}

func NewCNativeProcController(updater *ProcSpecUpdater, scaler RevisionScaler) *CNativeProcController {
	return &CNativeProcController{updater: updater, scaler: scaler}
}

func (c *CNativeProcController) Start(ctx context.Context, app *domain.WlApp, procType string) error {
	spec, err := c.updater.Mutate(ctx, app, procType, func(s *domain.ProcessSpec) {
		s.TargetStatus = domain.ProcessStart
		if s.TargetReplicas == 0 {
			s.TargetReplicas = 1
		}
	})
	if err != nil {
		return err
	}
	return c.scaler.ScaleProcess(ctx, app, procType, spec.TargetReplicas)
}

func (c *CNativeProcController) Stop(ctx context.Context, app *domain.WlApp, procType string) error {
	if _, err := c.updater.Mutate(ctx, app, procType, func(s *domain.ProcessSpec) {
		s.TargetStatus = domain.ProcessStop
	}); err != nil {
		return err
	}
	return c.scaler.ScaleProcess(ctx, app, procType, 0)
}

func (c *CNativeProcController) Scale(ctx context.Context, app *domain.WlApp, procType string, req ScaleRequest) error {
	if req.Autoscaling {
		return fmt.Errorf("cloud-native autoscaling: %w", domain.ErrNotImplemented)
	}
	if req.TargetReplicas == nil {
		return fmt.Errorf("%w: target_replicas is required", domain.ErrInvalidInput)
	}
	target := *req.TargetReplicas
	if target > domain.DefaultCNativeMaxReplicas {
		return fmt.Errorf("%w: %d > %d", domain.ErrReplicasExceedsLimit, target, domain.DefaultCNativeMaxReplicas)
	}

	if _, err := c.updater.Mutate(ctx, app, procType, func(s *domain.ProcessSpec) {
		s.TargetReplicas = target
		if target > 0 {
			s.TargetStatus = domain.ProcessStart
		}
	}); err != nil {
		return err
	}
	return c.scaler.ScaleProcess(ctx, app, procType, target)
}
