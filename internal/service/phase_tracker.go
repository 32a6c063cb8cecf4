package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"github.com/google/uuid"
)

// errDeployInterrupted 标记构建或发布阶段的协作式取消，
// 终态处理据此把记录落为 Interrupted 而非 Failed。
var errDeployInterrupted = errors.New("deploy interrupted")

// phaseTracker 维护一次部署的 Phase/Step 行并把每次转移写入事件流。
// 只在单个流水线任务内使用，不做并发防护。
type phaseTracker struct {
	deployments  port.DeploymentRepository
	events       port.EventStream
	deploymentID string

	phases map[domain.DeployPhaseType]*domain.DeployPhase
}

func newPhaseTracker(deployments port.DeploymentRepository, events port.EventStream, deploymentID string) *phaseTracker {
	return &phaseTracker{
		deployments:  deployments,
		events:       events,
		deploymentID: deploymentID,
		phases:       map[domain.DeployPhaseType]*domain.DeployPhase{},
	}
}

func (t *phaseTracker) beginPhase(ctx context.Context, phaseType domain.DeployPhaseType) error {
	now := time.Now()
	phase := &domain.DeployPhase{
		ID:           uuid.New().String(),
		DeploymentID: t.deploymentID,
		Type:         phaseType,
		Status:       domain.JobPending,
		StartTime:    &now,
	}
	if err := t.deployments.SavePhase(ctx, phase); err != nil {
		return err
	}
	t.phases[phaseType] = phase
	t.emit(ctx, "phase", map[string]any{"name": phaseType, "status": phase.Status})
	return nil
}

func (t *phaseTracker) endPhase(ctx context.Context, phaseType domain.DeployPhaseType, cause error) {
	phase, ok := t.phases[phaseType]
	if !ok {
		return
	}
	now := time.Now()
	phase.CompleteTime = &now
	switch {
	case cause == nil:
		phase.Status = domain.JobSuccessful
	case errors.Is(cause, errDeployInterrupted):
		phase.Status = domain.JobInterrupted
	default:
		phase.Status = domain.JobFailed
	}
	if err := t.deployments.UpdatePhase(ctx, phase); err != nil {
		slog.Warn("update deploy phase failed", "deployment_id", t.deploymentID, "phase", phaseType, "error", err)
	}
	t.emit(ctx, "phase", map[string]any{"name": phaseType, "status": phase.Status})
}

// step 包裹一个步骤的执行：开始与结束各落一行、各发一条事件。
func (t *phaseTracker) step(ctx context.Context, phaseType domain.DeployPhaseType, name string, fn func() error) error {
	phase, ok := t.phases[phaseType]
	if !ok {
		return fn()
	}
	now := time.Now()
	step := &domain.DeployStep{
		ID:        uuid.New().String(),
		PhaseID:   phase.ID,
		Name:      name,
		Status:    domain.JobPending,
		StartTime: &now,
	}
	if err := t.deployments.SaveStep(ctx, step); err != nil {
		return err
	}
	t.emit(ctx, "step", map[string]any{"name": name, "status": step.Status})

	err := fn()

	done := time.Now()
	step.CompleteTime = &done
	switch {
	case err == nil:
		step.Status = domain.JobSuccessful
	case errors.Is(err, errDeployInterrupted):
		step.Status = domain.JobInterrupted
	default:
		step.Status = domain.JobFailed
	}
	if updateErr := t.deployments.UpdateStep(ctx, step); updateErr != nil {
		slog.Warn("update deploy step failed", "deployment_id", t.deploymentID, "step", name, "error", updateErr)
	}
	t.emit(ctx, "step", map[string]any{"name": name, "status": step.Status})
	return err
}

func (t *phaseTracker) message(ctx context.Context, line string) {
	t.emit(ctx, "message", map[string]string{"line": line})
}

func (t *phaseTracker) emit(ctx context.Context, event string, data any) {
	if err := t.events.Emit(ctx, t.deploymentID, event, data); err != nil {
		slog.Warn("emit deploy event failed", "deployment_id", t.deploymentID, "event", event, "error", err)
	}
}
