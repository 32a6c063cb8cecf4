package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
)

// 同一目标版本的实例重启超过该次数即判定发布失败。
const tooManyRestartsThreshold = 3

// DynamicReadyTimeout 按总期望副本数计算发布等待上限：
// 120s 基础 + 每副本 60s，封顶 maxCap。
func DynamicReadyTimeout(maxCap time.Duration, totalReplicas int) time.Duration {
	d := time.Duration(120+totalReplicas*60) * time.Second
	if d > maxCap {
		return maxCap
	}
	return d
}

// ReleaseWaitDeps 是发布等待轮询需要的协作对象。
type ReleaseWaitDeps struct {
	Deployments port.DeploymentRepository
	Specs       port.ProcessSpecRepository
	Operator    port.ProcessOperator
	Events      port.EventStream
}

// releaseWaitState 在轮次之间随 poller 元数据持久化，
// 用于对进程快照做 diff 产生 process-updated 事件。
type releaseWaitState struct {
	Previous []domain.ProcessSnapshot `json:"previous,omitempty"`
}

// NewReleaseWaitPoll 构造"等待发布全就绪"的轮询函数。
// 中止策略按序评估，先命中者生效：
// 用户中断 → 实例反复重启 → 不可恢复的 Pod 故障 → 动态就绪超时。
func NewReleaseWaitPoll(deps ReleaseWaitDeps, app *domain.WlApp, deploymentID string, releaseVersion int, maxCap time.Duration) PollFunc {
	return func(ctx context.Context, meta *PollerMetadata) (PollingResult, error) {
		deployment, err := deps.Deployments.FindByID(ctx, deploymentID)
		if err != nil {
			return PollingResult{}, err
		}
		if deployment.ReleaseIntRequestedAt != nil {
			return DoneAborted(AbortedDetails{
				Reason:        "release interrupted by user",
				PolicyName:    "user_interrupted",
				IsInterrupted: true,
			}), nil
		}

		specs, err := deps.Specs.FindByApp(ctx, app.Name)
		if err != nil {
			return PollingResult{}, err
		}
		snapshot, err := deps.Operator.Snapshot(ctx, app)
		if err != nil {
			return PollingResult{}, err
		}

		for _, proc := range snapshot {
			for _, inst := range proc.Instances {
				if inst.ReleaseVersion == releaseVersion && inst.RestartCount > tooManyRestartsThreshold {
					return DoneAborted(AbortedDetails{
						Reason:     fmt.Sprintf("instance restarted more than %d times", tooManyRestartsThreshold),
						PolicyName: "too_many_restarts",
					}), nil
				}
			}
		}

		if reason, failed, err := deps.Operator.DetectPodFailure(ctx, app); err != nil {
			slog.Warn("pod failure detection failed", "app", app.Name, "error", err)
		} else if failed {
			return DoneAborted(AbortedDetails{Reason: reason, PolicyName: "pod_failure"}), nil
		}

		totalReplicas := 0
		for _, spec := range specs {
			if spec.TargetStatus == domain.ProcessStart {
				totalReplicas += spec.TargetReplicas
			}
		}
		limit := DynamicReadyTimeout(maxCap, totalReplicas)
		if time.Since(meta.StartedAt) > limit {
			return DoneAborted(AbortedDetails{
				Reason:     fmt.Sprintf("processes not ready within %s", limit),
				PolicyName: "dynamic_ready_timeout",
			}), nil
		}

		emitSnapshotDiff(ctx, deps.Events, deploymentID, meta, snapshot)

		if allProcessesReady(specs, snapshot, releaseVersion) {
			return DoneNormal(snapshot), nil
		}
		return Doing(), nil
	}
}

// allProcessesReady 要求每个 target_status=start 的进程在目标版本上
// 有不少于期望副本数的就绪实例。
func allProcessesReady(specs []*domain.ProcessSpec, snapshot []domain.ProcessSnapshot, releaseVersion int) bool {
	byName := map[string]domain.ProcessSnapshot{}
	for _, proc := range snapshot {
		byName[proc.Name] = proc
	}
	for _, spec := range specs {
		if spec.TargetStatus != domain.ProcessStart || spec.TargetReplicas == 0 {
			continue
		}
		proc, ok := byName[spec.Name]
		if !ok {
			return false
		}
		ready := 0
		for _, inst := range proc.Instances {
			if inst.ReleaseVersion == releaseVersion && inst.Ready {
				ready++
			}
		}
		if ready < spec.TargetReplicas {
			return false
		}
	}
	return true
}

// emitSnapshotDiff 在快照变化时推送 process-updated 事件，
// 上一轮快照经由 poller 元数据持久化。
func emitSnapshotDiff(ctx context.Context, events port.EventStream, deploymentID string, meta *PollerMetadata, snapshot []domain.ProcessSnapshot) {
	current, err := json.Marshal(releaseWaitState{Previous: snapshot})
	if err != nil {
		return
	}
	if len(meta.Extra) > 0 && bytes.Equal(meta.Extra, current) {
		return
	}
	if len(meta.Extra) > 0 {
		if err := events.Emit(ctx, deploymentID, "process-updated", snapshot); err != nil {
			slog.Warn("emit process-updated event failed", "deployment_id", deploymentID, "error", err)
		}
	}
	meta.Extra = current
}
