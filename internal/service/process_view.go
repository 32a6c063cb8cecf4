package service

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
)

// ProcessState 是一个进程的期望状态与集群观测的合并视图。
type ProcessState struct {
	Name            string                `json:"name"`
	TargetReplicas  int                   `json:"target_replicas"`
	TargetStatus    string                `json:"target_status"`
	DesiredReplicas int                   `json:"desired_replicas"`
	ReadyReplicas   int                   `json:"ready_replicas"`
	Autoscaling     bool                  `json:"autoscaling"`
	ScalingConfig   *domain.ScalingConfig `json:"scaling_config,omitempty"`
}

// ProcessListResult 带 rv_proc / rv_inst 续传令牌，watch 端点从这里接续。
type ProcessListResult struct {
	Processes []ProcessState    `json:"processes"`
	Instances []domain.Instance `json:"instances"`
	RVProc    int64             `json:"rv_proc"`
	RVInst    int64             `json:"rv_inst"`
}

// ProcessWatchEvent 是 watch 流里的一条事件，object_type 为 process 或 instance。
type ProcessWatchEvent struct {
	ObjectType string `json:"object_type"`
	Object     any    `json:"object"`
	RV         int64  `json:"rv"`
}

// ProcessViewService 聚合进程的库内期望态与集群实况，供列表与 watch 读。
type ProcessViewService struct {
	specs    port.ProcessSpecRepository
	releases port.ReleaseRepository
	operator port.ProcessOperator

	watchInterval time.Duration
}

func NewProcessViewService(
	specs port.ProcessSpecRepository,
	releases port.ReleaseRepository,
	operator port.ProcessOperator,
	watchInterval time.Duration,
) *ProcessViewService {
	if watchInterval <= 0 {
		watchInterval = 2 * time.Second
	}
	return &ProcessViewService{
		specs:         specs,
		releases:      releases,
		operator:      operator,
		watchInterval: watchInterval,
	}
}

// List 返回全部进程与实例。releaseID 非空时实例按该 Release 的版本过滤。
func (s *ProcessViewService) List(ctx context.Context, app *domain.WlApp, releaseID string) (*ProcessListResult, error) {
	specs, err := s.specs.FindByApp(ctx, app.Name)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.operator.Snapshot(ctx, app)
	if err != nil {
		return nil, err
	}

	filterVersion := 0
	if releaseID != "" {
		release, err := s.releases.FindByID(ctx, releaseID)
		if err != nil {
			return nil, err
		}
		filterVersion = release.Version
	}

	result := &ProcessListResult{
		// 续传令牌用当前时间基线，watch 端据此判断客户端是否落后
		RVProc: time.Now().UnixNano(),
		RVInst: time.Now().UnixNano(),
	}
	byName := map[string]domain.ProcessSnapshot{}
	for _, proc := range snapshot {
		byName[proc.Name] = proc
	}
	for _, spec := range specs {
		state := ProcessState{
			Name:           spec.Name,
			TargetReplicas: spec.TargetReplicas,
			TargetStatus:   string(spec.TargetStatus),
			Autoscaling:    spec.Autoscaling,
			ScalingConfig:  spec.ScalingConfig,
		}
		if proc, ok := byName[spec.Name]; ok {
			state.DesiredReplicas = proc.DesiredReplicas
			for _, inst := range proc.Instances {
				if filterVersion > 0 && inst.ReleaseVersion != filterVersion {
					continue
				}
				if inst.Ready {
					state.ReadyReplicas++
				}
				result.Instances = append(result.Instances, inst)
			}
		}
		result.Processes = append(result.Processes, state)
	}
	return result, nil
}

// Watch 周期性观测进程快照，把变化推给 sink，直到 ctx 取消。
// 连接建立后先推全量（客户端令牌过旧时的重同步语义），之后只推 diff。
func (s *ProcessViewService) Watch(ctx context.Context, app *domain.WlApp, rvProc, rvInst int64, sink func(ProcessWatchEvent) error) error {
	if rvProc <= 0 {
		rvProc = time.Now().UnixNano()
	}
	if rvInst <= 0 {
		rvInst = time.Now().UnixNano()
	}

	prevProc := map[string][]byte{}
	prevInst := map[string][]byte{}

	push := func() error {
		result, err := s.List(ctx, app, "")
		if err != nil {
			// 集群读失败不终止 watch，下一个周期重试
			return nil
		}
		for _, state := range result.Processes {
			encoded, err := json.Marshal(state)
			if err != nil {
				continue
			}
			if bytes.Equal(prevProc[state.Name], encoded) {
				continue
			}
			prevProc[state.Name] = encoded
			rvProc++
			if err := sink(ProcessWatchEvent{ObjectType: "process", Object: state, RV: rvProc}); err != nil {
				return err
			}
		}
		for _, inst := range result.Instances {
			encoded, err := json.Marshal(inst)
			if err != nil {
				continue
			}
			if bytes.Equal(prevInst[inst.Name], encoded) {
				continue
			}
			prevInst[inst.Name] = encoded
			rvInst++
			if err := sink(ProcessWatchEvent{ObjectType: "instance", Object: inst, RV: rvInst}); err != nil {
				return err
			}
		}
		return nil
	}

	if err := push(); err != nil {
		return err
	}
	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := push(); err != nil {
				return err
			}
		}
	}
}
