package domain

import (
	"fmt"
	"time"
)

// 云原生应用单进程副本数上限。
const DefaultCNativeMaxReplicas = 10

// ProcessTargetStatus 是进程的期望开关状态。
type ProcessTargetStatus string

const (
	ProcessStart ProcessTargetStatus = "start"
	ProcessStop  ProcessTargetStatus = "stop"
)

// ScalingConfig 是自动扩缩容参数。
type ScalingConfig struct {
	MinReplicas int    `json:"min_replicas"`
	MaxReplicas int    `json:"max_replicas"`
	Policy      string `json:"policy,omitempty"`
}

func (sc *ScalingConfig) Validate() error {
	if sc.MinReplicas < 1 || sc.MaxReplicas < sc.MinReplicas {
		return fmt.Errorf("%w: scaling_config requires max_replicas >= min_replicas >= 1", ErrInvalidInput)
	}
	return nil
}

// ProcessSpec 是单个进程的期望运行态。(wl_app_name, name) 唯一。
// 先落库再改集群：spec 行是期望状态的唯一事实来源，
// 集群侧失败由后续调和拉平，调用方不得回滚 spec。
type ProcessSpec struct {
	ID        string `json:"id"`
	WlAppName string `json:"wl_app_name"`
	Name      string `json:"name"`

	TargetReplicas int                 `json:"target_replicas"`
	TargetStatus   ProcessTargetStatus `json:"target_status"`
	PlanName       string              `json:"plan_name,omitempty"`

	Autoscaling   bool           `json:"autoscaling"`
	ScalingConfig *ScalingConfig `json:"scaling_config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ps *ProcessSpec) Validate() error {
	if err := ValidateProcName(ps.Name); err != nil {
		return err
	}
	if ps.TargetReplicas < 0 {
		return fmt.Errorf("%w: target_replicas must be >= 0", ErrInvalidInput)
	}
	if ps.Autoscaling {
		if ps.ScalingConfig == nil {
			return fmt.Errorf("%w: autoscaling requires scaling_config", ErrInvalidInput)
		}
		if err := ps.ScalingConfig.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ProcessSpecPlan 是一组资源 requests/limits 的命名套餐。
// 内建套餐不可修改；自定义套餐要求 requests <= limits。
type ProcessSpecPlan struct {
	Name        string            `json:"name"`
	Requests    map[string]string `json:"requests"`
	Limits      map[string]string `json:"limits"`
	MaxReplicas int               `json:"max_replicas"`
	Builtin     bool              `json:"builtin"`
	CreatedAt   time.Time         `json:"created_at"`
}

// BuiltinPlans 在迁移时播种。
func BuiltinPlans() []ProcessSpecPlan {
	return []ProcessSpecPlan{
		{
			Name:        "default",
			Requests:    map[string]string{"cpu": "250m", "memory": "512Mi"},
			Limits:      map[string]string{"cpu": "4", "memory": "1Gi"},
			MaxReplicas: 5,
			Builtin:     true,
		},
		{
			Name:        "4C1G",
			Requests:    map[string]string{"cpu": "250m", "memory": "512Mi"},
			Limits:      map[string]string{"cpu": "4", "memory": "1Gi"},
			MaxReplicas: 5,
			Builtin:     true,
		},
		{
			Name:        "4C2G",
			Requests:    map[string]string{"cpu": "500m", "memory": "1Gi"},
			Limits:      map[string]string{"cpu": "4", "memory": "2Gi"},
			MaxReplicas: 5,
			Builtin:     true,
		},
	}
}

// Instance 是集群里一个运行中的进程实例（Pod）。
type Instance struct {
	Name           string    `json:"name"`
	ProcessType    string    `json:"process_type"`
	ReleaseVersion int       `json:"version"`
	Phase          string    `json:"state"`
	Ready          bool      `json:"ready"`
	RestartCount   int       `json:"restart_count"`
	StartTime      time.Time `json:"start_time,omitzero"`
}

// ProcessSnapshot 是一次轮询观测到的进程与实例集合，poller 用它产生 diff 事件。
type ProcessSnapshot struct {
	Name            string     `json:"name"`
	DesiredReplicas int        `json:"desired_replicas"`
	Instances       []Instance `json:"instances"`
}
