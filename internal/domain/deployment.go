package domain

import "time"

// JobStatus 是部署流水线各级记录（Deployment / Phase / Step）共用的状态枚举。
type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobSuccessful  JobStatus = "successful"
	JobFailed      JobStatus = "failed"
	JobInterrupted JobStatus = "interrupted"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobSuccessful || s == JobFailed || s == JobInterrupted
}

// DeployPhaseType 固定枚举，阶段顺序即声明顺序。
type DeployPhaseType string

const (
	PhasePreparation DeployPhaseType = "preparation"
	PhaseBuild       DeployPhaseType = "build"
	PhaseRelease     DeployPhaseType = "release"
)

// PhaseOrder 返回流水线阶段的执行顺序。
func PhaseOrder() []DeployPhaseType {
	return []DeployPhaseType{PhasePreparation, PhaseBuild, PhaseRelease}
}

// Deployment 是 procfile 模型一次部署流水线的执行记录。
// 终态 ∈ {Successful, Failed, Interrupted}；
// ReleaseIntRequestedAt 是 release 阶段协作式取消的信号位。
type Deployment struct {
	ID        string `json:"id"`
	WlAppName string `json:"wl_app_name"`

	AppCode     string `json:"app_code"`
	ModuleName  string `json:"module_name"`
	Environment string `json:"environment"`

	Status JobStatus `json:"status"`

	SourceBranch   string `json:"source_branch,omitempty"`
	SourceRevision string `json:"source_revision,omitempty"`

	BuildProcessID string `json:"build_process_id,omitempty"`
	BuildID        string `json:"build_id,omitempty"`
	ReleaseID      string `json:"release_id,omitempty"`

	ReleaseIntRequestedAt *time.Time `json:"release_int_requested_at,omitempty"`

	ErrDetail string `json:"err_detail,omitempty"`

	Operator  string    `json:"operator,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeployPhase 是 Deployment 下的一个阶段行。
type DeployPhase struct {
	ID           string          `json:"id"`
	DeploymentID string          `json:"deployment_id"`
	Type         DeployPhaseType `json:"type"`
	Status       JobStatus       `json:"status"`
	StartTime    *time.Time      `json:"start_time,omitempty"`
	CompleteTime *time.Time      `json:"complete_time,omitempty"`
}

// DeployStep 是阶段内的一个步骤行，complete_time >= start_time。
type DeployStep struct {
	ID           string     `json:"id"`
	PhaseID      string     `json:"phase_id"`
	Name         string     `json:"name"`
	Status       JobStatus  `json:"status"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	CompleteTime *time.Time `json:"complete_time,omitempty"`
}

// 各阶段的固定步骤集。事件流按声明顺序推进。
var PhaseSteps = map[DeployPhaseType][]string{
	PhasePreparation: {
		"解析应用进程信息",
		"解析部署配置",
		"配置资源实例",
	},
	PhaseBuild: {
		"上传仓库代码",
		"构建应用镜像",
	},
	PhaseRelease: {
		"部署应用",
		"检测部署结果",
	},
}

// DeployEvent 是部署事件流里的一条有序记录。
// event ∈ {phase, step, message, title}；data 是 JSON 文本。
type DeployEvent struct {
	ID           int64     `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	Seq          int       `json:"seq"`
	Event        string    `json:"event"`
	Data         string    `json:"data"`
	CreatedAt    time.Time `json:"created_at"`
}
