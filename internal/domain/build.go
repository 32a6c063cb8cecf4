package domain

import "time"

// ArtifactType 标记 Build 产物形态。engineless / 云原生应用可能没有产物。
type ArtifactType string

const (
	ArtifactSlug  ArtifactType = "slug"
	ArtifactImage ArtifactType = "image"
	ArtifactNone  ArtifactType = "none"
)

// BuildStatus 是 BuildProcess 的状态机枚举。
// 状态流转：Pending → (Successful | Failed | Interrupted)
type BuildStatus string

const (
	BuildStatusPending     BuildStatus = "pending"
	BuildStatusSuccessful  BuildStatus = "successful"
	BuildStatusFailed      BuildStatus = "failed"
	BuildStatusInterrupted BuildStatus = "interrupted"
)

func (s BuildStatus) IsTerminal() bool {
	return s == BuildStatusSuccessful || s == BuildStatusFailed || s == BuildStatusInterrupted
}

// Build 是不可变的产物描述：镜像引用、可选 slug 路径、构建时恢复的 Procfile。
// 创建后所有字段冻结，被 Release 弱引用。
type Build struct {
	ID        string `json:"id"`
	WlAppName string `json:"wl_app_name"`

	Image        string            `json:"image"`
	SlugPath     string            `json:"slug_path,omitempty"`
	Procfile     map[string]string `json:"procfile,omitempty"`
	ArtifactType ArtifactType      `json:"artifact_type"`

	// 启动器需要的构建期环境变量
	EnvVariables map[string]string `json:"env_variables,omitempty"`

	BkAppRevisionID string `json:"bkapp_revision_id,omitempty"`

	SourceBranch   string `json:"source_branch,omitempty"`
	SourceRevision string `json:"source_revision,omitempty"`

	Operator  string    `json:"operator,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BuildProcess 是一次在途构建尝试，对应集群里的 builder Pod。
// IntRequestedAt 是协作式取消的信号位，executor 在每个轮询点检查。
type BuildProcess struct {
	ID           string `json:"id"`
	WlAppName    string `json:"wl_app_name"`
	DeploymentID string `json:"deployment_id,omitempty"`

	Status         BuildStatus `json:"status"`
	LogsWasReady   bool        `json:"logs_was_ready"`
	IntRequestedAt *time.Time  `json:"int_requested_at,omitempty"`

	// 终态后保留的完整构建日志，事件流之外的留档
	OutputStream string `json:"output_stream,omitempty"`

	// 成功时恰好产出一个 Build
	BuildID string `json:"build_id,omitempty"`

	SourceBranch   string `json:"source_branch,omitempty"`
	SourceRevision string `json:"source_revision,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanInterrupt 终态的构建不允许再打断。
func (bp *BuildProcess) CanInterrupt() bool {
	return !bp.Status.IsTerminal()
}

// SourceTarballPath 返回源码包在对象存储里的路径。
func SourceTarballPath(region, engineAppName, branch, revision string) string {
	return region + "/home/" + engineAppName + ":" + branch + ":" + revision + "/tar"
}

// SlugObjectPath 返回 slug 产物在对象存储里的路径，与源码包同命名空间。
func SlugObjectPath(region, engineAppName, branch, revision string) string {
	return region + "/home/" + engineAppName + ":" + branch + ":" + revision + "/push.slug.tgz"
}
