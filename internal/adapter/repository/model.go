package repository

import (
	"time"

	"gorm.io/datatypes"
)

// ClusterModel 是 Cluster 的数据库持久化模型。
type ClusterModel struct {
	Name        string `gorm:"primaryKey"`
	Region      string `gorm:"index:idx_region_default"`
	IsDefault   bool   `gorm:"index:idx_region_default"`
	Description string

	CAData     string `gorm:"type:text"`
	CertData   string `gorm:"type:text"`
	KeyData    string `gorm:"type:text"`
	TokenValue string `gorm:"type:text"`

	AssertHostname string

	IngressConfig       datatypes.JSON
	Annotations         datatypes.JSON
	DefaultNodeSelector datatypes.JSON
	DefaultTolerations  datatypes.JSON
	FeatureFlags        datatypes.JSON

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ClusterModel) TableName() string { return "clusters" }

// APIServerModel (cluster, host) 唯一。
type APIServerModel struct {
	ID                 string `gorm:"primaryKey"`
	ClusterName        string `gorm:"uniqueIndex:idx_cluster_host"`
	Host               string `gorm:"uniqueIndex:idx_cluster_host"`
	OverriddenHostname string
	CreatedAt          time.Time
}

func (APIServerModel) TableName() string { return "api_servers" }

// WlAppModel 是 WlApp 的数据库持久化模型。
type WlAppModel struct {
	Name        string `gorm:"primaryKey"`
	Region      string
	Type        string
	TenantID    string
	AppCode     string `gorm:"uniqueIndex:idx_code_module_env"`
	ModuleName  string `gorm:"uniqueIndex:idx_code_module_env"`
	Environment string `gorm:"uniqueIndex:idx_code_module_env"`

	ClusterName         string
	IsOfflined          bool
	LatestMapperVersion string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (WlAppModel) TableName() string { return "wl_apps" }

// ConfigModel 只追加不修改，latest 按 created 取。
type ConfigModel struct {
	ID        string `gorm:"primaryKey"`
	WlAppName string `gorm:"index"`

	Envs         datatypes.JSON
	RuntimeImage string
	Requests     datatypes.JSON
	Limits       datatypes.JSON
	NodeSelector datatypes.JSON
	Tolerations  datatypes.JSON

	Domain  string
	Cluster string

	Operator  string
	CreatedAt time.Time `gorm:"index"`
}

func (ConfigModel) TableName() string { return "configs" }

// BuildModel 创建后冻结。
type BuildModel struct {
	ID        string `gorm:"primaryKey"`
	WlAppName string `gorm:"index"`

	Image        string
	SlugPath     string
	Procfile     datatypes.JSON
	ArtifactType string
	EnvVariables datatypes.JSON

	BkAppRevisionID string
	SourceBranch    string
	SourceRevision  string

	Operator  string
	CreatedAt time.Time
}

func (BuildModel) TableName() string { return "builds" }

type BuildProcessModel struct {
	ID           string `gorm:"primaryKey"`
	WlAppName    string `gorm:"index"`
	DeploymentID string `gorm:"index"`

	Status         string
	LogsWasReady   bool
	IntRequestedAt *time.Time
	BuildID        string
	OutputStream   string `gorm:"type:text"`

	SourceBranch   string
	SourceRevision string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (BuildProcessModel) TableName() string { return "build_processes" }

// ReleaseModel version 在 wl_app 内唯一且单调。
type ReleaseModel struct {
	ID        string `gorm:"primaryKey"`
	WlAppName string `gorm:"uniqueIndex:idx_app_version"`
	Version   int    `gorm:"uniqueIndex:idx_app_version"`

	BuildID       string
	ConfigID      string
	MapperVersion string

	Summary   string
	Operator  string
	CreatedAt time.Time
}

func (ReleaseModel) TableName() string { return "releases" }

// ProcessSpecModel (wl_app_name, name) 唯一。
type ProcessSpecModel struct {
	ID        string `gorm:"primaryKey"`
	WlAppName string `gorm:"uniqueIndex:idx_app_proc"`
	Name      string `gorm:"uniqueIndex:idx_app_proc"`

	TargetReplicas int
	TargetStatus   string
	PlanName       string

	Autoscaling   bool
	ScalingConfig datatypes.JSON

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ProcessSpecModel) TableName() string { return "process_specs" }

type ProcessSpecPlanModel struct {
	Name        string `gorm:"primaryKey"`
	Requests    datatypes.JSON
	Limits      datatypes.JSON
	MaxReplicas int
	Builtin     bool
	CreatedAt   time.Time
}

func (ProcessSpecPlanModel) TableName() string { return "process_spec_plans" }

// AppDomainModel 同一来源内 (host, path_prefix) 唯一。
type AppDomainModel struct {
	ID        string `gorm:"primaryKey"`
	WlAppName string `gorm:"index"`

	Host         string `gorm:"uniqueIndex:idx_host_path_source"`
	PathPrefix   string `gorm:"uniqueIndex:idx_host_path_source"`
	Source       string `gorm:"uniqueIndex:idx_host_path_source"`
	HTTPSEnabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (AppDomainModel) TableName() string { return "app_domains" }

type AppDomainSharedCertModel struct {
	Name         string `gorm:"primaryKey"`
	TenantID     string
	CertData     string `gorm:"type:text"`
	KeyData      string `gorm:"type:text"`
	AutoMatchCNs string
	CreatedAt    time.Time
}

func (AppDomainSharedCertModel) TableName() string { return "app_domain_shared_certs" }

// AppModelResourceModel (app_code, module) 唯一。
type AppModelResourceModel struct {
	ID         string `gorm:"primaryKey"`
	AppCode    string `gorm:"uniqueIndex:idx_app_module"`
	ModuleName string `gorm:"uniqueIndex:idx_app_module"`
	RevisionID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (AppModelResourceModel) TableName() string { return "app_model_resources" }

type AppModelRevisionModel struct {
	ID         string `gorm:"primaryKey"`
	AppCode    string `gorm:"index:idx_rev_app_module"`
	ModuleName string `gorm:"index:idx_rev_app_module"`

	YAMLValue string `gorm:"type:text"`
	JSONValue datatypes.JSON

	IsDeployed    bool
	DeployedValue datatypes.JSON

	Operator  string
	CreatedAt time.Time `gorm:"index"`
}

func (AppModelRevisionModel) TableName() string { return "app_model_revisions" }

// AppModelDeployModel (application, module, environment_name, name) 唯一。
type AppModelDeployModel struct {
	ID              string `gorm:"primaryKey"`
	AppCode         string `gorm:"uniqueIndex:idx_deploy_unique"`
	ModuleName      string `gorm:"uniqueIndex:idx_deploy_unique"`
	EnvironmentName string `gorm:"uniqueIndex:idx_deploy_unique"`
	Name            string `gorm:"uniqueIndex:idx_deploy_unique"`

	RevisionID string
	WlAppName  string `gorm:"index"`

	Status             string
	Reason             string
	Message            string `gorm:"type:text"`
	LastTransitionTime time.Time

	Operator  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (AppModelDeployModel) TableName() string { return "app_model_deploys" }

type ImageCredentialModel struct {
	ID       string `gorm:"primaryKey"`
	AppCode  string `gorm:"uniqueIndex:idx_cred_app_name"`
	Name     string `gorm:"uniqueIndex:idx_cred_app_name"`
	Registry string
	Username string
	Password string
	CreatedAt time.Time
}

func (ImageCredentialModel) TableName() string { return "image_credentials" }

type DeploymentModel struct {
	ID        string `gorm:"primaryKey"`
	WlAppName string `gorm:"index"`

	AppCode     string
	ModuleName  string
	Environment string

	Status string

	SourceBranch   string
	SourceRevision string

	BuildProcessID string
	BuildID        string
	ReleaseID      string

	ReleaseIntRequestedAt *time.Time

	ErrDetail string `gorm:"type:text"`

	Operator  string
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (DeploymentModel) TableName() string { return "deployments" }

type DeployPhaseModel struct {
	ID           string `gorm:"primaryKey"`
	DeploymentID string `gorm:"index"`
	Type         string
	Status       string
	StartTime    *time.Time
	CompleteTime *time.Time
}

func (DeployPhaseModel) TableName() string { return "deploy_phases" }

type DeployStepModel struct {
	ID           string `gorm:"primaryKey"`
	PhaseID      string `gorm:"index"`
	Name         string
	Status       string
	StartTime    *time.Time
	CompleteTime *time.Time
}

func (DeployStepModel) TableName() string { return "deploy_steps" }

// DeployEventModel (deployment_id, seq) 唯一，保证事件流全序。
type DeployEventModel struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	DeploymentID string `gorm:"uniqueIndex:idx_event_seq"`
	Seq          int    `gorm:"uniqueIndex:idx_event_seq"`
	Event        string
	Data         string `gorm:"type:text"`
	CreatedAt    time.Time
}

func (DeployEventModel) TableName() string { return "deploy_events" }

// PollerMetaModel poller 轮次间的持久元数据。
type PollerMetaModel struct {
	Key       string `gorm:"primaryKey"`
	Meta      datatypes.JSON
	UpdatedAt time.Time
}

func (PollerMetaModel) TableName() string { return "poller_metadata" }
