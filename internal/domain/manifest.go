package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"sigs.k8s.io/yaml"
)

// BkApp CRD 的 group/version/kind 与平台注解键。
const (
	BkAppGroup           = "paas.bk.tencent.com"
	BkAppVersionV1alpha1 = "paas.bk.tencent.com/v1alpha1"
	BkAppVersionV1alpha2 = "paas.bk.tencent.com/v1alpha2"
	BkAppKind            = "BkApp"

	DeployIDAnnoKey         = "bkpaas.io/deploy-id"
	ImageCredentialsAnnoKey = "bkapp.paas.bk.tencent.com/image-credentials"

	BkAppCodeAnnoKey      = "bkapp.paas.bk.tencent.com/code"
	ModuleNameAnnoKey     = "bkapp.paas.bk.tencent.com/module-name"
	EnvironmentAnnoKey    = "bkapp.paas.bk.tencent.com/environment"
	WlAppNameAnnoKey      = "bkapp.paas.bk.tencent.com/wl-app-name"
	ResourceTypeAnnoKey   = "bkapp.paas.bk.tencent.com/resource-type"
)

// BkApp status.phase 取值。
const (
	BkAppPhasePending     = "Pending"
	BkAppPhaseProgressing = "Progressing"
	BkAppPhaseRunning     = "AppRunning"
	BkAppPhaseFailed      = "Failed"
	BkAppPhaseUnknown     = "Unknown"
)

// BkApp status.conditions[].type 取值。
const (
	CondAppAvailable      = "AppAvailable"
	CondAppProgressing    = "AppProgressing"
	CondAddOnsProvisioned = "AddOnsProvisioned"
	CondHooksFinished     = "HooksFinished"
)

type ObjectMetadata struct {
	Name        string            `json:"name"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Generation  int64             `json:"generation,omitempty"`
}

type BuildConfig struct {
	Image                string   `json:"image,omitempty"`
	ImagePullPolicy      string   `json:"imagePullPolicy,omitempty"`
	ImageCredentialsName string   `json:"imageCredentialsName,omitempty"`
	Dockerfile           string   `json:"dockerfile,omitempty"`
	BuildTarget          string   `json:"buildTarget,omitempty"`
	Args                 []string `json:"args,omitempty"`
}

type AutoscalingSpec struct {
	MinReplicas int    `json:"minReplicas"`
	MaxReplicas int    `json:"maxReplicas"`
	Policy      string `json:"policy,omitempty"`
}

type ProcessSpecManifest struct {
	Name         string           `json:"name"`
	Replicas     *int32           `json:"replicas,omitempty"`
	ResQuotaPlan string           `json:"resQuotaPlan,omitempty"`
	Image        string           `json:"image,omitempty"` // v1alpha1 遗留，v1alpha2 用 spec.build
	Command      []string         `json:"command,omitempty"`
	Args         []string         `json:"args,omitempty"`
	TargetPort   int32            `json:"targetPort,omitempty"`
	Autoscaling  *AutoscalingSpec `json:"autoscaling,omitempty"`
	Probes       json.RawMessage  `json:"probes,omitempty"`
}

type HookCmd struct {
	Command []string `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

type Hooks struct {
	PreRelease *HookCmd `json:"preRelease,omitempty"`
}

type Addon struct {
	Name             string   `json:"name"`
	Specs            []string `json:"specs,omitempty"`
	SharedFromModule string   `json:"sharedFromModule,omitempty"`
}

type MountSource struct {
	ConfigMap         *struct{ Name string `json:"name"` } `json:"configMap,omitempty"`
	PersistentStorage *struct{ Name string `json:"name"` } `json:"persistentStorage,omitempty"`
}

type Mount struct {
	Name      string      `json:"name"`
	MountPath string      `json:"mountPath"`
	Source    MountSource `json:"source"`
}

type ManifestEnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type SvcDiscEntryBkSaaS struct {
	BkAppCode  string `json:"bkAppCode"`
	ModuleName string `json:"moduleName,omitempty"`
}

type SvcDiscovery struct {
	BkSaaS []SvcDiscEntryBkSaaS `json:"bkSaaS,omitempty"`
}

type HostAlias struct {
	IP        string   `json:"ip"`
	Hostnames []string `json:"hostnames"`
}

type DomainResolution struct {
	Nameservers []string    `json:"nameservers,omitempty"`
	HostAliases []HostAlias `json:"hostAliases,omitempty"`
}

type ReplicasOverlay struct {
	EnvName string `json:"envName"`
	Process string `json:"process"`
	Count   int32  `json:"count"`
}

type ResQuotaOverlay struct {
	EnvName string `json:"envName"`
	Process string `json:"process"`
	Plan    string `json:"plan"`
}

type EnvVarOverlay struct {
	EnvName string `json:"envName"`
	Name    string `json:"name"`
	Value   string `json:"value"`
}

type AutoscalingOverlay struct {
	EnvName string `json:"envName"`
	Process string `json:"process"`
	AutoscalingSpec
}

type MountOverlay struct {
	EnvName string `json:"envName"`
	Mount
}

type EnvOverlay struct {
	Replicas     []ReplicasOverlay    `json:"replicas,omitempty"`
	ResQuotas    []ResQuotaOverlay    `json:"resQuotas,omitempty"`
	EnvVariables []EnvVarOverlay      `json:"envVariables,omitempty"`
	Autoscaling  []AutoscalingOverlay `json:"autoscaling,omitempty"`
	Mounts       []MountOverlay       `json:"mounts,omitempty"`
}

type AppConfiguration struct {
	Env []ManifestEnvVar `json:"env,omitempty"`
}

type BkAppSpec struct {
	Build            *BuildConfig          `json:"build,omitempty"`
	Processes        []ProcessSpecManifest `json:"processes"`
	Hooks            *Hooks                `json:"hooks,omitempty"`
	Addons           []Addon               `json:"addons,omitempty"`
	Mounts           []Mount               `json:"mounts,omitempty"`
	Configuration    AppConfiguration      `json:"configuration,omitempty"`
	SvcDiscovery     *SvcDiscovery         `json:"svcDiscovery,omitempty"`
	DomainResolution *DomainResolution     `json:"domainResolution,omitempty"`
	EnvOverlay       *EnvOverlay           `json:"envOverlay,omitempty"`
}

type MetaV1Condition struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

type HookStatus struct {
	Type    string `json:"type"`
	Phase   string `json:"phase"`
	Message string `json:"message,omitempty"`
}

type BkAppStatus struct {
	Phase              string            `json:"phase,omitempty"`
	Conditions         []MetaV1Condition `json:"conditions,omitempty"`
	HookStatuses       []HookStatus      `json:"hookStatuses,omitempty"`
	ObservedGeneration int64             `json:"observedGeneration,omitempty"`
	LastUpdate         *time.Time        `json:"lastUpdate,omitempty"`
}

// ResourceEvent 是集群为某个资源记录的一条事件，状态端点透出给用户。
type ResourceEvent struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason"`
	Message  string    `json:"message"`
	Count    int32     `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// BkAppResource 是云原生应用的期望状态清单，集群侧对应 BkApp 自定义资源。
type BkAppResource struct {
	APIVersion string         `json:"apiVersion"`
	Kind       string         `json:"kind"`
	Metadata   ObjectMetadata `json:"metadata"`
	Spec       BkAppSpec      `json:"spec"`
	Status     *BkAppStatus   `json:"status,omitempty"`
}

// ParseBkAppResource 从 YAML（或 JSON）解析清单并做基础校验。
// v1alpha1 清单被接受并归一化；新代码永不产出 v1alpha1。
func ParseBkAppResource(payload []byte) (*BkAppResource, error) {
	var res BkAppResource
	if err := yaml.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("%w: invalid manifest: %v", ErrInvalidInput, err)
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	res.Normalize()
	return &res, nil
}

func (r *BkAppResource) Validate() error {
	if r.Kind != BkAppKind {
		return fmt.Errorf("%w: kind must be %s", ErrInvalidInput, BkAppKind)
	}
	if r.APIVersion != BkAppVersionV1alpha1 && r.APIVersion != BkAppVersionV1alpha2 {
		return fmt.Errorf("%w: unsupported apiVersion %q", ErrInvalidInput, r.APIVersion)
	}
	if len(r.Spec.Processes) == 0 {
		return fmt.Errorf("%w: spec.processes must not be empty", ErrInvalidInput)
	}
	for i := range r.Spec.Processes {
		p := &r.Spec.Processes[i]
		if err := ValidateProcName(p.Name); err != nil {
			return err
		}
		if p.Image != "" {
			if _, err := name.ParseReference(p.Image); err != nil {
				return fmt.Errorf("%w: process %s image: %v", ErrInvalidInput, p.Name, err)
			}
		}
		if p.Autoscaling != nil {
			sc := ScalingConfig{MinReplicas: p.Autoscaling.MinReplicas, MaxReplicas: p.Autoscaling.MaxReplicas}
			if err := sc.Validate(); err != nil {
				return err
			}
		}
	}
	if r.Spec.Build != nil && r.Spec.Build.Image != "" {
		if _, err := name.ParseReference(r.Spec.Build.Image); err != nil {
			return fmt.Errorf("%w: spec.build.image: %v", ErrInvalidInput, err)
		}
	}
	return nil
}

// Normalize 把 v1alpha1 形态抬升到 v1alpha2：进程镜像上收到 spec.build。
func (r *BkAppResource) Normalize() {
	if r.APIVersion != BkAppVersionV1alpha1 {
		return
	}
	r.APIVersion = BkAppVersionV1alpha2
	if r.Spec.Build == nil {
		for i := range r.Spec.Processes {
			if img := r.Spec.Processes[i].Image; img != "" {
				r.Spec.Build = &BuildConfig{Image: img}
				break
			}
		}
	}
	for i := range r.Spec.Processes {
		r.Spec.Processes[i].Image = ""
	}
}

// FindCondition 按 type 取条件，不存在返回 nil。
func (s *BkAppStatus) FindCondition(t string) *MetaV1Condition {
	for i := range s.Conditions {
		if s.Conditions[i].Type == t {
			return &s.Conditions[i]
		}
	}
	return nil
}

func (r *BkAppResource) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

func (r *BkAppResource) ToYAML() ([]byte, error) {
	return yaml.Marshal(r)
}

// DeployStatus 是一次云原生部署尝试的状态。
type DeployStatus string

const (
	DeployStatusPending     DeployStatus = "pending"
	DeployStatusProgressing DeployStatus = "progressing"
	DeployStatusReady       DeployStatus = "ready"
	DeployStatusError       DeployStatus = "error"
	DeployStatusUnknown     DeployStatus = "unknown"
)

func (s DeployStatus) IsTerminal() bool {
	return s == DeployStatusReady || s == DeployStatusError
}

// AppModelResource 是云原生模块与其当前清单版本的绑定，(app_code, module) 唯一。
type AppModelResource struct {
	ID         string `json:"id"`
	AppCode    string `json:"application"`
	ModuleName string `json:"module"`

	// 独占引用当前 AppModelRevision
	RevisionID string `json:"revision_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppModelRevision 是清单的历史载荷。数据字段不可变；
// is_deployed / deployed_value 在成功 apply 后回写。
type AppModelRevision struct {
	ID         string `json:"id"`
	AppCode    string `json:"application"`
	ModuleName string `json:"module"`

	YAMLValue string `json:"yaml_value"`
	JSONValue string `json:"json_value"`

	IsDeployed    bool   `json:"is_deployed"`
	DeployedValue string `json:"deployed_value,omitempty"`

	Operator  string    `json:"operator,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppModelDeploy 是把某个 revision 下发到某个环境的一次尝试。
// (application, module, environment_name, name) 唯一。
// 终态冻结 reason / message / last_transition_time。
type AppModelDeploy struct {
	ID              string `json:"id"`
	AppCode         string `json:"application"`
	ModuleName      string `json:"module"`
	EnvironmentName string `json:"environment_name"`
	Name            string `json:"name"`

	RevisionID string `json:"revision_id"`
	WlAppName  string `json:"wl_app_name"`

	Status             DeployStatus `json:"status"`
	Reason             string       `json:"reason,omitempty"`
	Message            string       `json:"message,omitempty"`
	LastTransitionTime time.Time    `json:"last_transition_time,omitzero"`

	Operator  string    `json:"operator,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ImageCredential 是应用级镜像拉取凭据引用，下发时物化为 Secret。
type ImageCredential struct {
	ID       string `json:"id"`
	AppCode  string `json:"app_code"`
	Name     string `json:"name"`
	Registry string `json:"registry"`
	Username string `json:"username"`
	Password string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}
