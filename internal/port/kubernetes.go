package port

import (
	"context"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
)

// ProcessDeployInput 是部署单个进程所需的全部素材。
type ProcessDeployInput struct {
	Name    string
	Command string
	Image   string

	Replicas   int
	TargetPort int

	Envs     map[string]string
	Requests map[string]string
	Limits   map[string]string

	NodeSelector map[string]string
	Tolerations  []domain.Toleration

	ReleaseVersion  int
	MapperVersion   string
	ImagePullSecret string
}

// ProcessOperator 把进程期望状态翻译为集群里的 Deployment + Service。
type ProcessOperator interface {
	Deploy(ctx context.Context, app *domain.WlApp, in ProcessDeployInput) error
	Scale(ctx context.Context, app *domain.WlApp, procName string, replicas int) error
	Delete(ctx context.Context, app *domain.WlApp, procName string) error
	// SetAutoscaling 开关 HPA；关闭时删除对应对象。
	SetAutoscaling(ctx context.Context, app *domain.WlApp, procName string, cfg *domain.ScalingConfig, enabled bool) error
	// Snapshot 读取当前进程与实例观测值，poller 据此产生 diff 事件。
	Snapshot(ctx context.Context, app *domain.WlApp) ([]domain.ProcessSnapshot, error)
	// DetectPodFailure 扫描进程 Pod 的不可恢复故障（CrashLoopBackOff、
	// 镜像拉取失败），发现时返回原因，release 等待阶段据此提前终止。
	DetectPodFailure(ctx context.Context, app *domain.WlApp) (reason string, failed bool, err error)
}

// NamespaceOperator 负责命名空间与镜像凭据 Secret 的幂等创建。
type NamespaceOperator interface {
	EnsureNamespace(ctx context.Context, app *domain.WlApp) error
	EnsureImageCredentialsSecret(ctx context.Context, app *domain.WlApp, creds []*domain.ImageCredential) error
}

// ImagePullSecretName 是命名空间内镜像拉取凭据 Secret 的固定名字。
const ImagePullSecretName = "bkapp-dockerconfig"

// BuilderTemplate 是一次 slug 构建的 Pod 模板素材。
type BuilderTemplate struct {
	Image string
	Envs  map[string]string

	Requests map[string]string
	Limits   map[string]string

	NodeSelector map[string]string
	Tolerations  []domain.Toleration

	PullSecretName string
}

// Builder 驱动 builder Pod 的生命周期。
// 前一次失败残留的同名 Pod 会让 BuildSlug 返回 ErrResourceDuplicate。
type Builder interface {
	BuildSlug(ctx context.Context, app *domain.WlApp, tmpl BuilderTemplate) (podName string, err error)
	WaitForLogsReadiness(ctx context.Context, app *domain.WlApp, timeout time.Duration) error
	// FollowLogs 逐行推送构建日志直到 EOF 或 ctx 截止。
	FollowLogs(ctx context.Context, app *domain.WlApp, sink func(line string)) error
	// WaitForTerminal 等待 Pod 终态，返回 Pod phase。
	WaitForTerminal(ctx context.Context, app *domain.WlApp, timeout time.Duration) (string, error)
	DeleteBuilder(ctx context.Context, app *domain.WlApp) error
	// InterruptBuilder 对运行中的 builder 发送删除（SIGTERM 等价）。
	InterruptBuilder(ctx context.Context, app *domain.WlApp) error
}

// IngressPath 单条转发规则。
type IngressPath struct {
	Path        string
	ServiceName string
	ServicePort int
}

type IngressRule struct {
	Host  string
	Paths []IngressPath
}

type IngressTLS struct {
	Hosts      []string
	SecretName string
}

// IngressPayload 是一次 Ingress 重建的完整期望内容。
// UseRegex 为 true 时路径按正则模式下发，配合 rewrite-target 捕获组
// 做子路径剥离；需要集群侧 controller 支持。
type IngressPayload struct {
	Name              string
	Rules             []IngressRule
	TLS               []IngressTLS
	RewritePathToRoot bool
	UseRegex          bool
}

// IngressOperator 以 create-or-replace 语义下发 Ingress。
type IngressOperator interface {
	Replace(ctx context.Context, app *domain.WlApp, payload IngressPayload) error
	Delete(ctx context.Context, app *domain.WlApp, name string) error
	// EnsureTLSSecret 确保证书 Secret 存在并返回 Secret 名。
	EnsureTLSSecret(ctx context.Context, app *domain.WlApp, cert *domain.AppDomainSharedCert) (string, error)
}

// BkAppOperator 操作集群里的 BkApp 自定义资源。
type BkAppOperator interface {
	// Apply 做 server-side apply，载荷是完整的 BkApp JSON。
	Apply(ctx context.Context, app *domain.WlApp, manifest []byte) error
	// GetState 读回 status 与 metadata.annotations。
	GetState(ctx context.Context, app *domain.WlApp, resName string) (*domain.BkAppStatus, map[string]string, error)
	// RecentEvents 返回资源最近的集群事件，按时间倒序。
	RecentEvents(ctx context.Context, app *domain.WlApp, resName string) ([]domain.ResourceEvent, error)
}

// StatsReader 为部署统计诊断提供节点与调度位置信息。
type StatsReader interface {
	// ProcessPodNodes 返回 app 某进程所有 Pod 所在的节点名。
	ProcessPodNodes(ctx context.Context, app *domain.WlApp, procName string) ([]string, error)
	// NodeRegionLabels 返回集群内节点名 → region 标签。
	NodeRegionLabels(ctx context.Context, clusterName string) (map[string]string, error)
}
