package domain

import (
	"strings"
	"time"
)

// AppType 决定进程控制器与清单渲染的走向。封闭枚举，新增类型需要改代码。
type AppType string

const (
	AppTypeDefault     AppType = "default"
	AppTypeCloudNative AppType = "cloud_native"
	AppTypeEngineless  AppType = "engineless"
	AppTypeBkPlugin    AppType = "bk_plugin"
)

func (t AppType) Valid() bool {
	switch t {
	case AppTypeDefault, AppTypeCloudNative, AppTypeEngineless, AppTypeBkPlugin:
		return true
	}
	return false
}

// WlApp 是用户应用某个 (module, environment) 在调度侧的影子记录，
// 独占一个集群命名空间，名下挂 Config / Build / Release / ProcessSpec / AppDomain。
type WlApp struct {
	Name        string  `json:"name"` // engine app 名，如 bkapp-demo-stag
	Region      string  `json:"region"`
	Type        AppType `json:"type"`
	TenantID    string  `json:"tenant_id"`
	AppCode     string  `json:"app_code"`
	ModuleName  string  `json:"module_name"`
	Environment string  `json:"environment"` // stag / prod

	// 所在集群；为空时落到 region 默认集群
	ClusterName string `json:"cluster_name,omitempty"`

	// IsOfflined 表示环境被手动下线。下线优先：即使集群里还有残留 Pod，
	// 环境也报告为未运行，残留由下一次部署收敛。
	IsOfflined bool `json:"is_offlined"`

	// 最近一次成功部署使用的 mapper 版本；首次 Release 写入后固定
	LatestMapperVersion string `json:"latest_mapper_version,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Namespace 返回该应用独占的命名空间名。
func (a *WlApp) Namespace() string {
	return strings.ReplaceAll(strings.ToLower(a.Name), "_", "0us0")
}

// SafeName 返回可嵌入 K8s 资源名的应用名。
func (a *WlApp) SafeName() string {
	return strings.ReplaceAll(strings.ToLower(a.Name), "_", "0us0")
}
