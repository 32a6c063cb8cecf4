package domain

import "time"

// Config 是 WlApp 的一份运行配置快照：环境变量、运行镜像、资源与调度约束。
// 只追加不修改：按 created 取最新一条为当前生效配置。
type Config struct {
	ID        string `json:"id"`
	WlAppName string `json:"wl_app_name"`

	Envs         map[string]string `json:"envs,omitempty"`
	RuntimeImage string            `json:"runtime_image,omitempty"`

	Requests map[string]string `json:"requests,omitempty"`
	Limits   map[string]string `json:"limits,omitempty"`

	NodeSelector map[string]string `json:"node_selector,omitempty"`
	Tolerations  []Toleration      `json:"tolerations,omitempty"`

	// Domain 可选：应用偏好的根域，参与子域名 Ingress 的期望集合
	Domain string `json:"domain,omitempty"`
	// Cluster 可选：放置覆盖，优先于 WlApp.ClusterName
	Cluster string `json:"cluster,omitempty"`

	Operator  string    `json:"operator,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
