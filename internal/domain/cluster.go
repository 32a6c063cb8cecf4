package domain

import (
	"fmt"
	"time"
)

// 集群 feature flag 键。注册时未知键会被原样保留。
const (
	FeatureAutoscaling     = "ENABLE_AUTOSCALING"
	FeatureIngressUseRegex = "INGRESS_USE_REGEX"
	FeatureBCSEgress       = "ENABLE_BCS_EGRESS"
)

// PortMap 描述集群入口的 http/https 暴露端口。
type PortMap struct {
	HTTP  int `json:"http"`
	HTTPS int `json:"https"`
}

// DomainScheme 是一个可分配的根域及其协议配置。
type DomainScheme struct {
	Name         string   `json:"name"`
	HTTPSEnabled bool     `json:"https_enabled"`
	Reserved     []string `json:"reserved,omitempty"`
}

// IngressConfig 是集群级入口配置：根域集合、前端入口 IP 和端口映射。
// 子域名模板由 AppRootDomains 推导，子路径由 SubPathDomains 推导。
type IngressConfig struct {
	AppRootDomains    []DomainScheme `json:"app_root_domains,omitempty"`
	SubPathDomains    []DomainScheme `json:"sub_path_domains,omitempty"`
	FrontendIngressIP string         `json:"frontend_ingress_ip,omitempty"`
	PortMap           PortMap        `json:"port_map"`
}

func (ic *IngressConfig) Validate() error {
	if len(ic.AppRootDomains) == 0 && len(ic.SubPathDomains) == 0 {
		return fmt.Errorf("%w: ingress_config requires app_root_domains or sub_path_domains", ErrInvalidInput)
	}
	if ic.PortMap.HTTP <= 0 || ic.PortMap.HTTPS <= 0 {
		return fmt.Errorf("%w: ingress_config.port_map must declare http and https ports", ErrInvalidInput)
	}
	return nil
}

// Toleration 与 corev1.Toleration 同构，domain 层不依赖 k8s 类型。
type Toleration struct {
	Key               string `json:"key,omitempty"`
	Operator          string `json:"operator,omitempty"`
	Value             string `json:"value,omitempty"`
	Effect            string `json:"effect,omitempty"`
	TolerationSeconds *int64 `json:"toleration_seconds,omitempty"`
}

// APIServer 是集群的一个后端地址。Host 可能是 IP；
// OverriddenHostname 非空时客户端按该主机名做 TLS 校验，连接仍走 Host。
type APIServer struct {
	ID                 string    `json:"id"`
	ClusterName        string    `json:"cluster_name"`
	Host               string    `json:"host"`
	OverriddenHostname string    `json:"overridden_hostname,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Cluster 是一个可调度的容器编排集群及其访问凭据。
// 不变量：每个 region 在存在集群时有且只有一个 is_default=true。
type Cluster struct {
	Name        string `json:"name"`
	Region      string `json:"region"`
	IsDefault   bool   `json:"is_default"`
	Description string `json:"description,omitempty"`

	// 凭据，合法形态二选一：(ca + cert + key) 或 (ca + token)
	CAData     string `json:"-"`
	CertData   string `json:"-"`
	KeyData    string `json:"-"`
	TokenValue string `json:"-"`

	// 历史字段，合法取值 ""（未设置）/ "true" / "false" / 主机名。
	// "true" 但 APIServer 未声明主机名视为配置错误。
	AssertHostname string `json:"assert_hostname,omitempty"`

	IngressConfig       IngressConfig     `json:"ingress_config"`
	Annotations         map[string]string `json:"annotations,omitempty"`
	DefaultNodeSelector map[string]string `json:"default_node_selector,omitempty"`
	DefaultTolerations  []Toleration      `json:"default_tolerations,omitempty"`
	FeatureFlags        map[string]bool   `json:"feature_flags,omitempty"`

	APIServers []APIServer `json:"api_servers,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Cluster) HasFeature(flag string) bool {
	return c.FeatureFlags[flag]
}

// Validate 校验凭据形态与入口配置。注册与更新共用。
func (c *Cluster) Validate() error {
	if err := ValidateK8sName(c.Name); err != nil {
		return err
	}
	if c.Region == "" {
		return fmt.Errorf("%w: region is required", ErrInvalidInput)
	}
	certPair := c.CertData != "" && c.KeyData != ""
	token := c.TokenValue != ""
	if c.CAData == "" {
		return fmt.Errorf("%w: ca data is required", ErrInvalidInput)
	}
	if certPair == token {
		return fmt.Errorf("%w: credentials must be exactly one of (ca+cert+key) or (ca+token)", ErrInvalidInput)
	}
	if len(c.APIServers) == 0 {
		return fmt.Errorf("%w: at least one api server url is required", ErrInvalidInput)
	}
	if c.AssertHostname == "true" && !c.hasHostnameOverride() {
		return fmt.Errorf("%w: assert_hostname=true requires an overridden hostname on some api server", ErrInvalidInput)
	}
	return c.IngressConfig.Validate()
}

func (c *Cluster) hasHostnameOverride() bool {
	for _, s := range c.APIServers {
		if s.OverriddenHostname != "" {
			return true
		}
	}
	return false
}
