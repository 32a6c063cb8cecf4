package domain

import (
	"strings"
	"time"
)

// DomainSource 标记域名来源。
// 自动生成的子域名随集群配置变化；custom 由应用管理面声明；
// independent 独立管理，assign_custom_hosts 永不触碰。
type DomainSource string

const (
	DomainSourceAutoGen     DomainSource = "auto_gen"
	DomainSourceCustom      DomainSource = "custom"
	DomainSourceIndependent DomainSource = "independent"
)

// AppDomain 是挂到 WlApp 上的一个主机名。
// 同一来源内 (host, path_prefix) 唯一；https_enabled 要求能匹配到证书。
type AppDomain struct {
	ID        string `json:"id"`
	WlAppName string `json:"wl_app_name"`

	Host         string       `json:"host"`
	PathPrefix   string       `json:"path_prefix"`
	Source       DomainSource `json:"source"`
	HTTPSEnabled bool         `json:"https_enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppDomainSharedCert 是按通配模式匹配主机名的共享 TLS 证书。
type AppDomainSharedCert struct {
	Name     string `json:"name"`
	TenantID string `json:"tenant_id,omitempty"`

	CertData string `json:"-"`
	KeyData  string `json:"-"`

	// 分号分隔的通配模式，如 "*.example.com;*.example.org"
	AutoMatchCNs string `json:"auto_match_cns"`

	CreatedAt time.Time `json:"created_at"`
}

// MatchesHost 判断证书是否覆盖 host。通配符只匹配单层前缀。
func (c *AppDomainSharedCert) MatchesHost(host string) bool {
	return c.longestMatch(host) >= 0
}

// longestMatch 返回能覆盖 host 的最长模式长度，无匹配返回 -1。
func (c *AppDomainSharedCert) longestMatch(host string) int {
	best := -1
	for _, cn := range strings.Split(c.AutoMatchCNs, ";") {
		cn = strings.TrimSpace(cn)
		if cn == "" {
			continue
		}
		if cn == host {
			if len(cn) > best {
				best = len(cn)
			}
			continue
		}
		if strings.HasPrefix(cn, "*.") {
			suffix := cn[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) && !strings.Contains(strings.TrimSuffix(host, suffix), ".") {
				if len(cn) > best {
					best = len(cn)
				}
			}
		}
	}
	return best
}

// PickSharedCert 按最长后缀匹配从候选证书中挑一个，无匹配返回 nil。
func PickSharedCert(certs []*AppDomainSharedCert, host string) *AppDomainSharedCert {
	var picked *AppDomainSharedCert
	best := -1
	for _, c := range certs {
		if n := c.longestMatch(host); n > best {
			best = n
			picked = c
		}
	}
	return picked
}
