// Package kubernetes 是集群侧适配层：把 port 声明的操作翻译为
// client-go 调用。所有操作通过 ClientPool 解析目标集群。
package kubernetes

import (
	"context"
	"fmt"
	"sync"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// Resolver 把 WlApp 解析为其所在集群的客户端。
// 实现方负责缓存，调用方不持有客户端跨请求复用。
type Resolver interface {
	ClientFor(ctx context.Context, app *domain.WlApp) (kubernetes.Interface, error)
	DynamicFor(ctx context.Context, app *domain.WlApp) (dynamic.Interface, error)
	ClientByName(ctx context.Context, clusterName string) (kubernetes.Interface, error)
}

var _ Resolver = (*ClientPool)(nil)

type poolEntry struct {
	clientset kubernetes.Interface
	dyn       dynamic.Interface
}

// ClientPool 按集群名缓存客户端。凭据变更后调用 Invalidate 使缓存失效，
// 下一次解析时用新凭据重建。
type ClientPool struct {
	clusters port.ClusterRepository

	mu      sync.RWMutex
	entries map[string]*poolEntry
}

func NewClientPool(clusters port.ClusterRepository) *ClientPool {
	return &ClientPool{
		clusters: clusters,
		entries:  make(map[string]*poolEntry),
	}
}

// ClientFor 返回 app 所在集群的 typed clientset。
// app 未固定集群时落到 region 默认集群。
func (p *ClientPool) ClientFor(ctx context.Context, app *domain.WlApp) (kubernetes.Interface, error) {
	entry, err := p.entryFor(ctx, app)
	if err != nil {
		return nil, err
	}
	return entry.clientset, nil
}

// DynamicFor 返回 app 所在集群的 dynamic client，用于自定义资源操作。
func (p *ClientPool) DynamicFor(ctx context.Context, app *domain.WlApp) (dynamic.Interface, error) {
	entry, err := p.entryFor(ctx, app)
	if err != nil {
		return nil, err
	}
	return entry.dyn, nil
}

func (p *ClientPool) ClientByName(ctx context.Context, clusterName string) (kubernetes.Interface, error) {
	entry, err := p.entryByName(ctx, clusterName)
	if err != nil {
		return nil, err
	}
	return entry.clientset, nil
}

// Invalidate 丢弃指定集群的缓存客户端。
func (p *ClientPool) Invalidate(clusterName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, clusterName)
}

// InvalidateAll 丢弃全部缓存客户端，集群批量换证后使用。
func (p *ClientPool) InvalidateAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*poolEntry)
}

func (p *ClientPool) entryFor(ctx context.Context, app *domain.WlApp) (*poolEntry, error) {
	if app.ClusterName != "" {
		return p.entryByName(ctx, app.ClusterName)
	}
	cluster, err := p.clusters.FindDefault(ctx, app.Region)
	if err != nil {
		return nil, fmt.Errorf("resolve default cluster for region %s: %w", app.Region, err)
	}
	return p.entryByName(ctx, cluster.Name)
}

func (p *ClientPool) entryByName(ctx context.Context, clusterName string) (*poolEntry, error) {
	p.mu.RLock()
	entry, ok := p.entries[clusterName]
	p.mu.RUnlock()
	if ok {
		return entry, nil
	}

	cluster, err := p.clusters.FindByName(ctx, clusterName)
	if err != nil {
		return nil, err
	}
	entry, err = buildEntry(cluster)
	if err != nil {
		return nil, fmt.Errorf("%w: cluster %s: %v", domain.ErrClusterClient, clusterName, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// 并发构建时后到者覆盖，客户端是无状态的，覆盖无害
	p.entries[clusterName] = entry
	return entry, nil
}

func buildEntry(cluster *domain.Cluster) (*poolEntry, error) {
	cfg, err := restConfigFor(cluster)
	if err != nil {
		return nil, err
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, err
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &poolEntry{clientset: cs, dyn: dyn}, nil
}

// restConfigFor 把集群凭据翻译为 rest.Config。
// assert_hostname 历史取值："" 默认校验，"false" 跳过校验，
// "true" 按 api server 声明的主机名校验，其余取值按字面主机名校验。
func restConfigFor(cluster *domain.Cluster) (*rest.Config, error) {
	if len(cluster.APIServers) == 0 {
		return nil, fmt.Errorf("cluster %s has no api server", cluster.Name)
	}
	server := cluster.APIServers[0]

	cfg := &rest.Config{
		Host: server.Host,
		TLSClientConfig: rest.TLSClientConfig{
			CAData:   []byte(cluster.CAData),
			CertData: []byte(cluster.CertData),
			KeyData:  []byte(cluster.KeyData),
		},
		BearerToken: cluster.TokenValue,
	}

	switch cluster.AssertHostname {
	case "", "true":
		// "true" 在 Cluster.Validate 中已保证存在 overridden_hostname
		if server.OverriddenHostname != "" {
			cfg.TLSClientConfig.ServerName = server.OverriddenHostname
		}
	case "false":
		// Insecure 与 CA 互斥，跳过校验时丢弃 CA、保留客户端证书
		cfg.TLSClientConfig.Insecure = true
		cfg.TLSClientConfig.CAData = nil
	default:
		cfg.TLSClientConfig.ServerName = cluster.AssertHostname
	}
	return cfg, nil
}
