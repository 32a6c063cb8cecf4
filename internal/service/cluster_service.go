package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/config"
	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"github.com/google/uuid"
)

// 首集群注册的固定名与 region。
const (
	bootstrapClusterName = "default-main"
	bootstrapRegion      = "default"
)

// Invalidator 在集群注册表写入后使客户端缓存失效。
type Invalidator interface {
	Invalidate(clusterName string)
	InvalidateAll()
}

type ClusterService struct {
	clusters    port.ClusterRepository
	invalidator Invalidator
}

func NewClusterService(clusters port.ClusterRepository, invalidator Invalidator) *ClusterService {
	return &ClusterService{clusters: clusters, invalidator: invalidator}
}

// Register 注册新集群。region 内有集群时恰好一个 default：
// 已有 default 再注册 default 被拒绝，切换必须走 SwitchDefault；
// 空 region 的首个集群必须是 default。
func (s *ClusterService) Register(ctx context.Context, cluster *domain.Cluster) error {
	if err := cluster.Validate(); err != nil {
		return err
	}
	_, err := s.clusters.FindDefault(ctx, cluster.Region)
	switch {
	case err == nil:
		if cluster.IsDefault {
			return domain.ErrDuplicatedDefault
		}
	case errors.Is(err, domain.ErrNoDefaultCluster):
		if !cluster.IsDefault {
			return fmt.Errorf("%w: region %s has no default cluster yet", domain.ErrNoDefaultCluster, cluster.Region)
		}
	default:
		return err
	}

	now := time.Now()
	cluster.CreatedAt = now
	cluster.UpdatedAt = now
	for i := range cluster.APIServers {
		if cluster.APIServers[i].ID == "" {
			cluster.APIServers[i].ID = uuid.New().String()
		}
		cluster.APIServers[i].ClusterName = cluster.Name
	}
	if err := s.clusters.Save(ctx, cluster); err != nil {
		return err
	}
	slog.Info("cluster registered", "name", cluster.Name, "region", cluster.Region, "is_default", cluster.IsDefault)
	return nil
}

// Update 更新集群凭据与配置，之后使缓存的客户端失效。
func (s *ClusterService) Update(ctx context.Context, cluster *domain.Cluster) error {
	if err := cluster.Validate(); err != nil {
		return err
	}
	existing, err := s.clusters.FindByName(ctx, cluster.Name)
	if err != nil {
		return err
	}
	// default 标记只能通过 SwitchDefault 改
	cluster.IsDefault = existing.IsDefault
	cluster.CreatedAt = existing.CreatedAt
	cluster.UpdatedAt = time.Now()
	for i := range cluster.APIServers {
		if cluster.APIServers[i].ID == "" {
			cluster.APIServers[i].ID = uuid.New().String()
		}
		cluster.APIServers[i].ClusterName = cluster.Name
	}
	if err := s.clusters.Update(ctx, cluster); err != nil {
		return err
	}
	s.invalidator.Invalidate(cluster.Name)
	return nil
}

func (s *ClusterService) Get(ctx context.Context, name string) (*domain.Cluster, error) {
	return s.clusters.FindByName(ctx, name)
}

func (s *ClusterService) List(ctx context.Context) ([]*domain.Cluster, error) {
	return s.clusters.FindAll(ctx)
}

// SwitchDefault 原子交换 region 内的默认集群并使全部缓存失效。
func (s *ClusterService) SwitchDefault(ctx context.Context, region, name string) error {
	if err := s.clusters.SwitchDefault(ctx, region, name); err != nil {
		return err
	}
	s.invalidator.InvalidateAll()
	slog.Info("default cluster switched", "region", region, "name", name)
	return nil
}

// BootstrapResult 描述 initial-default-cluster 命令做了什么。
type BootstrapResult struct {
	Cluster *domain.Cluster
	Created bool
	Skipped bool
}

// BootstrapDefaultCluster 幂等注册首集群。已存在且未指定 overwrite 时跳过；
// dryRun 只校验与装配，不落库。
func (s *ClusterService) BootstrapDefaultCluster(ctx context.Context, b *config.ClusterBootstrap, overwrite, dryRun bool) (*BootstrapResult, error) {
	cluster, err := clusterFromBootstrap(b)
	if err != nil {
		return nil, err
	}
	if err := cluster.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.clusters.FindByName(ctx, cluster.Name)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if existing != nil && !overwrite {
		return &BootstrapResult{Cluster: existing, Skipped: true}, nil
	}
	if dryRun {
		return &BootstrapResult{Cluster: cluster, Created: existing == nil}, nil
	}

	if existing != nil {
		cluster.IsDefault = existing.IsDefault
		cluster.CreatedAt = existing.CreatedAt
		cluster.UpdatedAt = time.Now()
		if err := s.clusters.Update(ctx, cluster); err != nil {
			return nil, err
		}
		s.invalidator.Invalidate(cluster.Name)
		return &BootstrapResult{Cluster: cluster}, nil
	}
	if err := s.Register(ctx, cluster); err != nil {
		return nil, err
	}
	return &BootstrapResult{Cluster: cluster, Created: true}, nil
}

func clusterFromBootstrap(b *config.ClusterBootstrap) (*domain.Cluster, error) {
	ingress := domain.IngressConfig{
		FrontendIngressIP: b.FrontendIngressIP,
		PortMap:           domain.PortMap{HTTP: b.HTTPPort, HTTPS: b.HTTPSPort},
	}
	if b.AppRootDomain != "" {
		ingress.AppRootDomains = []domain.DomainScheme{{Name: b.AppRootDomain, HTTPSEnabled: b.HTTPSEnabled}}
	}
	if b.SubPathDomain != "" {
		ingress.SubPathDomains = []domain.DomainScheme{{Name: b.SubPathDomain, HTTPSEnabled: b.HTTPSEnabled}}
	}

	annotations := map[string]string{}
	if b.BCSClusterID != "" {
		annotations["bcs_cluster_id"] = b.BCSClusterID
	}
	if b.BCSProjectID != "" {
		annotations["bcs_project_id"] = b.BCSProjectID
	}
	if b.BkBizID != "" {
		annotations["bk_biz_id"] = b.BkBizID
	}

	var tolerations []domain.Toleration
	if len(b.Tolerations) > 0 {
		if err := json.Unmarshal(b.Tolerations, &tolerations); err != nil {
			return nil, fmt.Errorf("%w: PAAS_WL_CLUSTER_TOLERATIONS: %v", domain.ErrInvalidInput, err)
		}
	}

	servers := make([]domain.APIServer, 0, len(b.APIServerURLs))
	for _, u := range b.APIServerURLs {
		servers = append(servers, domain.APIServer{ID: uuid.New().String(), Host: u})
	}

	return &domain.Cluster{
		Name:                bootstrapClusterName,
		Region:              bootstrapRegion,
		IsDefault:           true,
		Description:         "initial cluster from environment",
		CAData:              b.CAData,
		CertData:            b.CertData,
		KeyData:             b.KeyData,
		TokenValue:          b.TokenValue,
		IngressConfig:       ingress,
		Annotations:         annotations,
		DefaultNodeSelector: b.NodeSelector,
		DefaultTolerations:  tolerations,
		FeatureFlags:        b.FeatureFlags,
		APIServers:          servers,
	}, nil
}
