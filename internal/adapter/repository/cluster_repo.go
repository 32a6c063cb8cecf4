package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ port.ClusterRepository = (*ClusterRepo)(nil)

type ClusterRepo struct {
	db *gorm.DB
}

func NewClusterRepo(db *gorm.DB) *ClusterRepo {
	return &ClusterRepo{db: db}
}

func (r *ClusterRepo) Save(ctx context.Context, cluster *domain.Cluster) error {
	m, err := clusterToModel(cluster)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Create(m); result.Error != nil {
			if isUniqueConstraintError(result.Error) {
				return domain.ErrAlreadyExists
			}
			return result.Error
		}
		for i := range cluster.APIServers {
			s := &cluster.APIServers[i]
			s.ClusterName = cluster.Name
			if err := tx.Create(apiServerToModel(s)).Error; err != nil {
				if isUniqueConstraintError(err) {
					return domain.ErrAlreadyExists
				}
				return err
			}
		}
		return nil
	})
}

func (r *ClusterRepo) Update(ctx context.Context, cluster *domain.Cluster) error {
	m, err := clusterToModel(cluster)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(m).Error; err != nil {
			return err
		}
		if err := tx.Delete(&APIServerModel{}, "cluster_name = ?", cluster.Name).Error; err != nil {
			return err
		}
		for i := range cluster.APIServers {
			s := &cluster.APIServers[i]
			s.ClusterName = cluster.Name
			if err := tx.Create(apiServerToModel(s)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *ClusterRepo) FindByName(ctx context.Context, name string) (*domain.Cluster, error) {
	var m ClusterModel
	result := r.db.WithContext(ctx).First(&m, "name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrClusterNotFound
		}
		return nil, result.Error
	}
	return r.attachAPIServers(ctx, &m)
}

func (r *ClusterRepo) FindAll(ctx context.Context) ([]*domain.Cluster, error) {
	var models []ClusterModel
	if err := r.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, err
	}
	return r.toClusters(ctx, models)
}

func (r *ClusterRepo) FindByRegion(ctx context.Context, region string) ([]*domain.Cluster, error) {
	var models []ClusterModel
	if err := r.db.WithContext(ctx).Where("region = ?", region).Find(&models).Error; err != nil {
		return nil, err
	}
	return r.toClusters(ctx, models)
}

func (r *ClusterRepo) FindDefault(ctx context.Context, region string) (*domain.Cluster, error) {
	var m ClusterModel
	result := r.db.WithContext(ctx).Where("region = ? AND is_default = ?", region, true).First(&m)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNoDefaultCluster
		}
		return nil, result.Error
	}
	return r.attachAPIServers(ctx, &m)
}

// SwitchDefault 可串行化事务内交换默认标记；目标已是默认时报错。
func (r *ClusterRepo) SwitchDefault(ctx context.Context, region, name string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target ClusterModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("region = ? AND name = ?", region, name).First(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrClusterNotFound
			}
			return err
		}
		if target.IsDefault {
			return fmt.Errorf("%w: cluster %s is already the default of region %s",
				domain.ErrSwitchDefaultCluster, name, region)
		}
		if err := tx.Model(&ClusterModel{}).
			Where("region = ? AND is_default = ?", region, true).
			Update("is_default", false).Error; err != nil {
			return err
		}
		return tx.Model(&ClusterModel{}).
			Where("region = ? AND name = ?", region, name).
			Update("is_default", true).Error
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

func (r *ClusterRepo) toClusters(ctx context.Context, models []ClusterModel) ([]*domain.Cluster, error) {
	clusters := make([]*domain.Cluster, 0, len(models))
	for i := range models {
		c, err := r.attachAPIServers(ctx, &models[i])
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, nil
}

func (r *ClusterRepo) attachAPIServers(ctx context.Context, m *ClusterModel) (*domain.Cluster, error) {
	c, err := modelToCluster(m)
	if err != nil {
		return nil, err
	}
	var servers []APIServerModel
	if err := r.db.WithContext(ctx).Where("cluster_name = ?", m.Name).Find(&servers).Error; err != nil {
		return nil, err
	}
	for i := range servers {
		c.APIServers = append(c.APIServers, *modelToAPIServer(&servers[i]))
	}
	return c, nil
}

func clusterToModel(c *domain.Cluster) (*ClusterModel, error) {
	ingressJSON, err := toJSON(c.IngressConfig)
	if err != nil {
		return nil, err
	}
	annotationsJSON, err := toJSON(c.Annotations)
	if err != nil {
		return nil, err
	}
	selectorJSON, err := toJSON(c.DefaultNodeSelector)
	if err != nil {
		return nil, err
	}
	tolerationsJSON, err := toJSON(c.DefaultTolerations)
	if err != nil {
		return nil, err
	}
	flagsJSON, err := toJSON(c.FeatureFlags)
	if err != nil {
		return nil, err
	}
	return &ClusterModel{
		Name:                c.Name,
		Region:              c.Region,
		IsDefault:           c.IsDefault,
		Description:         c.Description,
		CAData:              c.CAData,
		CertData:            c.CertData,
		KeyData:             c.KeyData,
		TokenValue:          c.TokenValue,
		AssertHostname:      c.AssertHostname,
		IngressConfig:       ingressJSON,
		Annotations:         annotationsJSON,
		DefaultNodeSelector: selectorJSON,
		DefaultTolerations:  tolerationsJSON,
		FeatureFlags:        flagsJSON,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}, nil
}

func modelToCluster(m *ClusterModel) (*domain.Cluster, error) {
	ingress, err := fromJSON[domain.IngressConfig](m.IngressConfig)
	if err != nil {
		return nil, err
	}
	annotations, err := fromJSON[map[string]string](m.Annotations)
	if err != nil {
		return nil, err
	}
	selector, err := fromJSON[map[string]string](m.DefaultNodeSelector)
	if err != nil {
		return nil, err
	}
	tolerations, err := fromJSON[[]domain.Toleration](m.DefaultTolerations)
	if err != nil {
		return nil, err
	}
	flags, err := fromJSON[map[string]bool](m.FeatureFlags)
	if err != nil {
		return nil, err
	}
	return &domain.Cluster{
		Name:                m.Name,
		Region:              m.Region,
		IsDefault:           m.IsDefault,
		Description:         m.Description,
		CAData:              m.CAData,
		CertData:            m.CertData,
		KeyData:             m.KeyData,
		TokenValue:          m.TokenValue,
		AssertHostname:      m.AssertHostname,
		IngressConfig:       ingress,
		Annotations:         annotations,
		DefaultNodeSelector: selector,
		DefaultTolerations:  tolerations,
		FeatureFlags:        flags,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}, nil
}

func apiServerToModel(s *domain.APIServer) *APIServerModel {
	return &APIServerModel{
		ID:                 s.ID,
		ClusterName:        s.ClusterName,
		Host:               s.Host,
		OverriddenHostname: s.OverriddenHostname,
		CreatedAt:          s.CreatedAt,
	}
}

func modelToAPIServer(m *APIServerModel) *domain.APIServer {
	return &domain.APIServer{
		ID:                 m.ID,
		ClusterName:        m.ClusterName,
		Host:               m.Host,
		OverriddenHostname: m.OverriddenHostname,
		CreatedAt:          m.CreatedAt,
	}
}
