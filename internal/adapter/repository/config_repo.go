package repository

import (
	"context"
	"errors"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"gorm.io/gorm"
)

var _ port.ConfigRepository = (*ConfigRepo)(nil)

type ConfigRepo struct {
	db *gorm.DB
}

func NewConfigRepo(db *gorm.DB) *ConfigRepo {
	return &ConfigRepo{db: db}
}

func (r *ConfigRepo) Save(ctx context.Context, config *domain.Config) error {
	m, err := configToModel(config)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *ConfigRepo) FindLatest(ctx context.Context, wlAppName string) (*domain.Config, error) {
	var m ConfigModel
	result := r.db.WithContext(ctx).
		Where("wl_app_name = ?", wlAppName).
		Order("created_at DESC").
		First(&m)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrConfigNotFound
		}
		return nil, result.Error
	}
	return modelToConfig(&m)
}

func (r *ConfigRepo) CountByApp(ctx context.Context, wlAppName string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&ConfigModel{}).
		Where("wl_app_name = ?", wlAppName).Count(&count).Error
	return count, err
}

func configToModel(c *domain.Config) (*ConfigModel, error) {
	envsJSON, err := toJSON(c.Envs)
	if err != nil {
		return nil, err
	}
	requestsJSON, err := toJSON(c.Requests)
	if err != nil {
		return nil, err
	}
	limitsJSON, err := toJSON(c.Limits)
	if err != nil {
		return nil, err
	}
	selectorJSON, err := toJSON(c.NodeSelector)
	if err != nil {
		return nil, err
	}
	tolerationsJSON, err := toJSON(c.Tolerations)
	if err != nil {
		return nil, err
	}
	return &ConfigModel{
		ID:           c.ID,
		WlAppName:    c.WlAppName,
		Envs:         envsJSON,
		RuntimeImage: c.RuntimeImage,
		Requests:     requestsJSON,
		Limits:       limitsJSON,
		NodeSelector: selectorJSON,
		Tolerations:  tolerationsJSON,
		Domain:       c.Domain,
		Cluster:      c.Cluster,
		Operator:     c.Operator,
		CreatedAt:    c.CreatedAt,
	}, nil
}

func modelToConfig(m *ConfigModel) (*domain.Config, error) {
	envs, err := fromJSON[map[string]string](m.Envs)
	if err != nil {
		return nil, err
	}
	requests, err := fromJSON[map[string]string](m.Requests)
	if err != nil {
		return nil, err
	}
	limits, err := fromJSON[map[string]string](m.Limits)
	if err != nil {
		return nil, err
	}
	selector, err := fromJSON[map[string]string](m.NodeSelector)
	if err != nil {
		return nil, err
	}
	tolerations, err := fromJSON[[]domain.Toleration](m.Tolerations)
	if err != nil {
		return nil, err
	}
	return &domain.Config{
		ID:           m.ID,
		WlAppName:    m.WlAppName,
		Envs:         envs,
		RuntimeImage: m.RuntimeImage,
		Requests:     requests,
		Limits:       limits,
		NodeSelector: selector,
		Tolerations:  tolerations,
		Domain:       m.Domain,
		Cluster:      m.Cluster,
		Operator:     m.Operator,
		CreatedAt:    m.CreatedAt,
	}, nil
}
