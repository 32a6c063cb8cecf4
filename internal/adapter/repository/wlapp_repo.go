package repository

import (
	"context"
	"errors"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"gorm.io/gorm"
)

var _ port.WlAppRepository = (*WlAppRepo)(nil)

type WlAppRepo struct {
	db *gorm.DB
}

func NewWlAppRepo(db *gorm.DB) *WlAppRepo {
	return &WlAppRepo{db: db}
}

func (r *WlAppRepo) Save(ctx context.Context, app *domain.WlApp) error {
	result := r.db.WithContext(ctx).Create(wlAppToModel(app))
	if result.Error != nil {
		if isUniqueConstraintError(result.Error) {
			return domain.ErrAlreadyExists
		}
		return result.Error
	}
	return nil
}

func (r *WlAppRepo) Update(ctx context.Context, app *domain.WlApp) error {
	return r.db.WithContext(ctx).Save(wlAppToModel(app)).Error
}

func (r *WlAppRepo) FindByName(ctx context.Context, name string) (*domain.WlApp, error) {
	var m WlAppModel
	result := r.db.WithContext(ctx).First(&m, "name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrWlAppNotFound
		}
		return nil, result.Error
	}
	return modelToWlApp(&m), nil
}

func (r *WlAppRepo) FindByEnv(ctx context.Context, appCode, moduleName, environment string) (*domain.WlApp, error) {
	var m WlAppModel
	result := r.db.WithContext(ctx).
		Where("app_code = ? AND module_name = ? AND environment = ?", appCode, moduleName, environment).
		First(&m)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrWlAppNotFound
		}
		return nil, result.Error
	}
	return modelToWlApp(&m), nil
}

func (r *WlAppRepo) FindAll(ctx context.Context) ([]*domain.WlApp, error) {
	var models []WlAppModel
	if err := r.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, err
	}
	apps := make([]*domain.WlApp, 0, len(models))
	for i := range models {
		apps = append(apps, modelToWlApp(&models[i]))
	}
	return apps, nil
}

func wlAppToModel(a *domain.WlApp) *WlAppModel {
	return &WlAppModel{
		Name:                a.Name,
		Region:              a.Region,
		Type:                string(a.Type),
		TenantID:            a.TenantID,
		AppCode:             a.AppCode,
		ModuleName:          a.ModuleName,
		Environment:         a.Environment,
		ClusterName:         a.ClusterName,
		IsOfflined:          a.IsOfflined,
		LatestMapperVersion: a.LatestMapperVersion,
		CreatedAt:           a.CreatedAt,
		UpdatedAt:           a.UpdatedAt,
	}
}

func modelToWlApp(m *WlAppModel) *domain.WlApp {
	return &domain.WlApp{
		Name:                m.Name,
		Region:              m.Region,
		Type:                domain.AppType(m.Type),
		TenantID:            m.TenantID,
		AppCode:             m.AppCode,
		ModuleName:          m.ModuleName,
		Environment:         m.Environment,
		ClusterName:         m.ClusterName,
		IsOfflined:          m.IsOfflined,
		LatestMapperVersion: m.LatestMapperVersion,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}
