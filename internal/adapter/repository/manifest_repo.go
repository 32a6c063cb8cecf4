package repository

import (
	"context"
	"errors"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var _ port.ManifestRepository = (*ManifestRepo)(nil)

type ManifestRepo struct {
	db *gorm.DB
}

func NewManifestRepo(db *gorm.DB) *ManifestRepo {
	return &ManifestRepo{db: db}
}

func (r *ManifestRepo) FindResource(ctx context.Context, appCode, moduleName string) (*domain.AppModelResource, error) {
	var m AppModelResourceModel
	result := r.db.WithContext(ctx).
		Where("app_code = ? AND module_name = ?", appCode, moduleName).
		First(&m)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, result.Error
	}
	return &domain.AppModelResource{
		ID:         m.ID,
		AppCode:    m.AppCode,
		ModuleName: m.ModuleName,
		RevisionID: m.RevisionID,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}, nil
}

func (r *ManifestRepo) SaveResource(ctx context.Context, res *domain.AppModelResource) error {
	result := r.db.WithContext(ctx).Create(&AppModelResourceModel{
		ID:         res.ID,
		AppCode:    res.AppCode,
		ModuleName: res.ModuleName,
		RevisionID: res.RevisionID,
		CreatedAt:  res.CreatedAt,
		UpdatedAt:  res.UpdatedAt,
	})
	if result.Error != nil && isUniqueConstraintError(result.Error) {
		return domain.ErrAlreadyExists
	}
	return result.Error
}

func (r *ManifestRepo) UpdateResource(ctx context.Context, res *domain.AppModelResource) error {
	return r.db.WithContext(ctx).Model(&AppModelResourceModel{}).
		Where("id = ?", res.ID).
		Updates(map[string]any{"revision_id": res.RevisionID, "updated_at": res.UpdatedAt}).Error
}

func (r *ManifestRepo) SaveRevision(ctx context.Context, rev *domain.AppModelRevision) error {
	return r.db.WithContext(ctx).Create(&AppModelRevisionModel{
		ID:            rev.ID,
		AppCode:       rev.AppCode,
		ModuleName:    rev.ModuleName,
		YAMLValue:     rev.YAMLValue,
		JSONValue:     datatypes.JSON(rev.JSONValue),
		IsDeployed:    rev.IsDeployed,
		DeployedValue: datatypes.JSON(rev.DeployedValue),
		Operator:      rev.Operator,
		CreatedAt:     rev.CreatedAt,
	}).Error
}

// UpdateRevision 只允许回写部署状态字段，数据字段不可变。
func (r *ManifestRepo) UpdateRevision(ctx context.Context, rev *domain.AppModelRevision) error {
	return r.db.WithContext(ctx).Model(&AppModelRevisionModel{}).
		Where("id = ?", rev.ID).
		Updates(map[string]any{
			"is_deployed":    rev.IsDeployed,
			"deployed_value": datatypes.JSON(rev.DeployedValue),
		}).Error
}

func (r *ManifestRepo) FindRevisionByID(ctx context.Context, id string) (*domain.AppModelRevision, error) {
	var m AppModelRevisionModel
	result := r.db.WithContext(ctx).First(&m, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRevisionNotFound
		}
		return nil, result.Error
	}
	return &domain.AppModelRevision{
		ID:            m.ID,
		AppCode:       m.AppCode,
		ModuleName:    m.ModuleName,
		YAMLValue:     m.YAMLValue,
		JSONValue:     string(m.JSONValue),
		IsDeployed:    m.IsDeployed,
		DeployedValue: string(m.DeployedValue),
		Operator:      m.Operator,
		CreatedAt:     m.CreatedAt,
	}, nil
}

func (r *ManifestRepo) SaveDeploy(ctx context.Context, d *domain.AppModelDeploy) error {
	result := r.db.WithContext(ctx).Create(modelDeployToModel(d))
	if result.Error != nil && isUniqueConstraintError(result.Error) {
		return domain.ErrAlreadyExists
	}
	return result.Error
}

func (r *ManifestRepo) UpdateDeploy(ctx context.Context, d *domain.AppModelDeploy) error {
	return r.db.WithContext(ctx).Save(modelDeployToModel(d)).Error
}

func (r *ManifestRepo) FindDeployByID(ctx context.Context, id string) (*domain.AppModelDeploy, error) {
	var m AppModelDeployModel
	result := r.db.WithContext(ctx).First(&m, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrModelDeployNotFound
		}
		return nil, result.Error
	}
	return modelToModelDeploy(&m), nil
}

func (r *ManifestRepo) ListDeploys(ctx context.Context, appCode, moduleName, environment string) ([]*domain.AppModelDeploy, error) {
	var models []AppModelDeployModel
	if err := r.db.WithContext(ctx).
		Where("app_code = ? AND module_name = ? AND environment_name = ?", appCode, moduleName, environment).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	deploys := make([]*domain.AppModelDeploy, 0, len(models))
	for i := range models {
		deploys = append(deploys, modelToModelDeploy(&models[i]))
	}
	return deploys, nil
}

func (r *ManifestRepo) FindLatestDeploy(ctx context.Context, appCode, moduleName, environment string) (*domain.AppModelDeploy, error) {
	var m AppModelDeployModel
	result := r.db.WithContext(ctx).
		Where("app_code = ? AND module_name = ? AND environment_name = ?", appCode, moduleName, environment).
		Order("created_at DESC").
		First(&m)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrModelDeployNotFound
		}
		return nil, result.Error
	}
	return modelToModelDeploy(&m), nil
}

func (r *ManifestRepo) ListCredentials(ctx context.Context, appCode string) ([]*domain.ImageCredential, error) {
	var models []ImageCredentialModel
	if err := r.db.WithContext(ctx).Where("app_code = ?", appCode).Find(&models).Error; err != nil {
		return nil, err
	}
	creds := make([]*domain.ImageCredential, 0, len(models))
	for i := range models {
		m := &models[i]
		creds = append(creds, &domain.ImageCredential{
			ID:        m.ID,
			AppCode:   m.AppCode,
			Name:      m.Name,
			Registry:  m.Registry,
			Username:  m.Username,
			Password:  m.Password,
			CreatedAt: m.CreatedAt,
		})
	}
	return creds, nil
}

func (r *ManifestRepo) SaveCredential(ctx context.Context, c *domain.ImageCredential) error {
	result := r.db.WithContext(ctx).Create(&ImageCredentialModel{
		ID:        c.ID,
		AppCode:   c.AppCode,
		Name:      c.Name,
		Registry:  c.Registry,
		Username:  c.Username,
		Password:  c.Password,
		CreatedAt: c.CreatedAt,
	})
	if result.Error != nil && isUniqueConstraintError(result.Error) {
		return domain.ErrAlreadyExists
	}
	return result.Error
}

func modelDeployToModel(d *domain.AppModelDeploy) *AppModelDeployModel {
	return &AppModelDeployModel{
		ID:                 d.ID,
		AppCode:            d.AppCode,
		ModuleName:         d.ModuleName,
		EnvironmentName:    d.EnvironmentName,
		Name:               d.Name,
		RevisionID:         d.RevisionID,
		WlAppName:          d.WlAppName,
		Status:             string(d.Status),
		Reason:             d.Reason,
		Message:            d.Message,
		LastTransitionTime: d.LastTransitionTime,
		Operator:           d.Operator,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}

func modelToModelDeploy(m *AppModelDeployModel) *domain.AppModelDeploy {
	return &domain.AppModelDeploy{
		ID:                 m.ID,
		AppCode:            m.AppCode,
		ModuleName:         m.ModuleName,
		EnvironmentName:    m.EnvironmentName,
		Name:               m.Name,
		RevisionID:         m.RevisionID,
		WlAppName:          m.WlAppName,
		Status:             domain.DeployStatus(m.Status),
		Reason:             m.Reason,
		Message:            m.Message,
		LastTransitionTime: m.LastTransitionTime,
		Operator:           m.Operator,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}
