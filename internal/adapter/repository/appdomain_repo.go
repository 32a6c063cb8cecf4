package repository

import (
	"context"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"gorm.io/gorm"
)

var _ port.AppDomainRepository = (*AppDomainRepo)(nil)

type AppDomainRepo struct {
	db *gorm.DB
}

func NewAppDomainRepo(db *gorm.DB) *AppDomainRepo {
	return &AppDomainRepo{db: db}
}

func (r *AppDomainRepo) Save(ctx context.Context, d *domain.AppDomain) error {
	result := r.db.WithContext(ctx).Create(appDomainToModel(d))
	if result.Error != nil {
		if isUniqueConstraintError(result.Error) {
			return domain.ErrAlreadyExists
		}
		return result.Error
	}
	return nil
}

func (r *AppDomainRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&AppDomainModel{}, "id = ?", id).Error
}

func (r *AppDomainRepo) FindByApp(ctx context.Context, wlAppName string) ([]*domain.AppDomain, error) {
	var models []AppDomainModel
	if err := r.db.WithContext(ctx).Where("wl_app_name = ?", wlAppName).Find(&models).Error; err != nil {
		return nil, err
	}
	return toAppDomains(models), nil
}

func (r *AppDomainRepo) FindByAppAndSource(ctx context.Context, wlAppName string, source domain.DomainSource) ([]*domain.AppDomain, error) {
	var models []AppDomainModel
	if err := r.db.WithContext(ctx).
		Where("wl_app_name = ? AND source = ?", wlAppName, string(source)).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return toAppDomains(models), nil
}

func (r *AppDomainRepo) FindByHost(ctx context.Context, host string) ([]*domain.AppDomain, error) {
	var models []AppDomainModel
	if err := r.db.WithContext(ctx).Where("host = ?", host).Find(&models).Error; err != nil {
		return nil, err
	}
	return toAppDomains(models), nil
}

func (r *AppDomainRepo) ListSharedCerts(ctx context.Context) ([]*domain.AppDomainSharedCert, error) {
	var models []AppDomainSharedCertModel
	if err := r.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, err
	}
	certs := make([]*domain.AppDomainSharedCert, 0, len(models))
	for i := range models {
		certs = append(certs, modelToSharedCert(&models[i]))
	}
	return certs, nil
}

func (r *AppDomainRepo) SaveSharedCert(ctx context.Context, cert *domain.AppDomainSharedCert) error {
	return r.db.WithContext(ctx).Save(&AppDomainSharedCertModel{
		Name:         cert.Name,
		TenantID:     cert.TenantID,
		CertData:     cert.CertData,
		KeyData:      cert.KeyData,
		AutoMatchCNs: cert.AutoMatchCNs,
		CreatedAt:    cert.CreatedAt,
	}).Error
}

func toAppDomains(models []AppDomainModel) []*domain.AppDomain {
	domains := make([]*domain.AppDomain, 0, len(models))
	for i := range models {
		domains = append(domains, modelToAppDomain(&models[i]))
	}
	return domains
}

func appDomainToModel(d *domain.AppDomain) *AppDomainModel {
	return &AppDomainModel{
		ID:           d.ID,
		WlAppName:    d.WlAppName,
		Host:         d.Host,
		PathPrefix:   d.PathPrefix,
		Source:       string(d.Source),
		HTTPSEnabled: d.HTTPSEnabled,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func modelToAppDomain(m *AppDomainModel) *domain.AppDomain {
	return &domain.AppDomain{
		ID:           m.ID,
		WlAppName:    m.WlAppName,
		Host:         m.Host,
		PathPrefix:   m.PathPrefix,
		Source:       domain.DomainSource(m.Source),
		HTTPSEnabled: m.HTTPSEnabled,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func modelToSharedCert(m *AppDomainSharedCertModel) *domain.AppDomainSharedCert {
	return &domain.AppDomainSharedCert{
		Name:         m.Name,
		TenantID:     m.TenantID,
		CertData:     m.CertData,
		KeyData:      m.KeyData,
		AutoMatchCNs: m.AutoMatchCNs,
		CreatedAt:    m.CreatedAt,
	}
}
