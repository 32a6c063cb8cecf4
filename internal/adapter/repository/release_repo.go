package repository

import (
	"context"
	"errors"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ port.ReleaseRepository = (*ReleaseRepo)(nil)

type ReleaseRepo struct {
	db *gorm.DB
}

func NewReleaseRepo(db *gorm.DB) *ReleaseRepo {
	return &ReleaseRepo{db: db}
}

// Create 在事务内锁最新版本行并分配 version+1，保证单调连续。
func (r *ReleaseRepo) Create(ctx context.Context, release *domain.Release) (*domain.Release, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest ReleaseModel
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("wl_app_name = ?", release.WlAppName).
			Order("version DESC").
			First(&latest)
		switch {
		case result.Error == nil:
			release.Version = latest.Version + 1
		case errors.Is(result.Error, gorm.ErrRecordNotFound):
			release.Version = 1
		default:
			return result.Error
		}
		return tx.Create(releaseToModel(release)).Error
	})
	if err != nil {
		return nil, err
	}
	return release, nil
}

func (r *ReleaseRepo) FindByID(ctx context.Context, id string) (*domain.Release, error) {
	var m ReleaseModel
	result := r.db.WithContext(ctx).First(&m, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReleaseNotFound
		}
		return nil, result.Error
	}
	return modelToRelease(&m), nil
}

func (r *ReleaseRepo) FindLatest(ctx context.Context, wlAppName string) (*domain.Release, error) {
	var m ReleaseModel
	result := r.db.WithContext(ctx).
		Where("wl_app_name = ?", wlAppName).
		Order("version DESC").
		First(&m)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReleaseNotFound
		}
		return nil, result.Error
	}
	return modelToRelease(&m), nil
}

func (r *ReleaseRepo) FindAll(ctx context.Context, wlAppName string) ([]*domain.Release, error) {
	var models []ReleaseModel
	if err := r.db.WithContext(ctx).
		Where("wl_app_name = ?", wlAppName).
		Order("version ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	releases := make([]*domain.Release, 0, len(models))
	for i := range models {
		releases = append(releases, modelToRelease(&models[i]))
	}
	return releases, nil
}

func releaseToModel(rel *domain.Release) *ReleaseModel {
	return &ReleaseModel{
		ID:            rel.ID,
		WlAppName:     rel.WlAppName,
		Version:       rel.Version,
		BuildID:       rel.BuildID,
		ConfigID:      rel.ConfigID,
		MapperVersion: rel.MapperVersion,
		Summary:       rel.Summary,
		Operator:      rel.Operator,
		CreatedAt:     rel.CreatedAt,
	}
}

func modelToRelease(m *ReleaseModel) *domain.Release {
	return &domain.Release{
		ID:            m.ID,
		WlAppName:     m.WlAppName,
		Version:       m.Version,
		BuildID:       m.BuildID,
		ConfigID:      m.ConfigID,
		MapperVersion: m.MapperVersion,
		Summary:       m.Summary,
		Operator:      m.Operator,
		CreatedAt:     m.CreatedAt,
	}
}
