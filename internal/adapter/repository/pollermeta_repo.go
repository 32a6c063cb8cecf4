package repository

import (
	"context"
	"errors"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ port.PollerMetaRepository = (*PollerMetaRepo)(nil)

type PollerMetaRepo struct {
	db *gorm.DB
}

func NewPollerMetaRepo(db *gorm.DB) *PollerMetaRepo {
	return &PollerMetaRepo{db: db}
}

func (r *PollerMetaRepo) SaveMeta(ctx context.Context, key string, meta []byte) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"meta", "updated_at"}),
	}).Create(&PollerMetaModel{
		Key:       key,
		Meta:      datatypes.JSON(meta),
		UpdatedAt: time.Now(),
	}).Error
}

func (r *PollerMetaRepo) FindMeta(ctx context.Context, key string) ([]byte, error) {
	var m PollerMetaModel
	result := r.db.WithContext(ctx).First(&m, "key = ?", key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, result.Error
	}
	return []byte(m.Meta), nil
}

func (r *PollerMetaRepo) DeleteMeta(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Delete(&PollerMetaModel{}, "key = ?", key).Error
}
