package repository

import (
	"context"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ port.EventRepository = (*EventRepo)(nil)

type EventRepo struct {
	db *gorm.DB
}

func NewEventRepo(db *gorm.DB) *EventRepo {
	return &EventRepo{db: db}
}

// Append 在事务内加锁读取当前最大 seq，分配下一个序号后落库。
func (r *EventRepo) Append(ctx context.Context, deploymentID, event, data string) (*domain.DeployEvent, error) {
	var saved DeployEventModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		row := tx.Model(&DeployEventModel{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("deployment_id = ?", deploymentID).
			Select("COALESCE(MAX(seq), 0)").
			Row()
		if err := row.Scan(&maxSeq); err != nil {
			return err
		}
		saved = DeployEventModel{
			DeploymentID: deploymentID,
			Seq:          maxSeq + 1,
			Event:        event,
			Data:         data,
			CreatedAt:    time.Now(),
		}
		return tx.Create(&saved).Error
	})
	if err != nil {
		return nil, err
	}
	return modelToEvent(&saved), nil
}

func (r *EventRepo) ListSince(ctx context.Context, deploymentID string, afterSeq int) ([]*domain.DeployEvent, error) {
	var models []DeployEventModel
	if err := r.db.WithContext(ctx).
		Where("deployment_id = ? AND seq > ?", deploymentID, afterSeq).
		Order("seq ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	events := make([]*domain.DeployEvent, 0, len(models))
	for i := range models {
		events = append(events, modelToEvent(&models[i]))
	}
	return events, nil
}

func modelToEvent(m *DeployEventModel) *domain.DeployEvent {
	return &domain.DeployEvent{
		ID:           m.ID,
		DeploymentID: m.DeploymentID,
		Seq:          m.Seq,
		Event:        m.Event,
		Data:         m.Data,
		CreatedAt:    m.CreatedAt,
	}
}
