package repository

import (
	"context"
	"errors"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"gorm.io/gorm"
)

var _ port.ProcessSpecRepository = (*ProcessSpecRepo)(nil)

type ProcessSpecRepo struct {
	db *gorm.DB
}

func NewProcessSpecRepo(db *gorm.DB) *ProcessSpecRepo {
	return &ProcessSpecRepo{db: db}
}

func (r *ProcessSpecRepo) Upsert(ctx context.Context, spec *domain.ProcessSpec) error {
	existing, err := r.FindByName(ctx, spec.WlAppName, spec.Name)
	if err != nil && !errors.Is(err, domain.ErrProcessNotFound) {
		return err
	}
	m, err := processSpecToModel(spec)
	if err != nil {
		return err
	}
	if existing != nil {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
		spec.ID = existing.ID
		return r.db.WithContext(ctx).Save(m).Error
	}
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *ProcessSpecRepo) Update(ctx context.Context, spec *domain.ProcessSpec) error {
	m, err := processSpecToModel(spec)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(m).Error
}

func (r *ProcessSpecRepo) FindByName(ctx context.Context, wlAppName, procName string) (*domain.ProcessSpec, error) {
	var m ProcessSpecModel
	result := r.db.WithContext(ctx).
		Where("wl_app_name = ? AND name = ?", wlAppName, procName).
		First(&m)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrProcessNotFound
		}
		return nil, result.Error
	}
	return modelToProcessSpec(&m)
}

func (r *ProcessSpecRepo) FindByApp(ctx context.Context, wlAppName string) ([]*domain.ProcessSpec, error) {
	var models []ProcessSpecModel
	if err := r.db.WithContext(ctx).Where("wl_app_name = ?", wlAppName).Find(&models).Error; err != nil {
		return nil, err
	}
	specs := make([]*domain.ProcessSpec, 0, len(models))
	for i := range models {
		s, err := modelToProcessSpec(&models[i])
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// DeleteAbsent 删除不在 keep 名单里的进程行，用于 Release 后收敛进程集合。
func (r *ProcessSpecRepo) DeleteAbsent(ctx context.Context, wlAppName string, keep []string) error {
	query := r.db.WithContext(ctx).Where("wl_app_name = ?", wlAppName)
	if len(keep) > 0 {
		query = query.Where("name NOT IN ?", keep)
	}
	return query.Delete(&ProcessSpecModel{}).Error
}

func (r *ProcessSpecRepo) FindPlan(ctx context.Context, name string) (*domain.ProcessSpecPlan, error) {
	var m ProcessSpecPlanModel
	result := r.db.WithContext(ctx).First(&m, "name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPlanNotFound
		}
		return nil, result.Error
	}
	return modelToPlan(&m)
}

func (r *ProcessSpecRepo) SavePlan(ctx context.Context, plan *domain.ProcessSpecPlan) error {
	m, err := planToModel(plan)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(m).Error
}

func (r *ProcessSpecRepo) ListPlans(ctx context.Context) ([]*domain.ProcessSpecPlan, error) {
	var models []ProcessSpecPlanModel
	if err := r.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, err
	}
	plans := make([]*domain.ProcessSpecPlan, 0, len(models))
	for i := range models {
		p, err := modelToPlan(&models[i])
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func processSpecToModel(s *domain.ProcessSpec) (*ProcessSpecModel, error) {
	scalingJSON, err := toJSON(s.ScalingConfig)
	if err != nil {
		return nil, err
	}
	return &ProcessSpecModel{
		ID:             s.ID,
		WlAppName:      s.WlAppName,
		Name:           s.Name,
		TargetReplicas: s.TargetReplicas,
		TargetStatus:   string(s.TargetStatus),
		PlanName:       s.PlanName,
		Autoscaling:    s.Autoscaling,
		ScalingConfig:  scalingJSON,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}, nil
}

func modelToProcessSpec(m *ProcessSpecModel) (*domain.ProcessSpec, error) {
	scaling, err := fromJSON[*domain.ScalingConfig](m.ScalingConfig)
	if err != nil {
		return nil, err
	}
	return &domain.ProcessSpec{
		ID:             m.ID,
		WlAppName:      m.WlAppName,
		Name:           m.Name,
		TargetReplicas: m.TargetReplicas,
		TargetStatus:   domain.ProcessTargetStatus(m.TargetStatus),
		PlanName:       m.PlanName,
		Autoscaling:    m.Autoscaling,
		ScalingConfig:  scaling,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}, nil
}

func planToModel(p *domain.ProcessSpecPlan) (*ProcessSpecPlanModel, error) {
	requestsJSON, err := toJSON(p.Requests)
	if err != nil {
		return nil, err
	}
	limitsJSON, err := toJSON(p.Limits)
	if err != nil {
		return nil, err
	}
	return &ProcessSpecPlanModel{
		Name:        p.Name,
		Requests:    requestsJSON,
		Limits:      limitsJSON,
		MaxReplicas: p.MaxReplicas,
		Builtin:     p.Builtin,
		CreatedAt:   p.CreatedAt,
	}, nil
}

func modelToPlan(m *ProcessSpecPlanModel) (*domain.ProcessSpecPlan, error) {
	requests, err := fromJSON[map[string]string](m.Requests)
	if err != nil {
		return nil, err
	}
	limits, err := fromJSON[map[string]string](m.Limits)
	if err != nil {
		return nil, err
	}
	return &domain.ProcessSpecPlan{
		Name:        m.Name,
		Requests:    requests,
		Limits:      limits,
		MaxReplicas: m.MaxReplicas,
		Builtin:     m.Builtin,
		CreatedAt:   m.CreatedAt,
	}, nil
}
