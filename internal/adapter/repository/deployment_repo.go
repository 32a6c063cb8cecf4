package repository

import (
	"context"
	"errors"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"gorm.io/gorm"
)

var _ port.DeploymentRepository = (*DeploymentRepo)(nil)

type DeploymentRepo struct {
	db *gorm.DB
}

func NewDeploymentRepo(db *gorm.DB) *DeploymentRepo {
	return &DeploymentRepo{db: db}
}

func (r *DeploymentRepo) Save(ctx context.Context, d *domain.Deployment) error {
	return r.db.WithContext(ctx).Create(deploymentToModel(d)).Error
}

func (r *DeploymentRepo) Update(ctx context.Context, d *domain.Deployment) error {
	return r.db.WithContext(ctx).Save(deploymentToModel(d)).Error
}

func (r *DeploymentRepo) FindByID(ctx context.Context, id string) (*domain.Deployment, error) {
	var m DeploymentModel
	result := r.db.WithContext(ctx).First(&m, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrDeploymentNotFound
		}
		return nil, result.Error
	}
	return modelToDeployment(&m), nil
}

func (r *DeploymentRepo) FindLatest(ctx context.Context, wlAppName string) (*domain.Deployment, error) {
	var m DeploymentModel
	result := r.db.WithContext(ctx).
		Where("wl_app_name = ?", wlAppName).
		Order("created_at DESC").
		First(&m)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrDeploymentNotFound
		}
		return nil, result.Error
	}
	return modelToDeployment(&m), nil
}

func (r *DeploymentRepo) AnySuccessful(ctx context.Context, wlAppName string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&DeploymentModel{}).
		Where("wl_app_name = ? AND status = ?", wlAppName, string(domain.JobSuccessful)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *DeploymentRepo) SavePhase(ctx context.Context, p *domain.DeployPhase) error {
	return r.db.WithContext(ctx).Create(phaseToModel(p)).Error
}

func (r *DeploymentRepo) UpdatePhase(ctx context.Context, p *domain.DeployPhase) error {
	return r.db.WithContext(ctx).Save(phaseToModel(p)).Error
}

func (r *DeploymentRepo) FindPhases(ctx context.Context, deploymentID string) ([]*domain.DeployPhase, error) {
	var models []DeployPhaseModel
	if err := r.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Find(&models).Error; err != nil {
		return nil, err
	}
	phases := make([]*domain.DeployPhase, 0, len(models))
	for i := range models {
		m := &models[i]
		phases = append(phases, &domain.DeployPhase{
			ID:           m.ID,
			DeploymentID: m.DeploymentID,
			Type:         domain.DeployPhaseType(m.Type),
			Status:       domain.JobStatus(m.Status),
			StartTime:    m.StartTime,
			CompleteTime: m.CompleteTime,
		})
	}
	return phases, nil
}

func (r *DeploymentRepo) SaveStep(ctx context.Context, s *domain.DeployStep) error {
	return r.db.WithContext(ctx).Create(stepToModel(s)).Error
}

func (r *DeploymentRepo) UpdateStep(ctx context.Context, s *domain.DeployStep) error {
	return r.db.WithContext(ctx).Save(stepToModel(s)).Error
}

func (r *DeploymentRepo) FindSteps(ctx context.Context, phaseID string) ([]*domain.DeployStep, error) {
	var models []DeployStepModel
	if err := r.db.WithContext(ctx).
		Where("phase_id = ?", phaseID).
		Find(&models).Error; err != nil {
		return nil, err
	}
	steps := make([]*domain.DeployStep, 0, len(models))
	for i := range models {
		m := &models[i]
		steps = append(steps, &domain.DeployStep{
			ID:           m.ID,
			PhaseID:      m.PhaseID,
			Name:         m.Name,
			Status:       domain.JobStatus(m.Status),
			StartTime:    m.StartTime,
			CompleteTime: m.CompleteTime,
		})
	}
	return steps, nil
}

func deploymentToModel(d *domain.Deployment) *DeploymentModel {
	return &DeploymentModel{
		ID:                    d.ID,
		WlAppName:             d.WlAppName,
		AppCode:               d.AppCode,
		ModuleName:            d.ModuleName,
		Environment:           d.Environment,
		Status:                string(d.Status),
		SourceBranch:          d.SourceBranch,
		SourceRevision:        d.SourceRevision,
		BuildProcessID:        d.BuildProcessID,
		BuildID:               d.BuildID,
		ReleaseID:             d.ReleaseID,
		ReleaseIntRequestedAt: d.ReleaseIntRequestedAt,
		ErrDetail:             d.ErrDetail,
		Operator:              d.Operator,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
	}
}

func modelToDeployment(m *DeploymentModel) *domain.Deployment {
	return &domain.Deployment{
		ID:                    m.ID,
		WlAppName:             m.WlAppName,
		AppCode:               m.AppCode,
		ModuleName:            m.ModuleName,
		Environment:           m.Environment,
		Status:                domain.JobStatus(m.Status),
		SourceBranch:          m.SourceBranch,
		SourceRevision:        m.SourceRevision,
		BuildProcessID:        m.BuildProcessID,
		BuildID:               m.BuildID,
		ReleaseID:             m.ReleaseID,
		ReleaseIntRequestedAt: m.ReleaseIntRequestedAt,
		ErrDetail:             m.ErrDetail,
		Operator:              m.Operator,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
}

func phaseToModel(p *domain.DeployPhase) *DeployPhaseModel {
	return &DeployPhaseModel{
		ID:           p.ID,
		DeploymentID: p.DeploymentID,
		Type:         string(p.Type),
		Status:       string(p.Status),
		StartTime:    p.StartTime,
		CompleteTime: p.CompleteTime,
	}
}

func stepToModel(s *domain.DeployStep) *DeployStepModel {
	return &DeployStepModel{
		ID:           s.ID,
		PhaseID:      s.PhaseID,
		Name:         s.Name,
		Status:       string(s.Status),
		StartTime:    s.StartTime,
		CompleteTime: s.CompleteTime,
	}
}
