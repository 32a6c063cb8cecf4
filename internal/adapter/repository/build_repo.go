package repository

import (
	"context"
	"errors"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"gorm.io/gorm"
)

var _ port.BuildRepository = (*BuildRepo)(nil)

type BuildRepo struct {
	db *gorm.DB
}

func NewBuildRepo(db *gorm.DB) *BuildRepo {
	return &BuildRepo{db: db}
}

func (r *BuildRepo) SaveBuild(ctx context.Context, build *domain.Build) error {
	m, err := buildToModel(build)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *BuildRepo) FindBuildByID(ctx context.Context, id string) (*domain.Build, error) {
	var m BuildModel
	result := r.db.WithContext(ctx).First(&m, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrBuildNotFound
		}
		return nil, result.Error
	}
	return modelToBuild(&m)
}

func (r *BuildRepo) SaveBuildProcess(ctx context.Context, bp *domain.BuildProcess) error {
	return r.db.WithContext(ctx).Create(buildProcessToModel(bp)).Error
}

func (r *BuildRepo) UpdateBuildProcess(ctx context.Context, bp *domain.BuildProcess) error {
	return r.db.WithContext(ctx).Save(buildProcessToModel(bp)).Error
}

func (r *BuildRepo) FindBuildProcessByID(ctx context.Context, id string) (*domain.BuildProcess, error) {
	var m BuildProcessModel
	result := r.db.WithContext(ctx).First(&m, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrBuildNotFound
		}
		return nil, result.Error
	}
	return modelToBuildProcess(&m), nil
}

func buildToModel(b *domain.Build) (*BuildModel, error) {
	procfileJSON, err := toJSON(b.Procfile)
	if err != nil {
		return nil, err
	}
	envsJSON, err := toJSON(b.EnvVariables)
	if err != nil {
		return nil, err
	}
	return &BuildModel{
		ID:              b.ID,
		WlAppName:       b.WlAppName,
		Image:           b.Image,
		SlugPath:        b.SlugPath,
		Procfile:        procfileJSON,
		ArtifactType:    string(b.ArtifactType),
		EnvVariables:    envsJSON,
		BkAppRevisionID: b.BkAppRevisionID,
		SourceBranch:    b.SourceBranch,
		SourceRevision:  b.SourceRevision,
		Operator:        b.Operator,
		CreatedAt:       b.CreatedAt,
	}, nil
}

func modelToBuild(m *BuildModel) (*domain.Build, error) {
	procfile, err := fromJSON[map[string]string](m.Procfile)
	if err != nil {
		return nil, err
	}
	envs, err := fromJSON[map[string]string](m.EnvVariables)
	if err != nil {
		return nil, err
	}
	return &domain.Build{
		ID:              m.ID,
		WlAppName:       m.WlAppName,
		Image:           m.Image,
		SlugPath:        m.SlugPath,
		Procfile:        procfile,
		ArtifactType:    domain.ArtifactType(m.ArtifactType),
		EnvVariables:    envs,
		BkAppRevisionID: m.BkAppRevisionID,
		SourceBranch:    m.SourceBranch,
		SourceRevision:  m.SourceRevision,
		Operator:        m.Operator,
		CreatedAt:       m.CreatedAt,
	}, nil
}

func buildProcessToModel(bp *domain.BuildProcess) *BuildProcessModel {
	return &BuildProcessModel{
		ID:             bp.ID,
		WlAppName:      bp.WlAppName,
		DeploymentID:   bp.DeploymentID,
		Status:         string(bp.Status),
		LogsWasReady:   bp.LogsWasReady,
		IntRequestedAt: bp.IntRequestedAt,
		BuildID:        bp.BuildID,
		OutputStream:   bp.OutputStream,
		SourceBranch:   bp.SourceBranch,
		SourceRevision: bp.SourceRevision,
		CreatedAt:      bp.CreatedAt,
		UpdatedAt:      bp.UpdatedAt,
	}
}

func modelToBuildProcess(m *BuildProcessModel) *domain.BuildProcess {
	return &domain.BuildProcess{
		ID:             m.ID,
		WlAppName:      m.WlAppName,
		DeploymentID:   m.DeploymentID,
		Status:         domain.BuildStatus(m.Status),
		LogsWasReady:   m.LogsWasReady,
		IntRequestedAt: m.IntRequestedAt,
		BuildID:        m.BuildID,
		OutputStream:   m.OutputStream,
		SourceBranch:   m.SourceBranch,
		SourceRevision: m.SourceRevision,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
