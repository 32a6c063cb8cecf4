package port

import (
	"context"

	"github.com/chiwei-platform/workload-engine/internal/domain"
)

type ClusterRepository interface {
	Save(ctx context.Context, cluster *domain.Cluster) error
	Update(ctx context.Context, cluster *domain.Cluster) error
	FindByName(ctx context.Context, name string) (*domain.Cluster, error)
	FindAll(ctx context.Context) ([]*domain.Cluster, error)
	FindByRegion(ctx context.Context, region string) ([]*domain.Cluster, error)
	FindDefault(ctx context.Context, region string) (*domain.Cluster, error)
	// SwitchDefault 在可串行化事务里原子交换 region 内的默认标记。
	SwitchDefault(ctx context.Context, region, name string) error
}

type WlAppRepository interface {
	Save(ctx context.Context, app *domain.WlApp) error
	Update(ctx context.Context, app *domain.WlApp) error
	FindByName(ctx context.Context, name string) (*domain.WlApp, error)
	FindByEnv(ctx context.Context, appCode, moduleName, environment string) (*domain.WlApp, error)
	FindAll(ctx context.Context) ([]*domain.WlApp, error)
}

type ConfigRepository interface {
	Save(ctx context.Context, config *domain.Config) error
	// FindLatest 按 created 取最新一条，即当前生效配置。
	FindLatest(ctx context.Context, wlAppName string) (*domain.Config, error)
	CountByApp(ctx context.Context, wlAppName string) (int64, error)
}

type BuildRepository interface {
	SaveBuild(ctx context.Context, build *domain.Build) error
	FindBuildByID(ctx context.Context, id string) (*domain.Build, error)
	SaveBuildProcess(ctx context.Context, bp *domain.BuildProcess) error
	UpdateBuildProcess(ctx context.Context, bp *domain.BuildProcess) error
	FindBuildProcessByID(ctx context.Context, id string) (*domain.BuildProcess, error)
}

type ReleaseRepository interface {
	// Create 在事务内分配 version = 当前最大值 + 1，保证单调连续。
	Create(ctx context.Context, release *domain.Release) (*domain.Release, error)
	FindByID(ctx context.Context, id string) (*domain.Release, error)
	FindLatest(ctx context.Context, wlAppName string) (*domain.Release, error)
	FindAll(ctx context.Context, wlAppName string) ([]*domain.Release, error)
}

type ProcessSpecRepository interface {
	Upsert(ctx context.Context, spec *domain.ProcessSpec) error
	Update(ctx context.Context, spec *domain.ProcessSpec) error
	FindByName(ctx context.Context, wlAppName, procName string) (*domain.ProcessSpec, error)
	FindByApp(ctx context.Context, wlAppName string) ([]*domain.ProcessSpec, error)
	DeleteAbsent(ctx context.Context, wlAppName string, keep []string) error

	FindPlan(ctx context.Context, name string) (*domain.ProcessSpecPlan, error)
	SavePlan(ctx context.Context, plan *domain.ProcessSpecPlan) error
	ListPlans(ctx context.Context) ([]*domain.ProcessSpecPlan, error)
}

type AppDomainRepository interface {
	Save(ctx context.Context, d *domain.AppDomain) error
	Delete(ctx context.Context, id string) error
	FindByApp(ctx context.Context, wlAppName string) ([]*domain.AppDomain, error)
	FindByAppAndSource(ctx context.Context, wlAppName string, source domain.DomainSource) ([]*domain.AppDomain, error)
	FindByHost(ctx context.Context, host string) ([]*domain.AppDomain, error)

	ListSharedCerts(ctx context.Context) ([]*domain.AppDomainSharedCert, error)
	SaveSharedCert(ctx context.Context, cert *domain.AppDomainSharedCert) error
}

type ManifestRepository interface {
	FindResource(ctx context.Context, appCode, moduleName string) (*domain.AppModelResource, error)
	SaveResource(ctx context.Context, res *domain.AppModelResource) error
	UpdateResource(ctx context.Context, res *domain.AppModelResource) error

	SaveRevision(ctx context.Context, rev *domain.AppModelRevision) error
	UpdateRevision(ctx context.Context, rev *domain.AppModelRevision) error
	FindRevisionByID(ctx context.Context, id string) (*domain.AppModelRevision, error)

	SaveDeploy(ctx context.Context, d *domain.AppModelDeploy) error
	UpdateDeploy(ctx context.Context, d *domain.AppModelDeploy) error
	FindDeployByID(ctx context.Context, id string) (*domain.AppModelDeploy, error)
	ListDeploys(ctx context.Context, appCode, moduleName, environment string) ([]*domain.AppModelDeploy, error)
	FindLatestDeploy(ctx context.Context, appCode, moduleName, environment string) (*domain.AppModelDeploy, error)

	ListCredentials(ctx context.Context, appCode string) ([]*domain.ImageCredential, error)
	SaveCredential(ctx context.Context, c *domain.ImageCredential) error
}

type DeploymentRepository interface {
	Save(ctx context.Context, d *domain.Deployment) error
	Update(ctx context.Context, d *domain.Deployment) error
	FindByID(ctx context.Context, id string) (*domain.Deployment, error)
	FindLatest(ctx context.Context, wlAppName string) (*domain.Deployment, error)
	AnySuccessful(ctx context.Context, wlAppName string) (bool, error)

	SavePhase(ctx context.Context, p *domain.DeployPhase) error
	UpdatePhase(ctx context.Context, p *domain.DeployPhase) error
	FindPhases(ctx context.Context, deploymentID string) ([]*domain.DeployPhase, error)

	SaveStep(ctx context.Context, s *domain.DeployStep) error
	UpdateStep(ctx context.Context, s *domain.DeployStep) error
	FindSteps(ctx context.Context, phaseID string) ([]*domain.DeployStep, error)
}

type EventRepository interface {
	// Append 为 deployment 分配下一个 seq 并落库，保证全序。
	Append(ctx context.Context, deploymentID, event, data string) (*domain.DeployEvent, error)
	ListSince(ctx context.Context, deploymentID string, afterSeq int) ([]*domain.DeployEvent, error)
}

// PollerMetaRepository 持久化 poller 轮次之间的元数据，崩溃后可续轮。
type PollerMetaRepository interface {
	SaveMeta(ctx context.Context, key string, meta []byte) error
	FindMeta(ctx context.Context, key string) ([]byte, error)
	DeleteMeta(ctx context.Context, key string) error
}
