package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
)

// 源码包签名地址的有效期，覆盖整个构建窗口。
const sourceURLTTL = 2 * time.Hour

// DeployRequest 是发起一次 procfile 部署的入参。
type DeployRequest struct {
	AppCode     string `json:"app_code"`
	ModuleName  string `json:"module_name"`
	Environment string `json:"environment"`

	SourceBranch   string `json:"source_branch"`
	SourceRevision string `json:"source_revision"`

	// Procfile 原文；为空时回退到描述文件里的进程声明
	ProcfilePayload  []byte            `json:"procfile_payload,omitempty"`
	DescriptionProcs map[string]string `json:"description_procs,omitempty"`

	// Dockerfile 非空时走 dockerbuilder 构建镜像产物，否则 slug 构建
	Dockerfile string `json:"dockerfile,omitempty"`

	Operator string `json:"operator,omitempty"`
}

// PreparationResult 是准备阶段的全部产出，后续构建与发布阶段只读。
type PreparationResult struct {
	Procfile   map[string]string
	Config     *domain.Config
	Envs       map[string]string
	Dockerfile string

	SourceURL    string
	SlugPath     string
	SourceSizeMB int64

	Credentials []*domain.ImageCredential
}

// Preparer 执行部署准备阶段：进程解析、配置求值、资源配置。
type Preparer struct {
	configs   port.ConfigRepository
	manifests port.ManifestRepository
	clusters  port.ClusterRepository
	blobstore port.BlobStore

	sourceSizeWarningMB int64
}

func NewPreparer(
	configs port.ConfigRepository,
	manifests port.ManifestRepository,
	clusters port.ClusterRepository,
	blobstore port.BlobStore,
	sourceSizeWarningMB int64,
) *Preparer {
	return &Preparer{
		configs:             configs,
		manifests:           manifests,
		clusters:            clusters,
		blobstore:           blobstore,
		sourceSizeWarningMB: sourceSizeWarningMB,
	}
}

// ResolveProcesses 解析进程声明。Procfile 优先于描述文件，
// 两者都拿不到进程视为部署素材不完整。
func (p *Preparer) ResolveProcesses(req DeployRequest) (map[string]string, error) {
	if len(req.ProcfilePayload) > 0 {
		procfile, err := domain.ParseProcfile(req.ProcfilePayload)
		if err != nil {
			return nil, err
		}
		if len(procfile) > 0 {
			return procfile, nil
		}
	}
	if len(req.DescriptionProcs) > 0 {
		for proc, command := range req.DescriptionProcs {
			if err := domain.ValidateProcName(proc); err != nil {
				return nil, err
			}
			if command == "" {
				return nil, fmt.Errorf("%w: process %q has an empty command", domain.ErrInvalidInput, proc)
			}
		}
		return req.DescriptionProcs, nil
	}
	return nil, domain.ErrEmptyProcesses
}

// ResolveConfig 取当前生效配置并按序合并环境变量，后写的键覆盖先写的：
// 平台内建 → 对象存储地址 → 用户自定义 → 默认子域名。
func (p *Preparer) ResolveConfig(ctx context.Context, app *domain.WlApp, req DeployRequest) (*domain.Config, map[string]string, error) {
	cfg, err := p.configs.FindLatest(ctx, app.Name)
	if errors.Is(err, domain.ErrConfigNotFound) {
		cfg = &domain.Config{WlAppName: app.Name}
	} else if err != nil {
		return nil, nil, err
	}

	envs := map[string]string{
		"BKPAAS_APP_ID":          app.AppCode,
		"BKPAAS_APP_MODULE":      app.ModuleName,
		"BKPAAS_ENVIRONMENT":     app.Environment,
		"BKPAAS_ENGINE_APP_NAME": app.Name,
		"BKPAAS_ENGINE_REGION":   app.Region,
		"PORT":                   "5000",
	}

	tarPath := domain.SourceTarballPath(app.Region, app.Name, req.SourceBranch, req.SourceRevision)
	sourceURL, err := p.blobstore.SignedURL(ctx, tarPath, sourceURLTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("sign source url: %w", err)
	}
	envs["SOURCE_GET_URL"] = sourceURL
	envs["SLUG_SET_PATH"] = domain.SlugObjectPath(app.Region, app.Name, req.SourceBranch, req.SourceRevision)

	for k, v := range cfg.Envs {
		envs[k] = v
	}

	cluster, err := clusterForApp(ctx, p.clusters, app)
	if err != nil {
		return nil, nil, err
	}
	if roots := cluster.IngressConfig.AppRootDomains; len(roots) > 0 {
		envs["BKPAAS_DEFAULT_SUBDOMAIN"] = SubdomainHost(app, roots[0].Name)
	}
	return cfg, envs, nil
}

// ProvisionResources 解析镜像凭据并检查源码包体量。
// 超阈值只产出告警，从不中止部署。
func (p *Preparer) ProvisionResources(ctx context.Context, app *domain.WlApp, req DeployRequest, result *PreparationResult, warn func(message string)) error {
	creds, err := p.manifests.ListCredentials(ctx, app.AppCode)
	if err != nil {
		return err
	}
	result.Credentials = creds

	tarPath := domain.SourceTarballPath(app.Region, app.Name, req.SourceBranch, req.SourceRevision)
	size, err := p.blobstore.ObjectSize(ctx, tarPath)
	if err != nil {
		slog.Warn("read source package size failed", "app", app.Name, "path", tarPath, "error", err)
		return nil
	}
	sizeMB := size / (1 << 20)
	result.SourceSizeMB = sizeMB
	if p.sourceSizeWarningMB > 0 && sizeMB > p.sourceSizeWarningMB {
		warn(fmt.Sprintf("源码包体积 %dMB 超过阈值 %dMB，可能拖慢构建", sizeMB, p.sourceSizeWarningMB))
	}
	return nil
}

// Prepare 按步骤顺序执行整个准备阶段。
func (p *Preparer) Prepare(ctx context.Context, app *domain.WlApp, req DeployRequest, warn func(message string)) (*PreparationResult, error) {
	procfile, err := p.ResolveProcesses(req)
	if err != nil {
		return nil, err
	}
	cfg, envs, err := p.ResolveConfig(ctx, app, req)
	if err != nil {
		return nil, err
	}
	result := &PreparationResult{
		Procfile:  procfile,
		Config:    cfg,
		Envs:      envs,
		SourceURL: envs["SOURCE_GET_URL"],
		SlugPath:  envs["SLUG_SET_PATH"],
	}
	if err := p.ProvisionResources(ctx, app, req, result, warn); err != nil {
		return nil, err
	}
	return result, nil
}
