package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/mapper"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"github.com/google/uuid"
)

// BkAppName 推导模块在集群里的 BkApp 资源名。服务端改写，用户不可控。
func BkAppName(appCode, moduleName string) string {
	if moduleName == "" || moduleName == "default" {
		return appCode
	}
	return fmt.Sprintf("%s-m-%s", appCode, moduleName)
}

var _ RevisionScaler = (*ManifestService)(nil)

// ManifestService 管理云原生应用的清单、版本与部署尝试。
type ManifestService struct {
	manifests port.ManifestRepository
	apps      port.WlAppRepository
	clusters  port.ClusterRepository
	namespace port.NamespaceOperator
	bkapps    port.BkAppOperator

	runner  *PollerRunner
	tasks   Enqueuer
	timeout time.Duration
}

func NewManifestService(
	manifests port.ManifestRepository,
	apps port.WlAppRepository,
	clusters port.ClusterRepository,
	namespace port.NamespaceOperator,
	bkapps port.BkAppOperator,
	runner *PollerRunner,
	tasks Enqueuer,
	deployTimeout time.Duration,
) *ManifestService {
	return &ManifestService{
		manifests: manifests,
		apps:      apps,
		clusters:  clusters,
		namespace: namespace,
		bkapps:    bkapps,
		runner:    runner,
		tasks:     tasks,
		timeout:   deployTimeout,
	}
}

// ReplaceResource 解析清单、强制改写 metadata.name、生成新 revision
// 并把模块绑定指向它。同一载荷重复提交仍会生成新 revision。
func (s *ManifestService) ReplaceResource(ctx context.Context, appCode, moduleName, operator string, payload []byte) (*domain.AppModelRevision, error) {
	res, err := domain.ParseBkAppResource(payload)
	if err != nil {
		return nil, err
	}
	res.Metadata.Name = BkAppName(appCode, moduleName)

	jsonValue, err := res.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	yamlValue, err := res.ToYAML()
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	rev := &domain.AppModelRevision{
		ID:         uuid.New().String(),
		AppCode:    appCode,
		ModuleName: moduleName,
		YAMLValue:  string(yamlValue),
		JSONValue:  string(jsonValue),
		Operator:   operator,
		CreatedAt:  time.Now(),
	}
	if err := s.manifests.SaveRevision(ctx, rev); err != nil {
		return nil, err
	}

	now := time.Now()
	resource, err := s.manifests.FindResource(ctx, appCode, moduleName)
	if errors.Is(err, domain.ErrNotFound) {
		resource = &domain.AppModelResource{
			ID:         uuid.New().String(),
			AppCode:    appCode,
			ModuleName: moduleName,
			RevisionID: rev.ID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.manifests.SaveResource(ctx, resource); err != nil {
			return nil, err
		}
		return rev, nil
	}
	if err != nil {
		return nil, err
	}
	resource.RevisionID = rev.ID
	resource.UpdatedAt = now
	if err := s.manifests.UpdateResource(ctx, resource); err != nil {
		return nil, err
	}
	return rev, nil
}

// Deploy 把模块当前 revision 下发到指定环境，返回 Pending 状态的部署记录，
// 状态轮询作为后台任务继续推进。
func (s *ManifestService) Deploy(ctx context.Context, appCode, moduleName, environment, operator string) (*domain.AppModelDeploy, error) {
	app, err := s.apps.FindByEnv(ctx, appCode, moduleName, environment)
	if err != nil {
		return nil, err
	}
	resource, err := s.manifests.FindResource(ctx, appCode, moduleName)
	if err != nil {
		return nil, err
	}
	rev, err := s.manifests.FindRevisionByID(ctx, resource.RevisionID)
	if err != nil {
		return nil, err
	}
	res := &domain.BkAppResource{}
	if err := json.Unmarshal([]byte(rev.JSONValue), res); err != nil {
		return nil, fmt.Errorf("decode revision %s: %w", rev.ID, err)
	}

	resolved, err := s.resolveCredentials(ctx, app, res)
	if err != nil {
		return nil, err
	}

	if err := s.namespace.EnsureNamespace(ctx, app); err != nil {
		return nil, err
	}
	if err := s.namespace.EnsureImageCredentialsSecret(ctx, app, resolved.Credentials); err != nil {
		return nil, err
	}

	now := time.Now()
	deploy := &domain.AppModelDeploy{
		ID:              uuid.New().String(),
		AppCode:         appCode,
		ModuleName:      moduleName,
		EnvironmentName: environment,
		Name:            fmt.Sprintf("deploy-%d", now.UnixNano()),
		RevisionID:      rev.ID,
		WlAppName:       app.Name,
		Status:          domain.DeployStatusPending,
		Operator:        operator,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	payload, err := buildClusterPayload(resolved, app, deploy.ID)
	if err != nil {
		return nil, err
	}
	if err := s.bkapps.Apply(ctx, app, payload); err != nil {
		return nil, err
	}
	if err := s.manifests.SaveDeploy(ctx, deploy); err != nil {
		return nil, err
	}

	s.tasks.Enqueue(Task{
		Name: "cnative-deploy-status:" + deploy.ID,
		Run: func(taskCtx context.Context) error {
			return s.runStatusPoller(taskCtx, app, deploy.ID, res.Metadata.Name, payload)
		},
	})
	return deploy, nil
}

// ScaleProcess 改写当前 revision 的进程副本数并走完整 apply + 轮询路径。
func (s *ManifestService) ScaleProcess(ctx context.Context, app *domain.WlApp, procType string, replicas int) error {
	resource, err := s.manifests.FindResource(ctx, app.AppCode, app.ModuleName)
	if err != nil {
		return err
	}
	rev, err := s.manifests.FindRevisionByID(ctx, resource.RevisionID)
	if err != nil {
		return err
	}
	res := &domain.BkAppResource{}
	if err := json.Unmarshal([]byte(rev.JSONValue), res); err != nil {
		return fmt.Errorf("decode revision %s: %w", rev.ID, err)
	}

	found := false
	for i := range res.Spec.Processes {
		if res.Spec.Processes[i].Name == procType {
			count := int32(replicas)
			res.Spec.Processes[i].Replicas = &count
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("process %s: %w", procType, domain.ErrProcessNotFound)
	}

	payload, err := res.ToJSON()
	if err != nil {
		return err
	}
	if _, err := s.ReplaceResource(ctx, app.AppCode, app.ModuleName, "system", payload); err != nil {
		return err
	}
	_, err = s.Deploy(ctx, app.AppCode, app.ModuleName, app.Environment, "system")
	return err
}

// ListDeploys / LatestDeploy / Status 供 HTTP 层读。

func (s *ManifestService) ListDeploys(ctx context.Context, appCode, moduleName, environment string) ([]*domain.AppModelDeploy, error) {
	return s.manifests.ListDeploys(ctx, appCode, moduleName, environment)
}

// DeployStatusView 聚合最近一次部署记录与集群侧实时观测。
type DeployStatusView struct {
	Deploy     *domain.AppModelDeploy   `json:"deploy"`
	Conditions []domain.MetaV1Condition `json:"conditions,omitempty"`
	Phase      string                   `json:"phase,omitempty"`
	Events     []domain.ResourceEvent   `json:"events,omitempty"`
	ExposedURL string                   `json:"exposed_url,omitempty"`
}

// Status 返回最近一次部署、集群侧当前 conditions、最近事件与访问地址。
// 集群读失败时降级为只有部署记录的视图。
func (s *ManifestService) Status(ctx context.Context, appCode, moduleName, environment string) (*DeployStatusView, error) {
	deploy, err := s.manifests.FindLatestDeploy(ctx, appCode, moduleName, environment)
	if err != nil {
		return nil, err
	}
	view := &DeployStatusView{Deploy: deploy}

	app, err := s.apps.FindByEnv(ctx, appCode, moduleName, environment)
	if err != nil {
		return view, nil
	}
	view.ExposedURL = s.exposedURL(ctx, app)

	resName := BkAppName(appCode, moduleName)
	status, _, err := s.bkapps.GetState(ctx, app, resName)
	if err != nil {
		slog.Warn("read bkapp state failed", "app", app.Name, "error", err)
		return view, nil
	}
	view.Conditions = status.Conditions
	view.Phase = status.Phase

	events, err := s.bkapps.RecentEvents(ctx, app, resName)
	if err != nil {
		slog.Warn("list bkapp events failed", "app", app.Name, "error", err)
		return view, nil
	}
	view.Events = events
	return view, nil
}

// exposedURL 取首个根域推导子域名访问地址；无根域时为空。
func (s *ManifestService) exposedURL(ctx context.Context, app *domain.WlApp) string {
	cluster, err := clusterForApp(ctx, s.clusters, app)
	if err != nil || len(cluster.IngressConfig.AppRootDomains) == 0 {
		return ""
	}
	scheme := cluster.IngressConfig.AppRootDomains[0]
	proto := "http"
	if scheme.HTTPSEnabled {
		proto = "https"
	}
	return proto + "://" + SubdomainHost(app, scheme.Name) + "/"
}

// ResolvedManifest 是凭据解析后的清单与物化所需的凭据集合。
type ResolvedManifest struct {
	Resource    *domain.BkAppResource
	Credentials []*domain.ImageCredential
}

// resolveCredentials 校验注解引用的镜像凭据全部存在。
func (s *ManifestService) resolveCredentials(ctx context.Context, app *domain.WlApp, res *domain.BkAppResource) (*ResolvedManifest, error) {
	refs := credentialRefs(res)
	if len(refs) == 0 {
		return &ResolvedManifest{Resource: res}, nil
	}

	all, err := s.manifests.ListCredentials(ctx, app.AppCode)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*domain.ImageCredential, len(all))
	for _, c := range all {
		byName[c.Name] = c
	}

	creds := make([]*domain.ImageCredential, 0, len(refs))
	for _, ref := range refs {
		c, ok := byName[ref]
		if !ok {
			return nil, fmt.Errorf("%w: credential %q referenced by manifest", domain.ErrCredentialNotFound, ref)
		}
		creds = append(creds, c)
	}
	return &ResolvedManifest{Resource: res, Credentials: creds}, nil
}

func credentialRefs(res *domain.BkAppResource) []string {
	raw := res.Metadata.Annotations[domain.ImageCredentialsAnnoKey]
	if raw == "" {
		return nil
	}
	var refs []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			refs = append(refs, part)
		}
	}
	return refs
}

// buildClusterPayload 注入平台注解与 deploy-id 后编码为下发载荷。
// 纯函数阶段，不做 I/O。
func buildClusterPayload(resolved *ResolvedManifest, app *domain.WlApp, deployID string) ([]byte, error) {
	res := *resolved.Resource
	annotations := make(map[string]string, len(res.Metadata.Annotations)+8)
	for k, v := range res.Metadata.Annotations {
		annotations[k] = v
	}
	for k, v := range mapper.Annotations(app) {
		annotations[k] = v
	}
	annotations[domain.ResourceTypeAnnoKey] = "bkapp"
	annotations[domain.DeployIDAnnoKey] = deployID
	res.Metadata.Annotations = annotations

	labels := make(map[string]string, len(res.Metadata.Labels)+2)
	for k, v := range res.Metadata.Labels {
		labels[k] = v
	}
	labels["app.kubernetes.io/managed-by"] = "workload-engine"
	res.Metadata.Labels = labels

	res.Status = nil
	return res.ToJSON()
}

// runStatusPoller 驱动部署状态轮询直到终态，终态回写 deploy 行与 revision。
func (s *ManifestService) runStatusPoller(ctx context.Context, app *domain.WlApp, deployID, resName string, appliedPayload []byte) error {
	spec := PollerSpec{
		Name:           "cnative-deploy-status",
		Key:            "cnative-deploy:" + deployID,
		OverallTimeout: s.timeout,
		Poll: func(pollCtx context.Context, meta *PollerMetadata) (PollingResult, error) {
			return s.pollDeployStatus(pollCtx, app, deployID, resName)
		},
		OnResult: func(resCtx context.Context, result CallbackResult) error {
			return s.finalizeDeploy(resCtx, deployID, appliedPayload, result)
		},
	}
	return s.runner.Run(ctx, spec)
}

// pollDeployStatus 做一次集群观测并按条件表映射部署状态。
func (s *ManifestService) pollDeployStatus(ctx context.Context, app *domain.WlApp, deployID, resName string) (PollingResult, error) {
	status, annotations, err := s.bkapps.GetState(ctx, app, resName)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// 刚 apply 完资源可能尚未可见
			return Doing(), nil
		}
		return PollingResult{}, err
	}

	// 后到的部署会改写 deploy-id 注解，本轮立刻以 superseded 终止
	if current := annotations[domain.DeployIDAnnoKey]; current != "" && current != deployID {
		return DoneAborted(AbortedDetails{Reason: "superseded", PolicyName: "deploy-id-check"}), nil
	}

	available := status.FindCondition(domain.CondAppAvailable)
	switch {
	case available == nil:
		return Doing(), nil
	case available.Status == "True" && status.Phase == domain.BkAppPhaseRunning:
		return DoneNormal(status), nil
	case status.Phase == domain.BkAppPhasePending || status.Phase == domain.BkAppPhaseProgressing:
		// AppAvailable 已出现但未就绪，部署行对外进入 progressing
		s.markDeployProgressing(ctx, deployID)
		return Doing(), nil
	}

	for _, cond := range status.Conditions {
		if cond.Status == "False" {
			return DoneAborted(AbortedDetails{
				Reason:     cond.Reason,
				PolicyName: cond.Type,
			}), nil
		}
	}
	return Doing(), nil
}

// markDeployProgressing 把仍处 pending 的部署行推进到 progressing。
// 幂等：已推进或已终态的行不再改写。
func (s *ManifestService) markDeployProgressing(ctx context.Context, deployID string) {
	deploy, err := s.manifests.FindDeployByID(ctx, deployID)
	if err != nil || deploy.Status != domain.DeployStatusPending {
		return
	}
	now := time.Now()
	deploy.Status = domain.DeployStatusProgressing
	deploy.LastTransitionTime = now
	deploy.UpdatedAt = now
	if err := s.manifests.UpdateDeploy(ctx, deploy); err != nil {
		slog.Warn("mark deploy progressing failed", "deploy_id", deployID, "error", err)
	}
}

func (s *ManifestService) finalizeDeploy(ctx context.Context, deployID string, appliedPayload []byte, result CallbackResult) error {
	deploy, err := s.manifests.FindDeployByID(ctx, deployID)
	if err != nil {
		return err
	}
	now := time.Now()
	deploy.LastTransitionTime = now
	deploy.UpdatedAt = now

	if result.Status == CallbackNormal {
		deploy.Status = domain.DeployStatusReady
	} else {
		deploy.Status = domain.DeployStatusError
		if result.Aborted != nil {
			deploy.Reason = result.Aborted.Reason
			deploy.Message = fmt.Sprintf("aborted by %s", result.Aborted.PolicyName)
		}
	}
	if err := s.manifests.UpdateDeploy(ctx, deploy); err != nil {
		return err
	}

	if deploy.Status == domain.DeployStatusReady {
		rev, err := s.manifests.FindRevisionByID(ctx, deploy.RevisionID)
		if err != nil {
			return err
		}
		rev.IsDeployed = true
		rev.DeployedValue = string(appliedPayload)
		if err := s.manifests.UpdateRevision(ctx, rev); err != nil {
			return err
		}
	}
	slog.Info("cloud-native deploy finished",
		"deploy_id", deployID, "status", deploy.Status, "reason", deploy.Reason)
	return nil
}
