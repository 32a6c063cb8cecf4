package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"github.com/google/uuid"
)

const ingressServicePort = 80

// rewritePathToRoot 决定用户路径前缀是否在转发前重写为 "/"。
// v1 应用的子路径由网关剥离；云原生应用自行处理前缀。
func rewritePathToRoot(app *domain.WlApp) bool {
	return app.Type != domain.AppTypeCloudNative
}

// desiredDomain 是一条期望生效的主机名及其协议要求。
type desiredDomain struct {
	Host         string
	PathPrefix   string
	HTTPSEnabled bool
}

// SubdomainAppIngressMgr 把应用的全部子域名（自动生成 + custom 来源 +
// Config.domain）收敛为单个 Ingress。
type SubdomainAppIngressMgr struct {
	domains  port.AppDomainRepository
	configs  port.ConfigRepository
	clusters port.ClusterRepository
	ingress  port.IngressOperator

	// RaiseOnNoCert 为 true 时，https 主机找不到证书直接报错；
	// 否则该主机降级为 http。
	RaiseOnNoCert bool
}

func NewSubdomainAppIngressMgr(
	domains port.AppDomainRepository,
	configs port.ConfigRepository,
	clusters port.ClusterRepository,
	ingress port.IngressOperator,
) *SubdomainAppIngressMgr {
	return &SubdomainAppIngressMgr{domains: domains, configs: configs, clusters: clusters, ingress: ingress}
}

// ingressName 返回应用子域名 Ingress 的固定名字。
func (m *SubdomainAppIngressMgr) ingressName(app *domain.WlApp) string {
	return app.SafeName()
}

// Sync 重算期望域名集合并下发 Ingress。集合为空时删除存量 Ingress
// 并返回 ErrEmptyAppIngress，保证空集合下集群里没有 Ingress。
func (m *SubdomainAppIngressMgr) Sync(ctx context.Context, app *domain.WlApp, serviceName string) error {
	desired, err := m.desiredDomains(ctx, app)
	if err != nil {
		return err
	}
	if len(desired) == 0 {
		if err := m.ingress.Delete(ctx, app, m.ingressName(app)); err != nil {
			slog.Warn("delete empty-domain ingress failed", "app", app.Name, "error", err)
		}
		return domain.ErrEmptyAppIngress
	}

	payload, err := m.buildPayload(ctx, app, desired, serviceName)
	if err != nil {
		return err
	}
	return m.ingress.Replace(ctx, app, *payload)
}

// desiredDomains 汇总三个来源：集群根域模板、custom 行、Config.domain。
func (m *SubdomainAppIngressMgr) desiredDomains(ctx context.Context, app *domain.WlApp) ([]desiredDomain, error) {
	cluster, err := clusterForApp(ctx, m.clusters, app)
	if err != nil {
		return nil, err
	}

	var desired []desiredDomain
	seen := map[string]bool{}
	add := func(d desiredDomain) {
		key := d.Host + "\x00" + d.PathPrefix
		if !seen[key] {
			seen[key] = true
			desired = append(desired, d)
		}
	}

	for _, scheme := range cluster.IngressConfig.AppRootDomains {
		add(desiredDomain{
			Host:         SubdomainHost(app, scheme.Name),
			PathPrefix:   "/",
			HTTPSEnabled: scheme.HTTPSEnabled,
		})
	}

	custom, err := m.domains.FindByAppAndSource(ctx, app.Name, domain.DomainSourceCustom)
	if err != nil {
		return nil, err
	}
	for _, d := range custom {
		add(desiredDomain{Host: d.Host, PathPrefix: orRootPath(d.PathPrefix), HTTPSEnabled: d.HTTPSEnabled})
	}

	cfg, err := m.configs.FindLatest(ctx, app.Name)
	switch {
	case errors.Is(err, domain.ErrConfigNotFound):
	case err != nil:
		return nil, err
	case cfg.Domain != "":
		add(desiredDomain{Host: SubdomainHost(app, cfg.Domain), PathPrefix: "/"})
	}

	sort.Slice(desired, func(i, j int) bool { return desired[i].Host < desired[j].Host })
	return desired, nil
}

// clusterUsesRegex 查集群是否开了正则路径特性，查不到按关闭处理。
func (m *SubdomainAppIngressMgr) clusterUsesRegex(ctx context.Context, app *domain.WlApp) bool {
	cluster, err := clusterForApp(ctx, m.clusters, app)
	if err != nil {
		return false
	}
	return cluster.HasFeature(domain.FeatureIngressUseRegex)
}

func (m *SubdomainAppIngressMgr) buildPayload(ctx context.Context, app *domain.WlApp, desired []desiredDomain, serviceName string) (*port.IngressPayload, error) {
	certs, err := m.domains.ListSharedCerts(ctx)
	if err != nil {
		return nil, err
	}

	byHost := map[string][]port.IngressPath{}
	var hosts []string
	tlsBySecret := map[string][]string{}

	for _, d := range desired {
		if _, ok := byHost[d.Host]; !ok {
			hosts = append(hosts, d.Host)
		}
		byHost[d.Host] = append(byHost[d.Host], port.IngressPath{
			Path:        d.PathPrefix,
			ServiceName: serviceName,
			ServicePort: ingressServicePort,
		})

		if !d.HTTPSEnabled {
			continue
		}
		cert := domain.PickSharedCert(certs, d.Host)
		if cert == nil {
			if m.RaiseOnNoCert {
				return nil, fmt.Errorf("%w: host %s", domain.ErrValidCertNotFound, d.Host)
			}
			slog.Warn("no shared cert matches host, downgrade to http", "app", app.Name, "host", d.Host)
			continue
		}
		secretName, err := m.ingress.EnsureTLSSecret(ctx, app, cert)
		if err != nil {
			return nil, err
		}
		tlsBySecret[secretName] = appendUnique(tlsBySecret[secretName], d.Host)
	}

	payload := &port.IngressPayload{
		Name:              m.ingressName(app),
		RewritePathToRoot: rewritePathToRoot(app),
		UseRegex:          m.clusterUsesRegex(ctx, app),
	}
	for _, host := range hosts {
		payload.Rules = append(payload.Rules, port.IngressRule{Host: host, Paths: byHost[host]})
	}
	secrets := make([]string, 0, len(tlsBySecret))
	for s := range tlsBySecret {
		secrets = append(secrets, s)
	}
	sort.Strings(secrets)
	for _, s := range secrets {
		payload.TLS = append(payload.TLS, port.IngressTLS{Hosts: tlsBySecret[s], SecretName: s})
	}
	return payload, nil
}

// SubdomainHost 由根域推导应用的子域名。
// prod 默认模块只保留 app_code，其余情况逐级加前缀。
func SubdomainHost(app *domain.WlApp, rootDomain string) string {
	parts := []string{app.AppCode}
	if app.ModuleName != "" && app.ModuleName != "default" {
		parts = append([]string{app.ModuleName}, parts...)
	}
	if app.Environment != "prod" {
		parts = append([]string{app.Environment}, parts...)
	}
	return strings.ToLower(strings.Join(parts, "--")) + "." + rootDomain
}

func orRootPath(prefix string) string {
	if prefix == "" {
		return "/"
	}
	return prefix
}

// CustomDomainIngressMgr 为每个 independent 来源的 AppDomain 行
// 维护一个独立 Ingress。
type CustomDomainIngressMgr struct {
	domains  port.AppDomainRepository
	clusters port.ClusterRepository
	ingress  port.IngressOperator

	RaiseOnNoCert bool
}

func NewCustomDomainIngressMgr(domains port.AppDomainRepository, clusters port.ClusterRepository, ingress port.IngressOperator) *CustomDomainIngressMgr {
	return &CustomDomainIngressMgr{domains: domains, clusters: clusters, ingress: ingress}
}

// IngressNameFor 路径为根时直接用主机名，否则追加行 ID 消歧。
func (m *CustomDomainIngressMgr) IngressNameFor(d *domain.AppDomain) string {
	if orRootPath(d.PathPrefix) == "/" {
		return "custom-" + d.Host
	}
	return fmt.Sprintf("custom-%s-%s", d.Host, d.ID)
}

func (m *CustomDomainIngressMgr) Sync(ctx context.Context, app *domain.WlApp, d *domain.AppDomain, serviceName string) error {
	payload := port.IngressPayload{
		Name: m.IngressNameFor(d),
		Rules: []port.IngressRule{{
			Host: d.Host,
			Paths: []port.IngressPath{{
				Path:        orRootPath(d.PathPrefix),
				ServiceName: serviceName,
				ServicePort: ingressServicePort,
			}},
		}},
		RewritePathToRoot: rewritePathToRoot(app),
	}
	if cluster, err := clusterForApp(ctx, m.clusters, app); err == nil {
		payload.UseRegex = cluster.HasFeature(domain.FeatureIngressUseRegex)
	}

	if d.HTTPSEnabled {
		certs, err := m.domains.ListSharedCerts(ctx)
		if err != nil {
			return err
		}
		cert := domain.PickSharedCert(certs, d.Host)
		switch {
		case cert != nil:
			secretName, err := m.ingress.EnsureTLSSecret(ctx, app, cert)
			if err != nil {
				return err
			}
			payload.TLS = []port.IngressTLS{{Hosts: []string{d.Host}, SecretName: secretName}}
		case m.RaiseOnNoCert:
			return fmt.Errorf("%w: host %s", domain.ErrValidCertNotFound, d.Host)
		default:
			slog.Warn("no shared cert matches host, downgrade to http", "app", app.Name, "host", d.Host)
		}
	}
	return m.ingress.Replace(ctx, app, payload)
}

func (m *CustomDomainIngressMgr) Remove(ctx context.Context, app *domain.WlApp, d *domain.AppDomain) error {
	return m.ingress.Delete(ctx, app, m.IngressNameFor(d))
}

// HostDecl 是应用管理面声明的一条 custom 主机。
type HostDecl struct {
	Host         string `json:"host"`
	PathPrefix   string `json:"path_prefix,omitempty"`
	HTTPSEnabled bool   `json:"https_enabled,omitempty"`
}

// AppDomainService 承接 custom 主机的全量声明式分配。
type AppDomainService struct {
	domains   port.AppDomainRepository
	apps      port.WlAppRepository
	subdomain *SubdomainAppIngressMgr
	custom    *CustomDomainIngressMgr

	// 主机转移是 delete-then-create 两步，锁内完成避免双写者交错
	mu sync.Mutex
}

func NewAppDomainService(
	domains port.AppDomainRepository,
	apps port.WlAppRepository,
	subdomain *SubdomainAppIngressMgr,
	custom *CustomDomainIngressMgr,
) *AppDomainService {
	return &AppDomainService{domains: domains, apps: apps, subdomain: subdomain, custom: custom}
}

// AssignCustomHosts 把声明的主机集合与存量 custom 行做 diff：
// 多余的删除、缺失的创建、被其它应用占用的先行转移，
// 然后重建本应用与所有受影响应用的 Ingress。
// independent 来源的行完全不参与。
func (s *AppDomainService) AssignCustomHosts(ctx context.Context, app *domain.WlApp, decls []HostDecl, defaultServiceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.domains.FindByAppAndSource(ctx, app.Name, domain.DomainSourceCustom)
	if err != nil {
		return err
	}

	declared := map[string]HostDecl{}
	for _, d := range decls {
		declared[d.Host+"\x00"+orRootPath(d.PathPrefix)] = d
	}

	var affected []string
	for _, row := range existing {
		key := row.Host + "\x00" + orRootPath(row.PathPrefix)
		if _, keep := declared[key]; keep {
			delete(declared, key)
			continue
		}
		if err := s.domains.Delete(ctx, row.ID); err != nil {
			return err
		}
	}

	for _, decl := range declared {
		owners, err := s.domains.FindByHost(ctx, decl.Host)
		if err != nil {
			return err
		}
		for _, row := range owners {
			if row.WlAppName == app.Name || row.Source != domain.DomainSourceCustom {
				continue
			}
			if err := s.domains.Delete(ctx, row.ID); err != nil {
				return err
			}
			affected = appendUnique(affected, row.WlAppName)
			slog.Info("custom host transferred",
				"host", decl.Host, "from", row.WlAppName, "to", app.Name)
		}

		now := time.Now()
		if err := s.domains.Save(ctx, &domain.AppDomain{
			ID:           uuid.New().String(),
			WlAppName:    app.Name,
			Host:         decl.Host,
			PathPrefix:   orRootPath(decl.PathPrefix),
			Source:       domain.DomainSourceCustom,
			HTTPSEnabled: decl.HTTPSEnabled,
			CreatedAt:    now,
			UpdatedAt:    now,
		}); err != nil {
			return err
		}
	}

	if err := s.syncApp(ctx, app, defaultServiceName); err != nil {
		return err
	}
	for _, name := range affected {
		other, err := s.apps.FindByName(ctx, name)
		if err != nil {
			slog.Warn("load app for ingress re-sync failed", "app", name, "error", err)
			continue
		}
		if err := s.syncApp(ctx, other, defaultServiceName); err != nil {
			slog.Warn("ingress re-sync after host transfer failed", "app", name, "error", err)
		}
	}
	return nil
}

// syncApp 重建应用的子域名 Ingress，并逐条同步 independent 行
// 各自的独立 Ingress。
func (s *AppDomainService) syncApp(ctx context.Context, app *domain.WlApp, serviceName string) error {
	err := s.subdomain.Sync(ctx, app, serviceName)
	if err != nil && !errors.Is(err, domain.ErrEmptyAppIngress) {
		return err
	}

	independent, err := s.domains.FindByAppAndSource(ctx, app.Name, domain.DomainSourceIndependent)
	if err != nil {
		return err
	}
	for _, d := range independent {
		if err := s.custom.Sync(ctx, app, d, serviceName); err != nil {
			return err
		}
	}
	return nil
}

// clusterForApp 取应用所在集群，未绑定时回退到 region 默认集群。
func clusterForApp(ctx context.Context, clusters port.ClusterRepository, app *domain.WlApp) (*domain.Cluster, error) {
	if app.ClusterName != "" {
		return clusters.FindByName(ctx, app.ClusterName)
	}
	return clusters.FindDefault(ctx, app.Region)
}
