package service

import (
	"context"
	"testing"

	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDomainRepo struct {
	rows  []*domain.AppDomain
	certs []*domain.AppDomainSharedCert
}

func (r *fakeDomainRepo) Save(_ context.Context, d *domain.AppDomain) error {
	r.rows = append(r.rows, d)
	return nil
}

func (r *fakeDomainRepo) Delete(_ context.Context, id string) error {
	kept := r.rows[:0]
	for _, row := range r.rows {
		if row.ID != id {
			kept = append(kept, row)
		}
	}
	r.rows = kept
	return nil
}

func (r *fakeDomainRepo) FindByApp(_ context.Context, wlAppName string) ([]*domain.AppDomain, error) {
	var out []*domain.AppDomain
	for _, row := range r.rows {
		if row.WlAppName == wlAppName {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *fakeDomainRepo) FindByAppAndSource(_ context.Context, wlAppName string, source domain.DomainSource) ([]*domain.AppDomain, error) {
	var out []*domain.AppDomain
	for _, row := range r.rows {
		if row.WlAppName == wlAppName && row.Source == source {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *fakeDomainRepo) FindByHost(_ context.Context, host string) ([]*domain.AppDomain, error) {
	var out []*domain.AppDomain
	for _, row := range r.rows {
		if row.Host == host {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *fakeDomainRepo) ListSharedCerts(context.Context) ([]*domain.AppDomainSharedCert, error) {
	return r.certs, nil
}

func (r *fakeDomainRepo) SaveSharedCert(_ context.Context, cert *domain.AppDomainSharedCert) error {
	r.certs = append(r.certs, cert)
	return nil
}

type fakeConfigRepo struct {
	cfg *domain.Config
}

func (r *fakeConfigRepo) Save(_ context.Context, cfg *domain.Config) error {
	r.cfg = cfg
	return nil
}

func (r *fakeConfigRepo) FindLatest(context.Context, string) (*domain.Config, error) {
	if r.cfg == nil {
		return nil, domain.ErrConfigNotFound
	}
	return r.cfg, nil
}

func (r *fakeConfigRepo) CountByApp(context.Context, string) (int64, error) { return 0, nil }

type fakeClusterRepo struct {
	cluster *domain.Cluster
}

func (r *fakeClusterRepo) Save(context.Context, *domain.Cluster) error   { return nil }
func (r *fakeClusterRepo) Update(context.Context, *domain.Cluster) error { return nil }
func (r *fakeClusterRepo) FindByName(context.Context, string) (*domain.Cluster, error) {
	return r.cluster, nil
}
func (r *fakeClusterRepo) FindAll(context.Context) ([]*domain.Cluster, error) {
	return []*domain.Cluster{r.cluster}, nil
}
func (r *fakeClusterRepo) FindByRegion(context.Context, string) ([]*domain.Cluster, error) {
	return []*domain.Cluster{r.cluster}, nil
}
func (r *fakeClusterRepo) FindDefault(context.Context, string) (*domain.Cluster, error) {
	return r.cluster, nil
}
func (r *fakeClusterRepo) SwitchDefault(context.Context, string, string) error { return nil }

type fakeIngressOperator struct {
	replaced map[string]port.IngressPayload
	deleted  []string
}

func newFakeIngressOperator() *fakeIngressOperator {
	return &fakeIngressOperator{replaced: map[string]port.IngressPayload{}}
}

func (o *fakeIngressOperator) Replace(_ context.Context, _ *domain.WlApp, payload port.IngressPayload) error {
	o.replaced[payload.Name] = payload
	return nil
}

func (o *fakeIngressOperator) Delete(_ context.Context, _ *domain.WlApp, name string) error {
	o.deleted = append(o.deleted, name)
	return nil
}

func (o *fakeIngressOperator) EnsureTLSSecret(_ context.Context, _ *domain.WlApp, cert *domain.AppDomainSharedCert) (string, error) {
	return "eng-shared-cert-" + cert.Name, nil
}

func testCluster(rootDomains ...domain.DomainScheme) *domain.Cluster {
	return &domain.Cluster{
		Name:      "default-main",
		Region:    "default",
		IsDefault: true,
		IngressConfig: domain.IngressConfig{
			AppRootDomains: rootDomains,
			PortMap:        domain.PortMap{HTTP: 80, HTTPS: 443},
		},
	}
}

func TestSubdomainHost(t *testing.T) {
	cases := []struct {
		module string
		env    string
		want   string
	}{
		{"default", "prod", "demo.bkapps.example.com"},
		{"default", "stag", "stag--demo.bkapps.example.com"},
		{"backend", "prod", "backend--demo.bkapps.example.com"},
		{"backend", "stag", "stag--backend--demo.bkapps.example.com"},
	}
	for _, tc := range cases {
		app := testApp()
		app.ModuleName = tc.module
		app.Environment = tc.env
		assert.Equal(t, tc.want, SubdomainHost(app, "bkapps.example.com"), "module=%s env=%s", tc.module, tc.env)
	}
}

func TestSubdomainHostLowercases(t *testing.T) {
	app := testApp()
	app.AppCode = "Demo"
	assert.Equal(t, "stag--demo.bkapps.example.com", SubdomainHost(app, "bkapps.example.com"))
}

func TestSubdomainSyncMergesSources(t *testing.T) {
	app := testApp()
	domains := &fakeDomainRepo{rows: []*domain.AppDomain{
		{ID: "d-1", WlAppName: app.Name, Host: "www.demo.io", PathPrefix: "/", Source: domain.DomainSourceCustom},
	}}
	configs := &fakeConfigRepo{cfg: &domain.Config{Domain: "legacy.example.com"}}
	clusters := &fakeClusterRepo{cluster: testCluster(domain.DomainScheme{Name: "bkapps.example.com"})}
	ingress := newFakeIngressOperator()
	mgr := NewSubdomainAppIngressMgr(domains, configs, clusters, ingress)

	require.NoError(t, mgr.Sync(context.Background(), app, "bkapp-demo-stag--web"))

	payload, ok := ingress.replaced[app.SafeName()]
	require.True(t, ok)
	var hosts []string
	for _, rule := range payload.Rules {
		hosts = append(hosts, rule.Host)
	}
	assert.Equal(t, []string{
		"stag--demo.bkapps.example.com",
		"stag--demo.legacy.example.com",
		"www.demo.io",
	}, hosts)
	assert.True(t, payload.RewritePathToRoot)
}

func TestSubdomainSyncEmptyDeletesIngress(t *testing.T) {
	app := testApp()
	mgr := NewSubdomainAppIngressMgr(&fakeDomainRepo{}, &fakeConfigRepo{}, &fakeClusterRepo{cluster: testCluster()}, nil)
	ingress := newFakeIngressOperator()
	mgr.ingress = ingress

	err := mgr.Sync(context.Background(), app, "svc")
	assert.ErrorIs(t, err, domain.ErrEmptyAppIngress)
	assert.Equal(t, []string{app.SafeName()}, ingress.deleted)
}

func TestSubdomainSyncHTTPSPicksCert(t *testing.T) {
	app := testApp()
	domains := &fakeDomainRepo{certs: []*domain.AppDomainSharedCert{
		{Name: "wild", AutoMatchCNs: "*.bkapps.example.com"},
	}}
	clusters := &fakeClusterRepo{cluster: testCluster(domain.DomainScheme{Name: "bkapps.example.com", HTTPSEnabled: true})}
	ingress := newFakeIngressOperator()
	mgr := NewSubdomainAppIngressMgr(domains, &fakeConfigRepo{}, clusters, ingress)

	require.NoError(t, mgr.Sync(context.Background(), app, "svc"))

	payload := ingress.replaced[app.SafeName()]
	require.Len(t, payload.TLS, 1)
	assert.Equal(t, "eng-shared-cert-wild", payload.TLS[0].SecretName)
	assert.Equal(t, []string{"stag--demo.bkapps.example.com"}, payload.TLS[0].Hosts)
}

func TestSubdomainSyncNoCertDowngrades(t *testing.T) {
	app := testApp()
	clusters := &fakeClusterRepo{cluster: testCluster(domain.DomainScheme{Name: "bkapps.example.com", HTTPSEnabled: true})}
	ingress := newFakeIngressOperator()
	mgr := NewSubdomainAppIngressMgr(&fakeDomainRepo{}, &fakeConfigRepo{}, clusters, ingress)

	require.NoError(t, mgr.Sync(context.Background(), app, "svc"))
	assert.Empty(t, ingress.replaced[app.SafeName()].TLS)
}

func TestSubdomainSyncNoCertRaises(t *testing.T) {
	app := testApp()
	clusters := &fakeClusterRepo{cluster: testCluster(domain.DomainScheme{Name: "bkapps.example.com", HTTPSEnabled: true})}
	mgr := NewSubdomainAppIngressMgr(&fakeDomainRepo{}, &fakeConfigRepo{}, clusters, newFakeIngressOperator())
	mgr.RaiseOnNoCert = true

	err := mgr.Sync(context.Background(), app, "svc")
	assert.ErrorIs(t, err, domain.ErrValidCertNotFound)
}

func TestCustomDomainIngressNameFor(t *testing.T) {
	mgr := NewCustomDomainIngressMgr(nil, nil, nil)
	assert.Equal(t, "custom-www.demo.io",
		mgr.IngressNameFor(&domain.AppDomain{ID: "d-1", Host: "www.demo.io"}))
	assert.Equal(t, "custom-www.demo.io-d-1",
		mgr.IngressNameFor(&domain.AppDomain{ID: "d-1", Host: "www.demo.io", PathPrefix: "/api/"}))
}

func newTestDomainService(domains *fakeDomainRepo, apps port.WlAppRepository, ingress *fakeIngressOperator) *AppDomainService {
	clusters := &fakeClusterRepo{cluster: testCluster(domain.DomainScheme{Name: "bkapps.example.com"})}
	sub := NewSubdomainAppIngressMgr(domains, &fakeConfigRepo{}, clusters, ingress)
	custom := NewCustomDomainIngressMgr(domains, clusters, ingress)
	return NewAppDomainService(domains, apps, sub, custom)
}

type fakeWlAppRepo struct {
	apps map[string]*domain.WlApp
}

func (r *fakeWlAppRepo) Save(context.Context, *domain.WlApp) error   { return nil }
func (r *fakeWlAppRepo) Update(context.Context, *domain.WlApp) error { return nil }
func (r *fakeWlAppRepo) FindByName(_ context.Context, name string) (*domain.WlApp, error) {
	app, ok := r.apps[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return app, nil
}
func (r *fakeWlAppRepo) FindByEnv(_ context.Context, appCode, moduleName, environment string) (*domain.WlApp, error) {
	for _, app := range r.apps {
		if app.AppCode == appCode && app.ModuleName == moduleName && app.Environment == environment {
			return app, nil
		}
	}
	return nil, domain.ErrNotFound
}
func (r *fakeWlAppRepo) FindAll(context.Context) ([]*domain.WlApp, error) { return nil, nil }

func TestAssignCustomHostsDiff(t *testing.T) {
	app := testApp()
	domains := &fakeDomainRepo{rows: []*domain.AppDomain{
		{ID: "stale", WlAppName: app.Name, Host: "old.demo.io", PathPrefix: "/", Source: domain.DomainSourceCustom},
		{ID: "kept", WlAppName: app.Name, Host: "www.demo.io", PathPrefix: "/", Source: domain.DomainSourceCustom},
	}}
	ingress := newFakeIngressOperator()
	svc := newTestDomainService(domains, &fakeWlAppRepo{}, ingress)

	err := svc.AssignCustomHosts(context.Background(), app, []HostDecl{
		{Host: "www.demo.io"},
		{Host: "new.demo.io"},
	}, "svc")
	require.NoError(t, err)

	var hosts []string
	for _, row := range domains.rows {
		hosts = append(hosts, row.Host)
	}
	assert.ElementsMatch(t, []string{"www.demo.io", "new.demo.io"}, hosts)
	// 已存在的声明保留原行
	kept, _ := domains.FindByHost(context.Background(), "www.demo.io")
	require.Len(t, kept, 1)
	assert.Equal(t, "kept", kept[0].ID)
	assert.Contains(t, ingress.replaced, app.SafeName())
}

func TestAssignCustomHostsTransfersOwnership(t *testing.T) {
	app := testApp()
	other := testApp()
	other.Name = "bkapp-other-stag"
	other.AppCode = "other"
	domains := &fakeDomainRepo{rows: []*domain.AppDomain{
		{ID: "his", WlAppName: other.Name, Host: "shared.demo.io", PathPrefix: "/", Source: domain.DomainSourceCustom},
	}}
	ingress := newFakeIngressOperator()
	svc := newTestDomainService(domains, &fakeWlAppRepo{apps: map[string]*domain.WlApp{other.Name: other}}, ingress)

	err := svc.AssignCustomHosts(context.Background(), app, []HostDecl{{Host: "shared.demo.io"}}, "svc")
	require.NoError(t, err)

	owners, _ := domains.FindByHost(context.Background(), "shared.demo.io")
	require.Len(t, owners, 1)
	assert.Equal(t, app.Name, owners[0].WlAppName)
	// 两个应用的 Ingress 都被重建
	assert.Contains(t, ingress.replaced, app.SafeName())
	assert.Contains(t, ingress.replaced, other.SafeName())
}

func TestAssignCustomHostsSkipsIndependentRows(t *testing.T) {
	app := testApp()
	other := testApp()
	other.Name = "bkapp-other-stag"
	domains := &fakeDomainRepo{rows: []*domain.AppDomain{
		{ID: "ind", WlAppName: other.Name, Host: "shared.demo.io", PathPrefix: "/", Source: domain.DomainSourceIndependent},
	}}
	svc := newTestDomainService(domains, &fakeWlAppRepo{}, newFakeIngressOperator())

	err := svc.AssignCustomHosts(context.Background(), app, []HostDecl{{Host: "shared.demo.io"}}, "svc")
	require.NoError(t, err)

	owners, _ := domains.FindByHost(context.Background(), "shared.demo.io")
	assert.Len(t, owners, 2)
	for _, row := range owners {
		if row.ID == "ind" {
			assert.Equal(t, other.Name, row.WlAppName)
		}
	}
}

func TestAssignCustomHostsIdempotent(t *testing.T) {
	app := testApp()
	domains := &fakeDomainRepo{}
	svc := newTestDomainService(domains, &fakeWlAppRepo{}, newFakeIngressOperator())
	decls := []HostDecl{{Host: "www.demo.io", PathPrefix: "/api/"}}

	require.NoError(t, svc.AssignCustomHosts(context.Background(), app, decls, "svc"))
	require.NoError(t, svc.AssignCustomHosts(context.Background(), app, decls, "svc"))

	assert.Len(t, domains.rows, 1)
	assert.Equal(t, "/api/", domains.rows[0].PathPrefix)
}

func TestSyncAppRebuildsIndependentIngresses(t *testing.T) {
	app := testApp()
	domains := &fakeDomainRepo{rows: []*domain.AppDomain{
		{ID: "ind", WlAppName: app.Name, Host: "ind.demo.io", PathPrefix: "/", Source: domain.DomainSourceIndependent},
	}}
	ingress := newFakeIngressOperator()
	svc := newTestDomainService(domains, &fakeWlAppRepo{}, ingress)

	err := svc.AssignCustomHosts(context.Background(), app, []HostDecl{{Host: "www.demo.io"}}, "svc")
	require.NoError(t, err)

	assert.Contains(t, ingress.replaced, app.SafeName())
	assert.Contains(t, ingress.replaced, "custom-ind.demo.io")
}

func TestSubdomainSyncSetsUseRegexFromClusterFeature(t *testing.T) {
	app := testApp()
	cluster := testCluster(domain.DomainScheme{Name: "bkapps.example.com"})
	cluster.FeatureFlags = map[string]bool{domain.FeatureIngressUseRegex: true}
	ingress := newFakeIngressOperator()
	mgr := NewSubdomainAppIngressMgr(&fakeDomainRepo{}, &fakeConfigRepo{}, &fakeClusterRepo{cluster: cluster}, ingress)

	require.NoError(t, mgr.Sync(context.Background(), app, "svc"))

	payload := ingress.replaced[app.SafeName()]
	assert.True(t, payload.UseRegex)
}
