package service

import (
	"context"
	"errors"
	"testing"

	"github.com/chiwei-platform/workload-engine/internal/config"
	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registryRepo 是内存集群注册表，保持 region 默认集群不变量。
type registryRepo struct {
	rows map[string]*domain.Cluster
}

func newRegistryRepo() *registryRepo {
	return &registryRepo{rows: make(map[string]*domain.Cluster)}
}

func (r *registryRepo) Save(_ context.Context, c *domain.Cluster) error {
	if _, ok := r.rows[c.Name]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *c
	r.rows[c.Name] = &cp
	return nil
}

func (r *registryRepo) Update(_ context.Context, c *domain.Cluster) error {
	if _, ok := r.rows[c.Name]; !ok {
		return domain.ErrClusterNotFound
	}
	cp := *c
	r.rows[c.Name] = &cp
	return nil
}

func (r *registryRepo) FindByName(_ context.Context, name string) (*domain.Cluster, error) {
	c, ok := r.rows[name]
	if !ok {
		return nil, domain.ErrClusterNotFound
	}
	return c, nil
}

func (r *registryRepo) FindAll(context.Context) ([]*domain.Cluster, error) {
	var out []*domain.Cluster
	for _, c := range r.rows {
		out = append(out, c)
	}
	return out, nil
}

func (r *registryRepo) FindByRegion(_ context.Context, region string) ([]*domain.Cluster, error) {
	var out []*domain.Cluster
	for _, c := range r.rows {
		if c.Region == region {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *registryRepo) FindDefault(_ context.Context, region string) (*domain.Cluster, error) {
	for _, c := range r.rows {
		if c.Region == region && c.IsDefault {
			return c, nil
		}
	}
	return nil, domain.ErrNoDefaultCluster
}

func (r *registryRepo) SwitchDefault(_ context.Context, region, name string) error {
	target, ok := r.rows[name]
	if !ok || target.Region != region {
		return domain.ErrClusterNotFound
	}
	for _, c := range r.rows {
		if c.Region == region {
			c.IsDefault = c.Name == name
		}
	}
	return nil
}

type recordingInvalidator struct {
	invalidated []string
	all         int
}

func (i *recordingInvalidator) Invalidate(name string) { i.invalidated = append(i.invalidated, name) }
func (i *recordingInvalidator) InvalidateAll()         { i.all++ }

func validCluster(name string, isDefault bool) *domain.Cluster {
	return &domain.Cluster{
		Name:       name,
		Region:     "default",
		IsDefault:  isDefault,
		CAData:     "ca",
		TokenValue: "token",
		IngressConfig: domain.IngressConfig{
			AppRootDomains: []domain.DomainScheme{{Name: "bkapps.example.com"}},
			PortMap:        domain.PortMap{HTTP: 80, HTTPS: 443},
		},
		APIServers: []domain.APIServer{{Host: "https://10.0.0.1:6443"}},
	}
}

func TestClusterRegisterFirstDefault(t *testing.T) {
	repo := newRegistryRepo()
	svc := NewClusterService(repo, &recordingInvalidator{})

	require.NoError(t, svc.Register(context.Background(), validCluster("main", true)))

	got, err := repo.FindDefault(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "main", got.Name)
	assert.NotEmpty(t, got.APIServers[0].ID)
	assert.Equal(t, "main", got.APIServers[0].ClusterName)
}

func TestClusterRegisterSecondDefaultRejected(t *testing.T) {
	repo := newRegistryRepo()
	svc := NewClusterService(repo, &recordingInvalidator{})
	require.NoError(t, svc.Register(context.Background(), validCluster("main", true)))

	err := svc.Register(context.Background(), validCluster("backup", true))
	assert.ErrorIs(t, err, domain.ErrDuplicatedDefault)

	// 非默认集群仍可注册
	require.NoError(t, svc.Register(context.Background(), validCluster("backup", false)))
}

func TestClusterRegisterNonDefaultIntoEmptyRegion(t *testing.T) {
	repo := newRegistryRepo()
	svc := NewClusterService(repo, &recordingInvalidator{})

	err := svc.Register(context.Background(), validCluster("main", false))
	assert.ErrorIs(t, err, domain.ErrNoDefaultCluster)

	// 先有 default 之后非默认集群才能落库
	require.NoError(t, svc.Register(context.Background(), validCluster("main", true)))
	require.NoError(t, svc.Register(context.Background(), validCluster("backup", false)))
}

func TestClusterRegisterValidates(t *testing.T) {
	svc := NewClusterService(newRegistryRepo(), &recordingInvalidator{})

	noCreds := validCluster("main", true)
	noCreds.TokenValue = ""
	assert.ErrorIs(t, svc.Register(context.Background(), noCreds), domain.ErrInvalidInput)

	bothCreds := validCluster("main", true)
	bothCreds.CertData, bothCreds.KeyData = "cert", "key"
	assert.ErrorIs(t, svc.Register(context.Background(), bothCreds), domain.ErrInvalidInput)

	badHostname := validCluster("main", true)
	badHostname.AssertHostname = "true"
	assert.ErrorIs(t, svc.Register(context.Background(), badHostname), domain.ErrInvalidInput)
}

func TestClusterUpdateInvalidatesAndKeepsDefaultFlag(t *testing.T) {
	repo := newRegistryRepo()
	inv := &recordingInvalidator{}
	svc := NewClusterService(repo, inv)
	require.NoError(t, svc.Register(context.Background(), validCluster("main", true)))

	updated := validCluster("main", false)
	updated.TokenValue = "rotated"
	require.NoError(t, svc.Update(context.Background(), updated))

	got, _ := repo.FindByName(context.Background(), "main")
	assert.True(t, got.IsDefault, "default flag survives updates")
	assert.Equal(t, "rotated", got.TokenValue)
	assert.Equal(t, []string{"main"}, inv.invalidated)
}

func TestClusterSwitchDefaultInvalidatesAll(t *testing.T) {
	repo := newRegistryRepo()
	inv := &recordingInvalidator{}
	svc := NewClusterService(repo, inv)
	require.NoError(t, svc.Register(context.Background(), validCluster("main", true)))
	require.NoError(t, svc.Register(context.Background(), validCluster("backup", false)))

	require.NoError(t, svc.SwitchDefault(context.Background(), "default", "backup"))

	got, err := repo.FindDefault(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "backup", got.Name)
	old, _ := repo.FindByName(context.Background(), "main")
	assert.False(t, old.IsDefault)
	assert.Equal(t, 1, inv.all)
}

func bootstrapEnv() *config.ClusterBootstrap {
	return &config.ClusterBootstrap{
		AppRootDomain: "bkapps.example.com",
		HTTPPort:      80,
		HTTPSPort:     443,
		APIServerURLs: []string{"https://10.0.0.1:6443"},
		CAData:        "ca",
		TokenValue:    "token",
	}
}

func TestBootstrapDefaultClusterCreates(t *testing.T) {
	repo := newRegistryRepo()
	svc := NewClusterService(repo, &recordingInvalidator{})

	result, err := svc.BootstrapDefaultCluster(context.Background(), bootstrapEnv(), false, false)
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.False(t, result.Skipped)

	got, err := repo.FindDefault(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "default-main", got.Name)
	assert.True(t, got.IsDefault)
}

func TestBootstrapDefaultClusterIdempotent(t *testing.T) {
	repo := newRegistryRepo()
	svc := NewClusterService(repo, &recordingInvalidator{})
	_, err := svc.BootstrapDefaultCluster(context.Background(), bootstrapEnv(), false, false)
	require.NoError(t, err)

	result, err := svc.BootstrapDefaultCluster(context.Background(), bootstrapEnv(), false, false)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.False(t, result.Created)
}

func TestBootstrapDefaultClusterOverwrite(t *testing.T) {
	repo := newRegistryRepo()
	inv := &recordingInvalidator{}
	svc := NewClusterService(repo, inv)
	_, err := svc.BootstrapDefaultCluster(context.Background(), bootstrapEnv(), false, false)
	require.NoError(t, err)

	env := bootstrapEnv()
	env.TokenValue = "rotated"
	result, err := svc.BootstrapDefaultCluster(context.Background(), env, true, false)
	require.NoError(t, err)
	assert.False(t, result.Skipped)

	got, _ := repo.FindByName(context.Background(), "default-main")
	assert.Equal(t, "rotated", got.TokenValue)
	assert.Equal(t, []string{"default-main"}, inv.invalidated)
}

func TestBootstrapDefaultClusterDryRun(t *testing.T) {
	repo := newRegistryRepo()
	svc := NewClusterService(repo, &recordingInvalidator{})

	result, err := svc.BootstrapDefaultCluster(context.Background(), bootstrapEnv(), false, true)
	require.NoError(t, err)
	assert.True(t, result.Created)

	_, err = repo.FindByName(context.Background(), "default-main")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "dry run must not write")
}

func TestBootstrapDefaultClusterValidationFails(t *testing.T) {
	svc := NewClusterService(newRegistryRepo(), &recordingInvalidator{})

	env := bootstrapEnv()
	env.TokenValue = ""
	_, err := svc.BootstrapDefaultCluster(context.Background(), env, false, false)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
