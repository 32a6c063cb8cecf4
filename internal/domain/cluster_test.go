package domain

import (
	"errors"
	"testing"
)

func validCluster() *Cluster {
	return &Cluster{
		Name:   "c1",
		Region: "default",
		CAData: "ca",
		TokenValue: "token",
		IngressConfig: IngressConfig{
			AppRootDomains: []DomainScheme{{Name: "apps.example.com"}},
			PortMap:        PortMap{HTTP: 80, HTTPS: 443},
		},
		APIServers: []APIServer{{Host: "https://10.0.0.1:6443"}},
	}
}

func TestClusterValidate(t *testing.T) {
	if err := validCluster().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClusterValidate_CredentialShapes(t *testing.T) {
	// token 和 cert 同时给出
	c := validCluster()
	c.CertData, c.KeyData = "cert", "key"
	if err := c.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("both shapes: got %v, want ErrInvalidInput", err)
	}

	// 两者都缺
	c = validCluster()
	c.TokenValue = ""
	if err := c.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("no credentials: got %v, want ErrInvalidInput", err)
	}

	// cert+key 形态合法
	c = validCluster()
	c.TokenValue = ""
	c.CertData, c.KeyData = "cert", "key"
	if err := c.Validate(); err != nil {
		t.Errorf("cert pair: unexpected error %v", err)
	}
}

func TestClusterValidate_IngressConfig(t *testing.T) {
	c := validCluster()
	c.IngressConfig.AppRootDomains = nil
	if err := c.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("no root domains: got %v, want ErrInvalidInput", err)
	}

	c = validCluster()
	c.IngressConfig.PortMap.HTTPS = 0
	if err := c.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("no https port: got %v, want ErrInvalidInput", err)
	}
}

func TestClusterValidate_AssertHostname(t *testing.T) {
	c := validCluster()
	c.AssertHostname = "true"
	if err := c.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("assert_hostname without override: got %v, want ErrInvalidInput", err)
	}
	c.APIServers[0].OverriddenHostname = "kubernetes.example.com"
	if err := c.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
