package domain

import "testing"

func TestSharedCertMatchesHost(t *testing.T) {
	cert := &AppDomainSharedCert{Name: "c1", AutoMatchCNs: "*.example.com;exact.example.org"}

	tests := []struct {
		host string
		want bool
	}{
		{"demo.example.com", true},
		{"exact.example.org", true},
		{"a.b.example.com", false}, // 通配符不跨层
		{"example.com", false},
		{"demo.example.org", false},
	}
	for _, tt := range tests {
		if got := cert.MatchesHost(tt.host); got != tt.want {
			t.Errorf("MatchesHost(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestPickSharedCert_LongestSuffixWins(t *testing.T) {
	wide := &AppDomainSharedCert{Name: "wide", AutoMatchCNs: "*.com"}
	narrow := &AppDomainSharedCert{Name: "narrow", AutoMatchCNs: "*.apps.example.com"}

	picked := PickSharedCert([]*AppDomainSharedCert{wide, narrow}, "demo.apps.example.com")
	if picked == nil || picked.Name != "narrow" {
		t.Fatalf("picked = %v, want narrow", picked)
	}

	if got := PickSharedCert([]*AppDomainSharedCert{narrow}, "other.example.net"); got != nil {
		t.Errorf("expected nil for unmatched host, got %v", got)
	}
}
