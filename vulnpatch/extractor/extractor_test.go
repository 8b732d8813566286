package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
)

func TestExtractVsftpdBackdoor(t *testing.T) {
	services := []vulnpatch.ObservedService{
		{Host: "10.0.0.5", Port: 21, Protocol: "tcp", Name: "ftp", Product: "vsftpd", Version: "2.3.4"},
	}

	got := Extract(services)
	require.Len(t, got, 1)
	assert.Equal(t, vulnpatch.BasisOutdatedVersion, got[0].Basis)
	assert.Equal(t, vulnpatch.SeverityCritical, got[0].Severity)
	assert.Equal(t, "Potentially vulnerable ftp service detected", got[0].Description)
	assert.Equal(t, "Update ftp to the latest version", got[0].Recommendation)
	assert.Equal(t, 21, got[0].Service.Port)
}

func TestExtractEmpty(t *testing.T) {
	got := Extract(nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestExtractMatching(t *testing.T) {
	cases := []struct {
		name string
		svc  vulnpatch.ObservedService
		want int
	}{
		{"telnet wildcard without version", vulnpatch.ObservedService{Name: "telnet"}, 1},
		{"case insensitive name", vulnpatch.ObservedService{Name: "SSH", Product: "OpenSSH", Version: "7.4p1"}, 1},
		{"case insensitive banner", vulnpatch.ObservedService{Name: "http", Product: "NGINX", Version: "1.10.3"}, 1},
		{"patched version", vulnpatch.ObservedService{Name: "ssh", Product: "OpenSSH", Version: "9.6"}, 0},
		{"missing version", vulnpatch.ObservedService{Name: "ftp", Product: "vsftpd"}, 0},
		{"unknown service", vulnpatch.ObservedService{Name: "gopher", Product: "x", Version: "1"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Len(t, Extract([]vulnpatch.ObservedService{tc.svc}), tc.want)
		})
	}
}

func TestExtractScriptsAndOrdering(t *testing.T) {
	services := []vulnpatch.ObservedService{
		{
			Name: "ftp", Product: "vsftpd", Version: "2.3.4",
			Scripts: []vulnpatch.ScriptResult{
				{ID: "banner", Output: "220 welcome"},
				{ID: "ftp-vsftpd-backdoor-vuln", Output: "VULNERABLE"},
				{ID: "vulners-cve", Output: "CVE-2011-2523"},
			},
		},
		{
			Name: "domain",
			Scripts: []vulnpatch.ScriptResult{
				{ID: "dns-cve-check", Output: "possible"},
			},
		},
	}

	got := Extract(services)
	require.Len(t, got, 4)

	assert.Equal(t, vulnpatch.BasisOutdatedVersion, got[0].Basis)
	assert.Equal(t, vulnpatch.BasisScriptDetection, got[1].Basis)
	assert.Equal(t, "ftp-vsftpd-backdoor-vuln", got[1].ScriptID)
	assert.Equal(t, "VULNERABLE", got[1].ScriptOutput)
	assert.Equal(t, vulnpatch.SeverityUnknown, got[1].Severity)
	assert.Equal(t, "Vulnerability detected by script: ftp-vsftpd-backdoor-vuln", got[1].Description)
	assert.Equal(t, "vulners-cve", got[2].ScriptID)
	assert.Equal(t, "domain", got[3].Service.Name)
}

func TestCustomRules(t *testing.T) {
	e := New(map[string]Rule{"Redis": {Versions: []string{"redis 3."}, Severity: vulnpatch.SeverityHigh}})
	got := e.Extract([]vulnpatch.ObservedService{{Name: "redis", Product: "Redis", Version: "3.2"}})
	require.Len(t, got, 1)
	assert.Equal(t, "Potentially vulnerable redis service detected", got[0].Description)
	assert.Empty(t, e.Extract([]vulnpatch.ObservedService{{Name: "ftp", Product: "vsftpd", Version: "2.3.4"}}))
}
