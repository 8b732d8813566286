package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scanDoc = `<?xml version="1.0"?>
<nmaprun scanner="nmap" version="7.94">
  <host>
    <status state="up"/>
    <address addr="10.0.0.5" addrtype="ipv4"/>
    <ports>
      <port protocol="tcp" portid="21">
        <state state="open"/>
        <service name="ftp" product="vsftpd" version="2.3.4"/>
      </port>
    </ports>
  </host>
</nmaprun>`

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParseCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.xml")
	require.NoError(t, os.WriteFile(path, []byte(scanDoc), 0o600))

	out, err := runCLI(t, "parse", path)
	require.NoError(t, err)

	var got parseOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Scan.Services, 1)
	assert.Equal(t, "ftp", got.Scan.Services[0].Name)
	require.Len(t, got.Candidates, 1)
	assert.Equal(t, 21, got.Candidates[0].Service.Port)
}

func TestParseCommandErrors(t *testing.T) {
	_, err := runCLI(t, "parse")
	assert.Error(t, err)

	_, err = runCLI(t, "parse", filepath.Join(t.TempDir(), "missing.xml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.xml")
	require.NoError(t, os.WriteFile(bad, []byte("<nmaprun>"), 0o600))
	_, err = runCLI(t, "parse", bad)
	assert.Error(t, err)
}

func TestRootListsCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "worker", "parse"})
}
