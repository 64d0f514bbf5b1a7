package setup

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConfigPath(t *testing.T) {
	env := map[string]string{}
	getenv := func(k string) string { return env[k] }

	tests := []struct {
		name    string
		goos    string
		env     map[string]string
		want    string
		wantErr bool
	}{
		{name: "darwin", goos: "darwin", want: "/home/u/Library/Application Support/Claude/claude_desktop_config.json"},
		{name: "linux default", goos: "linux", want: "/home/u/.config/Claude/claude_desktop_config.json"},
		{name: "linux xdg", goos: "linux", env: map[string]string{"XDG_CONFIG_HOME": "/xdg"}, want: "/xdg/Claude/claude_desktop_config.json"},
		{name: "windows without appdata", goos: "windows", wantErr: true},
		{name: "unsupported", goos: "plan9", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env = tt.env
			got, err := ClientConfigPath(tt.goos, "/home/u", getenv)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.FromSlash(tt.want), got)
		})
	}
}

func TestRegisterPreservesOtherServers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client", "config.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{
  "theme": "dark",
  "mcpServers": {"other": {"command": "/usr/bin/other"}}
}`), 0o644))

	binary := filepath.Join(dir, "signal-mcp")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755))

	entry, err := Register(path, Options{BinaryPath: binary, DataDir: filepath.Join(dir, "data")})
	require.NoError(t, err)
	assert.Equal(t, binary, entry.Command)

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Contains(t, cfg.MCPServers, "other")
	assert.Contains(t, cfg.MCPServers, ServerName)
	assert.JSONEq(t, `"dark"`, string(cfg.Extra["theme"]))

	st, err := GetStatus(path)
	require.NoError(t, err)
	assert.True(t, st.Registered)
	assert.True(t, st.OK(), "issues: %v", st.Issues)
	assert.Len(t, st.Issues, 1)
}

func TestGetStatusUnregistered(t *testing.T) {
	st, err := GetStatus(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.False(t, st.Registered)
	assert.False(t, st.OK())
}

func TestSetupCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	binary := filepath.Join(dir, "signal-mcp")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755))

	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"register", "--client-config", path, "--binary", binary})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), ServerName)

	out.Reset()
	cmd = NewCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "--client-config", path})
	require.NoError(t, cmd.Execute())

	var st Status
	require.NoError(t, json.Unmarshal(out.Bytes(), &st))
	assert.True(t, st.Registered)
	assert.Equal(t, binary, st.Command)
}
