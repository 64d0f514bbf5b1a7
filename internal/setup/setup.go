// Package setup registers the signal MCP server with desktop MCP clients.
package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ServerName is the key the server is registered under.
const ServerName = "ae-signal-engine"

// BinaryName is the executable name of the MCP server.
const BinaryName = "signal-mcp"

// ClientConfig is the configuration file of a desktop MCP client. Unknown
// top-level keys are preserved.
type ClientConfig struct {
	MCPServers map[string]ServerEntry     `json:"mcpServers"`
	Extra      map[string]json.RawMessage `json:"-"`
}

// ServerEntry launches one MCP server.
type ServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// MarshalJSON writes the known keys together with the preserved ones.
func (c ClientConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+1)
	for k, v := range c.Extra {
		out[k] = v
	}
	out["mcpServers"] = c.MCPServers
	return json.Marshal(out)
}

// UnmarshalJSON reads mcpServers and keeps every other key.
func (c *ClientConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.MCPServers = make(map[string]ServerEntry)
	if servers, ok := raw["mcpServers"]; ok {
		if err := json.Unmarshal(servers, &c.MCPServers); err != nil {
			return fmt.Errorf("mcpServers: %w", err)
		}
		delete(raw, "mcpServers")
	}
	c.Extra = raw
	return nil
}

// Options describe a registration.
type Options struct {
	BinaryPath string
	DataDir    string
	ArchiveDir string
}

// ClientConfigPath returns the desktop client configuration path for goos.
// getenv and home are injected so the lookup can be tested on any platform.
func ClientConfigPath(goos, home string, getenv func(string) string) (string, error) {
	var dir string
	switch goos {
	case "darwin":
		dir = filepath.Join(home, "Library", "Application Support", "Claude")
	case "linux":
		if xdg := getenv("XDG_CONFIG_HOME"); xdg != "" {
			dir = filepath.Join(xdg, "Claude")
		} else {
			dir = filepath.Join(home, ".config", "Claude")
		}
	case "windows":
		appData := getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		dir = filepath.Join(appData, "Claude")
	default:
		return "", fmt.Errorf("unsupported operating system: %s", goos)
	}
	return filepath.Join(dir, "claude_desktop_config.json"), nil
}

// LoadClientConfig reads a client configuration. A missing file yields an
// empty configuration.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ClientConfig{MCPServers: make(map[string]ServerEntry)}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg ClientConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// SaveClientConfig writes a client configuration, creating its directory.
func SaveClientConfig(path string, cfg *ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Register adds or replaces the server entry in the client configuration at
// path.
func Register(path string, opts Options) (ServerEntry, error) {
	cfg, err := LoadClientConfig(path)
	if err != nil {
		return ServerEntry{}, err
	}

	binary := opts.BinaryPath
	if binary == "" {
		if binary, err = FindBinary(); err != nil {
			return ServerEntry{}, err
		}
	}

	entry := ServerEntry{Command: binary, Env: map[string]string{}}
	if opts.DataDir != "" {
		entry.Env["AE_SIGNAL_DATA_DIR"] = opts.DataDir
	}
	if opts.ArchiveDir != "" {
		entry.Env["AE_SIGNAL_ARCHIVE_DIR"] = opts.ArchiveDir
	}
	cfg.MCPServers[ServerName] = entry

	if err := SaveClientConfig(path, cfg); err != nil {
		return ServerEntry{}, err
	}
	return entry, nil
}

// FindBinary looks for the server executable on PATH and in common install
// locations.
func FindBinary() (string, error) {
	if path, err := exec.LookPath(BinaryName); err == nil {
		return path, nil
	}
	home, _ := os.UserHomeDir()
	for _, loc := range []string{
		"./" + BinaryName,
		"./bin/" + BinaryName,
		filepath.Join(home, ".local", "bin", BinaryName),
		"/usr/local/bin/" + BinaryName,
	} {
		if _, err := os.Stat(loc); err == nil {
			if abs, err := filepath.Abs(loc); err == nil {
				return abs, nil
			}
			return loc, nil
		}
	}
	return "", fmt.Errorf("binary %q not found on PATH or in common locations", BinaryName)
}

// Status describes the registration found in a client configuration.
type Status struct {
	ConfigPath string   `json:"config_path"`
	Registered bool     `json:"registered"`
	Command    string   `json:"command,omitempty"`
	DataDir    string   `json:"data_dir,omitempty"`
	ArchiveDir string   `json:"archive_dir,omitempty"`
	Issues     []string `json:"issues"`
}

// OK reports whether the registration is usable. Directories that will be
// created on first start are not problems.
func (s *Status) OK() bool {
	if !s.Registered {
		return false
	}
	for _, issue := range s.Issues {
		if !strings.Contains(issue, "created on first start") {
			return false
		}
	}
	return true
}

// GetStatus inspects the registration in the client configuration at path.
func GetStatus(path string) (*Status, error) {
	status := &Status{ConfigPath: path, Issues: []string{}}
	cfg, err := LoadClientConfig(path)
	if err != nil {
		return nil, err
	}

	entry, ok := cfg.MCPServers[ServerName]
	if !ok {
		status.Issues = append(status.Issues, fmt.Sprintf("%s is not registered", ServerName))
		return status, nil
	}
	status.Registered = true
	status.Command = entry.Command
	status.DataDir = entry.Env["AE_SIGNAL_DATA_DIR"]
	status.ArchiveDir = entry.Env["AE_SIGNAL_ARCHIVE_DIR"]

	if info, err := os.Stat(entry.Command); err != nil {
		status.Issues = append(status.Issues, fmt.Sprintf("server binary not found: %s", entry.Command))
	} else if info.Mode()&0o111 == 0 {
		status.Issues = append(status.Issues, fmt.Sprintf("server binary is not executable: %s", entry.Command))
	}
	if status.DataDir != "" {
		if _, err := os.Stat(status.DataDir); os.IsNotExist(err) {
			status.Issues = append(status.Issues, fmt.Sprintf("data directory will be created on first start: %s", status.DataDir))
		}
	}
	if status.ArchiveDir != "" {
		if _, err := os.Stat(status.ArchiveDir); err != nil {
			status.Issues = append(status.Issues, fmt.Sprintf("archive directory not readable: %s", status.ArchiveDir))
		}
	}
	return status, nil
}
