package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads the server config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	for _, name := range []string{
		"openai", "deepseek", "groq", "openrouter", "moonshot",
		"zhipu", "dashscope", "xai", "mistral", "ollama",
	} {
		key := "DAWEI_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			p := c.Providers[name]
			p.APIKey = v
			p.Enabled = true
			c.Providers[name] = p
		}
	}

	envStr("DAWEI_HOST", &c.Server.Host)
	if v := os.Getenv("DAWEI_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	envStr("DAWEI_PROVIDER", &c.Agent.DefaultProvider)
	envStr("DAWEI_MODEL", &c.Agent.DefaultModel)
	envStr("DAWEI_HOME", &c.Home)
}

// ResolveHome expands the leading ~ in the dawei home path.
func (c *Config) ResolveHome() string {
	return ExpandHome(c.Home)
}

// ExpandHome expands a leading "~/" against the current user's home dir.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}

// LoadWorkspaceSettings reads settings.json then config.json from a
// workspace's .dawei directory and merges them. config.json wins
// field-by-field; zero values inherit.
func LoadWorkspaceSettings(workspace string) (*WorkspaceSettings, error) {
	merged := &WorkspaceSettings{Extra: map[string]any{}}

	for _, name := range []string{"settings.json", "config.json"} {
		path := filepath.Join(workspace, ".dawei", name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		var layer WorkspaceSettings
		if err := json5.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		var raw map[string]any
		_ = json5.Unmarshal(data, &raw)

		mergeSettings(merged, &layer, raw)
	}

	return merged, nil
}

func mergeSettings(dst, src *WorkspaceSettings, raw map[string]any) {
	if src.AgentMode != "" {
		dst.AgentMode = src.AgentMode
	}
	if src.LLMProvider != "" {
		dst.LLMProvider = src.LLMProvider
	}
	if src.LLMModel != "" {
		dst.LLMModel = src.LLMModel
	}
	if src.AllowedTools != nil {
		dst.AllowedTools = src.AllowedTools
	}
	if v, ok := raw["http_logging"]; ok {
		if b, ok := v.(bool); ok {
			dst.HTTPLogging = b
		}
	}
	for k, v := range raw {
		switch k {
		case "agent_mode", "llm_provider", "llm_model", "allowed_tools", "http_logging":
		default:
			dst.Extra[k] = v
		}
	}
}

// SaveWorkspaceSettings writes the workspace-level config.json.
func SaveWorkspaceSettings(workspace string, s *WorkspaceSettings) error {
	out := map[string]any{}
	for k, v := range s.Extra {
		out[k] = v
	}
	if s.AgentMode != "" {
		out["agent_mode"] = s.AgentMode
	}
	if s.LLMProvider != "" {
		out["llm_provider"] = s.LLMProvider
	}
	if s.LLMModel != "" {
		out["llm_model"] = s.LLMModel
	}
	if s.AllowedTools != nil {
		out["allowed_tools"] = s.AllowedTools
	}
	if s.HTTPLogging {
		out["http_logging"] = true
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Join(workspace, ".dawei")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644)
}
