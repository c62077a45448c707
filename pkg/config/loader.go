package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment variable this process reads.
const EnvPrefix = "SIDEBOARD"

// configFilesVar names the semicolon-separated list of YAML files to
// merge over the defaults, in order.
const configFilesVar = EnvPrefix + "_CONFIG_FILES"

// sections are the nested config blocks an environment override may
// address, longest names first so rpc_services wins over a hypothetical
// rpc section.
var sections = []string{"rpc_services", "database", "tls", "ws"}

// Load resolves the full configuration: defaults, then each file listed
// in SIDEBOARD_CONFIG_FILES, then SIDEBOARD_<section>_<key> environment
// overrides parsed as YAML scalars.
func Load() (*Config, error) {
	cfg := Default()

	for _, path := range splitConfigFiles(os.Getenv(configFilesVar)) {
		if err := mergeFile(cfg, path); err != nil {
			return nil, err
		}
		slog.Debug("Merged config file", "path", path)
	}

	if err := mergeEnv(cfg, os.Environ()); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}

func splitConfigFiles(list string) []string {
	var out []string
	for _, p := range strings.Split(list, ";") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	data = expandEnv(data)

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	return nil
}

// mergeEnv overlays SIDEBOARD_<section>_<key> variables. The value is
// parsed as a YAML scalar, so SIDEBOARD_WS_CALL_TIMEOUT=5 is five seconds
// and SIDEBOARD_DEBUG=true is a boolean.
func mergeEnv(cfg *Config, environ []string) error {
	tree := map[string]any{}

	for _, env := range environ {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix+"_") || key == configFilesVar {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, EnvPrefix+"_"))

		var parsed any
		if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}

		placed := false
		for _, section := range sections {
			if rest, found := strings.CutPrefix(name, section+"_"); found && rest != "" {
				sub, _ := tree[section].(map[string]any)
				if sub == nil {
					sub = map[string]any{}
					tree[section] = sub
				}
				sub[rest] = parsed
				placed = true
				break
			}
		}
		if !placed {
			tree[name] = parsed
		}
	}

	if len(tree) == 0 {
		return nil
	}

	// Round-trip through YAML so the overlay hits the same struct tags as
	// file content does.
	data, err := yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encode env overrides: %w", err)
	}
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}
	if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge env overrides: %w", err)
	}
	return nil
}

// expandEnv substitutes {{.VAR_NAME}} template references in YAML content
// with environment values. Template syntax is used instead of $ expansion
// so literal dollar signs in passwords and patterns survive. Content that
// fails to parse or execute as a template passes through untouched.
func expandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if key, value, ok := strings.Cut(env, "="); ok {
			envMap[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
