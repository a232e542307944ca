// Config loading: YAML with .env support and environment expansion, plus
// sanitized saving so literal keys never end up in a config file.
package relay

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, and ${VAR:?error}
// references in config values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// LoadConfigFromFile reads a YAML config, loading .env files first and
// expanding environment references before parsing. An unset variable in a
// ${VAR:?message} reference fails the load with that message.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	checkFilePermissions(path)
	return cfg, nil
}

// ParseConfig overlays YAML bytes onto the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("mapping config: %w", err)
	}

	// YAML zeros absent bools; keep streaming on unless the file turns it
	// off explicitly.
	if genRaw, ok := raw["generation"].(map[string]any); ok {
		if _, set := genRaw["streaming"]; !set {
			cfg.Generation.Streaming = true
		}
	} else if _, has := raw["generation"]; !has {
		cfg.Generation.Streaming = true
	}

	return cfg, nil
}

// SaveConfigToFile writes the config as YAML with keys replaced by
// environment references. A backup of any existing file is kept.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Keys = make([]string, len(cfg.Keys))
	for i, k := range cfg.Keys {
		sanitized.Keys[i] = sanitizeSecret(k, fmt.Sprintf("GEMINI_API_KEY_%d", i+1))
	}
	sanitized.Gateway.AuthToken = sanitizeSecret(cfg.Gateway.AuthToken, "GEMRELAY_AUTH_TOKEN")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if existing, rerr := os.ReadFile(path); rerr == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches the standard locations for a config file.
func FindConfigFile() string {
	candidates := []string{
		"gemrelay.yaml",
		"gemrelay.yml",
		"config.yaml",
		"config.yml",
		"configs/gemrelay.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// IsEnvReference reports whether a value is an env placeholder rather than
// a literal secret.
func IsEnvReference(v string) bool {
	return strings.HasPrefix(v, "${") || strings.HasPrefix(v, "$")
}

// loadEnvFiles loads .env files without overwriting existing variables.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars resolves ${VAR}, ${VAR:-default}, and ${VAR:?error}
// references. A plain ${VAR} that is unset expands to empty, matching shell
// parameter expansion.
func expandEnvVars(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value := sub[1], sub[2], sub[3]

		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		switch modifier {
		case "-":
			return value
		case "?":
			msg := value
			if msg == "" {
				msg = "required variable " + name + " is not set"
			}
			missing = append(missing, msg)
			return match
		default:
			return ""
		}
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%s", strings.Join(missing, "; "))
	}
	return out, nil
}

// sanitizeSecret replaces a literal secret with an env reference and leaves
// placeholders and empty values untouched.
func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	return "${" + envVar + "}"
}

// checkFilePermissions warns when a config file is group or world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		fmt.Fprintf(os.Stderr, "warning: %s is readable by other users; run: chmod 600 %s\n", path, path)
	}
}
