package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override config file values.
// A double underscore separates levels:
//
//	PIPEWRIGHT_PLUGINS__INSTALL_TIMEOUT=2m -> plugins.install_timeout
//	PIPEWRIGHT_PLUGINS__SEARCH_PATHS=a,b   -> plugins.search_paths
const EnvPrefix = "PIPEWRIGHT_"

// envKey maps PIPEWRIGHT_A__B_C to a.b_c.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// listKeys hold comma-separated values.
var listKeys = map[string]bool{
	"plugins.search_paths": true,
}

func envValue(key, value string) (string, interface{}) {
	key = envKey(key)
	if !listKeys[key] {
		return key, value
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return key, out
}

// applyEnvOverrides merges PIPEWRIGHT_* environment variables onto cfg.
func applyEnvOverrides(cfg *Config) error {
	k := koanf.New(".")
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return fmt.Errorf("load environment overrides: %w", err)
	}
	if len(k.Keys()) == 0 {
		return nil
	}
	// Lists are replaced, not merged element-wise.
	if k.Exists("plugins.search_paths") {
		cfg.Plugins.SearchPaths = nil
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return fmt.Errorf("apply environment overrides: %w", err)
	}
	return nil
}
