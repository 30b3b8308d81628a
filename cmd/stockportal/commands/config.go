package commands

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/stockportal/internal/app"
)

// envPrefix marks environment variables that override config keys,
// e.g. STOCKPORTAL_CREDENTIALS__STORAGE → credentials.storage
const envPrefix = "STOCKPORTAL_"

// configCategory groups the flags that override config keys. Flags outside it
// (username, --json, ...) are inputs of a single command.
const configCategory = "Configuration"

// loadConfig merges the config file, the environment and flag overrides, in that
// order of increasing precedence, then fills defaults and validates the result.
func loadConfig(configPath string, overrides map[string]any, environ func() []string) (*app.Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix:        envPrefix,
		TransformFunc: envKey,
		EnvironFunc:   environ,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("loading CLI flags: %w", err)
		}
	}

	cfg := &app.Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps STOCKPORTAL_API__BASE_URL to api.base_url.
func envKey(key, value string) (string, any) {
	key = strings.TrimPrefix(key, envPrefix)
	return strings.ToLower(strings.ReplaceAll(key, "__", ".")), value
}

// configFlags collects the explicitly set flags of the configuration category
// from cmd and its ancestors. A subcommand's flag wins over a parent's.
func configFlags(cmd *cli.Command) map[string]any {
	values := make(map[string]any)

	lineage := cmd.Lineage()
	for i := len(lineage) - 1; i >= 0; i-- {
		for _, f := range lineage[i].Flags {
			categorized, ok := f.(cli.CategorizableFlag)
			if !ok || categorized.GetCategory() != configCategory {
				continue
			}
			// Unset flags keep their defaults out of the way of file and env values
			if !f.IsSet() {
				continue
			}
			values[flagKey(f.Names()[0])] = f.Get()
		}
	}

	return values
}

// flagKey maps --server--host to server.host and --log-level to log_level.
func flagKey(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, "--", "."), "-", "_")
}
