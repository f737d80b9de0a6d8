package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix is stripped from environment variables before they become keys,
// so FLASHDECK_DB sets "db".
const EnvPrefix = "FLASHDECK_"

// Config holds the runtime settings shared by every command.
type Config struct {
	DB      string `koanf:"db" validate:"required"`
	Repos   string `koanf:"repos" validate:"required"`
	Learner string `koanf:"learner" validate:"required,max=64"`
	Addr    string `koanf:"addr" validate:"required"`
	Mode    string `koanf:"mode" validate:"oneof=dev prod"`
}

// RegisterFlags adds the configuration flags and their defaults to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("db", "flashdeck.db", "path to the SQLite database file")
	fs.String("repos", "repos", "directory git sources are cloned into")
	fs.String("learner", "default", "learner whose review state is used")
	fs.String("addr", ":8080", "address the web UI listens on")
	fs.String("mode", "dev", "logging mode: dev or prod")
}

// Load builds a Config from, in increasing precedence, flag defaults, the
// YAML file at path (skipped when empty), FLASHDECK_* environment variables
// and flags set on the command line.
func Load(fs *pflag.FlagSet, path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	// Unchanged flags only fill keys no other layer set.
	if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
