package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/avnigashi/lllms/pkg/types"
)

// Config holds runtime parameters for the gateway. Zero values mean
// "unspecified" and are replaced by defaults in the command.
type Config struct {
	Addr        string                       `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir   string                       `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	Concurrency int                          `json:"concurrency" yaml:"concurrency" toml:"concurrency"`
	LogLevel    string                       `json:"log_level" yaml:"log_level" toml:"log_level"`
	Models      map[string]types.ModelConfig `json:"models" yaml:"models" toml:"models"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// DefaultModelsDir is the user-cache location weight files land in when the
// config does not name one. Created if missing on start.
func DefaultModelsDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return "models"
	}
	return filepath.Join(base, "lllms", "models")
}

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
