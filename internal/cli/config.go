package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/qarun/internal/paths"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
)

// Config keys.
const (
	cfgKeyBackend       = "backend"
	cfgKeyProject       = "project"
	cfgKeyDataDir       = "data_dir"
	cfgKeyAPIURL        = "api_url"
	cfgKeyDebounceMS    = "debounce_ms"
	cfgKeyPageSize      = "page_size"
	cfgKeyHTTPTimeoutMS = "http_timeout_ms"
	cfgKeyLogLevel      = "log_level"
)

// configFile is the structure written to a fresh config.yaml.
type configFile struct {
	Backend    string `yaml:"backend"`
	Project    string `yaml:"project"`
	DataDir    string `yaml:"data_dir,omitempty"`
	DebounceMS int    `yaml:"debounce_ms"`
	PageSize   int    `yaml:"page_size"`
}

// loadConfig reads config.yaml from configDir with Viper, creating the
// directory and a default file on first run.
func loadConfig(configDir string) (types.Config, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return types.Config{}, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := writeConfigIfMissing(paths.ConfigFile(configDir), ""); err != nil {
		return types.Config{}, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault(cfgKeyBackend, types.BackendSQLite)
	v.SetDefault(cfgKeyProject, types.DefaultProject)
	v.SetDefault(cfgKeyDebounceMS, types.DefaultDebounceMS)
	v.SetDefault(cfgKeyPageSize, types.DefaultPageSize)
	v.SetDefault(cfgKeyHTTPTimeoutMS, types.DefaultHTTPTimeoutMS)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return types.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	return types.Config{
		Backend:       v.GetString(cfgKeyBackend),
		Project:       v.GetString(cfgKeyProject),
		DataDir:       v.GetString(cfgKeyDataDir),
		APIURL:        v.GetString(cfgKeyAPIURL),
		DebounceMS:    v.GetInt(cfgKeyDebounceMS),
		PageSize:      v.GetInt(cfgKeyPageSize),
		HTTPTimeoutMS: v.GetInt(cfgKeyHTTPTimeoutMS),
		LogLevel:      v.GetString(cfgKeyLogLevel),
	}, nil
}

// writeConfigIfMissing creates config.yaml with default values. An existing
// file is left untouched.
func writeConfigIfMissing(path, dataDir string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}

	cfg := configFile{
		Backend:    types.BackendSQLite,
		Project:    types.DefaultProject,
		DataDir:    dataDir,
		DebounceMS: types.DefaultDebounceMS,
		PageSize:   types.DefaultPageSize,
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
