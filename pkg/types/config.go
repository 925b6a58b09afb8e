package types

import (
	"errors"
	"time"
)

// Config holds backend selection and engine parameters.
type Config struct {
	Backend       string `json:"backend" yaml:"backend" mapstructure:"backend"`
	Project       string `json:"project" yaml:"project" mapstructure:"project"`
	DataDir       string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
	APIURL        string `json:"api_url" yaml:"api_url" mapstructure:"api_url"`
	DebounceMS    int    `json:"debounce_ms" yaml:"debounce_ms" mapstructure:"debounce_ms"`
	PageSize      int    `json:"page_size" yaml:"page_size" mapstructure:"page_size"`
	HTTPTimeoutMS int    `json:"http_timeout_ms" yaml:"http_timeout_ms" mapstructure:"http_timeout_ms"`
	LogLevel      string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
}

// Supported backend names.
const (
	BackendSQLite = "sqlite"
	BackendHTTP   = "http"
	BackendMemory = "memory"
)

// Defaults applied by WithDefaults.
const (
	DefaultDebounceMS    = 800
	DefaultPageSize      = 20
	DefaultHTTPTimeoutMS = 10000
	DefaultProject       = "default"
)

// Config validation errors.
var (
	ErrBackendEmpty    = errors.New("backend must not be empty")
	ErrBackendUnknown  = errors.New("unknown backend")
	ErrAPIURLMissing   = errors.New("api_url is required for the http backend")
	ErrDebounceInvalid = errors.New("debounce_ms must be positive")
	ErrPageSizeInvalid = errors.New("page_size must be positive")
)

// knownBackends lists the backends that Validate accepts.
var knownBackends = map[string]bool{
	BackendSQLite: true,
	BackendHTTP:   true,
	BackendMemory: true,
}

// WithDefaults returns a copy of c with zero fields defaulted. Backend is
// left alone so that Validate still reports it.
func (c Config) WithDefaults() Config {
	if c.Project == "" {
		c.Project = DefaultProject
	}
	if c.DebounceMS == 0 {
		c.DebounceMS = DefaultDebounceMS
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.HTTPTimeoutMS == 0 {
		c.HTTPTimeoutMS = DefaultHTTPTimeoutMS
	}
	return c
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if c.Backend == BackendHTTP && c.APIURL == "" {
		return ErrAPIURLMissing
	}
	if c.DebounceMS < 0 {
		return ErrDebounceInvalid
	}
	if c.PageSize < 0 {
		return ErrPageSizeInvalid
	}
	return nil
}

// DebounceWindow returns the edit coalescing window.
func (c Config) DebounceWindow() time.Duration {
	return time.Duration(c.WithDefaults().DebounceMS) * time.Millisecond
}

// HTTPTimeout returns the per-request timeout for the http backend.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.WithDefaults().HTTPTimeoutMS) * time.Millisecond
}
