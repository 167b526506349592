// Package config loads and validates the gateway configuration.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Defaults applied when the configuration file omits a value.
const (
	DefaultAddress        = ":8081"
	DefaultHandlerTimeout = 30 * time.Second
	DefaultServerName     = "procgate"
)

// ServerConfig configures the listening process.
type ServerConfig struct {
	// Name is reported in the MCP handshake and discovery document.
	Name string `yaml:"name" mapstructure:"name"`
	// Address to listen on in HTTP mode.
	Address string `yaml:"address" mapstructure:"address"`
	// Transport selects the serving mode.
	Transport TransportMode `yaml:"transport" mapstructure:"transport"`
}

// AuthConfig configures the authorization gate and the MCP discovery policy.
type AuthConfig struct {
	// AdminSubjects is the allow-list consulted by requireAdminUser
	// requirements.
	AdminSubjects []string `yaml:"admin_subjects" mapstructure:"admin_subjects"`
	// KnownScopes, when non-empty, validates declared scope requirements
	// at registration time.
	KnownScopes []string `yaml:"known_scopes" mapstructure:"known_scopes"`
	// PublicTools lists MCP tool names exempt from execution
	// authorization.
	PublicTools []string `yaml:"public_tools" mapstructure:"public_tools"`
	// RequireAuthForToolsList gates MCP tool discovery behind
	// authentication. Defaults to false: discovery is public, execution
	// is gated.
	RequireAuthForToolsList bool `yaml:"require_auth_for_tools_list" mapstructure:"require_auth_for_tools_list"`
}

// DispatchConfig configures the call pipeline.
type DispatchConfig struct {
	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout time.Duration `yaml:"handler_timeout" mapstructure:"handler_timeout"`
}

// Config is the root gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Auth     AuthConfig     `yaml:"auth" mapstructure:"auth"`
	Dispatch DispatchConfig `yaml:"dispatch" mapstructure:"dispatch"`
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := c.Server.Transport.Validate(); err != nil {
		return fmt.Errorf("server.transport: %w", err)
	}
	if c.Server.Transport == TransportHTTP && c.Server.Address == "" {
		return errors.New("server.address is required in http mode")
	}
	if c.Dispatch.HandlerTimeout < 0 {
		return errors.New("dispatch.handler_timeout must not be negative")
	}
	return nil
}

// applyDefaults fills unset values.
func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = DefaultServerName
	}
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.Transport == "" {
		c.Server.Transport = TransportHTTP
	}
	if c.Dispatch.HandlerTimeout == 0 {
		c.Dispatch.HandlerTimeout = DefaultHandlerTimeout
	}
}

// Option customizes configuration loading.
type Option func(*loader)

type loader struct {
	path string
}

// WithConfigPath sets the configuration file to load.
func WithConfigPath(path string) Option {
	return func(l *loader) {
		l.path = path
	}
}

// LoadConfig reads, defaults, and validates the gateway configuration. With
// no config path, defaults apply.
func LoadConfig(opts ...Option) (*Config, error) {
	l := &loader{}
	for _, opt := range opts {
		opt(l)
	}

	var cfg Config
	if l.path != "" {
		v := viper.New()
		v.SetConfigFile(l.path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
		}
		if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", l.path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeHook composes viper's default hooks with transport-mode validation.
// Viper decodes through mapstructure, not yaml.Unmarshaler, so enum checking
// has to happen here for the file-loading path.
func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		transportModeHook(),
	))
}

// transportModeHook validates transport mode values during decoding,
// mirroring TransportMode.UnmarshalYAML for direct yaml.v3 consumers.
func transportModeHook() mapstructure.DecodeHookFuncType {
	transportType := reflect.TypeOf(TransportMode(""))
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != transportType {
			return data, nil
		}
		raw, ok := data.(string)
		if !ok {
			return data, nil
		}
		if raw == "" {
			return TransportHTTP, nil
		}
		mode := TransportMode(raw)
		if err := mode.Validate(); err != nil {
			return nil, err
		}
		return mode, nil
	}
}
