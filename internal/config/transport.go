package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// TransportMode selects how the gateway serves requests.
type TransportMode string

// Supported transport modes.
const (
	// TransportHTTP serves JSON-RPC and MCP over HTTP.
	TransportHTTP TransportMode = "http"
	// TransportStdio serves MCP over stdin/stdout for local clients.
	TransportStdio TransportMode = "stdio"
)

// String returns the string representation of the transport mode.
func (m TransportMode) String() string {
	return string(m)
}

// Validate checks that the transport mode is supported.
func (m TransportMode) Validate() error {
	switch m {
	case TransportHTTP, TransportStdio:
		return nil
	default:
		return fmt.Errorf("unsupported transport mode: %q (use %q or %q)", m, TransportHTTP, TransportStdio)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler for direct yaml.v3 consumers,
// defaulting an absent or empty value to http and rejecting unknown modes.
// The viper loading path decodes via mapstructure instead and applies the
// same rules through the decode hook in LoadConfig.
func (m *TransportMode) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("transport mode must be a string: %w", err)
	}
	if raw == "" {
		*m = TransportHTTP
		return nil
	}
	mode := TransportMode(raw)
	if err := mode.Validate(); err != nil {
		return err
	}
	*m = mode
	return nil
}
