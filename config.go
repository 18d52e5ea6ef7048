package xrsocket

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file form of the builder settings.
//
//	data_mime_type: application/json
//	handler_timeout: 5s
//	inbound_buffer: 64
//	observer_pool:
//	  workers: 4
//	  buffer: 1000
//	transport:
//	  name: redis-streams
//	  options:
//	    addr: localhost:6379
type Config struct {
	DataMimeType     string          `yaml:"data_mime_type"`
	MetadataMimeType string          `yaml:"metadata_mime_type"`
	HandlerTimeout   time.Duration   `yaml:"handler_timeout"`
	InboundBuffer    int             `yaml:"inbound_buffer"`
	ObserverPool     PoolConfig      `yaml:"observer_pool"`
	Transport        TransportConfig `yaml:"transport"`
}

type PoolConfig struct {
	Workers int `yaml:"workers"`
	Buffer  int `yaml:"buffer"`
}

// TransportConfig names a registered transport and its factory options.
type TransportConfig struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("xrsocket: read config: %w", err)
	}
	return ParseConfig(b)
}

// ParseConfig parses YAML config bytes.
func ParseConfig(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("xrsocket: parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values the builder would otherwise silently ignore.
func (c *Config) Validate() error {
	switch {
	case c.HandlerTimeout < 0:
		return fmt.Errorf("xrsocket: handler_timeout must not be negative")
	case c.InboundBuffer < 0:
		return fmt.Errorf("xrsocket: inbound_buffer must not be negative")
	case c.ObserverPool.Workers < 0 || c.ObserverPool.Buffer < 0:
		return fmt.Errorf("xrsocket: observer_pool sizes must not be negative")
	case c.Transport.Name == "" && len(c.Transport.Options) > 0:
		return fmt.Errorf("xrsocket: transport options given without a transport name")
	}
	return nil
}

// Apply copies the settings onto b. Zero values keep the builder defaults.
func (c *Config) Apply(b *DispatcherBuilder) *DispatcherBuilder {
	return b.WithDataMimeType(c.DataMimeType).
		WithMetadataMimeType(c.MetadataMimeType).
		WithHandlerTimeout(c.HandlerTimeout).
		WithInboundBuffer(c.InboundBuffer).
		WithObserverPool(c.ObserverPool.Workers, c.ObserverPool.Buffer)
}

// NewTransport builds the configured transport through the registry.
func (c *Config) NewTransport() (Transport, error) {
	if c.Transport.Name == "" {
		return nil, ErrNoTransportConfigured
	}
	opts := c.Transport.Options
	if opts == nil {
		opts = map[string]any{}
	}
	return NewTransport(c.Transport.Name, opts)
}
