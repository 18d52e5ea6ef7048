package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams transport.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Stream is the shared request stream setups are sent to. Private and
	// reply streams are named after it.
	Stream string

	// Consumer group (responder side)
	Group      string
	Consumer   string
	BatchSize  int
	Block      time.Duration
	AutoCreate bool

	// Stream management
	AutoDeleteOnAck bool
	MaxLenApprox    int64

	// Pending setup recovery
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration

	// Requester side
	StreamBuffer int
	DialTimeout  time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xrsocket"
	}

	return Config{
		Addr:          "127.0.0.1:6379",
		Stream:        "xrsocket",
		Group:         "xrsocket",
		Consumer:      fmt.Sprintf("xrsocket-%s-%d", hostname, os.Getpid()),
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
		StreamBuffer:  256,
		DialTimeout:   10 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Stream == "" {
		return fmt.Errorf("config: stream required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	if c.StreamBuffer < 1 {
		return fmt.Errorf("config: stream_buffer must be >= 1, got %d", c.StreamBuffer)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("config: dial_timeout must be > 0, got %v", c.DialTimeout)
	}
	return nil
}

// privateStream is the stream one responder reads its connections' entries from.
func (c Config) privateStream() string { return c.Stream + ":" + c.Consumer }

func (c Config) replyStream(conn string) string { return c.Stream + ":reply:" + conn }

// toMap converts Config to generic map for transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"stream":             c.Stream,
		"group":              c.Group,
		"consumer":           c.Consumer,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
		"stream_buffer":      c.StreamBuffer,
		"dial_timeout":       c.DialTimeout,
	}
}

// ConfigFromMap safely converts generic map to Config with defaults. Numbers
// and durations are accepted in the forms YAML decoding produces.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := asInt(m["db"]); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["stream"].(string); ok && v != "" {
		c.Stream = v
	}
	if v, ok := m["group"].(string); ok && v != "" {
		c.Group = v
	}
	if v, ok := m["consumer"].(string); ok && v != "" {
		c.Consumer = v
	}
	if v, ok := asInt(m["batch_size"]); ok && v > 0 {
		c.BatchSize = v
	}
	if v, ok := asDuration(m["block"]); ok && v > 0 {
		c.Block = v
	}
	if v, ok := m["auto_create"].(bool); ok {
		c.AutoCreate = v
	}
	if v, ok := m["auto_delete_on_ack"].(bool); ok {
		c.AutoDeleteOnAck = v
	}
	if v, ok := asInt(m["max_len_approx"]); ok && v > 0 {
		c.MaxLenApprox = int64(v)
	}
	if v, ok := asDuration(m["claim_min_idle"]); ok {
		c.ClaimMinIdle = v
	}
	if v, ok := asInt(m["claim_batch"]); ok && v > 0 {
		c.ClaimBatch = v
	}
	if v, ok := asDuration(m["claim_interval"]); ok && v > 0 {
		c.ClaimInterval = v
	}
	if v, ok := asInt(m["stream_buffer"]); ok && v > 0 {
		c.StreamBuffer = v
	}
	if v, ok := asDuration(m["dial_timeout"]); ok && v > 0 {
		c.DialTimeout = v
	}

	return c
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func asDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil
	case int:
		return time.Duration(d), true
	case int64:
		return time.Duration(d), true
	}
	return 0, false
}
