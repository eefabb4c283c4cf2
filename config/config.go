// Package config loads chatlink client configuration from YAML.
//
// Every field has a default, so an empty file or no file at all yields a
// working configuration. Values that are present override the defaults.
//
//	identity:
//	  user_id: "42"
//	  user_name: Alice
//	server:
//	  url: wss://chat.example.com/ws
//	transfer:
//	  chunk_size: 204800
//	  chunk_timeout: 5s
//	call:
//	  negotiation_timeout: 30s
//	logging:
//	  level: debug
//	  format: json
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/opd-ai/chatlink/call"
	"github.com/opd-ai/chatlink/file"
	"github.com/opd-ai/chatlink/limits"
	"github.com/opd-ai/chatlink/transport"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete client configuration.
type Config struct {
	Identity IdentityConfig `yaml:"identity"`
	Server   ServerConfig   `yaml:"server"`
	Transfer TransferConfig `yaml:"transfer"`
	Call     CallConfig     `yaml:"call"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// IdentityConfig names the local user.
type IdentityConfig struct {
	UserID   string `yaml:"user_id"`
	UserName string `yaml:"user_name"`
}

// ServerConfig configures the event channel to the chat server.
type ServerConfig struct {
	// URL is the websocket endpoint.
	URL string `yaml:"url"`
	// Token is sent as a bearer token on the handshake.
	Token            string        `yaml:"token"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// EmitTimeout bounds every outbound frame.
	EmitTimeout time.Duration `yaml:"emit_timeout"`
}

// TransferConfig configures the chunked transfer engine.
type TransferConfig struct {
	ChunkSize     int           `yaml:"chunk_size"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxRetries    int           `yaml:"max_retries"`
	InitTimeout   time.Duration `yaml:"init_timeout"`
	ChunkTimeout  time.Duration `yaml:"chunk_timeout"`
	MaxFileSize   int64         `yaml:"max_file_size"`
}

// CallConfig configures call signaling.
type CallConfig struct {
	ICEServers         []string      `yaml:"ice_servers"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
}

// LoggingConfig configures the process-wide logrus logger.
type LoggingConfig struct {
	// Level is a logrus level name such as "info" or "debug".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	transfer := file.DefaultConfig()
	calls := call.DefaultConfig()

	return Config{
		Server: ServerConfig{
			HandshakeTimeout: transport.DefaultHandshakeTimeout,
			EmitTimeout:      transfer.EmitTimeout,
		},
		Transfer: TransferConfig{
			ChunkSize:     transfer.ChunkSize,
			MaxConcurrent: transfer.MaxConcurrent,
			MaxRetries:    transfer.MaxRetries,
			InitTimeout:   transfer.InitTimeout,
			ChunkTimeout:  transfer.ChunkTimeout,
			MaxFileSize:   transfer.MaxFileSize,
		},
		Call: CallConfig{
			ICEServers:         calls.ICEServers,
			NegotiationTimeout: calls.NegotiationTimeout,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"path":     path,
	}).Debug("Configuration loaded")
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects non-positive sizes, counts and timeouts.
func (c Config) Validate() error {
	t := c.Transfer
	switch {
	case t.ChunkSize <= 0:
		return fmt.Errorf("%w: transfer.chunk_size must be positive", ErrInvalid)
	case t.ChunkSize > limits.MaxChunkSize:
		return fmt.Errorf("%w: transfer.chunk_size exceeds %d", ErrInvalid, limits.MaxChunkSize)
	case t.MaxConcurrent <= 0:
		return fmt.Errorf("%w: transfer.max_concurrent must be positive", ErrInvalid)
	case t.MaxRetries < 0:
		return fmt.Errorf("%w: transfer.max_retries must not be negative", ErrInvalid)
	case t.InitTimeout <= 0:
		return fmt.Errorf("%w: transfer.init_timeout must be positive", ErrInvalid)
	case t.ChunkTimeout <= 0:
		return fmt.Errorf("%w: transfer.chunk_timeout must be positive", ErrInvalid)
	case t.MaxFileSize <= 0:
		return fmt.Errorf("%w: transfer.max_file_size must be positive", ErrInvalid)
	}

	if c.Call.NegotiationTimeout <= 0 {
		return fmt.Errorf("%w: call.negotiation_timeout must be positive", ErrInvalid)
	}
	if c.Server.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: server.handshake_timeout must be positive", ErrInvalid)
	}
	if c.Server.EmitTimeout <= 0 {
		return fmt.Errorf("%w: server.emit_timeout must be positive", ErrInvalid)
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %w", ErrInvalid, err)
	}
	if _, err := c.Logging.formatter(); err != nil {
		return err
	}
	return nil
}

// Engine returns the transfer engine configuration.
func (c Config) Engine() file.Config {
	return file.Config{
		ChunkSize:     c.Transfer.ChunkSize,
		MaxConcurrent: c.Transfer.MaxConcurrent,
		MaxRetries:    c.Transfer.MaxRetries,
		InitTimeout:   c.Transfer.InitTimeout,
		ChunkTimeout:  c.Transfer.ChunkTimeout,
		MaxFileSize:   c.Transfer.MaxFileSize,
		EmitTimeout:   c.Server.EmitTimeout,
	}
}

// Controller returns the call controller configuration.
func (c Config) Controller() call.Config {
	return call.Config{
		SelfID:             c.Identity.UserID,
		SelfName:           c.Identity.UserName,
		ICEServers:         append([]string(nil), c.Call.ICEServers...),
		NegotiationTimeout: c.Call.NegotiationTimeout,
		EmitTimeout:        c.Server.EmitTimeout,
	}
}

// Dial returns the websocket dial options.
func (c Config) Dial() transport.DialOptions {
	return transport.DialOptions{
		Token:            c.Server.Token,
		HandshakeTimeout: c.Server.HandshakeTimeout,
	}
}

// Apply configures the standard logrus logger.
func (l LoggingConfig) Apply() error {
	return l.ApplyTo(logrus.StandardLogger())
}

// ApplyTo configures logger.
func (l LoggingConfig) ApplyTo(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("%w: logging.level: %w", ErrInvalid, err)
	}
	formatter, err := l.formatter()
	if err != nil {
		return err
	}

	logger.SetLevel(level)
	logger.SetFormatter(formatter)
	return nil
}

func (l LoggingConfig) formatter() (logrus.Formatter, error) {
	switch l.Format {
	case "", "text":
		return &logrus.TextFormatter{FullTimestamp: true}, nil
	case "json":
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}, nil
	default:
		return nil, fmt.Errorf("%w: logging.format %q, want text or json", ErrInvalid, l.Format)
	}
}
