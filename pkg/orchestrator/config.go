package orchestrator

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/voicechat/pkg/session"
)

const (
	DefaultConnectionTimeoutMs = 200_000
	DefaultRestartDelayMs      = 500
)

// Config is the static configuration read once at orchestrator construction.
type Config struct {
	SupportsChatInput         bool `glazed:"supports-chat-input" yaml:"supportsChatInput"`
	SupportsVideoInput        bool `glazed:"supports-video-input" yaml:"supportsVideoInput"`
	IsPreConnectBufferEnabled bool `glazed:"pre-connect-buffer" yaml:"isPreConnectBufferEnabled"`
	// ConnectionTimeoutMs bounds the session duration. 0 leaves the timeout unwired.
	ConnectionTimeoutMs int `glazed:"connection-timeout-ms" yaml:"connectionTimeoutMs"`
	RestartDelayMs      int `glazed:"restart-delay-ms" yaml:"restartDelayMs"`
}

func DefaultConfig() Config {
	return Config{
		SupportsChatInput:         true,
		SupportsVideoInput:        false,
		IsPreConnectBufferEnabled: true,
		ConnectionTimeoutMs:       DefaultConnectionTimeoutMs,
		RestartDelayMs:            DefaultRestartDelayMs,
	}
}

func (c Config) Validate() error {
	if c.ConnectionTimeoutMs < 0 {
		return errors.Wrapf(session.ErrInvalidConfiguration, "connection timeout must not be negative, got %dms", c.ConnectionTimeoutMs)
	}
	if c.RestartDelayMs < 0 {
		return errors.Wrapf(session.ErrInvalidConfiguration, "restart delay must not be negative, got %dms", c.RestartDelayMs)
	}
	return nil
}

func (c Config) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelayMs) * time.Millisecond
}

// LoadConfigFile overlays the YAML file at path onto base. Unknown keys and
// malformed values are rejected.
func LoadConfigFile(path string, base Config) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return base, errors.Wrapf(err, "open config %s", path)
	}
	defer func() { _ = f.Close() }()

	cfg := base
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return base, errors.Wrapf(session.ErrInvalidConfiguration, "decode %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}
