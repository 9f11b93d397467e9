package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/voicechat/pkg/session"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "voicechat.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 200_000, cfg.ConnectionTimeoutMs)
	require.Equal(t, 500*time.Millisecond, cfg.RestartDelay())
	require.True(t, cfg.SupportsChatInput)
	require.False(t, cfg.SupportsVideoInput)
}

func TestLoadConfigFile_Overlays(t *testing.T) {
	p := writeConfig(t, "supportsChatInput: false\nsupportsVideoInput: true\nconnectionTimeoutMs: 1000\n")
	cfg, err := LoadConfigFile(p, DefaultConfig())
	require.NoError(t, err)
	require.False(t, cfg.SupportsChatInput)
	require.True(t, cfg.SupportsVideoInput)
	require.Equal(t, 1000, cfg.ConnectionTimeoutMs)
	require.Equal(t, DefaultRestartDelayMs, cfg.RestartDelayMs)
	require.True(t, cfg.IsPreConnectBufferEnabled)
}

func TestLoadConfigFile_RejectsUnknownKeys(t *testing.T) {
	p := writeConfig(t, "supportsTelepathy: true\n")
	_, err := LoadConfigFile(p, DefaultConfig())
	require.True(t, errors.Is(err, session.ErrInvalidConfiguration))
}

func TestLoadConfigFile_RejectsMalformedValues(t *testing.T) {
	p := writeConfig(t, "connectionTimeoutMs: soon\n")
	_, err := LoadConfigFile(p, DefaultConfig())
	require.True(t, errors.Is(err, session.ErrInvalidConfiguration))

	p = writeConfig(t, "restartDelayMs: -1\n")
	_, err = LoadConfigFile(p, DefaultConfig())
	require.True(t, errors.Is(err, session.ErrInvalidConfiguration))
}

func TestLoadConfigFile_MissingFile(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"), DefaultConfig())
	require.Error(t, err)
}

func TestConfigFromValues_NilUsesDefaults(t *testing.T) {
	cfg, err := ConfigFromValues(nil, "")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestNewSessionSection(t *testing.T) {
	s, err := NewSessionSection()
	require.NoError(t, err)
	require.Equal(t, SessionSlug, s.GetSlug())
}

func TestComputeCapabilities_Defaults(t *testing.T) {
	caps := ComputeCapabilities(DefaultConfig())
	require.True(t, caps.Chat)
	require.False(t, caps.Camera)
	require.False(t, caps.ScreenShare)
	require.True(t, caps.PreConnectBuffer)
	require.False(t, caps.Allows(Control("teleport")))
	require.Len(t, Controls(), 5)
}
