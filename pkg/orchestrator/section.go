package orchestrator

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
)

const SessionSlug = "session"

// NewSessionSection returns the section definition for session settings.
func NewSessionSection() (schema.Section, error) {
	d := DefaultConfig()
	return schema.NewSection(
		SessionSlug,
		"Voice session settings",
		schema.WithFields(
			fields.New("supports-chat-input", fields.TypeBool,
				fields.WithDefault(d.SupportsChatInput),
				fields.WithHelp("Enable the chat input control")),
			fields.New("supports-video-input", fields.TypeBool,
				fields.WithDefault(d.SupportsVideoInput),
				fields.WithHelp("Enable camera and screen-share controls")),
			fields.New("pre-connect-buffer", fields.TypeBool,
				fields.WithDefault(d.IsPreConnectBufferEnabled),
				fields.WithHelp("Buffer chat input typed while the session is connecting")),
			fields.New("connection-timeout-ms", fields.TypeInteger,
				fields.WithDefault(d.ConnectionTimeoutMs),
				fields.WithHelp("Maximum session duration in milliseconds (0 disables)")),
			fields.New("restart-delay-ms", fields.TypeInteger,
				fields.WithDefault(d.RestartDelayMs),
				fields.WithHelp("Grace interval between end and start on restart")),
		),
	)
}

// ConfigFromValues decodes the session section, optionally overlaid by a YAML
// file.
func ConfigFromValues(parsed *values.Values, configFile string) (Config, error) {
	cfg := DefaultConfig()
	if parsed != nil {
		if err := parsed.DecodeSectionInto(SessionSlug, &cfg); err != nil {
			return cfg, errors.Wrap(err, "decode session settings")
		}
	}
	if configFile != "" {
		var err error
		cfg, err = LoadConfigFile(configFile, cfg)
		if err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}
