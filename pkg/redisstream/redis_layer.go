package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
)

const RedisSlug = "redis"

// Settings holds the Redis Streams transport configuration for the transcript
// bus. With Enabled false the bus stays in process.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled"`
	Addr     string `glazed:"redis-addr"`
	Group    string `glazed:"redis-group"`
	Consumer string `glazed:"redis-consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "voicechat",
		Consumer: "client-1",
	}
}

// NewParameterLayer returns the section definition for Redis Streams settings.
func NewParameterLayer() (schema.Section, error) {
	d := DefaultSettings()
	return schema.NewSection(
		RedisSlug,
		"Redis configuration for the transcript bus",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Carry transcript events over Redis Streams")),
			fields.New("redis-addr", fields.TypeString,
				fields.WithDefault(d.Addr),
				fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString,
				fields.WithDefault(d.Group),
				fields.WithHelp("Redis consumer group")),
			fields.New("redis-consumer", fields.TypeString,
				fields.WithDefault(d.Consumer),
				fields.WithHelp("Redis consumer name")),
		),
	)
}

// SettingsFromValues decodes the redis section. A nil parsed value set yields
// the defaults.
func SettingsFromValues(parsed *values.Values) (Settings, error) {
	s := DefaultSettings()
	if parsed == nil {
		return s, nil
	}
	if err := parsed.DecodeSectionInto(RedisSlug, &s); err != nil {
		return s, errors.Wrap(err, "decode redis settings")
	}
	return s, nil
}
