package main

import (
	"context"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/voicechat/pkg/feed"
	"github.com/go-go-golems/voicechat/pkg/orchestrator"
	"github.com/go-go-golems/voicechat/pkg/redisstream"
	"github.com/go-go-golems/voicechat/pkg/transport/ws"
	"github.com/go-go-golems/voicechat/pkg/ui"
)

type ChatSettings struct {
	URL       string `glazed:"url"`
	Config    string `glazed:"config"`
	NoTUI     bool   `glazed:"no-tui"`
	AutoStart bool   `glazed:"auto-start"`
}

type ChatCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = (*ChatCommand)(nil)

func NewChatCommand() (*ChatCommand, error) {
	sessionSection, err := orchestrator.NewSessionSection()
	if err != nil {
		return nil, errors.Wrap(err, "build session section")
	}
	redisSection, err := redisstream.NewParameterLayer()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}

	desc := cmds.NewCommandDescription(
		"chat",
		cmds.WithShort("Join a voice-assistant session and chat with the agent"),
		cmds.WithFlags(
			fields.New("url", fields.TypeString,
				fields.WithDefault("ws://localhost:8080/ws"),
				fields.WithHelp("Agent websocket endpoint")),
			fields.New("config", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("YAML file overriding the session settings")),
			fields.New("no-tui", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Use line mode even on a terminal")),
			fields.New("auto-start", fields.TypeBool,
				fields.WithDefault(true),
				fields.WithHelp("Start a session immediately")),
		),
		cmds.WithSections(sessionSection, redisSection),
	)
	return &ChatCommand{CommandDescription: desc}, nil
}

func (c *ChatCommand) Run(ctx context.Context, parsed *values.Values) error {
	s := &ChatSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init chat settings")
	}
	cfg, err := orchestrator.ConfigFromValues(parsed, s.Config)
	if err != nil {
		return err
	}
	redisSettings, err := redisstream.SettingsFromValues(parsed)
	if err != nil {
		return err
	}

	bus, err := redisstream.BuildBus(redisSettings)
	if err != nil {
		return errors.Wrap(err, "build transcript bus")
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Warn().Err(err).Msg("closing transcript bus")
		}
	}()

	transport, err := ws.NewTransport(s.URL, bus.Publisher)
	if err != nil {
		return err
	}
	o, err := orchestrator.New(transport, cfg,
		orchestrator.WithSource(feed.NewSource(bus.Subscriber), nil),
		orchestrator.WithBaseContext(ctx),
	)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("ending session on exit")
		}
	}()

	log.Info().
		Str("url", s.URL).
		Bool("chat", cfg.SupportsChatInput).
		Bool("video", cfg.SupportsVideoInput).
		Int("timeout_ms", cfg.ConnectionTimeoutMs).
		Bool("redis", redisSettings.Enabled).
		Msg("voice chat client ready")

	if !s.NoTUI && isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd()) {
		return runTUI(ctx, o, s.AutoStart)
	}
	return runLineMode(ctx, o, s.AutoStart)
}

func runTUI(ctx context.Context, o *orchestrator.Orchestrator, autoStart bool) error {
	p := tea.NewProgram(ui.NewModel(ctx, o), tea.WithAltScreen(), tea.WithContext(ctx))
	stop := ui.Bridge(p, o)
	defer stop()

	if autoStart {
		go func() {
			if _, err := o.StartSession(ctx); err != nil {
				log.Debug().Err(err).Msg("auto start failed")
			}
		}()
	}
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return errors.Wrap(err, "run terminal ui")
	}
	return nil
}

func runLineMode(ctx context.Context, o *orchestrator.Orchestrator, autoStart bool) error {
	lm := ui.NewLineMode(o, os.Stdout)
	detach := lm.Attach(o)
	defer detach()

	if autoStart {
		if _, err := o.StartSession(ctx); err != nil {
			log.Error().Err(err).Msg("could not start session")
		}
	}

	return lm.Run(ctx, os.Stdin)
}
