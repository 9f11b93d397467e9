package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/voicechat/pkg/agentserver"
)

type ServeSettings struct {
	Addr          string `glazed:"addr"`
	Greeting      string `glazed:"greeting"`
	ReplyDelayMs  int    `glazed:"reply-delay-ms"`
	IdleTimeoutMs int    `glazed:"idle-timeout-ms"`
}

type ServeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = (*ServeCommand)(nil)

func NewServeCommand() (*ServeCommand, error) {
	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Run the demo agent websocket endpoint"),
		cmds.WithFlags(
			fields.New("addr", fields.TypeString,
				fields.WithDefault(":8080"),
				fields.WithHelp("Listen address")),
			fields.New("greeting", fields.TypeString,
				fields.WithDefault("Hi! I'm listening. Type a message to chat."),
				fields.WithHelp("First message sent to every client")),
			fields.New("reply-delay-ms", fields.TypeInteger,
				fields.WithDefault(300),
				fields.WithHelp("Delay before the agent answers")),
			fields.New("idle-timeout-ms", fields.TypeInteger,
				fields.WithDefault(60_000),
				fields.WithHelp("Log once no client has been connected for this long (0 disables)")),
		),
	)
	return &ServeCommand{CommandDescription: desc}, nil
}

func (c *ServeCommand) Run(ctx context.Context, parsed *values.Values) error {
	s := &ServeSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init serve settings")
	}

	agent := agentserver.NewServer(
		agentserver.WithGreeting(s.Greeting),
		agentserver.WithReplyDelay(time.Duration(s.ReplyDelayMs)*time.Millisecond),
		agentserver.WithIdleTimeout(time.Duration(s.IdleTimeoutMs)*time.Millisecond),
	)
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           agent.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", s.Addr).Msg("agent listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	eg.Go(func() error {
		<-gctx.Done()
		agent.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msg("agent shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
