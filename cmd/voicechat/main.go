package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "voicechat",
	Short: "Terminal client and demo agent for voice-assistant chat sessions",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
}

// middlewares resolve flags first, then VOICECHAT_* environment variables,
// then defaults.
func middlewares(_ *values.Values, cmd *cobra.Command, args []string) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv("VOICECHAT",
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

func main() {
	if err := clay.InitGlazed("voicechat", rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	chat, err := NewChatCommand()
	cobra.CheckErr(err)
	chatCmd, err := cli.BuildCobraCommand(chat, cli.WithCobraMiddlewaresFunc(middlewares))
	cobra.CheckErr(err)
	rootCmd.AddCommand(chatCmd)

	serve, err := NewServeCommand()
	cobra.CheckErr(err)
	serveCmd, err := cli.BuildCobraCommand(serve, cli.WithCobraMiddlewaresFunc(middlewares))
	cobra.CheckErr(err)
	rootCmd.AddCommand(serveCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.CheckErr(rootCmd.ExecuteContext(ctx))
}
