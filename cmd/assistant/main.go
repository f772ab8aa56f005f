package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/assistant/internal/config"
	"github.com/zhouzirui/z-tavern/assistant/internal/logging"
)

type rootOptions struct {
	envFile  string
	logLevel string
	pretty   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "assistant",
		Short:         "Streaming chat session engine with attachments and realtime voice",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "overrides LOG_LEVEL")
	root.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "human readable logs")

	root.AddCommand(
		newServeCommand(opts),
		newChatCommand(opts),
		newVoiceCommand(opts),
	)
	return root
}

// loadConfig reads the dotenv file, then the environment, then applies flags.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	envErr := godotenv.Load(o.envFile)

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.pretty {
		cfg.Log.Pretty = true
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

	if envErr != nil {
		log.Debug().Err(envErr).Str("file", o.envFile).Msg("dotenv not loaded, using process environment only")
	}
	return cfg, nil
}
