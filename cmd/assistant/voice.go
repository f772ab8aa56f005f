package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/assistant/internal/model/chat"
)

func newVoiceCommand(opts *rootOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "voice",
		Short: "Talk to the assistant; spoken requests drive the chat session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			e, err := buildEngine(ctx, cfg)
			if err != nil {
				return err
			}
			if e.bridge == nil {
				return errors.New("realtime voice is not configured: set OPENAI_API_KEY or REALTIME_TOKEN_URL")
			}
			defer e.shutdown(context.WithoutCancel(ctx))

			out := cmd.OutOrStdout()
			unsubscribe := e.manager.Subscribe(func(s chat.Snapshot) {
				if s.State != chat.StateReady || len(s.Messages) == 0 {
					return
				}
				last := s.Messages[len(s.Messages)-1]
				if last.Role == chat.RoleAssistant && last.Content != "" {
					fmt.Fprintf(out, "assistant> %s\n", last.Content)
				}
			})
			defer unsubscribe()

			session, err := e.manager.Start(ctx, sessionID)
			if err != nil {
				fmt.Fprintf(out, "! history unavailable: %v\n", err)
			}
			if err := e.bridge.Connect(ctx); err != nil {
				return errors.Wrap(err, "connect voice")
			}
			fmt.Fprintf(out, "session %s: %s, press Ctrl+C to stop\n", session.ID, e.bridge.State())

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "load an existing session")
	return cmd
}
