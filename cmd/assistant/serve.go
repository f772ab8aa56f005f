package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-tavern/assistant/internal/handler"
	"github.com/zhouzirui/z-tavern/assistant/internal/handler/events"
	"github.com/zhouzirui/z-tavern/assistant/internal/service/attachment"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		exposeBackend bool
		sessionID     string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control surface with the websocket event feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			// the hub exists before the engine so uploads can be published;
			// its initial event is only built once a client connects.
			var e *engine
			hub := events.NewHub(func() events.Event {
				return events.Event{Type: events.TypeSnapshot, Data: e.manager.Snapshot()}
			}, events.DefaultOptions())

			e, err = buildEngine(ctx, cfg, attachment.WithOnUploaded(handler.PublishUploads(hub)))
			if err != nil {
				return err
			}
			unsubscribe := handler.PublishSnapshots(e.manager, hub)
			defer unsubscribe()

			deps := handler.Deps{
				Manager:            e.manager,
				Hub:                hub,
				MaxAttachmentBytes: cfg.Attachments.MaxBytes,
				Gatherer:           e.registry,
			}
			if e.bridge != nil {
				deps.Voice = e.bridge
			}
			if exposeBackend && e.local != nil {
				deps.Backend = e.local
			}

			if cmd.Flags().Changed("session") {
				if _, err := e.manager.Start(ctx, sessionID); err != nil {
					log.Warn().Err(err).Msg("initial session started without history")
				}
			}

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           handler.NewRouter(deps),
				ReadHeaderTimeout: 10 * time.Second,
			}

			eg, egCtx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				log.Info().Str("addr", srv.Addr).Bool("voice", e.bridge != nil).Bool("backend", deps.Backend != nil).Msg("server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return errors.Wrap(err, "listen")
				}
				return nil
			})
			eg.Go(func() error {
				<-egCtx.Done()
				log.Info().Msg("shutting down")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				e.shutdown(shutdownCtx)
				hub.CloseAll()
				return srv.Shutdown(shutdownCtx)
			})
			return eg.Wait()
		},
	}
	cmd.Flags().BoolVar(&exposeBackend, "expose-backend", false, "serve the in-process backend under /api/chat for other clients")
	cmd.Flags().StringVar(&sessionID, "session", "", "start a session on boot (empty id generates one)")
	return cmd
}
