package main

import (
	"context"
	"net/http"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/assistant/internal/client/backend"
	"github.com/zhouzirui/z-tavern/assistant/internal/config"
	"github.com/zhouzirui/z-tavern/assistant/internal/metrics"
	"github.com/zhouzirui/z-tavern/assistant/internal/service/ai"
	"github.com/zhouzirui/z-tavern/assistant/internal/service/attachment"
	chatService "github.com/zhouzirui/z-tavern/assistant/internal/service/chat"
	voiceService "github.com/zhouzirui/z-tavern/assistant/internal/service/voice"
)

var errNoBackend = errors.New("no backend configured: set BACKEND_URL or ARK_API_KEY/ARK_MODEL")

const defaultSTUN = "stun:stun.l.google.com:19302"

// engine is the wired set of services shared by every subcommand.
type engine struct {
	cfg      *config.Config
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	backend  chatService.Backend
	// local is set when completions run in-process; serve exposes it over HTTP.
	local   *ai.Backend
	manager *chatService.Manager
	bridge  *voiceService.Bridge
}

// buildEngine wires the services. trackerOpts are appended to the
// attachment tracker's options.
func buildEngine(ctx context.Context, cfg *config.Config, trackerOpts ...attachment.Option) (*engine, error) {
	e := &engine{cfg: cfg, registry: prometheus.NewRegistry()}
	e.metrics = metrics.New(e.registry)

	switch {
	case cfg.Backend.Enabled():
		client, err := backend.New(cfg.Backend.URL, cfg.Backend.Timeout)
		if err != nil {
			return nil, err
		}
		e.backend = client
		log.Info().Str("url", cfg.Backend.URL).Msg("using remote backend")
	case cfg.AI.Enabled():
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "create ark chat model")
		}
		local, err := ai.NewBackend(ctx, chatModel, cfg.AI)
		if err != nil {
			return nil, err
		}
		e.backend, e.local = local, local
		log.Info().Str("model", cfg.AI.Model).Msg("using in-process ark backend")
	default:
		return nil, errNoBackend
	}

	tracker := attachment.New(e.backend, append([]attachment.Option{
		attachment.WithMaxBytes(cfg.Attachments.MaxBytes),
		attachment.WithMetrics(e.metrics),
	}, trackerOpts...)...)
	e.manager = chatService.NewManager(e.backend, tracker,
		chatService.WithAwaitPending(cfg.Attachments.AwaitPending),
		chatService.WithMetrics(e.metrics),
	)

	if cfg.Realtime.Enabled() {
		bridge, err := buildBridge(cfg.Realtime, e.manager, e.metrics)
		if err != nil {
			return nil, err
		}
		e.bridge = bridge
	} else {
		log.Info().Msg("realtime voice not configured, skipping voice bridge")
	}
	return e, nil
}

func buildBridge(cfg config.RealtimeConfig, manager *chatService.Manager, m *metrics.Metrics) (*voiceService.Bridge, error) {
	registry, err := voiceService.NewRegistry(manager.VoiceTools()...)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	tokens := &voiceService.TokenClient{
		HTTPClient: httpClient,
		Endpoint:   cfg.TokenURL,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		Voice:      cfg.Voice,
	}
	signaler := &voiceService.SDPExchanger{
		HTTPClient: httpClient,
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
	}
	peers := voiceService.PionFactory{
		Config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: []string{defaultSTUN}}},
		},
	}
	opts := []voiceService.Option{voiceService.WithMetrics(m)}
	if len(cfg.Modalities) > 0 {
		opts = append(opts, voiceService.WithModalities(cfg.Modalities...))
	}
	return voiceService.NewBridge(tokens, signaler, peers, registry, opts...), nil
}

// shutdown disconnects voice and closes the active session.
func (e *engine) shutdown(ctx context.Context) {
	if e.bridge != nil {
		e.bridge.Disconnect()
	}
	if err := e.manager.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("close session on shutdown")
	}
}
