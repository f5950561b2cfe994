package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ent0n29/envo/internal/ai"
	"github.com/ent0n29/envo/internal/botapi"
	"github.com/ent0n29/envo/internal/chat"
	"github.com/ent0n29/envo/internal/command"
	"github.com/ent0n29/envo/internal/config"
	"github.com/ent0n29/envo/internal/httpapi"
	"github.com/ent0n29/envo/internal/memory"
	"github.com/ent0n29/envo/internal/observability"
	"github.com/ent0n29/envo/internal/session"
	"github.com/ent0n29/envo/internal/supervisor"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Sessions   *session.Store
	Gateway    *ai.Gateway
	Dispatcher *command.Dispatcher
	Client     chat.Client
	Supervisor *supervisor.Supervisor
	Metrics    *observability.Metrics
	Registry   *prometheus.Registry

	// Cleanup should be called after the supervisor and HTTP server have
	// stopped to release external resources.
	Cleanup func() error
}

// Build wires every component from cfg. Nothing connects to the chat network
// until the supervisor is started.
func Build(ctx context.Context, cfg config.Config, version string, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.MetricsNamespace, registry)

	persona, err := session.LoadPersona(cfg.PersonaFile)
	if err != nil {
		return nil, fmt.Errorf("persona init failed: %w", err)
	}

	historyStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	backend, err := ai.NewBackend(ctx, ai.BackendConfig{
		Provider:         cfg.AIProvider,
		GeminiAPIKey:     cfg.GeminiAPIKey,
		GeminiModel:      cfg.GeminiModel,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		OpenAIModel:      cfg.OpenAIModel,
		AnthropicAPIKey:  cfg.AnthropicAPIKey,
		AnthropicModel:   cfg.AnthropicModel,
		MaxTokens:        cfg.AIMaxTokens,
		HTTPURL:          cfg.AIHTTPURL,
		HTTPStreamStrict: cfg.AIHTTPStreamStrict,
		HTTPTimeout:      cfg.AITimeout,
	})
	if err != nil {
		_ = historyStore.Close()
		return nil, fmt.Errorf("ai backend init failed: %w", err)
	}

	gateway := ai.NewGateway(backend, historyStore, persona, ai.GatewayConfig{
		MaxPromptLength: cfg.MaxPromptLength,
		Timeout:         cfg.AITimeout,
	}, logger, metrics)

	sessions := session.NewStore(persona, cfg.MaxSessions, cfg.SessionTTL)
	sessions.SetEvictHook(func(key string, reason session.EvictReason) {
		logger.Debug("session evicted", zap.String("conversation_key", key), zap.String("reason", string(reason)))
		metrics.ObserveSessionEvent("evicted_" + string(reason))
		metrics.SetActiveSessions(sessions.Len())
	})

	dispatcher := command.NewDispatcher(command.Config{
		Prefix:      cfg.CommandPrefix,
		Concurrency: cfg.DispatchConcurrency,
	}, sessions, gateway, logger, metrics)

	client, err := newChatClient(cfg, version, logger, metrics)
	if err != nil {
		_ = historyStore.Close()
		return nil, err
	}

	sup := supervisor.New(client, dispatcher, supervisor.Options{StopTimeout: cfg.ShutdownTimeout}, logger, metrics)

	var webhook http.Handler
	if cfg.WebhookEnabled {
		bot, err := botapi.NewClient(cfg.BotAPIToken, cfg.BotAPIBaseURL, cfg.AITimeout)
		if err != nil {
			_ = historyStore.Close()
			return nil, fmt.Errorf("bot api client init failed: %w", err)
		}
		webhook = httpapi.NewWebhook(httpapi.WebhookConfig{
			Secret:        cfg.WebhookSecret,
			RatePerMinute: cfg.WebhookRatePerMinute,
			Burst:         cfg.WebhookBurst,
		}, gateway, bot, logger, metrics)
	}

	api := httpapi.New(httpapi.Options{
		Reporter: httpapi.NewReporter(sup),
		Metrics:  metrics,
		Gatherer: registry,
		Webhook:  webhook,
		Logger:   logger,
		Info: httpapi.RuntimeInfo{
			Version:        version,
			ChatMode:       cfg.ChatMode,
			AIBackend:      gateway.BackendName(),
			StoreMode:      historyStore.Mode(),
			WebhookEnabled: cfg.WebhookEnabled,
			ActiveSessions: sessions.Len,
		},
	})

	logger.Info("components built",
		zap.String("chat_mode", cfg.ChatMode),
		zap.String("ai_backend", gateway.BackendName()),
		zap.String("history_store", historyStore.Mode()),
		zap.Bool("webhook_enabled", cfg.WebhookEnabled),
	)

	cleanup := func() error {
		var errs []error
		if err := historyStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Sessions:   sessions,
		Gateway:    gateway,
		Dispatcher: dispatcher,
		Client:     client,
		Supervisor: sup,
		Metrics:    metrics,
		Registry:   registry,
		Cleanup:    cleanup,
	}, nil
}

func newChatClient(cfg config.Config, version string, logger *zap.Logger, metrics *observability.Metrics) (chat.Client, error) {
	switch cfg.ChatMode {
	case config.ChatModeMock:
		return chat.NewMockClient(chat.Identity{UserID: 1, Username: "envo_mock"}), nil
	case config.ChatModeBridge:
		client, err := chat.NewWSClient(cfg.ChatBridgeURL, cfg.ChatSession, version, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("chat client init failed: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported chat mode %q", cfg.ChatMode)
	}
}
