package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charleschow/spin-overlay/internal/adapters/inbound/kick_webhook"
	"github.com/charleschow/spin-overlay/internal/adapters/inbound/overlay_api"
	"github.com/charleschow/spin-overlay/internal/adapters/kick_auth"
	"github.com/charleschow/spin-overlay/internal/adapters/outbound/discord"
	"github.com/charleschow/spin-overlay/internal/adapters/outbound/kick_http"
	"github.com/charleschow/spin-overlay/internal/config"
	"github.com/charleschow/spin-overlay/internal/core/spins"
	"github.com/charleschow/spin-overlay/internal/core/wheel"
	"github.com/charleschow/spin-overlay/internal/events"
	"github.com/charleschow/spin-overlay/internal/fanout"
	"github.com/charleschow/spin-overlay/internal/session"
	"github.com/charleschow/spin-overlay/internal/telemetry"
	"github.com/charleschow/spin-overlay/internal/watchdog"
)

func main() {
	cfg := config.Load()
	telemetry.Init(telemetry.ParseLogLevel(cfg.LogLevel))
	telemetry.Infof("Starting spin overlay")

	tuning, err := config.LoadTuning(cfg.SpinTuningPath)
	if err != nil {
		telemetry.Errorf("Failed to load spin tuning: %v", err)
		os.Exit(1)
	}
	telemetry.Infof("Spin tuning  cooldown=%s  tick=%s  gifts_per_spin=%d  dedup=%d",
		tuning.Cooldown(), tuning.TickInterval(), tuning.GiftsPerSpin, tuning.DedupCapacity)

	bus := events.NewBus()

	// ── Webhook verification ────────────────────────────────────
	verifier, err := kick_webhook.NewKickVerifier(cfg.KickPublicKeyFile)
	if err != nil {
		telemetry.Errorf("Kick public key: %v", err)
		os.Exit(1)
	}

	// ── Audit store ─────────────────────────────────────────────
	webhookStore, err := kick_webhook.OpenStore(cfg.WebhookStorePath)
	if err != nil {
		telemetry.Warnf("Webhook store disabled: %v", err)
	}

	// ── Overlay fan-out + spin engine ───────────────────────────
	overlays := fanout.NewServer(cfg.AllowedOrigins)
	engine := spins.NewEngine(
		spins.NewFileCounterStore(cfg.PendingPath),
		overlays,
		spins.WithCooldown(tuning.Cooldown()),
		spins.WithTickInterval(tuning.TickInterval()),
		spins.WithInFlightTimeout(cfg.SpinInFlightLimit),
		spins.WithBus(bus),
	)
	overlays.OnConnect(func() any { return fanout.NewPending(engine.PendingCount()) })
	engine.Subscribe(bus)
	if webhookStore != nil {
		webhookStore.Subscribe(bus)
	}
	alerts := discord.NewNotifier(cfg.DiscordWebhookURL)
	alerts.Subscribe(bus)
	if alerts.Enabled() {
		telemetry.Infof("Discord alerts enabled")
	}

	// ── Kick API ────────────────────────────────────────────────
	tokens := kick_auth.NewTokenSource(
		kick_auth.NewFileStore(cfg.TokensPath),
		cfg.KickOAuthHost, cfg.KickClientID, cfg.KickClientSecret,
	)
	kick := kick_http.NewClient(cfg.KickAPIBaseURL, tokens)
	dog := watchdog.New(kick, tokens, watchdog.NewCallbackStore(cfg.CallbackURLPath, cfg.PublicBaseURL))
	if st := tokens.Status(); st.HasTokens {
		telemetry.Infof("Kick tokens loaded  expires_in=%ds  scope=%q", st.SecondsLeft, st.Scope)
	} else {
		telemetry.Warnf("No Kick tokens at %s: chat and subscription management disabled until provided", cfg.TokensPath)
	}

	// ── HTTP routes ─────────────────────────────────────────────
	webhookOpts := []kick_webhook.HandlerOption{
		kick_webhook.WithGiftsPerSpin(tuning.GiftsPerSpin),
		kick_webhook.WithMaxSkew(tuning.MaxSkew()),
	}
	if webhookStore != nil {
		webhookOpts = append(webhookOpts, kick_webhook.WithRecorder(webhookStore))
	}
	webhookHandler := kick_webhook.NewHandler(verifier, kick_webhook.NewLedger(tuning.DedupCapacity), bus, webhookOpts...)

	sessions := session.NewManager(cfg.SessionSecret, cfg.AdminKey, cfg.Production)
	api := overlay_api.NewHandler(engine, overlays,
		wheel.NewStore(cfg.WheelConfigPath, cfg.GoalsPath),
		sessions,
		overlay_api.WithTrigger(cfg.TriggerKey, tuning.TriggerMax),
		overlay_api.WithAnnouncer(kick),
		overlay_api.WithSubscriptions(dog),
		overlay_api.WithTokenStatus(tokens),
		overlay_api.WithBroadcasterLookup(kick),
	)

	mux := http.NewServeMux()
	webhookHandler.RegisterRoutes(mux)
	api.RegisterRoutes(mux)
	mux.HandleFunc("GET /ws", overlays.HandleWS)

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      telemetry.AccessLog(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Errorf("HTTP server: %v", err)
			os.Exit(1)
		}
	}()
	telemetry.Infof("Listening on %q  public=%q", cfg.ListenAddr(), cfg.PublicBaseURL)

	// ── Background loops ────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go engine.Run(ctx)
	if cfg.WatchdogEnabled {
		go dog.Run(ctx)
	}

	// ── Shutdown ────────────────────────────────────────────────
	<-ctx.Done()
	telemetry.Infof("Shutting down...")

	engine.Flush()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	if webhookStore != nil {
		webhookStore.Close()
	}
	alerts.Wait()

	telemetry.Infof("Shutdown complete  webhooks=%d  rejected=%d  gifts=%d  enqueued=%d  delivered=%d  rolled_back=%d  completed=%d  pending=%d",
		telemetry.Metrics.WebhooksReceived.Value(),
		telemetry.Metrics.WebhooksRejected.Value(),
		telemetry.Metrics.GiftEvents.Value(),
		telemetry.Metrics.SpinsEnqueued.Value(),
		telemetry.Metrics.SpinsDelivered.Value(),
		telemetry.Metrics.SpinsRolledBack.Value(),
		telemetry.Metrics.SpinsCompleted.Value(),
		engine.PendingCount(),
	)
}
