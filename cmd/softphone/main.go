package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradeworks/softphone/bridge"
	"github.com/tradeworks/softphone/call"
	"github.com/tradeworks/softphone/config"
	"github.com/tradeworks/softphone/history"
	"github.com/tradeworks/softphone/media"
	"github.com/tradeworks/softphone/metrics"
	"github.com/tradeworks/softphone/relay"
	"github.com/tradeworks/softphone/signaling"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting softphone agent",
		"http_port", cfg.HTTPPort,
		"backend_url", cfg.BackendURL,
		"data_dir", cfg.DataDir,
	)

	signingKey, err := cfg.SigningKeyBytes()
	if err != nil {
		slog.Error("invalid signing key", "error", err)
		os.Exit(1)
	}

	// Open the local call-history store and run migrations.
	store, err := history.Open(cfg.DataDir, logger)
	if err != nil {
		slog.Error("failed to open history store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	relayClient := relay.NewClient(cfg.BackendURL, cfg.TenantID, cfg.UserID, signingKey, logger)

	// The transport delivers events into a controller that does not exist
	// yet; the indirection breaks the construction cycle. No event can
	// arrive before the supervisor starts, which happens after the
	// controller is assigned.
	var controller *call.Controller
	deliver := func(ev call.Event) { controller.Deliver(ev) }

	transport, supervisor := buildSignaling(appCtx, cfg, relayClient, deliver, logger)
	var signaler call.Signaler
	if transport != nil {
		signaler = transport
		defer transport.Close()
	}

	gate := media.NewGate(&media.NullDevice{}, logger)

	controller = call.New(signaler, relayClient, gate, call.Options{
		Logger:       logger,
		FromNumber:   cfg.FromNumber,
		Recorder:     store,
		InviteWindow: time.Duration(cfg.InviteWindow) * time.Second,
	})
	defer controller.Close()

	if supervisor != nil {
		go supervisor.Run(appCtx)
	}

	// The ICE grace monitor escalates a sustained media-path failure into
	// a fatal call event.
	monitor := signaling.NewICEMonitor(
		time.Duration(cfg.ICEGrace)*time.Second,
		func(sessionID string, err error) {
			controller.Deliver(call.MediaFailed{SessionID: sessionID, Err: err})
		},
		logger,
	)
	go watchSessions(appCtx, controller, monitor)

	// Call-log change notifications from the backend database.
	if cfg.BackendDSN != "" {
		listener := bridge.NewListener(cfg.BackendDSN, cfg.TenantID, deliver, logger)
		go listener.Run(appCtx)
	} else {
		slog.Info("no backend dsn configured, call-log notifications disabled")
	}

	webhook := bridge.NewWebhook(deliver, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(controller, store, time.Now()))

	r := chi.NewRouter()
	r.Mount("/hooks", webhook.Routes())
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("softphone agent stopped")
}

// buildSignaling fetches per-user voice credentials from the backend and
// stands up the SIP transport with its registration supervisor. Failure
// is not fatal: the agent still places calls through the server relay.
func buildSignaling(ctx context.Context, cfg *config.Config, client *relay.Client, deliver func(call.Event), logger *slog.Logger) (*signaling.Transport, *signaling.Supervisor) {
	credCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	creds, err := client.VoiceToken(credCtx)
	if err != nil {
		slog.Warn("voice credentials unavailable, running relay-only", "error", err)
		return nil, nil
	}

	transport, err := signaling.NewTransport(signaling.Config{
		Username:     creds.SIPUsername,
		AuthUsername: creds.SIPUsername,
		Password:     creds.SIPPassword,
		Domain:       creds.SIPDomain,
		Server:       creds.WebsocketServer,
	}, deliver, logger)
	if err != nil {
		slog.Warn("signaling transport unavailable, running relay-only", "error", err)
		return nil, nil
	}

	supervisor := signaling.NewSupervisor(transport, deliver, logger, signaling.SupervisorOptions{})
	return transport, supervisor
}

// watchSessions binds the ICE grace monitor to whichever WebRTC session
// is currently live.
func watchSessions(ctx context.Context, controller *call.Controller, monitor *signaling.ICEMonitor) {
	updates, cancel := controller.Subscribe()
	defer cancel()

	watched := ""
	for {
		select {
		case <-ctx.Done():
			monitor.Stop()
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			switch {
			case snap.Session == nil:
				if watched != "" {
					monitor.Stop()
					watched = ""
				}
			case snap.Session.Transport == call.TransportWebRTC && snap.Session.ID != watched:
				monitor.Watch(snap.Session.ID)
				watched = snap.Session.ID
			}
		}
	}
}
