package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/MrWong99/livebridge/internal/config"
	"github.com/MrWong99/livebridge/internal/health"
	"github.com/MrWong99/livebridge/internal/observe"
	"github.com/MrWong99/livebridge/internal/relay"
	"github.com/MrWong99/livebridge/internal/resilience"
	"github.com/MrWong99/livebridge/pkg/live/transport"
)

const shutdownTimeout = 15 * time.Second

func newRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Serve the bridge endpoint",
		Long: `Serve /api/live and forward each connection to the Gemini Live service,
adding the API key from upstream.api_key, LIVEBRIDGE_API_KEY or GEMINI_API_KEY.

Also serves /healthz, /readyz and /metrics. Changes to the config file are
applied without a restart where possible.`,
		Args: cobra.NoArgs,
		RunE: runRelay,
	}
}

func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "livebridge",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "upstream",
		MaxFailures:  cfg.Upstream.Breaker.MaxFailures,
		ResetTimeout: cfg.Upstream.Breaker.ResetTimeout,
	})
	rl := relay.New(relay.ConfigFrom(cfg.Upstream),
		relay.WithMetrics(metrics),
		relay.WithBreaker(breaker),
	)
	if cfg.Upstream.APIKey == "" {
		slog.Warn("no upstream API key configured; /readyz will fail until one is set",
			"env", []string{config.EnvAPIKey, config.EnvGeminiAPIKey})
	}

	hh := health.New(
		health.Checker{Name: "upstream", Check: rl.Ready},
		health.Checker{Name: "capacity", Check: rl.HasCapacity},
	)

	mux := http.NewServeMux()
	rl.Register(mux)
	hh.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	if fromFile {
		w, err := config.NewWatcher(cfgFile, func(prev, next *config.Config) {
			applyReload(rl, prev, next)
		})
		if err != nil {
			return err
		}
		defer w.Stop()
	}

	srv := &http.Server{
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.ListenAddr, err)
	}

	printRelaySummary(cmd.OutOrStdout(), cfg, ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("relay ready; press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	slog.Info("shutdown signal received, stopping", "active", rl.Active())
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Error("shutdown error", "err", err)
		return err
	}
	slog.Info("goodbye")
	return nil
}

// applyReload applies the hot-reloadable parts of a config change and warns
// about the rest.
func applyReload(rl *relay.Relay, prev, next *config.Config) {
	d := config.Diff(prev, next)
	if d.LogLevelChanged && logLevel == "" {
		logLevelVar.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RelayChanged() {
		rl.Update(relay.ConfigFrom(next.Upstream))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "fields", d.RestartRequired)
	}
}

func printRelaySummary(w io.Writer, cfg *config.Config, addr string) {
	key := "(missing)"
	if cfg.Upstream.APIKey != "" {
		key = "(set)"
	}
	model := cfg.Upstream.Model
	if model == "" {
		model = "(client choice)"
	}
	sessions := "unlimited"
	if cfg.Upstream.MaxSessions > 0 {
		sessions = fmt.Sprint(cfg.Upstream.MaxSessions)
	}

	fmt.Fprintln(w, "livebridge relay")
	fmt.Fprintf(w, "  endpoint     : %s\n", transport.EndpointURL(addr, cfg.Server.TLS != nil))
	fmt.Fprintf(w, "  upstream     : %s\n", cfg.Upstream.BaseURL)
	fmt.Fprintf(w, "  api key      : %s\n", key)
	fmt.Fprintf(w, "  model        : %s\n", model)
	fmt.Fprintf(w, "  max sessions : %s\n", sessions)
}
