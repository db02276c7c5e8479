// Command livebridge runs a live voice session against the bridge endpoint
// or serves the bridge itself.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MrWong99/livebridge/internal/config"
)

// version is overridden at link time.
var version = "dev"

const defaultConfigPath = "livebridge.yaml"

// Shared CLI flags.
var (
	cfgFile  string
	logLevel string
)

// logLevelVar backs the default logger so the relay can change verbosity on
// config reload.
var logLevelVar slog.LevelVar

func main() {
	os.Exit(run())
}

func run() int {
	// A missing .env is not an error.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "livebridge: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "livebridge",
		Short: "Live voice conversations with Gemini",
		Long: `livebridge streams microphone audio to a Gemini Live session and plays the
spoken reply as it arrives.

Use 'livebridge relay' to serve the bridge endpoint that holds the API key, and
'livebridge talk' to start a conversation through it.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath, "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(newTalkCmd())
	root.AddCommand(newRelayCmd())
	root.AddCommand(newDevicesCmd())
	return root
}

// loadConfig reads the config file named by --config. The default path may
// be absent, in which case built-in defaults are used. Environment overrides
// and --log-level are applied, and the default logger is installed.
func loadConfig(cmd *cobra.Command) (cfg *config.Config, fromFile bool, err error) {
	cfg, err = config.Load(cfgFile)
	switch {
	case err == nil:
		fromFile = true
	case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	case errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", cfgFile)
	default:
		return nil, false, err
	}

	config.ApplyEnv(cfg, os.Getenv)

	if logLevel != "" {
		lvl := config.LogLevel(logLevel)
		if !lvl.IsValid() {
			return nil, false, fmt.Errorf("invalid --log-level %q", logLevel)
		}
		cfg.Server.LogLevel = lvl
	}

	// ApplyEnv may have replaced live.url.
	if err := config.Validate(cfg); err != nil {
		return nil, false, err
	}

	slog.SetDefault(newLogger(os.Stderr, cfg.Server.LogLevel))
	return cfg, fromFile, nil
}

func newLogger(w io.Writer, level config.LogLevel) *slog.Logger {
	logLevelVar.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &logLevelVar}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
