package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/agentwire/pkg/cli"
	"github.com/amurg-ai/agentwire/pkg/eventbus"
	"github.com/amurg-ai/agentwire/runtime/internal/config"
	"github.com/amurg-ai/agentwire/runtime/internal/runtime"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the runtime (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	cmd.Flags().Bool("trace", false, "write every agent event to stderr as JSON lines")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, "runtime-config.json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	trace, _ := cmd.Flags().GetBool("trace")

	bus := eventbus.New()
	logger := newLogger(cmd.OutOrStdout(), cfg.Runtime, bus, trace)

	prompter := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()}
	rt, err := runtime.New(cfg, logger, runtime.Options{
		Bus: bus,
		Passphrase: func(name, keyFile string) ([]byte, error) {
			pass, err := prompter.AskPassword(fmt.Sprintf("Passphrase for %s (%s)", name, keyFile))
			return []byte(pass), err
		},
	})
	if err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if trace {
		go rt.Trace(ctx, cmd.ErrOrStderr())
	}

	logger.Info("agentwire runtime starting", "version", version, "config", configPath)
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("runtime: %w", err)
	}
	logger.Info("runtime stopped")
	return nil
}

// newLogger builds the process logger. With trace set, warnings and errors
// are also published on bus so they appear in the event stream.
func newLogger(w io.Writer, cfg config.RuntimeConfig, bus *eventbus.Bus, trace bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(w, opts)
	}
	if trace {
		h = eventbus.NewSlogHandler(h, bus, slog.LevelWarn)
	}
	return slog.New(h)
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Default value
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}
