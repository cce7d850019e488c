// Package main is the entry point for the polis-sandbox binary.
// It evaluates sandboxed string calls from the command line and serves the
// sandbox HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-sandbox/internal/governance"
	"github.com/polisai/polis-sandbox/pkg/config"
	"github.com/polisai/polis-sandbox/pkg/logging"
	"github.com/polisai/polis-sandbox/pkg/policy"
	"github.com/polisai/polis-sandbox/pkg/server"
	"github.com/polisai/polis-sandbox/pkg/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-sandbox
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-sandbox",
		Short: "Policy-gated string function sandbox",
		Long: `Evaluate calls made through sandboxed string values.

A sandboxed string used as a function name is checked against the configured
function policy before anything runs. Denied calls return an empty string.

Example:
  polis-sandbox --config sandbox.yaml invoke strtoupper hello
  polis-sandbox --config sandbox.yaml check eval
  polis-sandbox --config sandbox.yaml serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Enable text console logging")

	rootCmd.AddCommand(newInvokeCmd(), newCheckCmd(), newServeCmd())
	return rootCmd
}

func newInvokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invoke VALUE [ARG...]",
		Short: "Call a sandboxed string as a function and print the JSON result",
		Long: `Call VALUE as a function name through the sandbox policy.

Each ARG is decoded as a JSON literal when it parses as one and passed as a
plain string otherwise, so 3 is a number, '"3"' and abc are strings.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			engine, err := rt.newEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = engine.Close(cmd.Context()) }()

			callArgs := parseArgs(args[1:])
			for i, arg := range callArgs {
				callArgs[i] = engine.Wrap(arg)
			}

			result, err := engine.WrapString(args[0]).Invoke(cmd.Context(), callArgs...)
			if err != nil {
				return err
			}

			out, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check NAME",
		Short: "Print whether the policy allows calling NAME",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			engine, err := rt.newEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = engine.Close(cmd.Context()) }()

			verdict := "denied"
			if engine.CheckFunc(cmd.Context(), args[0]) {
				verdict = "allowed"
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), verdict)
			return err
		},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sandbox HTTP API",
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "", "Address to listen on (overrides config)")
	return cmd
}

// cliEnv bundles what every subcommand derives from flags and config.
type cliEnv struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func loadRuntime(cmd *cobra.Command) (*cliEnv, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	pretty, err := cmd.Flags().GetBool("pretty")
	if err != nil {
		return nil, fmt.Errorf("failed to get pretty flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if pretty {
		cfg.Logging.Pretty = true
	}

	// stdout carries command output, so logs go to stderr.
	logger := logging.SetupLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})

	return &cliEnv{configPath: configPath, cfg: cfg, logger: logger}, nil
}

func (rt *cliEnv) newEngine(ctx context.Context) (*policy.Engine, error) {
	opts, err := rt.cfg.EngineOptions()
	if err != nil {
		return nil, err
	}
	opts.Logger = rt.logger
	return policy.NewEngine(ctx, opts)
}

// parseArgs decodes each argument as a JSON literal, keeping the raw string
// when it does not parse.
func parseArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, arg := range raw {
		var decoded any
		if err := json.Unmarshal([]byte(arg), &decoded); err != nil {
			args[i] = arg
			continue
		}
		args[i] = decoded
	}
	return args
}

// applyPolicy pushes reloadable policy settings onto a running engine.
// Rego modules are read once at startup.
func applyPolicy(engine *policy.Engine, cfg *config.Config) error {
	engine.SetFunctionLists(cfg.Policy.Whitelist, cfg.Policy.Blacklist)

	var errs []error
	for class, enabled := range cfg.Policy.Overrides.Map() {
		if err := engine.SetOverride(class, enabled); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	logger := rt.logger

	listenAddr, err := cmd.Flags().GetString("listen")
	if err != nil {
		return fmt.Errorf("failed to get listen flag: %w", err)
	}
	if listenAddr == "" {
		listenAddr = rt.cfg.Server.Address
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: rt.cfg.Telemetry.ServiceName,
		Endpoint:    rt.cfg.Telemetry.OTLPEndpoint,
		Environment: rt.cfg.Telemetry.Environment,
		Insecure:    rt.cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Failed to flush telemetry", "error", err)
		}
	}()

	engine, err := rt.newEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close(context.WithoutCancel(ctx)) }()

	metrics := server.NewMetrics()
	limiter := governance.NewRateLimiter(rt.cfg.Server.Limits())
	srv, err := server.New(server.Options{
		Engine:      engine,
		Metrics:     metrics,
		Logger:      logger,
		RateLimiter: limiter,
	})
	if err != nil {
		return err
	}

	if rt.configPath != "" {
		watcher, err := config.NewWatcher(rt.configPath, config.WatcherOptions{
			Logger: logger,
			OnChange: func(cfg *config.Config) {
				if err := applyPolicy(engine, cfg); err != nil {
					metrics.RecordConfigReload("failure")
					logger.Error("Failed to apply reloaded policy", "error", err)
					return
				}
				limiter.Configure(cfg.Server.Limits())
				metrics.RecordConfigReload("success")
			},
			OnError: func(error) {
				metrics.RecordConfigReload("failure")
			},
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := watcher.Close(); err != nil {
				logger.Error("Failed to close config watcher", "error", err)
			}
		}()
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind listener %s: %w", listenAddr, err)
	}

	logger.Info("Starting polis-sandbox", "config", rt.configPath, "engine_id", engine.ID())
	if err := srv.Serve(ctx, listener); err != nil {
		return err
	}
	logger.Info("Shut down")
	return nil
}
