package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/stockportal/internal/app"
	"github.com/florianilch/stockportal/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	return newRootCommand().Run(ctx, args)
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "stockportal",
		Usage: "Stock Prediction Portal client with automatic token refresh",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:     "log-level",
				Category: configCategory,
				Usage:    "log level (debug|info|warn|error)",
				Value:    slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:     "log-format",
				Category: configCategory,
				Usage:    "log format (text|json)",
				Value:    string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:     "log-exporter",
				Category: configCategory,
				Usage:    "log exporter (none|stdout|otlp-http|otlp-grpc)",
				Value:    app.DefaultConfigLogExporter,
			},
			&cli.StringFlag{
				Name:     "api--base-url",
				Category: configCategory,
				Usage:    "portal API base URL",
				Value:    app.DefaultConfigAPIBaseURL,
			},
			&cli.StringFlag{
				Name:     "credentials--storage",
				Category: configCategory,
				Usage:    "credential storage (file|env|keyring|redis|memory)",
				Value:    string(app.DefaultConfigCredentialsStorage),
			},
			&cli.StringFlag{
				Name:     "credentials--file",
				Category: configCategory,
				Usage:    "credential file for file storage",
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			logoutCommand(),
			registerCommand(),
			statusCommand(),
			protectedCommand(),
			predictCommand(),
			proxyCommand(),
		},
	}
}

func proxyCommand() *cli.Command {
	return &cli.Command{
		Name:  "proxy",
		Usage: "local proxy that authenticates requests to the portal API",
		Commands: []*cli.Command{
			proxyStartCommand(),
		},
	}
}

func proxyStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "start the proxy and serve until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "server--host",
				Category: configCategory,
				Usage:    "server host",
				Value:    app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:     "server--port",
				Category: configCategory,
				Usage:    "server port",
				Value:    int(app.DefaultConfigServerPort),
			},
			&cli.BoolFlag{
				Name:     "metrics--enabled",
				Category: configCategory,
				Usage:    "serve Prometheus metrics on /metrics",
			},
		},
		Action: proxyStartAction,
	}
}

func proxyStartAction(ctx context.Context, cmd *cli.Command) error {
	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush(shutdown)

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

// setup loads the configuration and installs the logger. The returned function
// flushes buffered log records.
func setup(ctx context.Context, cmd *cli.Command) (*app.Config, func(context.Context) error, error) {
	cfg, err := loadConfig(cmd.String("config"), configFlags(cmd), os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating the session
	shutdown, err := observability.Instrument(ctx, observability.Options{
		Level:    cfg.LogLevel,
		Format:   string(cfg.LogFormat),
		Exporter: cfg.LogExporter,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	return cfg, shutdown, nil
}

func flush(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), app.DefaultConfigShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush logs: %v\n", err)
	}
}
