package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sdvram/internal/config"
	"github.com/samcharles93/sdvram/internal/logger"
	"github.com/samcharles93/sdvram/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    version.Name,
		Usage:   "Export transformer weights as paged int8 artifacts for SD-card devices",
		Version: version.String(),
		Flags: append(loggingFlags(),
			&cli.StringFlag{
				Name:        "config",
				Usage:       "config file (default: $XDG_CONFIG_HOME/sdvram/config.yaml)",
				Destination: &configPath,
			},
		),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			exportCmd(),
			inspectCmd(),
			verifyCmd(),
			bundleCmd(),
			serveCmd(),
			synthCmd(),
			versionCmd(),
		},
	}
}

// setup loads the config file and installs the logger in the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path, required := configPath, true
	if path == "" {
		path, required = config.Path(), false
	}
	f, err := config.Load(path, required)
	if err != nil {
		return ctx, err
	}
	fileCfg = f

	if f.LogLevel != "" && !cmd.IsSet("log-level") {
		logLevel = f.LogLevel
	}
	if f.LogFormat != "" && !cmd.IsSet("log-format") {
		logFormat = f.LogFormat
	}
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return ctx, err
	}
	if debug {
		level = slog.LevelDebug
	}
	log, err := logger.New(logFormat, level, os.Stderr)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}
