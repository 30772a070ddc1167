package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/hay-kot/mom/internal/commands"
	"github.com/hay-kot/mom/internal/core/config"
	"github.com/hay-kot/mom/internal/printer"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}
	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

type registrar interface {
	Register(app *cli.Command) *cli.Command
}

func main() {
	if err := setupLogger("info", ""); err != nil {
		panic(err)
	}

	flags := &commands.Flags{}
	ctx := printer.NewContext(context.Background(), printer.New(os.Stderr))

	app := &cli.Command{
		Name:      "mom",
		Usage:     "Message users, topics and queues through a broker",
		UsageText: "mom [global options] command [command options]",
		Description: `mom exchanges messages between named users through RabbitMQ.

  direct   'mom send' delivers to one user's personal queue
  topics   'mom publish' fans out to every subscriber of a topic
  queues   'mom enqueue' and 'mom pop' share work through a named queue

Run 'mom listen --user <name>' to receive messages.`,
		Version: build(),
		Flags:   globalFlags(flags),
		Before: func(ctx context.Context, _ *cli.Command) (context.Context, error) {
			return ctx, setup(flags)
		},
	}

	for _, cmd := range []registrar{
		commands.NewUserCmd(flags),
		commands.NewTopicCmd(flags),
		commands.NewQueueCmd(flags),
		commands.NewSubCmd(flags),
		commands.NewSendCmd(flags),
		commands.NewPopCmd(flags),
		commands.NewListenCmd(flags),
		commands.NewHistoryCmd(flags),
		commands.NewConfigCmd(flags),
		commands.NewDoctorCmd(flags),
	} {
		app = cmd.Register(app)
	}

	if err := app.Run(ctx, os.Args); err != nil {
		printer.Ctx(ctx).FatalError(err)
		os.Exit(1)
	}
}

func globalFlags(flags *commands.Flags) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Sources:     cli.EnvVars("MOM_LOG_LEVEL"),
			Value:       "info",
			Destination: &flags.LogLevel,
		},
		&cli.StringFlag{
			Name:        "log-file",
			Usage:       "also write logs to this file",
			Sources:     cli.EnvVars("MOM_LOG_FILE"),
			Destination: &flags.LogFile,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to config file",
			Sources:     cli.EnvVars("MOM_CONFIG"),
			Value:       commands.DefaultConfigPath(),
			Destination: &flags.ConfigPath,
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Usage:       "directory holding the activity log",
			Sources:     cli.EnvVars("MOM_DATA_DIR"),
			Value:       commands.DefaultDataDir(),
			Destination: &flags.DataDir,
		},
		&cli.StringFlag{
			Name:        "broker",
			Usage:       "broker backend (rabbitmq, memory)",
			Sources:     cli.EnvVars("MOM_BROKER"),
			Value:       commands.BrokerRabbitMQ,
			Destination: &flags.Broker,
		},
	}
}

// setup runs after flag parsing and before any command action.
func setup(flags *commands.Flags) error {
	if err := setupLogger(flags.LogLevel, flags.LogFile); err != nil {
		return err
	}

	cfg, err := config.Load(flags.ConfigPath, flags.DataDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flags.Config = cfg

	if err := flags.Setup(log.Logger); err != nil {
		return fmt.Errorf("setup broker: %w", err)
	}
	return nil
}

func setupLogger(level, logFile string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(out, file)
	}

	log.Logger = log.Output(out).Level(lvl)
	return nil
}
