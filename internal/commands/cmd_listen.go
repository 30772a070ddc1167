package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/hay-kot/mom/internal/core/consumer"
	"github.com/hay-kot/mom/internal/core/envelope"
	"github.com/hay-kot/mom/internal/core/messaging"
	"github.com/hay-kot/mom/internal/core/subscription"
	"github.com/hay-kot/mom/internal/printer"
	"github.com/hay-kot/mom/internal/tui"
	"github.com/hay-kot/mom/pkg/tmpl"
)

type ListenCmd struct {
	flags *Flags

	user    string
	topics  []string
	timeout time.Duration
	format  string
	tui     bool
	refresh time.Duration
}

// NewListenCmd creates a new listen command
func NewListenCmd(flags *Flags) *ListenCmd {
	return &ListenCmd{flags: flags}
}

// Register adds the listen command to the application
func (cmd *ListenCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "listen",
		Usage:     "Log in as a user and print incoming messages",
		UsageText: "mom listen --user <name> [--topic t ...] [options]",
		Description: `Consumes the user's personal queue and every topic the user is subscribed to.
--topic subscribes to additional topics first. Messages are printed as JSON
lines, or through a Go template with --format, for example:

  mom listen --user bob --format '{{ time "15:04" .Timestamp }} {{ .Sender }}: {{ .Content }}'

With --tui and a terminal on stdout an interactive watcher is shown instead. It
can join and leave topics (t), send messages (s) and reload subscriptions (r).

Subscriptions changed by other clients, for example 'mom sub add', are picked
up every --refresh interval.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "user",
				Aliases:     []string{"u"},
				Usage:       "user to log in as",
				Sources:     cli.EnvVars("MOM_USER"),
				Required:    true,
				Destination: &cmd.user,
			},
			&cli.StringSliceFlag{
				Name:        "topic",
				Aliases:     []string{"t"},
				Usage:       "subscribe to topic before listening (repeatable)",
				Destination: &cmd.topics,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "stop after this long (0 waits until interrupted)",
				Destination: &cmd.timeout,
			},
			&cli.StringFlag{
				Name:        "format",
				Usage:       "Go template for each message",
				Destination: &cmd.format,
			},
			&cli.DurationFlag{
				Name:        "refresh",
				Usage:       "reload subscriptions made by other clients this often (0 disables)",
				Value:       30 * time.Second,
				Destination: &cmd.refresh,
			},
			&cli.BoolFlag{
				Name:        "tui",
				Usage:       "show the interactive watcher",
				Destination: &cmd.tui,
			},
		},
		Action: cmd.run,
	})

	return app
}

// event is what --format templates and JSON lines see: the envelope fields
// plus where the delivery came from.
type event struct {
	envelope.Envelope
	Scope       string `json:"scope"`
	Source      string `json:"source_queue"`
	Redelivered bool   `json:"redelivered,omitempty"`
}

func (cmd *ListenCmd) run(ctx context.Context, c *cli.Command) error {
	var format *tmpl.Template
	if cmd.format != "" {
		t, err := tmpl.Parse(cmd.format)
		if err != nil {
			return fmt.Errorf("--format: %w", err)
		}
		format = t
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cmd.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.timeout)
		defer cancel()
	}

	interactive := cmd.tui && term.IsTerminal(int(os.Stdout.Fd()))
	log := cmd.flags.Log
	if interactive {
		l, closeLog, err := cmd.fileLogger()
		if err != nil {
			return err
		}
		defer closeLog()
		log = l
	}

	f := cmd.flags
	opts := f.Config.ConsumerOptions()
	sink := consumer.NewSink(f.Config.Consumer.SinkTimeout)
	engine := consumer.NewEngine(log.With().Str("component", "engine").Logger(), f.Dialer, sink.Handler(), opts)

	sess, err := subscription.Open(ctx, log.With().Str("component", "session").Logger(), subscription.Deps{
		Directory: f.Directory,
		Dialer:    f.Dialer,
		Engine:    engine,
		Activity:  f.Activity,
		Timeout:   f.Config.Broker.Timeout,
	}, cmd.user)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), opts.GracePeriod+time.Second)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("close session")
		}
	}()

	for _, topic := range cmd.topics {
		if _, err := sess.Subscribe(ctx, topic); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	onReceive := func(d consumer.Delivery) {
		record(f, messaging.Activity{
			Type:       messaging.ActivityReceive,
			User:       cmd.user,
			Target:     d.Queue,
			EnvelopeID: d.Envelope.ID,
		})
	}

	if interactive {
		return tui.Run(ctx, tui.Options{
			User:            cmd.user,
			Topics:          sess.Topics(),
			Deliveries:      sink.C(),
			OnReceive:       onReceive,
			Session:         sess,
			Sender:          f.Dispatcher,
			RefreshInterval: cmd.refresh,
		})
	}

	// stopped before the session closes
	watchCtx, stopWatch := context.WithCancel(ctx)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		watchSubscriptions(watchCtx, log.With().Str("component", "session").Logger(), sess, cmd.refresh)
	}()
	defer func() {
		stopWatch()
		<-watched
	}()

	printer.Ctx(ctx).Infof("Listening as %s on %d topic(s), ctrl+c to stop", cmd.user, len(sess.Topics()))
	return drain(ctx, sink.C(), c.Root().Writer, format, onReceive)
}

// drain writes deliveries to w until ctx ends.
func drain(ctx context.Context, ch <-chan consumer.Delivery, w io.Writer, format *tmpl.Template, onReceive func(consumer.Delivery)) error {
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-ch:
			ev := event{Envelope: d.Envelope, Scope: d.Scope, Source: d.Queue, Redelivered: d.Redelivered}
			if format != nil {
				line, err := format.Execute(ev)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintln(w, line); err != nil {
					return err
				}
			} else if err := enc.Encode(ev); err != nil {
				return err
			}
			if onReceive != nil {
				onReceive(d)
			}
		}
	}
}

type refresher interface {
	Refresh(ctx context.Context) (added, removed []string, err error)
}

// watchSubscriptions reloads the session's subscriptions every interval until
// ctx ends.
func watchSubscriptions(ctx context.Context, log zerolog.Logger, sess refresher, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			added, removed, err := sess.Refresh(ctx)
			switch {
			case err != nil:
				log.Warn().Err(err).Msg("refresh subscriptions")
			case len(added)+len(removed) > 0:
				log.Info().Strs("added", added).Strs("removed", removed).Msg("subscriptions changed")
			}
		}
	}
}

// fileLogger keeps log lines off the watcher's screen: they go to --log-file
// when set and are dropped otherwise.
func (cmd *ListenCmd) fileLogger() (zerolog.Logger, func(), error) {
	path := cmd.flags.LogFile
	if path == "" {
		return zerolog.Nop(), func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
	}
	l := zerolog.New(file).Level(cmd.flags.Log.GetLevel()).With().Timestamp().Logger()
	return l, func() { _ = file.Close() }, nil
}
