package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/mom/internal/core/messaging"
	"github.com/hay-kot/mom/internal/printer"
)

type HistoryCmd struct {
	flags *Flags

	// Command-specific flags
	limit int
	since time.Duration
	clear bool
}

// NewHistoryCmd creates a new history command
func NewHistoryCmd(flags *Flags) *HistoryCmd {
	return &HistoryCmd{flags: flags}
}

// Register adds the history command to the application
func (cmd *HistoryCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "history",
		Usage:     "View or clear the local activity log",
		UsageText: "mom history [options]",
		Description: `Lists messages sent, published, enqueued, popped and received on this machine,
and subscription changes, newest first.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "limit",
				Aliases:     []string{"n"},
				Usage:       "maximum entries to show (0 for all)",
				Value:       20,
				Destination: &cmd.limit,
			},
			&cli.DurationFlag{
				Name:        "since",
				Usage:       "only show entries newer than this (e.g. 1h)",
				Destination: &cmd.since,
			},
			&cli.BoolFlag{
				Name:        "clear",
				Usage:       "clear the activity log",
				Destination: &cmd.clear,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *HistoryCmd) run(ctx context.Context, c *cli.Command) error {
	store := cmd.flags.Activity

	if cmd.clear {
		if err := store.Clear(); err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
		printer.Ctx(ctx).Successf("Activity log cleared")
		return nil
	}

	var (
		entries []messaging.Activity
		err     error
	)
	if cmd.since > 0 {
		entries, err = store.ListSince(time.Now().Add(-cmd.since), cmd.limit)
	} else {
		entries, err = store.List(cmd.limit)
	}
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			string(e.Type),
			dash(e.User),
			e.Target,
			dash(e.EnvelopeID),
		})
	}

	printer.New(c.Root().Writer).Table([]string{"TIME", "TYPE", "USER", "TARGET", "ENVELOPE"}, rows, "No activity recorded")
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
