package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/mom/internal/core/consumer"
	"github.com/hay-kot/mom/internal/core/messaging"
	"github.com/hay-kot/mom/internal/printer"
)

type PopCmd struct {
	flags *Flags

	queue string
	user  string
}

// NewPopCmd creates a new pop command
func NewPopCmd(flags *Flags) *PopCmd {
	return &PopCmd{flags: flags}
}

// Register adds the pop command to the application
func (cmd *PopCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "pop",
		Usage:     "Take one message from a queue",
		UsageText: "mom pop --queue <name>",
		Description: `Fetches and acknowledges at most one message without waiting. The envelope
is printed as JSON; nothing is printed when the queue is empty.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "queue",
				Aliases:     []string{"q"},
				Usage:       "queue name",
				Required:    true,
				Destination: &cmd.queue,
			},
			&cli.StringFlag{
				Name:        "user",
				Usage:       "user recorded in the activity log",
				Sources:     cli.EnvVars("MOM_USER"),
				Destination: &cmd.user,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *PopCmd) run(ctx context.Context, c *cli.Command) error {
	env, ok, err := consumer.PollOnce(ctx, cmd.flags.Dialer, cmd.queue)
	if err != nil {
		return fmt.Errorf("pop %s: %w", cmd.queue, err)
	}
	if !ok {
		printer.Ctx(ctx).Infof("Queue %s is empty", cmd.queue)
		return nil
	}

	record(cmd.flags, messaging.Activity{
		Type:       messaging.ActivityPop,
		User:       cmd.user,
		Target:     cmd.queue,
		EnvelopeID: env.ID,
	})

	return json.NewEncoder(c.Root().Writer).Encode(env)
}

// record stores a CLI side activity; failures are logged only.
func record(flags *Flags, a messaging.Activity) {
	if flags.Activity == nil {
		return
	}
	if err := flags.Activity.Record(a); err != nil {
		flags.Log.Warn().Err(err).Str("type", string(a.Type)).Msg("record activity failed")
	}
}
