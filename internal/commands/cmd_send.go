package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/mom/internal/core/envelope"
	"github.com/hay-kot/mom/internal/printer"
)

// SendCmd registers send, publish and enqueue. They share the sender and
// message input flags and differ only in addressing.
type SendCmd struct {
	flags *Flags

	from    string
	to      string
	topic   string
	queue   string
	file    string
	jsonOut bool
}

// NewSendCmd creates the message sending commands
func NewSendCmd(flags *Flags) *SendCmd {
	return &SendCmd{flags: flags}
}

func (cmd *SendCmd) common() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "from",
			Aliases:     []string{"f"},
			Usage:       "sender name",
			Sources:     cli.EnvVars("MOM_USER"),
			Destination: &cmd.from,
		},
		&cli.StringFlag{
			Name:        "file",
			Usage:       "read the message from a file (- for stdin)",
			Destination: &cmd.file,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the published envelope as JSON",
			Destination: &cmd.jsonOut,
		},
	}
}

// Register adds the send, publish and enqueue commands to the application
func (cmd *SendCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands,
		&cli.Command{
			Name:      "send",
			Usage:     "Send a direct message to a user",
			UsageText: "mom send --from <user> --to <user> [message]",
			Flags: append(cmd.common(), &cli.StringFlag{
				Name:        "to",
				Usage:       "recipient name",
				Destination: &cmd.to,
			}),
			Action: cmd.runSend,
		},
		&cli.Command{
			Name:      "publish",
			Usage:     "Publish a message to every subscriber of a topic",
			UsageText: "mom publish --from <user> --topic <topic> [message]",
			Flags: append(cmd.common(), &cli.StringFlag{
				Name:        "topic",
				Aliases:     []string{"t"},
				Usage:       "topic name",
				Destination: &cmd.topic,
			}),
			Action: cmd.runPublish,
		},
		&cli.Command{
			Name:      "enqueue",
			Usage:     "Put a message on a general queue",
			UsageText: "mom enqueue --from <user> --queue <queue> [message]",
			Description: `The queue is created if it does not exist. The message waits there until
someone runs 'mom pop'.`,
			Flags: append(cmd.common(), &cli.StringFlag{
				Name:        "queue",
				Aliases:     []string{"q"},
				Usage:       "queue name",
				Destination: &cmd.queue,
			}),
			Action: cmd.runEnqueue,
		},
	)

	return app
}

func (cmd *SendCmd) content(c *cli.Command) (string, error) {
	return readContent(c.Args().Slice(), cmd.file, c.Root().Reader)
}

func (cmd *SendCmd) runSend(ctx context.Context, c *cli.Command) error {
	content, err := cmd.content(c)
	if err != nil {
		return err
	}
	env, err := cmd.flags.Dispatcher.SendDirect(ctx, cmd.from, cmd.to, content)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return cmd.report(ctx, c, env, "Sent to "+env.Recipient)
}

func (cmd *SendCmd) runPublish(ctx context.Context, c *cli.Command) error {
	content, err := cmd.content(c)
	if err != nil {
		return err
	}
	env, err := cmd.flags.Dispatcher.PublishTopic(ctx, cmd.from, cmd.topic, content)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return cmd.report(ctx, c, env, "Published to "+env.Topic)
}

func (cmd *SendCmd) runEnqueue(ctx context.Context, c *cli.Command) error {
	content, err := cmd.content(c)
	if err != nil {
		return err
	}
	env, err := cmd.flags.Dispatcher.SendToQueue(ctx, cmd.from, cmd.queue, content)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return cmd.report(ctx, c, env, "Enqueued on "+env.Queue)
}

func (cmd *SendCmd) report(ctx context.Context, c *cli.Command, env envelope.Envelope, msg string) error {
	if cmd.jsonOut {
		return json.NewEncoder(c.Root().Writer).Encode(env)
	}
	printer.Ctx(ctx).Success(msg, env.ID)
	return nil
}
