package commands

import (
	"context"
	"fmt"

	"github.com/hay-kot/criterio"
	"github.com/urfave/cli/v3"

	"github.com/hay-kot/mom/internal/core/directory"
	"github.com/hay-kot/mom/internal/core/validate"
	"github.com/hay-kot/mom/internal/printer"
)

type SubCmd struct {
	flags *Flags

	user  string
	topic string
}

// NewSubCmd creates a new sub command
func NewSubCmd(flags *Flags) *SubCmd {
	return &SubCmd{flags: flags}
}

// Register adds the sub command to the application
func (cmd *SubCmd) Register(app *cli.Command) *cli.Command {
	userFlag := &cli.StringFlag{
		Name:        "user",
		Aliases:     []string{"u"},
		Usage:       "user name",
		Destination: &cmd.user,
	}
	topicFlag := &cli.StringFlag{
		Name:        "topic",
		Aliases:     []string{"t"},
		Usage:       "topic name",
		Destination: &cmd.topic,
	}

	app.Commands = append(app.Commands, &cli.Command{
		Name:  "sub",
		Usage: "Manage topic subscriptions",
		Description: `A subscription is the durable queue topic_<topic>_<user> bound to the topic exchange.
These commands change bindings only; a running 'mom listen' picks up new
bindings the next time it starts.`,
		Commands: []*cli.Command{
			{
				Name:      "ls",
				Usage:     "List subscriptions",
				UsageText: "mom sub ls [--user name]",
				Flags:     []cli.Flag{userFlag},
				Action:    cmd.runList,
			},
			{
				Name:      "add",
				Usage:     "Subscribe a user to a topic",
				UsageText: "mom sub add --user name --topic name",
				Flags:     []cli.Flag{userFlag, topicFlag},
				Action:    cmd.runAdd,
			},
			{
				Name:      "rm",
				Usage:     "Unsubscribe a user from a topic",
				UsageText: "mom sub rm --user name --topic name",
				Flags:     []cli.Flag{userFlag, topicFlag},
				Action:    cmd.runRemove,
			},
		},
	})

	return app
}

func (cmd *SubCmd) runList(ctx context.Context, c *cli.Command) error {
	dir := cmd.flags.Directory

	var subs []directory.Subscription
	if cmd.user != "" {
		for _, topic := range dir.SubscriptionsOf(ctx, cmd.user) {
			subs = append(subs, directory.Subscription{User: cmd.user, Topic: topic})
		}
	} else {
		subs = dir.Subscriptions(ctx)
	}

	rows := make([][]string, 0, len(subs))
	for _, s := range subs {
		rows = append(rows, []string{s.User, s.Topic})
	}

	printer.New(c.Root().Writer).Table([]string{"USER", "TOPIC"}, rows, "No subscriptions found")
	return nil
}

func (cmd *SubCmd) pair() error {
	var errs criterio.FieldErrorsBuilder
	if err := validate.Name(cmd.user); err != nil {
		errs = errs.Append("user", err)
	}
	if err := validate.Name(cmd.topic); err != nil {
		errs = errs.Append("topic", err)
	}
	return errs.ToError()
}

func (cmd *SubCmd) runAdd(ctx context.Context, c *cli.Command) error {
	if err := cmd.pair(); err != nil {
		return err
	}

	res, err := cmd.flags.Subscriptions.Subscribe(ctx, cmd.user, cmd.topic)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	p := printer.Ctx(ctx)
	if !res.Changed {
		p.Infof("%s is already subscribed to %s", res.User, res.Topic)
		return nil
	}
	p.Successf("Subscribed %s to %s", res.User, res.Topic)
	return nil
}

func (cmd *SubCmd) runRemove(ctx context.Context, c *cli.Command) error {
	if err := cmd.pair(); err != nil {
		return err
	}

	res, err := cmd.flags.Subscriptions.Unsubscribe(ctx, cmd.user, cmd.topic)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}

	printer.Ctx(ctx).Successf("Unsubscribed %s from %s", res.User, res.Topic)
	return nil
}
