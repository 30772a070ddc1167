package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/mom/internal/printer"
)

type TopicCmd struct {
	flags *Flags
}

// NewTopicCmd creates a new topic command
func NewTopicCmd(flags *Flags) *TopicCmd {
	return &TopicCmd{flags: flags}
}

// Register adds the topic command to the application
func (cmd *TopicCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "topic",
		Usage:       "Manage topics",
		Description: "A topic is a durable fanout exchange. Subscribers receive a copy of every message published to it.",
		Commands: []*cli.Command{
			{
				Name:      "ls",
				Usage:     "List topics and their subscribers",
				UsageText: "mom topic ls",
				Action:    cmd.runList,
			},
			{
				Name:      "add",
				Usage:     "Create a topic",
				UsageText: "mom topic add <name>",
				Action:    cmd.runAdd,
			},
			{
				Name:        "rm",
				Usage:       "Delete a topic",
				UsageText:   "mom topic rm <name>",
				Description: "Binding queues of the topic are kept; 'mom doctor --fix' removes them.",
				Action:      cmd.runRemove,
			},
		},
	})

	return app
}

func (cmd *TopicCmd) runList(ctx context.Context, c *cli.Command) error {
	dir := cmd.flags.Directory

	rows := [][]string{}
	for _, topic := range dir.ListTopics(ctx) {
		subs := dir.SubscribersOf(ctx, topic)
		list := strings.Join(subs, ", ")
		if list == "" {
			list = "-"
		}
		rows = append(rows, []string{topic, fmt.Sprint(len(subs)), list})
	}

	printer.New(c.Root().Writer).Table([]string{"TOPIC", "COUNT", "SUBSCRIBERS"}, rows, "No topics found")
	return nil
}

func (cmd *TopicCmd) runAdd(ctx context.Context, c *cli.Command) error {
	name, err := nameArg(c, "topic")
	if err != nil {
		return err
	}

	if err := cmd.flags.Directory.CreateTopic(ctx, name); err != nil {
		return fmt.Errorf("create topic: %w", err)
	}

	printer.Ctx(ctx).Successf("Created topic %s", name)
	return nil
}

func (cmd *TopicCmd) runRemove(ctx context.Context, c *cli.Command) error {
	name, err := nameArg(c, "topic")
	if err != nil {
		return err
	}

	if !cmd.flags.Directory.TopicExists(ctx, name) {
		return fmt.Errorf("topic %q not found", name)
	}
	if err := cmd.flags.Directory.DeleteTopic(ctx, name); err != nil {
		return fmt.Errorf("delete topic: %w", err)
	}

	p := printer.Ctx(ctx)
	p.Successf("Deleted topic %s", name)
	if n := len(cmd.flags.Directory.SubscribersOf(ctx, name)); n > 0 {
		p.Warnf("%d binding queue(s) left behind; run 'mom doctor --fix' to remove them", n)
	}
	return nil
}
