package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hay-kot/criterio"
	"github.com/urfave/cli/v3"

	"github.com/hay-kot/mom/internal/core/naming"
	"github.com/hay-kot/mom/internal/printer"
)

type QueueCmd struct {
	flags *Flags
}

// NewQueueCmd creates a new queue command
func NewQueueCmd(flags *Flags) *QueueCmd {
	return &QueueCmd{flags: flags}
}

// Register adds the queue command to the application
func (cmd *QueueCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "queue",
		Usage:       "Manage general purpose queues",
		Description: "General queues hold messages until one reader pops them. Names starting with user_, topic_ or amq. are reserved.",
		Commands: []*cli.Command{
			{
				Name:      "ls",
				Usage:     "List queues with message and consumer counts",
				UsageText: "mom queue ls",
				Action:    cmd.runList,
			},
			{
				Name:      "add",
				Usage:     "Create a queue",
				UsageText: "mom queue add <name>",
				Action:    cmd.runAdd,
			},
			{
				Name:      "rm",
				Usage:     "Delete a queue and its messages",
				UsageText: "mom queue rm <name>",
				Action:    cmd.runRemove,
			},
		},
	})

	return app
}

func (cmd *QueueCmd) runList(ctx context.Context, c *cli.Command) error {
	rows := [][]string{}
	for _, q := range cmd.flags.Directory.ListGeneralQueues(ctx) {
		rows = append(rows, []string{q.Name, strconv.Itoa(q.Messages), strconv.Itoa(q.Consumers)})
	}

	printer.New(c.Root().Writer).Table([]string{"QUEUE", "MESSAGES", "CONSUMERS"}, rows, "No queues found")
	return nil
}

func generalQueueArg(c *cli.Command) (string, error) {
	name, err := nameArg(c, "queue")
	if err != nil {
		return "", err
	}
	if naming.IsReserved(name) {
		return "", criterio.NewFieldErrors("queue", fmt.Errorf("%q uses a reserved prefix", name))
	}
	return name, nil
}

func (cmd *QueueCmd) runAdd(ctx context.Context, c *cli.Command) error {
	name, err := generalQueueArg(c)
	if err != nil {
		return err
	}

	if err := cmd.flags.Directory.CreateQueue(ctx, name); err != nil {
		return fmt.Errorf("create queue: %w", err)
	}

	printer.Ctx(ctx).Successf("Created queue %s", name)
	return nil
}

func (cmd *QueueCmd) runRemove(ctx context.Context, c *cli.Command) error {
	name, err := generalQueueArg(c)
	if err != nil {
		return err
	}

	if err := cmd.flags.Directory.DeleteQueue(ctx, name); err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}

	printer.Ctx(ctx).Successf("Deleted queue %s", name)
	return nil
}
