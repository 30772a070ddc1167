package commands

import (
	"context"
	"fmt"

	"github.com/hay-kot/criterio"
	"github.com/urfave/cli/v3"

	"github.com/hay-kot/mom/internal/core/naming"
	"github.com/hay-kot/mom/internal/core/validate"
	"github.com/hay-kot/mom/internal/printer"
)

type UserCmd struct {
	flags *Flags
}

// NewUserCmd creates a new user command
func NewUserCmd(flags *Flags) *UserCmd {
	return &UserCmd{flags: flags}
}

// Register adds the user command to the application
func (cmd *UserCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "user",
		Usage: "Manage users",
		Description: `A user exists while its personal queue user_<name> exists on the broker.
Removing a user also deletes every topic binding queue of that user.`,
		Commands: []*cli.Command{
			{
				Name:      "ls",
				Usage:     "List users",
				UsageText: "mom user ls",
				Action:    cmd.runList,
			},
			{
				Name:      "add",
				Usage:     "Create a user",
				UsageText: "mom user add <name>",
				Action:    cmd.runAdd,
			},
			{
				Name:      "rm",
				Usage:     "Delete a user and its subscriptions",
				UsageText: "mom user rm <name>",
				Action:    cmd.runRemove,
			},
		},
	})

	return app
}

func (cmd *UserCmd) runList(ctx context.Context, c *cli.Command) error {
	dir := cmd.flags.Directory

	rows := [][]string{}
	for _, user := range dir.ListUsers(ctx) {
		rows = append(rows, []string{user, naming.UserQueue(user), fmt.Sprint(len(dir.SubscriptionsOf(ctx, user)))})
	}

	printer.New(c.Root().Writer).Table([]string{"USER", "QUEUE", "SUBSCRIPTIONS"}, rows, "No users found")
	return nil
}

func (cmd *UserCmd) runAdd(ctx context.Context, c *cli.Command) error {
	name, err := nameArg(c, "name")
	if err != nil {
		return err
	}

	if cmd.flags.Directory.Exists(ctx, name) {
		printer.Ctx(ctx).Infof("User %s already exists", name)
		return nil
	}
	if err := cmd.flags.Directory.Create(ctx, name); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	printer.Ctx(ctx).Successf("Created user %s", name)
	return nil
}

func (cmd *UserCmd) runRemove(ctx context.Context, c *cli.Command) error {
	name, err := nameArg(c, "name")
	if err != nil {
		return err
	}

	if !cmd.flags.Directory.Exists(ctx, name) {
		return fmt.Errorf("user %q not found", name)
	}
	if err := cmd.flags.Directory.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	printer.Ctx(ctx).Successf("Deleted user %s", name)
	return nil
}

// nameArg returns the first positional argument validated as a resource name.
func nameArg(c *cli.Command, field string) (string, error) {
	if c.Args().Len() != 1 {
		return "", fmt.Errorf("expected exactly one %s argument. Run '%s --help' for usage", field, c.FullName())
	}
	name := c.Args().First()
	if err := validate.Name(name); err != nil {
		return "", criterio.NewFieldErrors(field, err)
	}
	return name, nil
}
