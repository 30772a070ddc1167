package commands

import (
	"context"
	"encoding/json"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/mom/internal/commands/doctor"
	"github.com/hay-kot/mom/internal/printer"
)

type DoctorCmd struct {
	flags  *Flags
	asJSON bool
	fix    bool
}

func NewDoctorCmd(flags *Flags) *DoctorCmd {
	return &DoctorCmd{flags: flags}
}

func (cmd *DoctorCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "doctor",
		Usage:     "Check the configuration, the broker and the binding queues",
		UsageText: "mom doctor [--json] [--fix]",
		Description: `Runs three checks in order:

  Configuration    deep validation plus non-fatal warnings
  Broker           AMQP connection and management API listing
  Orphan Bindings  topic_<topic>_<user> queues whose user or topic is gone

Exits 1 when any item fails. With --fix orphaned binding queues are deleted.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print results as JSON",
				Destination: &cmd.asJSON,
			},
			&cli.BoolFlag{
				Name:        "fix",
				Usage:       "delete orphaned binding queues",
				Destination: &cmd.fix,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *DoctorCmd) run(ctx context.Context, c *cli.Command) error {
	f := cmd.flags
	results := doctor.RunAll(ctx, []doctor.Check{
		doctor.NewConfigCheck(f.Config, f.ConfigPath),
		doctor.NewBrokerCheck(f.Dialer, f.Admin, f.Config.Broker.Timeout),
		doctor.NewOrphanCheck(f.Directory, cmd.fix),
	})
	summary := doctor.Summarize(results)

	if cmd.asJSON {
		enc := json.NewEncoder(c.Root().Writer)
		enc.SetIndent("", "  ")
		err := enc.Encode(struct {
			Healthy bool            `json:"healthy"`
			Summary doctor.Summary  `json:"summary"`
			Checks  []doctor.Result `json:"checks"`
		}{summary.Healthy(), summary, results})
		if err != nil {
			return err
		}
	} else {
		printDoctor(printer.Ctx(ctx), results, summary)
	}

	if !summary.Healthy() {
		return cli.Exit("", 1)
	}
	return nil
}

func printDoctor(p *printer.Printer, results []doctor.Result, summary doctor.Summary) {
	for _, r := range results {
		p.Section(r.Name)
		for _, item := range r.Items {
			switch item.Status {
			case doctor.StatusPass:
				p.CheckItem(item.Label, item.Detail)
			case doctor.StatusWarn:
				p.WarnItem(item.Label, item.Detail)
			case doctor.StatusFail:
				p.FailItem(item.Label, item.Detail)
			}
		}
		p.Printf("")
	}

	p.Printf("Summary: %d passed, %d warnings, %d failed", summary.Passed, summary.Warned, summary.Failed)
	if summary.Fixable > 0 {
		p.Infof("%d issue(s) can be fixed with 'mom doctor --fix'", summary.Fixable)
	}
}
