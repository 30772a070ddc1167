package commands

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hay-kot/criterio"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/hay-kot/mom/internal/printer"
)

type ConfigCmd struct {
	flags  *Flags
	asJSON bool
}

func NewConfigCmd(flags *Flags) *ConfigCmd {
	return &ConfigCmd{flags: flags}
}

func (cmd *ConfigCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "config",
		Usage: "Inspect the effective configuration",
		Commands: []*cli.Command{
			{
				Name:        "validate",
				Usage:       "Validate the configuration",
				UsageText:   "mom config validate [--json]",
				Description: "Checks broker URLs, consumer tuning and file paths. Exits 1 on any error; warnings are listed but do not fail.",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:        "json",
						Usage:       "print the report as JSON",
						Destination: &cmd.asJSON,
					},
				},
				Action: cmd.validate,
			},
			{
				Name:        "show",
				Usage:       "Print the effective configuration as YAML",
				UsageText:   "mom config show",
				Description: "Prints defaults merged with the config file and MOM_* environment overrides. Passwords are masked.",
				Action:      cmd.show,
			},
		},
	})
	return app
}

type configIssue struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func issues(err error) []configIssue {
	if err == nil {
		return nil
	}
	var fields criterio.FieldErrors
	if !errors.As(err, &fields) {
		return []configIssue{{Message: err.Error()}}
	}
	out := make([]configIssue, len(fields))
	for i, fe := range fields {
		out[i] = configIssue{Field: fe.Field, Message: fe.Err.Error()}
	}
	return out
}

func (cmd *ConfigCmd) validate(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	if cfg == nil {
		return errors.New("configuration not loaded")
	}

	errs := issues(cfg.ValidateDeep(cmd.flags.ConfigPath))
	warnings := cfg.Warnings()

	if cmd.asJSON {
		enc := json.NewEncoder(c.Root().Writer)
		enc.SetIndent("", "  ")
		err := enc.Encode(struct {
			Valid    bool          `json:"valid"`
			Errors   []configIssue `json:"errors,omitempty"`
			Warnings []string      `json:"warnings,omitempty"`
		}{len(errs) == 0, errs, warnings})
		if err != nil {
			return err
		}
	} else {
		p := printer.Ctx(ctx)
		for _, e := range errs {
			label := e.Field
			if label == "" {
				label = "config"
			}
			p.FailItem(label, e.Message)
		}
		for _, w := range warnings {
			p.WarnItem("warning", w)
		}
		if len(errs) == 0 {
			p.Successf("Configuration is valid (%d warning(s))", len(warnings))
		} else {
			p.Errorf("%d error(s), %d warning(s)", len(errs), len(warnings))
		}
	}

	if len(errs) > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

func (cmd *ConfigCmd) show(_ context.Context, c *cli.Command) error {
	if cmd.flags.Config == nil {
		return errors.New("configuration not loaded")
	}

	enc := yaml.NewEncoder(c.Root().Writer)
	enc.SetIndent(2)
	if err := enc.Encode(cmd.flags.Config.Redacted()); err != nil {
		return err
	}
	return enc.Close()
}
