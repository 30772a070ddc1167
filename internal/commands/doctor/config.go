package doctor

import (
	"context"
	"errors"

	"github.com/hay-kot/criterio"

	"github.com/hay-kot/mom/internal/core/config"
)

// ConfigCheck reports deep validation errors and warnings of the loaded config.
type ConfigCheck struct {
	cfg  *config.Config
	path string
}

func NewConfigCheck(cfg *config.Config, path string) *ConfigCheck {
	return &ConfigCheck{cfg: cfg, path: path}
}

func (c *ConfigCheck) Name() string { return "Configuration" }

func (c *ConfigCheck) Run(_ context.Context) Result {
	result := Result{Name: c.Name()}
	if c.cfg == nil {
		result.fail("Config loaded", "configuration not loaded")
		return result
	}

	switch err := c.cfg.ValidateDeep(c.path); {
	case err == nil:
		result.pass("Config valid", "")
	default:
		var fields criterio.FieldErrors
		if !errors.As(err, &fields) {
			result.fail("validation", err.Error())
			break
		}
		for _, fe := range fields {
			result.fail(fe.Field, fe.Err.Error())
		}
	}

	for _, w := range c.cfg.Warnings() {
		result.warn("warning", w, false)
	}
	return result
}
