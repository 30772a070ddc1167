package doctor

import (
	"context"
	"fmt"
	"strings"

	"github.com/hay-kot/mom/internal/core/directory"
)

// OrphanSource finds orphaned binding queues and deletes them.
type OrphanSource interface {
	Orphans(ctx context.Context) []directory.Orphan
	DeleteQueue(ctx context.Context, name string) error
}

// OrphanCheck reports binding queues whose user or topic is gone.
type OrphanCheck struct {
	source OrphanSource
	fix    bool
}

// NewOrphanCheck creates a new orphan binding check.
// If fix is true, orphaned binding queues are deleted.
func NewOrphanCheck(source OrphanSource, fix bool) *OrphanCheck {
	return &OrphanCheck{source: source, fix: fix}
}

func (c *OrphanCheck) Name() string {
	return "Orphan Bindings"
}

func (c *OrphanCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name()}

	orphans := c.source.Orphans(ctx)
	if len(orphans) == 0 {
		result.pass("No orphans", "every binding queue has a user and a topic")
		return result
	}

	for _, o := range orphans {
		if !c.fix {
			result.warn(o.Queue, reason(o), true)
			continue
		}
		if err := c.source.DeleteQueue(ctx, o.Queue); err != nil {
			result.fail(o.Queue, fmt.Sprintf("failed to delete: %v", err))
			continue
		}
		result.pass(o.Queue, "deleted orphaned binding queue")
	}

	return result
}

func reason(o directory.Orphan) string {
	var missing []string
	if o.MissingUser {
		missing = append(missing, fmt.Sprintf("user %q", o.User))
	}
	if o.MissingTopic {
		missing = append(missing, fmt.Sprintf("topic %q", o.Topic))
	}
	return "missing " + strings.Join(missing, " and ")
}
