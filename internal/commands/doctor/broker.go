package doctor

import (
	"context"
	"fmt"
	"time"

	"github.com/hay-kot/mom/internal/core/broker"
)

// BrokerCheck dials the broker and lists its queues through the admin API.
type BrokerCheck struct {
	dialer  broker.Dialer
	admin   broker.Admin
	timeout time.Duration
}

func NewBrokerCheck(dialer broker.Dialer, admin broker.Admin, timeout time.Duration) *BrokerCheck {
	return &BrokerCheck{dialer: dialer, admin: admin, timeout: timeout}
}

func (c *BrokerCheck) Name() string {
	return "Broker"
}

func (c *BrokerCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name()}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		result.fail("Connection", err.Error())
		return result
	}
	_ = conn.Close()

	result.pass("Connection", fmt.Sprintf("connected in %s", time.Since(start).Round(time.Millisecond)))

	queues, err := c.admin.ListQueues(ctx)
	if err != nil {
		result.fail("Management API", err.Error())
		return result
	}

	result.pass("Management API", fmt.Sprintf("%d queue(s)", len(queues)))
	return result
}
