package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	rabbithole "github.com/michaelklishin/rabbit-hole/v2"

	"github.com/hay-kot/mom/internal/core/broker"
)

// Admin reads queues and exchanges of one vhost from the management API.
type Admin struct {
	client *rabbithole.Client
	vhost  string
}

var _ broker.Admin = (*Admin)(nil)

// NewAdmin creates an Admin for the management endpoint at uri.
func NewAdmin(uri, username, password, vhost string, timeout time.Duration) (*Admin, error) {
	client, err := rabbithole.NewClient(uri, username, password)
	if err != nil {
		return nil, fmt.Errorf("management client: %w", err)
	}
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	if vhost == "" {
		vhost = "/"
	}
	return &Admin{client: client, vhost: vhost}, nil
}

// ListQueues implements broker.Admin.
func (a *Admin) ListQueues(ctx context.Context) ([]broker.QueueInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queues, err := a.client.ListQueuesIn(a.vhost)
	if err != nil {
		return nil, adminErr("list queues", err)
	}

	out := make([]broker.QueueInfo, 0, len(queues))
	for _, q := range queues {
		out = append(out, broker.QueueInfo{
			Name:      q.Name,
			Messages:  q.Messages,
			Consumers: q.Consumers,
		})
	}
	return out, nil
}

// ListExchanges implements broker.Admin.
func (a *Admin) ListExchanges(ctx context.Context) ([]broker.ExchangeInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	exchanges, err := a.client.ListExchangesIn(a.vhost)
	if err != nil {
		return nil, adminErr("list exchanges", err)
	}

	out := make([]broker.ExchangeInfo, 0, len(exchanges))
	for _, ex := range exchanges {
		out = append(out, broker.ExchangeInfo{Name: ex.Name, Kind: ex.Type})
	}
	return out, nil
}

func adminErr(op string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %s: %w", broker.ErrConnection, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
