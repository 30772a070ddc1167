package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/hay-kot/mom/internal/core/broker"
	"github.com/hay-kot/mom/internal/core/envelope"
)

// PollOnce fetches at most one message from queue over a short-lived
// connection. Payloads that are not envelopes come back as KindUnknown.
// The message is acknowledged before PollOnce returns.
func PollOnce(ctx context.Context, dialer broker.Dialer, queue string) (envelope.Envelope, bool, error) {
	conn, err := dialer.Dial(ctx)
	if err != nil {
		return envelope.Envelope{}, false, fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	d, ok, err := conn.Fetch(ctx, queue)
	if err != nil {
		return envelope.Envelope{}, false, fmt.Errorf("fetch %s: %w", queue, err)
	}
	if !ok {
		return envelope.Envelope{}, false, nil
	}

	env := envelope.DecodeOrRaw(d.Body, time.Now())
	if err := d.Ack(); err != nil {
		return envelope.Envelope{}, false, fmt.Errorf("ack: %w", err)
	}
	return env, true, nil
}
