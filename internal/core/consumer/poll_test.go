package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/mom/internal/broker/memory"
	"github.com/hay-kot/mom/internal/core/broker"
	"github.com/hay-kot/mom/internal/core/envelope"
)

func TestPollOnce(t *testing.T) {
	ctx := context.Background()
	b, conn := newBroker(t, "jobs")

	_, ok, err := PollOnce(ctx, b, "jobs")
	require.NoError(t, err)
	assert.False(t, ok)

	publishEnvelope(t, conn, "", "jobs", envelope.NewQueue("dave", "jobs", "build", time.Now()))
	require.NoError(t, conn.Publish(ctx, "", "jobs", broker.Publishing{Body: []byte("raw bytes")}))

	env, ok, err := PollOnce(ctx, b, "jobs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, envelope.KindQueue, env.Kind)
	assert.Equal(t, "dave", env.Sender)

	env, ok, err = PollOnce(ctx, b, "jobs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, envelope.KindUnknown, env.Kind)
	assert.Equal(t, "raw bytes", env.Content)

	assert.Equal(t, 0, b.Depth("jobs"))
	assert.Equal(t, 1, b.OpenConns(), "poll connections are closed")
}

func TestPollOnce_Errors(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	_, _, err := PollOnce(ctx, b, "missing")
	require.ErrorIs(t, err, broker.ErrNotFound)

	b.SetOffline(true)
	_, _, err = PollOnce(ctx, b, "missing")
	require.ErrorIs(t, err, broker.ErrConnection)
}
