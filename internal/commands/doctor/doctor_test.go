package doctor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/mom/internal/broker/memory"
	"github.com/hay-kot/mom/internal/core/config"
	"github.com/hay-kot/mom/internal/core/directory"
)

func TestRunAllAndSummary(t *testing.T) {
	results := RunAll(context.Background(), []Check{
		NewOrphanCheck(&mockOrphans{orphans: []directory.Orphan{orphan("ghost", "news", true, false)}}, false),
		NewOrphanCheck(&mockOrphans{}, false),
	})

	require.Len(t, results, 2)
	assert.Equal(t, StatusWarn, results[0].Items[0].Status)
	assert.Equal(t, StatusPass, results[1].Items[0].Status)

	s := Summarize(results)
	assert.Equal(t, Summary{Passed: 1, Warned: 1, Failed: 0, Fixable: 1}, s)
	assert.True(t, s.Healthy())
}

func TestRunAll_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := RunAll(ctx, []Check{NewOrphanCheck(&mockOrphans{}, false)})
	assert.Empty(t, results)
}

func TestSummarize_FailedIsUnhealthy(t *testing.T) {
	s := Summarize([]Result{{Items: []Item{
		{Status: StatusFail, Fixable: true},
		{Status: StatusPass, Fixable: true},
	}}})
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Fixable, "passing items are never fixable")
	assert.False(t, s.Healthy())
}

func TestBrokerCheck(t *testing.T) {
	b := memory.New()

	result := NewBrokerCheck(b, b, time.Second).Run(context.Background())
	require.Len(t, result.Items, 2)
	assert.Equal(t, StatusPass, result.Items[0].Status)
	assert.Equal(t, StatusPass, result.Items[1].Status)
	assert.Equal(t, 0, b.OpenConns(), "check closes its connection")

	b.SetOffline(true)
	result = NewBrokerCheck(b, b, time.Second).Run(context.Background())
	require.Len(t, result.Items, 1)
	assert.Equal(t, StatusFail, result.Items[0].Status)
}

func TestConfigCheck(t *testing.T) {
	t.Run("not loaded", func(t *testing.T) {
		result := NewConfigCheck(nil, "").Run(context.Background())
		require.Len(t, result.Items, 1)
		assert.Equal(t, StatusFail, result.Items[0].Status)
	})

	t.Run("valid with warnings", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.DataDir = t.TempDir()
		cfg.Consumer.AckOnFailure = true

		result := NewConfigCheck(&cfg, "").Run(context.Background())
		require.NotEmpty(t, result.Items)
		assert.Equal(t, StatusPass, result.Items[0].Status)

		s := Summarize([]Result{result})
		assert.Equal(t, 2, s.Warned, "ack_on_failure and guest password")
		assert.Equal(t, 0, s.Failed)
		assert.Equal(t, 0, s.Fixable)
	})

	t.Run("invalid", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.DataDir = t.TempDir()
		cfg.Broker.URL = "http://nope"

		result := NewConfigCheck(&cfg, "").Run(context.Background())
		assert.Equal(t, "broker.url", result.Items[0].Label)
		assert.Equal(t, StatusFail, result.Items[0].Status)
	})
}
