package jsonfile

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/mom/internal/core/messaging"
)

func newStore(t *testing.T) *ActivityStore {
	t.Helper()
	return NewActivityStore(filepath.Join(t.TempDir(), "mom", "activity.jsonl"))
}

func TestActivityStore_RecordAndList(t *testing.T) {
	s := newStore(t)

	list, err := s.List(0)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.Record(messaging.Activity{Type: messaging.ActivitySend, User: "alice", Target: "bob", EnvelopeID: "e1"}))
	require.NoError(t, s.Record(messaging.Activity{Type: messaging.ActivityPublish, User: "carol", Target: "news", EnvelopeID: "e2"}))
	require.NoError(t, s.Record(messaging.Activity{Type: messaging.ActivitySubscribe, User: "alice", Target: "news"}))

	list, err = s.List(0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, messaging.ActivitySubscribe, list[0].Type, "newest first")
	assert.Equal(t, "e1", list[2].EnvelopeID)
	for _, a := range list {
		assert.NotEmpty(t, a.ID)
		assert.False(t, a.Timestamp.IsZero())
	}

	list, err = s.List(2)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestActivityStore_KeepsGivenIDAndTimestamp(t *testing.T) {
	s := newStore(t)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(messaging.Activity{ID: "fixed", Type: messaging.ActivityPop, Target: "jobs", Timestamp: ts}))

	list, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fixed", list[0].ID)
	assert.True(t, ts.Equal(list[0].Timestamp))
}

func TestActivityStore_ListSince(t *testing.T) {
	s := newStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := range 5 {
		require.NoError(t, s.Record(messaging.Activity{
			Type:      messaging.ActivityReceive,
			Target:    "user_bob",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	list, err := s.ListSince(base.Add(2*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, base.Add(4*time.Minute).Equal(list[0].Timestamp))

	list, err = s.ListSince(base, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestActivityStore_Retention(t *testing.T) {
	s := newStore(t).WithMaxActivities(3)

	for _, target := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.Record(messaging.Activity{Type: messaging.ActivityEnqueue, Target: target}))
	}

	list, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "e", list[0].Target)
	assert.Equal(t, "c", list[2].Target)
}

func TestActivityStore_Clear(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Clear(), "clearing a missing file is fine")

	require.NoError(t, s.Record(messaging.Activity{Type: messaging.ActivitySend, Target: "bob"}))
	require.NoError(t, s.Clear())

	list, err := s.List(0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestActivityStore_SkipsMalformedLines(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Record(messaging.Activity{Type: messaging.ActivitySend, Target: "bob"}))

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	list, err := s.List(0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestActivityStore_ConcurrentRecord(t *testing.T) {
	s := newStore(t)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Record(messaging.Activity{Type: messaging.ActivityReceive, Target: "user_bob"}))
		}()
	}
	wg.Wait()

	list, err := s.List(0)
	require.NoError(t, err)
	assert.Len(t, list, 20)
}
