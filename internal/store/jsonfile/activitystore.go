// Package jsonfile persists the local activity log as JSON lines.
package jsonfile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/hay-kot/mom/internal/core/messaging"
)

// DefaultMaxActivities is the number of events kept on disk.
const DefaultMaxActivities = 1000

// ActivityStore implements messaging.ActivityStore on a JSONL file. Access is
// serialized within the process by a mutex and across processes by an flock
// on a sibling lock file.
type ActivityStore struct {
	path string
	max  int
	now  func() time.Time

	mu sync.Mutex
}

var _ messaging.ActivityStore = (*ActivityStore)(nil)

// NewActivityStore creates a store writing to path. The file and its parent
// directory are created on first write.
func NewActivityStore(path string) *ActivityStore {
	return &ActivityStore{path: path, max: DefaultMaxActivities, now: time.Now}
}

// WithMaxActivities sets the retention limit.
func (s *ActivityStore) WithMaxActivities(n int) *ActivityStore {
	s.max = n
	return s
}

// Record appends an event, filling ID and Timestamp when unset, and drops
// the oldest events beyond the retention limit.
func (s *ActivityStore) Record(a messaging.Activity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now().UTC()
	}

	return s.locked(func() error {
		events, err := s.load()
		if err != nil {
			return err
		}
		events = append(events, a)
		if s.max > 0 && len(events) > s.max {
			events = events[len(events)-s.max:]
		}
		return s.save(events)
	})
}

// List returns recent events, newest first. A limit of 0 returns all.
func (s *ActivityStore) List(limit int) ([]messaging.Activity, error) {
	return s.newest(limit, func(messaging.Activity) bool { return true })
}

// ListSince returns events strictly after since, newest first.
func (s *ActivityStore) ListSince(since time.Time, limit int) ([]messaging.Activity, error) {
	return s.newest(limit, func(a messaging.Activity) bool { return a.Timestamp.After(since) })
}

// Clear removes every recorded event.
func (s *ActivityStore) Clear() error {
	return s.locked(func() error {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove activity file: %w", err)
		}
		return nil
	})
}

func (s *ActivityStore) newest(limit int, keep func(messaging.Activity) bool) ([]messaging.Activity, error) {
	var out []messaging.Activity
	err := s.locked(func() error {
		events, err := s.load()
		if err != nil {
			return err
		}
		for i := len(events) - 1; i >= 0; i-- {
			if !keep(events[i]) {
				continue
			}
			out = append(out, events[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *ActivityStore) locked(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create activity directory: %w", err)
	}

	lock, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer lock.Close() //nolint:errcheck

	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer syscall.Flock(int(lock.Fd()), syscall.LOCK_UN) //nolint:errcheck

	return fn()
}

// load reads every well-formed line; malformed lines are skipped.
func (s *ActivityStore) load() ([]messaging.Activity, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open activity file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	var events []messaging.Activity
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var a messaging.Activity
		if json.Unmarshal(sc.Bytes(), &a) == nil {
			events = append(events, a)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read activity file: %w", err)
	}
	return events, nil
}

// save replaces the file atomically through a temp file in the same directory.
func (s *ActivityStore) save(events []messaging.Activity) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, a := range events {
		if err := enc.Encode(a); err != nil {
			tmp.Close() //nolint:errcheck
			return fmt.Errorf("encode activity: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("write activity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
