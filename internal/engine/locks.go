package engine

import (
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// RunLocks enforces at most one in-flight run per (record, action) pair.
type RunLocks struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewRunLocks creates an empty lock set.
func NewRunLocks() *RunLocks {
	return &RunLocks{active: make(map[string]struct{})}
}

func runKey(recordID, actionID string) string {
	return recordID + "|" + actionID
}

// Acquire claims the pair or returns CONFLICT if a run already holds it.
// The returned func releases the claim and is safe to call more than once.
func (l *RunLocks) Acquire(recordID, actionID string) (func(), error) {
	key := runKey(recordID, actionID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[key]; busy {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"action %q is already running on record %q", actionID, recordID).
			WithDetails(map[string]any{"record_id": recordID, "action_id": actionID})
	}
	l.active[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether the pair is currently claimed.
func (l *RunLocks) Held(recordID, actionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[runKey(recordID, actionID)]
	return ok
}
