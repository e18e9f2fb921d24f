package challenger

import (
	"sync"

	"skillruntime/pkg/db"
	"skillruntime/pkg/models"
)

// ChallengeLog is the process-wide, append-only record of every challenge
// outcome. Appends are serialized under a single-writer lock; reads take a
// copy-on-read snapshot so callers can never observe or mutate internal
// state concurrently with a writer.
type ChallengeLog struct {
	mu      sync.Mutex
	db      *db.WatcherDB
	entries []*models.ChallengeResult
}

// NewChallengeLog constructs a ChallengeLog backed by the watcher's sqlite
// persistence. The in-memory mirror starts empty; a freshly-started process
// rebuilds it entry by entry as challenges are appended.
func NewChallengeLog(watcherDB *db.WatcherDB) *ChallengeLog {
	return &ChallengeLog{db: watcherDB}
}

// Append persists result and mirrors it into the in-memory log under the
// single-writer lock.
func (l *ChallengeLog) Append(result *models.ChallengeResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.db.AppendChallengeResult(result); err != nil {
		return err
	}
	l.entries = append(l.entries, result)
	return nil
}

// Snapshot returns a copy of every entry appended so far. Mutating the
// returned slice or its elements has no effect on the log.
func (l *ChallengeLog) Snapshot() []*models.ChallengeResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.ChallengeResult, len(l.entries))
	for i, entry := range l.entries {
		e := *entry
		out[i] = &e
	}
	return out
}

// Stats returns the number of logged entries per status, computed from a
// snapshot.
func (l *ChallengeLog) Stats() map[models.ChallengeStatus]int {
	stats := make(map[models.ChallengeStatus]int)
	for _, entry := range l.Snapshot() {
		stats[entry.Status]++
	}
	return stats
}
