package namespace

import (
	"sync"
	"time"
)

type quotaKey struct {
	namespace string
	day       string
}

// QuotaStore counts admitted events per namespace in fixed UTC-day windows.
// Check-and-increment happens under one lock so concurrent requests cannot
// lose updates. Keys from previous days are pruned on rollover to keep the
// map bounded.
type QuotaStore struct {
	mu     sync.Mutex
	counts map[quotaKey]int64
	day    string
}

// NewQuotaStore creates an empty quota store.
func NewQuotaStore() *QuotaStore {
	return &QuotaStore{counts: make(map[quotaKey]int64)}
}

func dayOf(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// Admit counts one event against the namespace's daily limit. It admits
// exactly limit events per UTC day and rejects from the limit+1-th on.
func (q *QuotaStore) Admit(namespace string, limit int64, now time.Time) bool {
	day := dayOf(now)

	q.mu.Lock()
	defer q.mu.Unlock()

	// Roll forward only: a stale earlier-day timestamp from a skewed producer
	// must not wipe the current day's counters.
	if day > q.day {
		q.prune(day)
		q.day = day
	}

	key := quotaKey{namespace: namespace, day: day}
	if q.counts[key] >= limit {
		return false
	}
	q.counts[key]++
	return true
}

// Count returns the number of events admitted for the namespace today.
func (q *QuotaStore) Count(namespace string, now time.Time) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts[quotaKey{namespace: namespace, day: dayOf(now)}]
}

// prune drops counters from days other than current. Callers hold q.mu.
func (q *QuotaStore) prune(current string) {
	for key := range q.counts {
		if key.day != current {
			delete(q.counts, key)
		}
	}
}
