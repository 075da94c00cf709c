// Package suppress tracks outgoing writes so that the inbound echo they
// produce on the same client can be discarded.
package suppress

import (
	"sync"
	"time"

	"github.com/bookbridge/bookbridge/internal/models"
)

// DefaultTTL is the default suppression window.
const DefaultTTL = 60 * time.Second

// Tracker answers "is this inbound event our own echo?". Implementations
// must be safe for concurrent use.
type Tracker interface {
	// Record marks an outgoing write. Must be called before the write's
	// result becomes visible to any observer.
	Record(client models.ClientName, bookID string)
	// IsOwnWrite reports whether a write to (client, book) is still inside
	// its suppression window.
	IsOwnWrite(client models.ClientName, bookID string) bool
	// Forget drops every stamp for the book. Used by Clear Progress and on
	// mapping delete.
	Forget(bookID string)
}

type key struct {
	client models.ClientName
	bookID string
}

type tracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[key]time.Time
	now     func() time.Time
}

// New creates a Tracker with the given TTL. A non-positive TTL falls back to
// DefaultTTL.
func New(ttl time.Duration) Tracker {
	return newTracker(ttl, time.Now)
}

func newTracker(ttl time.Duration, now func() time.Time) *tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &tracker{
		ttl:     ttl,
		expires: make(map[key]time.Time),
		now:     now,
	}
}

func (t *tracker) Record(client models.ClientName, bookID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expires[key{client, bookID}] = t.now().Add(t.ttl)
}

func (t *tracker) IsOwnWrite(client models.ClientName, bookID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	exp, ok := t.expires[key{client, bookID}]
	if ok && now.Before(exp) {
		return true
	}

	// Lazy eviction of expired stamps while holding the lock.
	for k, e := range t.expires {
		if !now.Before(e) {
			delete(t.expires, k)
		}
	}
	return false
}

func (t *tracker) Forget(bookID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.expires {
		if k.bookID == bookID {
			delete(t.expires, k)
		}
	}
}
