package p2p

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// dialAttempt records bookkeeping for one outbound endpoint, mirroring
// the teacher's Dialer.attempts map.
type dialAttempt struct {
	last  time.Time
	count uint
}

// Dialer tracks per-endpoint dial attempts so a node coordinator can
// decide when an endpoint is worth retrying. Unlike the teacher's
// unbounded map, attempts are kept in a size-bounded LRU: a long-lived
// node accumulates seed/peer churn over time, and nothing ever evicts a
// plain map (spec §4.5 calls for bounding resource usage "bounded by
// configuration", which this extends to dialer bookkeeping).
type Dialer struct {
	mu       sync.Mutex
	attempts *lru.Cache[string, dialAttempt]
}

// NewDialer constructs a Dialer whose attempt cache holds at most
// cfg.DialerAttemptCacheSize endpoints.
func NewDialer(cfg Configuration) *Dialer {
	size := cfg.DialerAttemptCacheSize
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, dialAttempt](size)
	if err != nil {
		// Only returns an error for size <= 0, already guarded above.
		panic(err)
	}
	return &Dialer{attempts: cache}
}

// Record notes that a dial attempt to endpoint was just made.
func (d *Dialer) Record(endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.attempts.Get(endpoint)
	if ok {
		a.count++
	} else {
		a.count = 1
	}
	a.last = time.Now()
	d.attempts.Add(endpoint, a)
	dialerLogger.WithField("endpoint", endpoint).WithField("attempts", a.count).Debug("recorded dial attempt")
}

// Reset clears the attempt count for endpoint, called once a handshake
// with it succeeds.
func (d *Dialer) Reset(endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts.Remove(endpoint)
}

// Attempts reports how many consecutive dials endpoint has seen since
// its last Reset, and when the most recent one happened.
func (d *Dialer) Attempts(endpoint string) (count uint, last time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.attempts.Get(endpoint)
	if !ok {
		return 0, time.Time{}
	}
	return a.count, a.last
}
