package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Fingerprint identifies one trading intent: the same strategy signalling
// the same intent on the same symbol for the same bar always hashes to the
// same value, across restarts and replays.
func Fingerprint(strategyID, symbol, intentTag string, barTS time.Time) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d",
		strategyID, symbol, intentTag, barTS.UTC().UnixMilli())))
	return hex.EncodeToString(h[:16])
}

// Dedupe enforces at-most-one-in-flight per fingerprint plus a completion
// TTL: a fingerprint is suppressed while its proposal is outstanding and for
// ttl after it completed.
type Dedupe struct {
	mu        sync.Mutex
	ttl       time.Duration
	inflight  map[string]struct{}
	completed map[string]time.Time
	now       func() time.Time
}

// NewDedupe creates a tracker with the given completion TTL.
func NewDedupe(ttl time.Duration) *Dedupe {
	return &Dedupe{
		ttl:       ttl,
		inflight:  make(map[string]struct{}),
		completed: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Begin claims the fingerprint. It returns false when the fingerprint is
// already in flight or completed within the TTL; on true the caller must
// eventually call Done.
func (d *Dedupe) Begin(fp string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if _, ok := d.inflight[fp]; ok {
		return false
	}
	if done, ok := d.completed[fp]; ok {
		if now.Sub(done) < d.ttl {
			return false
		}
		delete(d.completed, fp)
	}
	d.sweep(now)
	d.inflight[fp] = struct{}{}
	return true
}

// Done releases the in-flight claim and starts the completion TTL.
func (d *Dedupe) Done(fp string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, fp)
	d.completed[fp] = d.now()
}

// sweep drops expired completions; called under the lock.
func (d *Dedupe) sweep(now time.Time) {
	for fp, done := range d.completed {
		if now.Sub(done) >= d.ttl {
			delete(d.completed, fp)
		}
	}
}
