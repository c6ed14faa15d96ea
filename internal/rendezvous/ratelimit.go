package rendezvous

import (
	"sync"
	"time"
)

// nanoPerToken is the fixed-point scale: one token is 1e9 nano-tokens, so a
// rate of r tokens/sec refills exactly r nano-tokens per elapsed nanosecond
// with no float rounding.
const nanoPerToken = int64(time.Second)

// tokenBucket caps the sustained inbound message rate of one connection.
// It starts full so a client may burst up to the capacity immediately.
type tokenBucket struct {
	mu    sync.Mutex
	now   func() time.Time
	rate  int64 // tokens per second
	avail int64 // nano-tokens
	cap   int64 // nano-tokens
	last  time.Time
}

// newTokenBucket creates a bucket holding at most burst tokens, refilled at
// rate tokens per second. A nil clock uses time.Now.
func newTokenBucket(burst, rate int, clock func() time.Time) *tokenBucket {
	if clock == nil {
		clock = time.Now
	}
	capacity := int64(max(burst, 0)) * nanoPerToken
	return &tokenBucket{
		now:   clock,
		rate:  int64(max(rate, 0)),
		avail: capacity,
		cap:   capacity,
		last:  clock(),
	}
}

// allow consumes one token, reporting false when the bucket is empty.
func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.avail < nanoPerToken {
		return false
	}
	b.avail -= nanoPerToken
	return true
}

func (b *tokenBucket) refill() {
	now := b.now()
	if now.Before(b.last) {
		// Clock went backwards. Re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if elapsed <= 0 || b.rate <= 0 || b.avail >= b.cap {
		return
	}
	// elapsed*rate can overflow for a long-idle connection; any elapsed time
	// long enough to top up the bucket clamps to the capacity instead.
	if need := b.cap - b.avail; elapsed >= need/b.rate {
		b.avail = b.cap
		return
	}
	b.avail += elapsed * b.rate
}
