package queue

import "time"

// Default retry timing: 2s, 4s, 8s, 16s, then 30s for every later retry.
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 30 * time.Second
)

// Backoff computes exponential retry delays: Base * 2^retryCount, capped.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}
}

// Delay returns the wait before the retryCount-th retry becomes eligible.
func (b Backoff) Delay(retryCount int) time.Duration {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	if retryCount < 0 {
		retryCount = 0
	}

	d := b.Base
	for i := 0; i < retryCount; i++ {
		if d >= b.Cap/2 {
			return b.Cap
		}
		d *= 2
	}
	return min(d, b.Cap)
}

// Decision is the retry controller's verdict for one failure.
type Decision struct {
	// RetryCount is the task's retry count after this failure.
	RetryCount int
	DeadLetter bool
	// Delay is zero when DeadLetter is set.
	Delay time.Duration
}

// Decide applies the retry policy to a task that failed with retryCount
// previous retries and a budget of maxRetries.
func (b Backoff) Decide(retryCount, maxRetries int, shouldRetry bool) Decision {
	next := retryCount + 1
	if !shouldRetry || next > maxRetries {
		return Decision{RetryCount: next, DeadLetter: true}
	}
	return Decision{RetryCount: next, Delay: b.Delay(next)}
}
