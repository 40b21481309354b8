package breaker

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Status classifies a guarded call's outcome.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusTimeout     Status = "timeout"
	StatusError       Status = "error"
	StatusCircuitOpen Status = "circuit_open"
)

// Jitter is a seedable random delay applied before a guarded call so that
// concurrent sessions do not hammer a recovering backend in lockstep.
// The zero-max jitter sleeps not at all, which is what tests use.
type Jitter struct {
	mu  sync.Mutex
	rnd *rand.Rand
	max time.Duration
}

// NewJitter creates a jitter source. The rand source is injected so tests
// can pin the seed.
func NewJitter(rnd *rand.Rand, max time.Duration) *Jitter {
	return &Jitter{rnd: rnd, max: max}
}

func (j *Jitter) sleep(ctx context.Context) {
	if j == nil || j.max <= 0 {
		return
	}
	j.mu.Lock()
	d := time.Duration(j.rnd.Int63n(int64(j.max)))
	j.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Options configures one guarded call.
type Options struct {
	Timeout time.Duration
	Jitter  *Jitter
	// Report receives the outcome, best-effort: a panicking or slow reporter
	// must never affect the caller, so it is invoked behind a recover and
	// expected to be non-blocking (the event writers are).
	Report func(operation string, status Status, elapsed time.Duration)
}

// Call runs fn behind the breaker. When the breaker is open the fallback is
// returned immediately with no call attempted. Otherwise fn races the
// timeout; on timeout or error the failure is recorded and the fallback
// returned. The fallback path is guaranteed: fn runs in its own goroutine
// and a deadline always fires, so the caller can never hang.
func Call[T any](ctx context.Context, b *Breaker, opts Options, fn func(context.Context) (T, error), fallback T) (T, Status) {
	start := time.Now()
	report := func(s Status) {
		if opts.Report == nil {
			return
		}
		defer func() { _ = recover() }()
		opts.Report(b.Name(), s, time.Since(start))
	}

	if !b.Allow() {
		report(StatusCircuitOpen)
		return fallback, StatusCircuitOpen
	}

	opts.Jitter.sleep(ctx)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn(cctx)
		ch <- outcome{val: v, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			b.RecordFailure()
			report(StatusError)
			return fallback, StatusError
		}
		b.RecordSuccess()
		report(StatusSuccess)
		return out.val, StatusSuccess
	case <-cctx.Done():
		b.RecordFailure()
		report(StatusTimeout)
		return fallback, StatusTimeout
	}
}
