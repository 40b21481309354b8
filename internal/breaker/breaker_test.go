package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests march time forward deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() Config {
	return Config{FailureThreshold: 3, FailureWindow: time.Minute, Cooldown: 2 * time.Minute}
}

func TestBreaker_TripAndCooldown(t *testing.T) {
	clock := newFakeClock()
	b := NewRegistryWithClock(testConfig(), clock.now).Get("generator")

	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}
	if !b.Allow() {
		t.Fatal("breaker tripped below threshold")
	}

	b.RecordFailure() // third failure within the window trips it
	if b.Allow() {
		t.Fatal("breaker did not trip at threshold")
	}

	clock.advance(time.Minute)
	if b.Allow() {
		t.Fatal("breaker reopened before cooldown elapsed")
	}

	clock.advance(90 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker did not auto-reset after cooldown")
	}
	// After reset the count starts over.
	b.RecordFailure()
	if !b.Allow() {
		t.Error("single failure after reset should not trip")
	}
}

func TestBreaker_WindowRestartsCount(t *testing.T) {
	clock := newFakeClock()
	b := NewRegistryWithClock(testConfig(), clock.now).Get("classifier")

	b.RecordFailure()
	b.RecordFailure()
	clock.advance(2 * time.Minute) // previous failure now outside the window
	b.RecordFailure()
	if !b.Allow() {
		t.Error("stale failures should not count toward the threshold")
	}
}

func TestBreaker_GradualRecovery(t *testing.T) {
	clock := newFakeClock()
	b := NewRegistryWithClock(testConfig(), clock.now).Get("generator")

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess() // back down to one
	b.RecordFailure() // two again, still under threshold
	if !b.Allow() {
		t.Error("success should decrement the failure count")
	}
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess() // never below zero
	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() {
		t.Error("count went negative")
	}
}

func TestRegistry_OneBreakerPerOperation(t *testing.T) {
	r := NewRegistry(testConfig())
	if r.Get("generator") != r.Get("generator") {
		t.Error("same operation returned distinct breakers")
	}
	if r.Get("generator") == r.Get("classifier") {
		t.Error("distinct operations share a breaker")
	}
}

func TestCall_Success(t *testing.T) {
	r := NewRegistry(testConfig())
	got, status := Call(context.Background(), r.Get("generator"), Options{Timeout: time.Second},
		func(ctx context.Context) (string, error) { return "hello", nil }, "fallback")
	if status != StatusSuccess || got != "hello" {
		t.Errorf("got (%q, %s), want (hello, success)", got, status)
	}
}

func TestCall_ErrorReturnsFallback(t *testing.T) {
	r := NewRegistry(testConfig())
	got, status := Call(context.Background(), r.Get("generator"), Options{Timeout: time.Second},
		func(ctx context.Context) (string, error) { return "", errors.New("backend down") }, "fallback")
	if status != StatusError || got != "fallback" {
		t.Errorf("got (%q, %s), want (fallback, error)", got, status)
	}
}

func TestCall_TimeoutReturnsFallback(t *testing.T) {
	r := NewRegistry(testConfig())
	start := time.Now()
	got, status := Call(context.Background(), r.Get("generator"), Options{Timeout: 20 * time.Millisecond},
		func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "too late", ctx.Err()
		}, "fallback")
	if status != StatusTimeout || got != "fallback" {
		t.Errorf("got (%q, %s), want (fallback, timeout)", got, status)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout path took far too long")
	}
}

func TestCall_CircuitOpenSkipsFn(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistryWithClock(testConfig(), clock.now)
	b := r.Get("generator")
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	called := false
	got, status := Call(context.Background(), b, Options{Timeout: time.Second},
		func(ctx context.Context) (string, error) { called = true; return "x", nil }, "fallback")
	if status != StatusCircuitOpen || got != "fallback" {
		t.Errorf("got (%q, %s), want (fallback, circuit_open)", got, status)
	}
	if called {
		t.Error("underlying fn invoked while circuit open")
	}

	clock.advance(3 * time.Minute)
	_, status = Call(context.Background(), b, Options{Timeout: time.Second},
		func(ctx context.Context) (string, error) { return "x", nil }, "fallback")
	if status != StatusSuccess {
		t.Errorf("after cooldown got %s, want success", status)
	}
}

func TestCall_ReporterPanicsAreSwallowed(t *testing.T) {
	r := NewRegistry(testConfig())
	opts := Options{
		Timeout: time.Second,
		Report:  func(string, Status, time.Duration) { panic("sink exploded") },
	}
	got, status := Call(context.Background(), r.Get("generator"), opts,
		func(ctx context.Context) (string, error) { return "ok", nil }, "fallback")
	if status != StatusSuccess || got != "ok" {
		t.Errorf("reporter panic leaked into call result: (%q, %s)", got, status)
	}
}

func TestCall_ReportsOutcome(t *testing.T) {
	r := NewRegistry(testConfig())
	var mu sync.Mutex
	var statuses []Status
	opts := Options{
		Timeout: time.Second,
		Report: func(op string, s Status, _ time.Duration) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		},
	}

	Call(context.Background(), r.Get("generator"), opts,
		func(ctx context.Context) (string, error) { return "ok", nil }, "")
	Call(context.Background(), r.Get("generator"), opts,
		func(ctx context.Context) (string, error) { return "", errors.New("nope") }, "")

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 2 || statuses[0] != StatusSuccess || statuses[1] != StatusError {
		t.Errorf("reported statuses = %v", statuses)
	}
}
