package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("model crashed")

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New("test", threshold, open)
	b.now = clk.Now
	return b, clk
}

func fail() error { return errBoom }
func ok() error   { return nil }

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Execute(fail, nil), errBoom)
		assert.Equal(t, StateClosed, b.State())
	}
	assert.ErrorIs(t, b.Execute(fail, nil), errBoom)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(func() error { called = true; return nil }, nil)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open circuit must not call through")
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	_ = b.Execute(fail, nil)
	require.NoError(t, b.Execute(ok, nil))
	_ = b.Execute(fail, nil)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Snapshot().Failures)
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	_ = b.Execute(fail, nil)
	require.Equal(t, StateOpen, b.State())

	clk.Advance(59 * time.Second)
	assert.ErrorIs(t, b.Execute(ok, nil), ErrOpen)

	clk.Advance(time.Second)
	probeStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(probeStarted)
			<-release
			return nil
		}, nil)
	}()

	<-probeStarted
	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Execute(ok, nil), ErrOpen, "only one probe at a time")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(3, time.Minute)
	for i := 0; i < 3; i++ {
		_ = b.Execute(fail, nil)
	}
	clk.Advance(time.Minute)

	assert.ErrorIs(t, b.Execute(fail, nil), errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(ok, nil), ErrOpen, "cool-down restarts after a failed probe")
}

func TestBreaker_UncountedErrorsPassThrough(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	errCaller := errors.New("bad input")
	countable := func(err error) bool { return !errors.Is(err, errCaller) }

	for i := 0; i < 5; i++ {
		err := b.Execute(func() error { return errCaller }, countable)
		assert.ErrorIs(t, err, errCaller)
	}
	assert.Equal(t, StateClosed, b.State())

	assert.ErrorIs(t, b.Execute(fail, countable), errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_Snapshot(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)
	assert.Equal(t, Snapshot{Name: "test", State: "closed"}, b.Snapshot())

	_ = b.Execute(fail, nil)
	_ = b.Execute(fail, nil)

	snap := b.Snapshot()
	assert.Equal(t, "test", b.Name())
	assert.Equal(t, "open", snap.State)
	assert.Equal(t, 2, snap.Failures)
	assert.Equal(t, clk.Now(), snap.LastFailure)
}

func TestBreaker_OnTransition(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	got := make(chan [2]State, 1)
	b.OnTransition(func(from, to State) {
		got <- [2]State{from, to}
	})

	_ = b.Execute(fail, nil)

	select {
	case tr := <-got:
		assert.Equal(t, StateClosed, tr[0])
		assert.Equal(t, StateOpen, tr[1])
	case <-time.After(time.Second):
		t.Fatal("transition callback not invoked")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
