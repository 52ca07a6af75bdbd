package sink

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(max int, reset time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(max, reset)
	b.now = clk.now
	return b, clk
}

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	if b.State() != BreakerClosed {
		t.Errorf("expected closed, got %v", b.State())
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	errFail := errors.New("fail")

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return errFail }); err != errFail {
			t.Fatalf("expected errFail, got %v", err)
		}
	}
	if b.State() != BreakerOpen {
		t.Fatalf("expected open after 3 failures, got %v", b.State())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrBreakerOpen) || called {
		t.Errorf("open breaker must short-circuit: err=%v called=%v", err, called)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clk := newTestBreaker(2, time.Second)
	var transitions []BreakerState
	b.OnStateChange = func(_, to BreakerState) { transitions = append(transitions, to) }

	errFail := errors.New("fail")
	b.Execute(func() error { return errFail })
	b.Execute(func() error { return errFail })

	clk.advance(2 * time.Second)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != BreakerClosed {
		t.Errorf("expected closed after successful probe, got %v", b.State())
	}
	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1, time.Second)
	errFail := errors.New("fail")
	b.Execute(func() error { return errFail })

	clk.advance(2 * time.Second)
	b.Execute(func() error { return errFail })
	if b.State() != BreakerOpen {
		t.Errorf("failed probe should reopen, got %v", b.State())
	}
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(2, time.Second)
	bad := Permanent(errors.New("check constraint"))
	for i := 0; i < 5; i++ {
		if err := b.Execute(func() error { return bad }); !IsPermanent(err) {
			t.Fatalf("permanent error lost: %v", err)
		}
	}
	if b.State() != BreakerClosed {
		t.Errorf("permanent errors should not open the breaker, got %v", b.State())
	}
}
