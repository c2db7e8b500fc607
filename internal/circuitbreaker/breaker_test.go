package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestAllowWhenClosed(t *testing.T) {
	b := New(3, time.Minute)
	if !b.Allow("stripe") {
		t.Error("closed circuit must allow requests")
	}
}

func TestTripsAtThreshold(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	if !b.Allow("stripe") {
		t.Fatal("circuit tripped below threshold")
	}

	b.RecordFailure("stripe")
	if b.Allow("stripe") {
		t.Error("circuit must reject after threshold failures")
	}
	if got := b.State("stripe"); got != StateOpen {
		t.Errorf("Expected open, got %s", got)
	}
}

func TestCooldownAdmitsOneProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("stripe")

	if b.Allow("stripe") {
		t.Fatal("open circuit must reject before cooldown")
	}

	time.Sleep(20 * time.Millisecond)
	if !b.Allow("stripe") {
		t.Fatal("Expected probe admitted after cooldown")
	}
	if got := b.State("stripe"); got != StateHalfOpen {
		t.Errorf("Expected half_open, got %s", got)
	}
	if b.Allow("stripe") {
		t.Error("only one probe may be in flight")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("stripe")
	time.Sleep(20 * time.Millisecond)
	b.Allow("stripe")

	b.RecordSuccess("stripe")
	if got := b.State("stripe"); got != StateClosed {
		t.Errorf("Expected closed after successful probe, got %s", got)
	}
	if !b.Allow("stripe") {
		t.Error("closed circuit must allow requests")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("stripe")
	time.Sleep(20 * time.Millisecond)
	b.Allow("stripe")

	b.RecordFailure("stripe")
	if got := b.State("stripe"); got != StateOpen {
		t.Errorf("Expected open after failed probe, got %s", got)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Minute)
	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	b.RecordSuccess("stripe")

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	if !b.Allow("stripe") {
		t.Error("failure count must reset after a success")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(1, time.Minute)
	b.RecordFailure("stripe")

	if b.Allow("stripe") {
		t.Error("stripe circuit should be open")
	}
	if !b.Allow("paystack") {
		t.Error("paystack circuit should be unaffected")
	}
}

func TestOnTransitionFires(t *testing.T) {
	b := New(1, time.Minute)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		got = append(got, key+":"+from.String()+">"+to.String())
		mu.Unlock()
		close(done)
	})

	b.RecordFailure("stripe")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("transition callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "stripe:closed>open" {
		t.Errorf("Unexpected transitions: %v", got)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(99):     "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %s, want %s", s, s.String(), want)
		}
	}
}
