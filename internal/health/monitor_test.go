package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTickMonitor(threshold int) *Monitor {
	return NewMonitor(Config{
		Project:          "alpha",
		Interval:         time.Hour, // ticks driven manually
		FailureThreshold: threshold,
	})
}

func drainEvents(m *Monitor) []Event {
	var events []Event
	for {
		select {
		case ev := <-m.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestRecoveryFiresOncePerEpisode(t *testing.T) {
	m := newTickMonitor(3)
	probeErr := errors.New("connection refused")
	m.probe = func(context.Context) error { return probeErr }

	// fail, fail, fail, succeed: one recovery request after the third
	// failure, one healthy transition after the success.
	m.tick()
	m.tick()
	if events := drainEvents(m); len(events) != 0 {
		t.Fatalf("events before threshold: %+v", events)
	}

	m.tick()
	events := drainEvents(m)
	if len(events) != 2 {
		t.Fatalf("events at threshold = %+v, want state change + recovery", events)
	}
	if events[0].Kind != EventStateChange || events[0].State != StateUnhealthy {
		t.Errorf("first event = %+v, want unhealthy state change", events[0])
	}
	if events[1].Kind != EventRecoveryNeeded {
		t.Errorf("second event = %+v, want recovery needed", events[1])
	}

	// Further failures in the same episode stay silent.
	m.tick()
	m.tick()
	if events := drainEvents(m); len(events) != 0 {
		t.Fatalf("events during ongoing episode: %+v", events)
	}

	m.probe = func(context.Context) error { return nil }
	m.tick()
	events = drainEvents(m)
	if len(events) != 1 || events[0].Kind != EventStateChange || events[0].State != StateHealthy {
		t.Fatalf("events after recovery = %+v, want single healthy state change", events)
	}
	if m.State() != StateHealthy {
		t.Errorf("state = %s, want healthy", m.State())
	}
}

func TestNewEpisodeAfterRecovery(t *testing.T) {
	m := newTickMonitor(2)
	fail := true
	m.probe = func(context.Context) error {
		if fail {
			return errors.New("down")
		}
		return nil
	}

	m.tick()
	m.tick() // first episode: unhealthy + recovery
	fail = false
	m.tick() // healthy
	drainEvents(m)

	fail = true
	m.tick()
	m.tick() // second episode must request recovery again
	events := drainEvents(m)
	var recoveries int
	for _, ev := range events {
		if ev.Kind == EventRecoveryNeeded {
			recoveries++
		}
	}
	if recoveries != 1 {
		t.Errorf("second episode produced %d recovery events, want 1", recoveries)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	m := newTickMonitor(3)
	calls := 0
	// fail, fail, succeed, fail, fail: never reaches the threshold.
	results := []error{errors.New("x"), errors.New("x"), nil, errors.New("x"), errors.New("x")}
	m.probe = func(context.Context) error {
		err := results[calls]
		calls++
		return err
	}

	for range results {
		m.tick()
	}

	for _, ev := range drainEvents(m) {
		if ev.Kind == EventRecoveryNeeded {
			t.Fatal("recovery requested without threshold consecutive failures")
		}
	}
}

func TestHealthyStateChangeOnFirstSuccess(t *testing.T) {
	m := newTickMonitor(3)
	m.probe = func(context.Context) error { return nil }

	if m.State() != StateUnknown {
		t.Fatalf("initial state = %s, want unknown", m.State())
	}
	m.tick()
	events := drainEvents(m)
	if len(events) != 1 || events[0].State != StateHealthy {
		t.Fatalf("events = %+v, want healthy transition", events)
	}
}

func TestProbeTimeoutBoundsProbe(t *testing.T) {
	m := NewMonitor(Config{
		Project:          "alpha",
		Interval:         time.Hour,
		FailureThreshold: 1,
		ProbeTimeout:     10 * time.Millisecond,
	})
	m.probe = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		m.tick()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tick did not respect the probe timeout")
	}
	if m.State() != StateUnhealthy {
		t.Errorf("state after timed-out probe = %s, want unhealthy", m.State())
	}
}
