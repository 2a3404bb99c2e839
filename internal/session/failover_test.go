package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tom/core/internal/audio"
	"tom/core/internal/config"
	"tom/core/internal/policy"
)

// fakeBackend is a scriptable Session for controller tests.
type fakeBackend struct {
	kind     BackendKind
	startErr error
	desc     Descriptor
	events   chan Event

	mu       sync.Mutex
	frames   int
	closed   bool
	stopped  bool
	started  bool
}

func newFakeBackend(kind BackendKind, startErr error) *fakeBackend {
	return &fakeBackend{
		kind:     kind,
		startErr: startErr,
		events:   make(chan Event, eventBuf),
		desc:     NewDescriptor("call-f", "v0", kind),
	}
}

func (f *fakeBackend) Start(ctx context.Context, v policy.Variant) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) PushFrame(fr *audio.Frame) {
	f.mu.Lock()
	f.frames++
	f.mu.Unlock()
}

func (f *fakeBackend) Events() <-chan Event { return f.events }

func (f *fakeBackend) StopOutput() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Describe() Descriptor { return f.desc }

func (f *fakeBackend) inject(e Event) { f.events <- e }

func (f *fakeBackend) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

func (f *fakeBackend) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testFailoverOptions() FailoverOptions {
	return FailoverOptions{
		TriggerMS:      800,
		ErrorBurst:     3,
		ErrorWindow:    60 * time.Second,
		Cooldown:       10 * time.Minute,
		LatencySustain: 2 * time.Minute,
		HandoverWindow: 50 * time.Millisecond,
	}
}

func startController(t *testing.T, provider, local *fakeBackend) *Controller {
	t.Helper()
	c := NewController("call-f", config.ProviderThenLocal,
		func(string) Session { return provider },
		func(string) Session { return local },
		testFailoverOptions())
	if err := c.Start(context.Background(), policy.Variant{ID: "v0"}); err != nil {
		t.Fatalf("controller start: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

// Error burst failover: three backend errors inside the window switch
// the controller to the local session, advance the failover counter and
// enter cooldown so a re-switch is inhibited.
func TestErrorBurstTriggersFailover(t *testing.T) {
	provider := newFakeBackend(BackendProvider, nil)
	local := newFakeBackend(BackendLocal, nil)
	c := startController(t, provider, local)

	before := testutil.ToFloat64(metricFailovers)

	for i := 0; i < 3; i++ {
		provider.inject(Event{Kind: EvError, TS: time.Now(), Err: ErrBackendTimeout})
	}

	waitFor(t, 2*time.Second, func() bool {
		return c.Describe().Backend == BackendLocal
	}, "controller did not switch to local")

	if got := testutil.ToFloat64(metricFailovers) - before; got != 1 {
		t.Fatalf("failover counter advanced by %v, want 1", got)
	}
	// Freshly switched: secondary is up and the cooldown clock is running.
	if c.State() != StateCooldown {
		t.Fatalf("state = %s, want %s", c.State(), StateCooldown)
	}

	// Frames now route to the secondary.
	c.PushFrame(quietFrame(1, time.Now()))
	waitFor(t, time.Second, func() bool { return local.frameCount() == 1 }, "frame not routed to local")
	if provider.frameCount() != 0 {
		t.Fatalf("frame leaked to the old primary")
	}

	// Old primary dies after the handover window.
	waitFor(t, time.Second, provider.isClosed, "primary not terminated after handover")
}

func TestTwoErrorsDoNotTrigger(t *testing.T) {
	provider := newFakeBackend(BackendProvider, nil)
	local := newFakeBackend(BackendLocal, nil)
	c := startController(t, provider, local)

	provider.inject(Event{Kind: EvError, TS: time.Now(), Err: ErrBackendTimeout})
	provider.inject(Event{Kind: EvError, TS: time.Now(), Err: ErrBackendTimeout})
	time.Sleep(100 * time.Millisecond)

	if c.Describe().Backend != BackendProvider {
		t.Fatalf("switched below the burst threshold")
	}
}

// After a switch, a burst on the secondary cannot re-switch during
// cooldown; the controller surfaces a terminal error instead.
func TestCooldownInhibitsReSwitch(t *testing.T) {
	provider := newFakeBackend(BackendProvider, nil)
	local := newFakeBackend(BackendLocal, nil)
	c := startController(t, provider, local)

	for i := 0; i < 3; i++ {
		provider.inject(Event{Kind: EvError, TS: time.Now(), Err: ErrBackendTimeout})
	}
	waitFor(t, 2*time.Second, func() bool {
		return c.Describe().Backend == BackendLocal
	}, "no initial switch")

	before := testutil.ToFloat64(metricFailovers)
	for i := 0; i < 3; i++ {
		local.inject(Event{Kind: EvError, TS: time.Now(), Err: ErrBackendTimeout})
	}

	var terminal bool
	deadline := time.After(2 * time.Second)
	for !terminal {
		select {
		case e := <-c.Events():
			if e.Kind == EvError && errors.Is(e.Err, ErrTerminal) {
				terminal = true
			}
		case <-deadline:
			t.Fatalf("expected a terminal error during cooldown")
		}
	}
	if got := testutil.ToFloat64(metricFailovers) - before; got != 0 {
		t.Fatalf("re-switch happened during cooldown")
	}
}

// Primary that cannot even start: the controller adopts the secondary
// immediately and records the failover.
func TestPrimaryStartFailureFallsBack(t *testing.T) {
	provider := newFakeBackend(BackendProvider, ErrBackendUnavailable)
	local := newFakeBackend(BackendLocal, nil)

	before := testutil.ToFloat64(metricFailovers)
	c := startController(t, provider, local)

	if c.Describe().Backend != BackendLocal {
		t.Fatalf("expected local after primary start failure")
	}
	if got := testutil.ToFloat64(metricFailovers) - before; got != 1 {
		t.Fatalf("failover counter advanced by %v, want 1", got)
	}
}

func TestBothBackendsDownIsTerminal(t *testing.T) {
	provider := newFakeBackend(BackendProvider, ErrBackendUnavailable)
	local := newFakeBackend(BackendLocal, ErrBackendUnavailable)

	c := NewController("call-f", config.ProviderThenLocal,
		func(string) Session { return provider },
		func(string) Session { return local },
		testFailoverOptions())
	err := c.Start(context.Background(), policy.Variant{ID: "v0"})
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestLocalOnlyModeHasNoSecondary(t *testing.T) {
	local := newFakeBackend(BackendLocal, nil)
	c := NewController("call-f", config.LocalOnly,
		nil,
		func(string) Session { return local },
		testFailoverOptions())
	if err := c.Start(context.Background(), policy.Variant{ID: "v0"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Close()
	if c.Describe().Backend != BackendLocal {
		t.Fatalf("local_only must run the local session")
	}
}

// Events pass through the controller unchanged.
func TestEventRelay(t *testing.T) {
	provider := newFakeBackend(BackendProvider, nil)
	local := newFakeBackend(BackendLocal, nil)
	c := startController(t, provider, local)

	provider.inject(Event{Kind: EvSttFinal, Text: "hello", TS: time.Now()})

	select {
	case e := <-c.Events():
		if e.Kind != EvSttFinal || e.Text != "hello" {
			t.Fatalf("relayed event mangled: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not relayed")
	}
}
