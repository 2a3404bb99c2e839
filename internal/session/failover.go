package session

import (
	"context"
	"log"
	"sync"
	"time"

	"tom/core/internal/audio"
	"tom/core/internal/config"
	"tom/core/internal/policy"
)

// Factory builds one backend session bound to a call's bus.
type Factory func(callID string) Session

// Controller states.
const (
	StatePrimaryUp   = "PRIMARY_UP"
	StateDegraded    = "DEGRADED"
	StateSwitching   = "SWITCHING"
	StateSecondaryUp = "SECONDARY_UP"
	StateCooldown    = "COOLDOWN"
)

// FailoverOptions are the health-detector thresholds.
type FailoverOptions struct {
	TriggerMS   float64
	ErrorBurst  int
	ErrorWindow time.Duration
	Cooldown    time.Duration

	// LatencySustain is how long the p95 must stay above TriggerMS.
	LatencySustain time.Duration
	// HandoverWindow is how long the old session lingers after a switch.
	HandoverWindow time.Duration
}

func FailoverOptionsFromConfig(c config.Config) FailoverOptions {
	return FailoverOptions{
		TriggerMS:      float64(c.Backend.TriggerMS),
		ErrorBurst:     c.Backend.ErrorBurst,
		ErrorWindow:    c.ErrorWindow(),
		Cooldown:       c.CooldownDuration(),
		LatencySustain: 2 * time.Minute,
		HandoverWindow: 200 * time.Millisecond,
	}
}

// Controller presents a single Session backed by a primary and an
// optional secondary. It watches the active session's health and
// switches once, then holds a cooldown during which re-switching is
// inhibited. When every backend is down it surfaces a terminal error.
type Controller struct {
	mode      config.BackendMode
	primary   Factory
	secondary Factory
	opts      FailoverOptions
	callID    string

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	active        Session
	activeKind    BackendKind
	state         string
	cooldownUntil time.Time
	variant       policy.Variant
	switched      bool

	lat  *latencyWindow
	errs *errorWindow

	relayCancel context.CancelFunc
	closeOnce   sync.Once
}

// NewController wires factories per the backend mode. The factory for a
// side may be nil when the mode excludes it.
func NewController(callID string, mode config.BackendMode, provider, local Factory, opts FailoverOptions) *Controller {
	c := &Controller{
		mode:   mode,
		callID: callID,
		opts:   opts,
		events: make(chan Event, eventBuf),
		state:  StatePrimaryUp,
		lat:    newLatencyWindow(60 * time.Second),
		errs:   newErrorWindow(opts.ErrorWindow),
	}
	switch mode {
	case config.ProviderOnly:
		c.primary = provider
	case config.LocalOnly:
		c.primary = local
	case config.LocalThenProvider:
		c.primary, c.secondary = local, provider
	default: // provider_then_local
		c.primary, c.secondary = provider, local
	}
	return c
}

func (c *Controller) Describe() Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return c.active.Describe()
	}
	return Descriptor{CallID: c.callID}
}

// State reports the controller state, for tests and the backend gauge.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSecondaryUp && time.Now().Before(c.cooldownUntil) {
		return StateCooldown
	}
	return c.state
}

// Start brings up the primary, falling back to the secondary when the
// primary cannot start. Both failing is terminal.
func (c *Controller) Start(ctx context.Context, variant policy.Variant) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.variant = variant

	if c.primary != nil {
		s := c.primary(c.callID)
		if err := s.Start(c.ctx, variant); err == nil {
			c.adopt(s, StatePrimaryUp)
			return nil
		} else {
			log.Printf("[failover] primary start failed call=%s: %v", c.callID, err)
		}
	}
	if c.secondary != nil {
		s := c.secondary(c.callID)
		if err := s.Start(c.ctx, variant); err == nil {
			c.mu.Lock()
			c.switched = true
			c.cooldownUntil = time.Now().Add(c.opts.Cooldown)
			c.mu.Unlock()
			metricFailovers.Inc()
			c.adopt(s, StateSecondaryUp)
			return nil
		} else {
			log.Printf("[failover] secondary start failed call=%s: %v", c.callID, err)
		}
	}
	return ErrTerminal
}

func (c *Controller) adopt(s Session, state string) {
	relayCtx, relayCancel := context.WithCancel(c.ctx)

	c.mu.Lock()
	c.active = s
	c.activeKind = s.Describe().Backend
	c.state = state
	c.relayCancel = relayCancel
	// Fresh detectors: the new backend starts with a clean health record.
	c.lat = newLatencyWindow(60 * time.Second)
	c.errs = newErrorWindow(c.opts.ErrorWindow)
	c.mu.Unlock()

	gaugeActiveBackend.Set(backendGaugeValue(s.Describe().Backend))
	go c.relay(relayCtx, s)
}

func backendGaugeValue(k BackendKind) float64 {
	if k == BackendLocal {
		return 1
	}
	return 0
}

// relay forwards the active session's events, feeding the health
// detectors on the way through.
func (c *Controller) relay(ctx context.Context, s Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.Events():
			c.observe(e)
			c.forward(e)
		}
	}
}

func (c *Controller) observe(e Event) {
	now := time.Now()
	c.mu.Lock()
	lat, errs := c.lat, c.errs
	c.mu.Unlock()

	switch e.Kind {
	case EvTurnEnd:
		lat.add(float64(e.Durations.E2e), c.opts.TriggerMS, now)
	case EvError:
		errs.add(now)
	default:
		return
	}

	latTrip := lat.sustained(c.opts.LatencySustain, now)
	errTrip := errs.count(now) >= c.opts.ErrorBurst
	if !latTrip && !errTrip {
		return
	}

	c.mu.Lock()
	inCooldown := now.Before(c.cooldownUntil)
	alreadySwitched := c.switched
	c.mu.Unlock()

	if alreadySwitched || inCooldown || c.secondary == nil {
		if alreadySwitched && errTrip {
			// Secondary degraded too and re-switching is inhibited.
			c.forward(Event{Kind: EvError, TS: now, Err: ErrTerminal})
		}
		c.setState(StateDegraded)
		return
	}
	c.switchOver(latTrip, errTrip)
}

// switchOver opens the secondary, repoints the inbound stream at it and
// terminates the primary after the handover window.
func (c *Controller) switchOver(latTrip, errTrip bool) {
	c.setState(StateSwitching)
	log.Printf("[failover] switching call=%s latency_trip=%v error_trip=%v", c.callID, latTrip, errTrip)

	next := c.secondary(c.callID)
	if err := next.Start(c.ctx, c.variant); err != nil {
		log.Printf("[failover] secondary start failed call=%s: %v", c.callID, err)
		c.forward(Event{Kind: EvError, TS: time.Now(), Err: ErrTerminal})
		c.setState(StateDegraded)
		return
	}

	c.mu.Lock()
	old := c.active
	oldRelayCancel := c.relayCancel
	c.switched = true
	c.cooldownUntil = time.Now().Add(c.opts.Cooldown)
	c.mu.Unlock()

	metricFailovers.Inc()
	c.adopt(next, StateSecondaryUp)

	// Handover: the old session lingers briefly so already-synthesized
	// audio drains, then dies.
	go func() {
		time.Sleep(c.opts.HandoverWindow)
		oldRelayCancel()
		_ = old.Close()
	}()
}

func (c *Controller) setState(s string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// PushFrame routes inbound audio to whichever session is active; the
// swap is atomic at a frame boundary.
func (c *Controller) PushFrame(f *audio.Frame) {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s != nil {
		s.PushFrame(f)
	}
}

func (c *Controller) Events() <-chan Event { return c.events }

func (c *Controller) StopOutput() {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s != nil {
		s.StopOutput()
	}
}

func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		s := c.active
		c.mu.Unlock()
		if s != nil {
			_ = s.Close()
		}
		if c.cancel != nil {
			c.cancel()
		}
	})
	return nil
}

func (c *Controller) forward(e Event) {
	select {
	case c.events <- e:
	default:
		select {
		case <-c.events:
			metricEventDrops.Inc()
		default:
		}
		select {
		case c.events <- e:
		default:
		}
	}
}
