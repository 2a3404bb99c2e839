// Package call implements the per-call finite-state machine: one
// goroutine owns all call state; inbound audio, session events and
// timers are funneled into it and never touch state directly.
package call

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"tom/core/internal/audio"
	"tom/core/internal/feedback"
	"tom/core/internal/policy"
	"tom/core/internal/session"
)

// State is the call lifecycle position.
type State string

const (
	StateIdle      State = "IDLE"
	StateRinging   State = "RINGING"
	StateAnswered  State = "ANSWERED"
	StateListening State = "LISTENING"
	StateSpeaking  State = "SPEAKING"
	StateClosing   State = "CLOSING"
	StateEnded     State = "ENDED"
)

// Default timer budgets.
const (
	RingTimeout     = 30 * time.Second
	GreetingTimeout = 5 * time.Second
	TurnTimeout     = 30 * time.Second
	IdleTimeout     = 10 * time.Second
)

type ctlKind int

const (
	ctlIncoming ctlKind = iota
	ctlAnswered
	ctlEnded
	ctlRating
	ctlResolution
	ctlHandover
)

type ctlMsg struct {
	kind   ctlKind
	rating int
	flag   bool
}

// Deps are the collaborators one FSM needs. Sessions builds the
// session handle (normally a failover controller) for this call,
// writing outbound audio to the call's bus.
type Deps struct {
	Gate     *policy.Gate
	Catalog  policy.Catalog
	Sessions func(callID string, bus *audio.Bus) session.Session
	Outbox   *feedback.Outbox
	Coeffs   feedback.Coefficients
}

// FSM owns one call. The zero state is IDLE; Deliver* methods post
// inputs; Notify streams session events onward to the transport layer.
type FSM struct {
	callID  string
	profile string
	deps    Deps
	bus     *audio.Bus

	ctl    chan ctlMsg
	notify chan session.Event

	ctx    context.Context
	cancel context.CancelFunc

	// Timer budgets, defaulted from the package constants; tests tighten
	// them.
	ringTimeout     time.Duration
	greetingTimeout time.Duration
	turnTimeout     time.Duration
	idleTimeout     time.Duration

	mu    sync.Mutex
	state State

	sess      session.Session
	variantID string

	// Signals in flight; destroyed with the FSM after feedback.
	startedAt    time.Time
	answeredAt   time.Time
	userSpeaking bool
	bargeIns     int
	repeats      int
	handover     bool
	resolution   bool
	rating       *int
	closeCause   string
	wasAnswered  bool
	feedbackSent bool

	turnStartedAt time.Time
	tokenCount    int

	done chan struct{}
}

// New builds an FSM for one call. Run starts the loop.
func New(callID, profile string, bus *audio.Bus, deps Deps) *FSM {
	ctx, cancel := context.WithCancel(context.Background())
	return &FSM{
		callID:    callID,
		profile:   profile,
		deps:      deps,
		bus:       bus,
		ctl:       make(chan ctlMsg, 16),
		notify:    make(chan session.Event, 64),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		startedAt: time.Now(),
		done:      make(chan struct{}),

		ringTimeout:     RingTimeout,
		greetingTimeout: GreetingTimeout,
		turnTimeout:     TurnTimeout,
		idleTimeout:     IdleTimeout,
	}
}

func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Notify is the event stream the gateway relays to the client.
func (f *FSM) Notify() <-chan session.Event { return f.notify }

// Done closes when the FSM reaches ENDED.
func (f *FSM) Done() <-chan struct{} { return f.done }

// VariantID reports the policy variant chosen for this call.
func (f *FSM) VariantID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.variantID
}

// CloseCause reports why the call closed.
func (f *FSM) CloseCause() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCause
}

// Control inputs. All are non-blocking posts into the merge loop.

func (f *FSM) DeliverIncoming() { f.post(ctlMsg{kind: ctlIncoming}) }
func (f *FSM) DeliverAnswered() { f.post(ctlMsg{kind: ctlAnswered}) }
func (f *FSM) DeliverHangup()   { f.post(ctlMsg{kind: ctlEnded}) }

// DeliverRating records an explicit user rating signal (1..5).
func (f *FSM) DeliverRating(r int) { f.post(ctlMsg{kind: ctlRating, rating: r}) }

// DeliverResolution records whether the caller's issue was resolved.
func (f *FSM) DeliverResolution(ok bool) { f.post(ctlMsg{kind: ctlResolution, flag: ok}) }

// DeliverHandover records escalation to a human agent.
func (f *FSM) DeliverHandover() { f.post(ctlMsg{kind: ctlHandover}) }

func (f *FSM) post(m ctlMsg) {
	select {
	case f.ctl <- m:
	case <-f.ctx.Done():
	}
}

// Run executes the merge loop until ENDED. Call on its own goroutine.
func (f *FSM) Run() {
	defer close(f.done)
	defer f.cancel()

	ring := newStoppedTimer()
	greeting := newStoppedTimer()
	turn := newStoppedTimer()
	idle := newStoppedTimer()
	defer func() {
		ring.Stop()
		greeting.Stop()
		turn.Stop()
		idle.Stop()
	}()

	var sessEvents <-chan session.Event

	for f.State() != StateEnded {
		select {
		case m := <-f.ctl:
			switch m.kind {
			case ctlIncoming:
				if f.State() == StateIdle {
					f.setState(StateRinging)
					ring.Reset(f.ringTimeout)
				}
			case ctlAnswered:
				if f.State() != StateRinging {
					continue
				}
				ring.Stop()
				if err := f.answer(); err != nil {
					f.beginClosing("terminal:" + err.Error())
				} else {
					sessEvents = f.sess.Events()
					greeting.Reset(f.greetingTimeout)
				}
			case ctlEnded:
				f.beginClosing("hangup")
			case ctlRating:
				f.mu.Lock()
				r := m.rating
				f.rating = &r
				f.mu.Unlock()
			case ctlResolution:
				f.mu.Lock()
				f.resolution = m.flag
				f.mu.Unlock()
			case ctlHandover:
				f.mu.Lock()
				f.handover = true
				f.mu.Unlock()
			}

		case e := <-sessEvents:
			f.onSessionEvent(e, greeting, turn, idle)

		case <-ring.C():
			f.beginClosing("ring_timeout")
		case <-greeting.C():
			if f.State() == StateAnswered {
				f.beginClosing("greeting_timeout")
			}
		case <-turn.C():
			if f.State() == StateSpeaking {
				f.beginClosing("turn_timeout")
			}
		case <-idle.C():
			if f.State() == StateListening {
				f.beginClosing("idle_timeout")
			}
		}

		if f.State() == StateClosing {
			f.finish()
		}
	}
}

// answer performs the RINGING -> ANSWERED actions: select the variant
// (exactly once per call), build the session through the failover
// controller and start the greeting turn.
func (f *FSM) answer() error {
	variantID := f.deps.Gate.Select()
	variant, ok := f.deps.Catalog.Get(variantID)
	if !ok {
		variant = f.deps.Catalog.Base()
		variantID = variant.ID
	}

	f.mu.Lock()
	f.variantID = variantID
	f.mu.Unlock()

	sess := f.deps.Sessions(f.callID, f.bus)
	if err := sess.Start(f.ctx, variant); err != nil {
		return err
	}
	f.sess = sess
	f.mu.Lock()
	f.answeredAt = time.Now()
	f.wasAnswered = true
	f.mu.Unlock()
	f.setState(StateAnswered)
	go f.pumpInbound()

	log.Printf("[call] answered call=%s variant=%s backend=%s", f.callID, variantID, sess.Describe().Backend)
	return nil
}

// pumpInbound moves caller audio from the bus into the active session,
// preserving arrival order.
func (f *FSM) pumpInbound() {
	for {
		fr := f.bus.Inbound.Dequeue()
		if fr == nil {
			select {
			case <-f.ctx.Done():
				return
			case <-f.bus.Inbound.Wait():
				continue
			}
		}
		f.sess.PushFrame(fr)
	}
}

func (f *FSM) onSessionEvent(e session.Event, greeting, turn, idle *stoppedTimer) {
	st := f.State()
	switch e.Kind {
	case session.EvTurnEnd:
		switch st {
		case StateAnswered:
			// greeting_spoken
			greeting.Stop()
			f.setState(StateListening)
			idle.Reset(f.idleTimeout)
		case StateSpeaking:
			turn.Stop()
			f.mu.Lock()
			tokens := f.tokenCount
			f.tokenCount = 0
			turnDur := time.Duration(0)
			if !f.turnStartedAt.IsZero() {
				turnDur = time.Since(f.turnStartedAt)
			}
			f.mu.Unlock()
			metricTurnTokens.Observe(float64(tokens))
			log.Printf("[call] turn_end call=%s turn=%s tokens=%d dur=%dms", f.callID, e.TurnID, tokens, turnDur.Milliseconds())
			f.setState(StateListening)
			idle.Reset(f.idleTimeout)
		}

	case session.EvSpeakingStart:
		f.mu.Lock()
		f.userSpeaking = true
		f.mu.Unlock()
		idle.Stop()
		if st == StateSpeaking {
			// Barge-in: stop output and yield the floor.
			t0 := time.Now()
			f.sess.StopOutput()
			d := time.Since(t0)
			f.mu.Lock()
			f.bargeIns++
			f.mu.Unlock()
			metricBargeInStopMS.Observe(float64(d.Milliseconds()))
			turn.Stop()
			f.setState(StateListening)
		}

	case session.EvSpeakingEnd:
		f.mu.Lock()
		f.userSpeaking = false
		f.mu.Unlock()
		if st == StateListening {
			f.mu.Lock()
			f.turnStartedAt = time.Now()
			f.mu.Unlock()
			f.setState(StateSpeaking)
			turn.Reset(f.turnTimeout)
		}

	case session.EvSttFinal:
		// A provider backend implies speaking end with the final
		// transcript; route the turn if the VAD event did not arrive.
		if st == StateListening {
			f.mu.Lock()
			f.turnStartedAt = time.Now()
			f.mu.Unlock()
			f.setState(StateSpeaking)
			turn.Reset(f.turnTimeout)
		}

	case session.EvLlmToken:
		f.mu.Lock()
		f.tokenCount++
		f.mu.Unlock()

	case session.EvFirstAudio:
		f.mu.Lock()
		if !f.turnStartedAt.IsZero() {
			metricFirstAudioLatencyMS.Observe(float64(time.Since(f.turnStartedAt).Milliseconds()))
		}
		f.mu.Unlock()

	case session.EvError:
		if errors.Is(e.Err, session.ErrTerminal) {
			f.beginClosing("terminal")
		} else {
			// Recovered or recoverable by the failover layer; a failed
			// answer reads as the assistant repeating itself.
			f.mu.Lock()
			f.repeats++
			f.mu.Unlock()
		}
	}

	f.relay(e)
}

// relay forwards a session event to the transport without blocking the
// merge loop.
func (f *FSM) relay(e session.Event) {
	select {
	case f.notify <- e:
	default:
	}
}

func (f *FSM) beginClosing(cause string) {
	f.mu.Lock()
	if f.state == StateClosing || f.state == StateEnded {
		f.mu.Unlock()
		return
	}
	f.state = StateClosing
	if f.closeCause == "" {
		f.closeCause = cause
	}
	f.mu.Unlock()
	metricStateTransitions.WithLabelValues("any", string(StateClosing)).Inc()
	log.Printf("[call] closing call=%s cause=%s", f.callID, cause)
}

// finish runs the CLOSING actions: cancel the session, compute the
// reward and record feedback exactly once, then terminate.
func (f *FSM) finish() {
	f.cancel() // cancellation token: session must stop frames promptly
	if f.sess != nil {
		_ = f.sess.Close()
	}

	f.mu.Lock()
	shouldRecord := f.wasAnswered && !f.feedbackSent
	f.feedbackSent = true
	sig := feedback.Signals{
		Resolution:   f.resolution,
		UserRating:   f.rating,
		BargeInCount: f.bargeIns,
		Repeats:      f.repeats,
		Handover:     f.handover,
	}
	if !f.answeredAt.IsZero() {
		sig.DurationSec = int(time.Since(f.answeredAt).Seconds())
		if sig.DurationSec == 0 {
			sig.DurationSec = 1
		}
	}
	variantID := f.variantID
	f.mu.Unlock()

	if shouldRecord {
		reward := feedback.Reward(sig, f.deps.Coeffs)
		ev := feedback.NewEvent(f.callID, time.Now(), f.profile, variantID, sig, reward)
		f.deps.Outbox.Submit(ev)
		if err := f.deps.Gate.RecordOutcome(variantID, reward); err != nil {
			log.Printf("[call] outcome update failed call=%s: %v", f.callID, err)
		}
		log.Printf("[call] feedback call=%s variant=%s reward=%.3f barge_ins=%d", f.callID, variantID, reward, sig.BargeInCount)
	}

	f.setState(StateEnded)
}

func (f *FSM) setState(to State) {
	f.mu.Lock()
	from := f.state
	if from == to {
		f.mu.Unlock()
		return
	}
	f.state = to
	f.mu.Unlock()
	metricStateTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// stoppedTimer is a timer that starts disarmed and can be reused; its
// channel never fires unless Reset arms it.
type stoppedTimer struct {
	t *time.Timer
}

func newStoppedTimer() *stoppedTimer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return &stoppedTimer{t: t}
}

func (s *stoppedTimer) Reset(d time.Duration) {
	s.Stop()
	s.t.Reset(d)
}

func (s *stoppedTimer) Stop() {
	if !s.t.Stop() {
		select {
		case <-s.t.C:
		default:
		}
	}
}

func (s *stoppedTimer) C() <-chan time.Time { return s.t.C }
