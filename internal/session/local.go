package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tom/core/internal/audio"
	"tom/core/internal/policy"
)

// Transcriber turns captured PCM into a final transcript. onPartial may
// be invoked zero or more times before the final returns; pass nil to
// skip partials.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, onPartial func(string)) (string, error)
}

// Generator yields a lazy, finite, non-restartable token stream for one
// turn. The channel closes when generation completes; cancelling ctx
// stops it early.
type Generator interface {
	Generate(ctx context.Context, params policy.Parameters, transcript string) (<-chan string, error)
}

// Synthesizer consumes a token stream incrementally and emits 20 ms
// PCM16 frames. The returned channel closes when synthesis of the whole
// stream completes or ctx is cancelled.
type Synthesizer interface {
	Synthesize(ctx context.Context, tokens <-chan string) (<-chan []byte, error)
}

// firstTokenTimeout is how long a turn waits for the first LLM token
// before it surfaces a backend timeout for the failover detectors.
const firstTokenTimeout = 1 * time.Second

// Local drives the in-process VAD -> STT -> LLM -> TTS pipeline. A
// single goroutine owns the VAD and capture state; producers hand it
// frames through a bounded channel and never touch state directly.
type Local struct {
	desc Descriptor
	bus  *audio.Bus

	stt Transcriber
	llm Generator
	tts Synthesizer

	variant policy.Variant
	det     *vad

	events   chan Event
	inFrames chan *audio.Frame

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	currentTurn string
	turnCancel  context.CancelFunc
	outSeq      uint32

	capture []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewLocal builds a local session writing outbound audio to bus.Outbound.
func NewLocal(callID string, bus *audio.Bus, stt Transcriber, llm Generator, tts Synthesizer) *Local {
	return &Local{
		bus:      bus,
		stt:      stt,
		llm:      llm,
		tts:      tts,
		events:   make(chan Event, eventBuf),
		inFrames: make(chan *audio.Frame, audio.DefaultQueueDepth),
		done:     make(chan struct{}),
		desc:     NewDescriptor(callID, "", BackendLocal),
	}
}

func (l *Local) Describe() Descriptor { return l.desc }

// Start begins the pipeline and speaks the variant's greeting.
func (l *Local) Start(ctx context.Context, variant policy.Variant) error {
	if l.stt == nil || l.llm == nil || l.tts == nil {
		return fmt.Errorf("%w: local pipeline missing a stage", ErrBackendUnavailable)
	}
	l.variant = variant
	l.desc.PolicyVariantID = variant.ID
	l.det = newVAD(variant.Parameters.BargeInSensitivity)
	l.ctx, l.cancel = context.WithCancel(ctx)

	go l.run()

	if variant.Parameters.Greeting != "" {
		l.speakGreeting(variant.Parameters.Greeting)
	}
	return nil
}

// PushFrame hands one inbound frame to the pipeline. Never blocks: when
// the pipeline is behind, the oldest waiting frame is dropped, matching
// the bus backpressure policy.
func (l *Local) PushFrame(f *audio.Frame) {
	select {
	case l.inFrames <- f:
	default:
		select {
		case <-l.inFrames:
		default:
		}
		select {
		case l.inFrames <- f:
		default:
		}
	}
}

func (l *Local) Events() <-chan Event { return l.events }

// StopOutput is the barge-in path: cancel any in-flight turn and cut
// queued output down to the keep allowance. Synchronous and cheap; the
// 120 ms budget is spent in detection, not here.
func (l *Local) StopOutput() {
	l.mu.Lock()
	cancel := l.turnCancel
	l.turnCancel = nil
	l.currentTurn = ""
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	n := l.bus.Outbound.Flush(bargeInKeepFrames)
	if n > 0 {
		metricBargeInFlushed.Add(float64(n))
	}
}

// Close cancels the pipeline. Idempotent; the session stops producing
// frames promptly. The event channel is left open (see run).
func (l *Local) Close() error {
	l.closeOnce.Do(func() {
		l.StopOutput()
		if l.cancel != nil {
			l.cancel()
		}
	})
	return nil
}

// run owns the VAD and capture state. The events channel is never
// closed: turn goroutines may outlive the loop briefly, and consumers
// stop on their own context instead of channel closure.
func (l *Local) run() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		case f := <-l.inFrames:
			l.onFrame(f)
		}
	}
}

func (l *Local) onFrame(f *audio.Frame) {
	switch l.det.observe(f) {
	case vadStart:
		l.emit(Event{Kind: EvSpeakingStart, TS: f.TS})
		l.mu.Lock()
		interrupting := l.currentTurn != ""
		l.mu.Unlock()
		if interrupting {
			metricBargeIns.Inc()
			l.StopOutput()
		}
		l.capture = l.capture[:0]
		l.capture = append(l.capture, f.PCM...)

	case vadEnd:
		l.emit(Event{Kind: EvSpeakingEnd, TS: f.TS})
		pcm := make([]byte, len(l.capture))
		copy(pcm, l.capture)
		l.capture = l.capture[:0]
		l.startTurn(pcm, f.TS)

	default:
		if l.det.speaking {
			l.capture = append(l.capture, f.PCM...)
		}
	}
}

// startTurn runs STT -> LLM -> TTS for one captured utterance on its own
// goroutine, leaving the run loop free to watch for barge-in.
func (l *Local) startTurn(pcm []byte, endedAt time.Time) {
	turnID := uuid.New().String()
	turnCtx, cancel := context.WithCancel(l.ctx)

	l.mu.Lock()
	if l.turnCancel != nil {
		// A new user turn while one is being answered is barge-in, not
		// overlap: the old turn dies first.
		l.turnCancel()
	}
	l.turnCancel = cancel
	l.currentTurn = turnID
	l.mu.Unlock()

	go l.turn(turnCtx, turnID, pcm, endedAt)
}

func (l *Local) turn(ctx context.Context, turnID string, pcm []byte, endedAt time.Time) {
	t0 := time.Now()

	sttStart := time.Now()
	transcript, err := l.stt.Transcribe(ctx, pcm, func(partial string) {
		l.emit(Event{Kind: EvSttPartial, TurnID: turnID, Text: partial, TS: time.Now()})
	})
	sttMs := time.Since(sttStart).Milliseconds()
	if err != nil {
		l.turnError(turnID, fmt.Errorf("stt: %w", err))
		return
	}
	if transcript == "" {
		if l.releaseTurn(turnID) {
			l.finishTurn(turnID, Durations{Stt: sttMs})
		}
		return
	}
	l.emit(Event{Kind: EvSttFinal, TurnID: turnID, Text: transcript, TS: time.Now()})

	llmStart := time.Now()
	tokens, err := l.llm.Generate(ctx, l.variant.Parameters, transcript)
	if err != nil {
		l.turnError(turnID, fmt.Errorf("llm: %w", err))
		return
	}

	// Tee tokens to the event stream and to TTS, guarding the first
	// token with the timeout budget.
	toTTS := make(chan string, 16)
	var llmMs atomic.Int64
	go func() {
		defer close(toTTS)
		first := true
		timer := time.NewTimer(firstTokenTimeout)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				if first {
					l.turnError(turnID, fmt.Errorf("first token: %w", ErrBackendTimeout))
					return
				}
			case tok, ok := <-tokens:
				if !ok {
					llmMs.Store(time.Since(llmStart).Milliseconds())
					return
				}
				if first {
					first = false
					metricFirstTokenMS.Observe(float64(time.Since(endedAt).Milliseconds()))
				}
				l.emit(Event{Kind: EvLlmToken, TurnID: turnID, Text: tok, TS: time.Now()})
				select {
				case toTTS <- tok:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	ttsStart := time.Now()
	frames, err := l.tts.Synthesize(ctx, toTTS)
	if err != nil {
		l.turnError(turnID, fmt.Errorf("tts: %w", err))
		return
	}

	l.pace(ctx, turnID, frames, endedAt)

	if !l.releaseTurn(turnID) {
		// Barged in: no turn_end, the interrupting turn owns the floor.
		return
	}
	l.finishTurn(turnID, Durations{
		Stt: sttMs,
		Llm: llmMs.Load(),
		Tts: time.Since(ttsStart).Milliseconds(),
		E2e: time.Since(t0).Milliseconds(),
	})
}

// releaseTurn clears turn state iff this turn still owns the floor.
func (l *Local) releaseTurn(turnID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentTurn != turnID {
		return false
	}
	l.currentTurn = ""
	l.turnCancel = nil
	return true
}

// pace moves synthesized frames onto the outbound queue at the 20 ms
// frame cadence so downstream consumers see a steady stream.
func (l *Local) pace(ctx context.Context, turnID string, frames <-chan []byte, endedAt time.Time) {
	tick := time.NewTicker(audio.FrameDuration)
	defer tick.Stop()
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-frames:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if first {
				first = false
				metricFirstAudioMS.Observe(float64(time.Since(endedAt).Milliseconds()))
				l.emit(Event{Kind: EvFirstAudio, TurnID: turnID, TS: time.Now()})
			}
			l.mu.Lock()
			l.outSeq++
			seq := l.outSeq
			l.mu.Unlock()
			l.bus.Outbound.Enqueue(&audio.Frame{Seq: seq, TS: time.Now(), PCM: pcm})
			select {
			case <-tick.C:
			case <-ctx.Done():
				return
			}
		}
	}
}

// speakGreeting synthesizes a fixed phrase, bypassing STT and LLM.
func (l *Local) speakGreeting(text string) {
	turnID := uuid.New().String()
	turnCtx, cancel := context.WithCancel(l.ctx)
	l.mu.Lock()
	l.turnCancel = cancel
	l.currentTurn = turnID
	l.mu.Unlock()

	go func() {
		t0 := time.Now()
		tokens := make(chan string, 1)
		tokens <- text
		close(tokens)
		frames, err := l.tts.Synthesize(turnCtx, tokens)
		if err != nil {
			l.turnError(turnID, fmt.Errorf("greeting tts: %w", err))
			return
		}
		l.pace(turnCtx, turnID, frames, t0)
		if l.releaseTurn(turnID) {
			ms := time.Since(t0).Milliseconds()
			l.finishTurn(turnID, Durations{Tts: ms, E2e: ms})
		}
	}()
}

func (l *Local) finishTurn(turnID string, d Durations) {
	metricTurnE2EMS.Observe(float64(d.E2e))
	l.emit(Event{Kind: EvTurnEnd, TurnID: turnID, TS: time.Now(), Durations: d})
}

func (l *Local) turnError(turnID string, err error) {
	l.releaseTurn(turnID)
	log.Printf("[local] turn %s failed: %v", turnID, err)
	l.emit(Event{Kind: EvError, TurnID: turnID, TS: time.Now(), Err: err})
}

// emit never blocks the pipeline; if the owner is not draining events
// the oldest buffered event is dropped and counted.
func (l *Local) emit(e Event) {
	select {
	case l.events <- e:
	default:
		select {
		case <-l.events:
			metricEventDrops.Inc()
		default:
		}
		select {
		case l.events <- e:
		default:
		}
	}
}
