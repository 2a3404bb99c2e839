// Package session defines the backend capability set shared by the
// provider adapter, the local pipeline and the failover controller, and
// implements all three.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"tom/core/internal/audio"
	"tom/core/internal/policy"
)

// BackendKind names which backend a descriptor is bound to.
type BackendKind string

const (
	BackendProvider BackendKind = "provider"
	BackendLocal    BackendKind = "local"
)

// Descriptor identifies one live session. One session exists at a time
// per call; on failover a new descriptor replaces it and the old one is
// terminated.
type Descriptor struct {
	SessionID       string
	CallID          string
	PolicyVariantID string
	Backend         BackendKind
	CreatedAt       time.Time
}

func NewDescriptor(callID, variantID string, kind BackendKind) Descriptor {
	return Descriptor{
		SessionID:       uuid.New().String(),
		CallID:          callID,
		PolicyVariantID: variantID,
		Backend:         kind,
		CreatedAt:       time.Now(),
	}
}

// EventKind enumerates what a session can tell its owner.
type EventKind string

const (
	EvSpeakingStart EventKind = "user_speaking_start"
	EvSpeakingEnd   EventKind = "user_speaking_end"
	EvSttPartial    EventKind = "stt_partial"
	EvSttFinal      EventKind = "stt_final"
	EvLlmToken      EventKind = "llm_token"
	EvFirstAudio    EventKind = "first_audio"
	EvTurnEnd       EventKind = "turn_end"
	EvError         EventKind = "error"
)

// Durations carries per-stage timings of one turn, in milliseconds.
type Durations struct {
	Stt int64
	Llm int64
	Tts int64
	E2e int64
}

// Event is one item of a session's outbound event stream. Events are
// ordered relative to the audio frames that caused them.
type Event struct {
	Kind      EventKind
	TurnID    string
	Text      string
	TS        time.Time
	Durations Durations // set on EvTurnEnd
	Err       error     // set on EvError
}

// Session errors surfaced through EvError or returned by Start.
var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrBackendTimeout     = errors.New("backend timeout")
	ErrTerminal           = errors.New("no backend available")
	ErrClosed             = errors.New("session closed")
)

// Session is the capability set every backend realizes. The owner pushes
// inbound frames and reads events; outbound audio goes onto the bus the
// session was built with. StopOutput is the barge-in path and must halt
// synthesis within the barge-in budget. Close is idempotent.
type Session interface {
	Start(ctx context.Context, variant policy.Variant) error
	PushFrame(f *audio.Frame)
	Events() <-chan Event
	StopOutput()
	Close() error
	Describe() Descriptor
}

const (
	// eventBuf sizes session event channels. The buffer absorbs bursts;
	// when a slow owner lets it fill, the emitter drops the oldest
	// buffered event and counts the drop.
	eventBuf = 64

	// bargeInKeepFrames is how much already-queued output survives a
	// barge-in flush (2 frames = 40 ms).
	bargeInKeepFrames = 2
)
