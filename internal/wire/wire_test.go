package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestAudioHeaderRoundTrip(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x12, 0x34}, 320)
	b := EncodeAudio(77, 123456, pcm)
	if len(b) != HeaderSize+len(pcm) {
		t.Fatalf("encoded length %d", len(b))
	}
	h, got, err := DecodeAudio(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Version != Version || h.Kind != KindAudio || h.Seq != 77 || h.TsMs != 123456 {
		t.Fatalf("header mismatch: %+v", h)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("payload mismatch")
	}
}

func TestDecodeShortFrame(t *testing.T) {
	if _, _, err := DecodeAudio(make([]byte, HeaderSize-1)); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}

func TestDecodeBadVersion(t *testing.T) {
	b := EncodeAudio(1, 1, nil)
	b[0] = 9
	if _, _, err := DecodeAudio(b); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestDecodeBadKind(t *testing.T) {
	b := EncodeAudio(1, 1, nil)
	b[1] = 42
	if _, _, err := DecodeAudio(b); !errors.Is(err, ErrBadKind) {
		t.Fatalf("expected ErrBadKind, got %v", err)
	}
}

func TestParseMessage(t *testing.T) {
	m, err := ParseMessage([]byte(`{"type":"hello","call_id":"c1","profile":"support"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.CallID != "c1" || m.Profile != "support" {
		t.Fatalf("unexpected: %+v", m)
	}
}

func TestParseMessageRejectsUnknownType(t *testing.T) {
	if _, err := ParseMessage([]byte(`{"type":"shout"}`)); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestParseMessageRejectsHelloWithoutCallID(t *testing.T) {
	if _, err := ParseMessage([]byte(`{"type":"hello"}`)); !errors.Is(err, ErrMissingPayload) {
		t.Fatalf("expected ErrMissingPayload, got %v", err)
	}
}

func TestParseMessageRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseMessage([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected error for malformed JSON")
	}
}

func TestTurnEndDurations(t *testing.T) {
	m := Message{Type: TypeTurnEnd, TurnID: "t1", Durations: &Durations{Stt: 120, Llm: 300, Tts: 90, E2e: 510}}
	got, err := ParseMessage(m.Marshal())
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	if got.Durations == nil || got.Durations.E2e != 510 {
		t.Fatalf("durations lost: %+v", got.Durations)
	}
}
