package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"tom/core/internal/audio"
	"tom/core/internal/policy"
)

func TestSTTTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if len(body) != audio.FrameBytes {
			t.Errorf("sidecar got %d bytes", len(body))
		}
		fmt.Fprint(w, `{"text":"hello world","partials":["hello"]}`)
	}))
	defer srv.Close()

	var partials []string
	got, err := NewSTT(srv.URL).Transcribe(context.Background(), make([]byte, audio.FrameBytes), func(p string) {
		partials = append(partials, p)
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("transcript %q", got)
	}
	if len(partials) != 1 || partials[0] != "hello" {
		t.Fatalf("partials %v", partials)
	}
}

func TestSTTErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewSTT(srv.URL).Transcribe(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected error on 503")
	}
}

func TestLLMStreamsTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"token":"We "}`)
		fmt.Fprintln(w, `{"token":"close "}`)
		fmt.Fprintln(w, `{"token":"at five."}`)
		fmt.Fprintln(w, `{"done":true}`)
	}))
	defer srv.Close()

	ch, err := NewLLM(srv.URL).Generate(context.Background(), policy.Parameters{Tone: "warm"}, "when do you close")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var got []string
	for tok := range ch {
		got = append(got, tok)
	}
	if len(got) != 3 || got[2] != "at five." {
		t.Fatalf("tokens %v", got)
	}
}

func TestTTSFramesAndPadding(t *testing.T) {
	// One and a half frames of PCM: expect two frames, second padded.
	pcmLen := audio.FrameBytes + audio.FrameBytes/2
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, pcmLen))
	}))
	defer srv.Close()

	tokens := make(chan string, 2)
	tokens <- "Hello there."
	close(tokens)

	frames, err := NewTTS(srv.URL).Synthesize(context.Background(), tokens)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	var n int
	for f := range frames {
		if len(f) != audio.FrameBytes {
			t.Fatalf("frame %d has %d bytes", n, len(f))
		}
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 frames, got %d", n)
	}
}

func TestTTSClauseBatching(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write(make([]byte, audio.FrameBytes))
	}))
	defer srv.Close()

	tokens := make(chan string, 8)
	for _, tok := range []string{"We ", "open ", "at ", "nine,", " seven ", "days ", "a ", "week."} {
		tokens <- tok
	}
	close(tokens)

	frames, err := NewTTS(srv.URL).Synthesize(context.Background(), tokens)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	for range frames {
	}
	// Two clause boundaries: "nine," and "week."
	if requests != 2 {
		t.Fatalf("expected 2 sidecar calls, got %d", requests)
	}
}

func TestClauseBoundary(t *testing.T) {
	for tok, want := range map[string]bool{
		"nine,":  true,
		"done.":  true,
		"why?":   true,
		"stop! ": true,
		"mid":    false,
		" ":      false,
		"":       false,
	} {
		if got := clauseBoundary(tok); got != want {
			t.Fatalf("clauseBoundary(%q) = %v, want %v", tok, got, want)
		}
	}
}
