package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"tom/core/internal/audio"
)

// TTS synthesizes text through a sidecar that returns raw PCM16 at
// 16 kHz. Tokens are batched into clauses before synthesis so the
// sidecar gets natural phrase boundaries; frames come back re-chunked
// to the 20 ms cadence.
type TTS struct {
	url    string
	client *http.Client
}

func NewTTS(url string) *TTS {
	return &TTS{url: url, client: &http.Client{Timeout: 60 * time.Second}}
}

func (t *TTS) Synthesize(ctx context.Context, tokens <-chan string) (<-chan []byte, error) {
	out := make(chan []byte, 32)
	go func() {
		defer close(out)
		var clause strings.Builder
		flush := func() bool {
			text := strings.TrimSpace(clause.String())
			clause.Reset()
			if text == "" {
				return true
			}
			return t.speak(ctx, text, out)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case tok, ok := <-tokens:
				if !ok {
					flush()
					return
				}
				clause.WriteString(tok)
				if clauseBoundary(tok) {
					if !flush() {
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// speak synthesizes one clause and emits 20 ms frames. Returns false on
// error or cancellation.
func (t *TTS) speak(ctx context.Context, text string, out chan<- []byte) bool {
	body, _ := json.Marshal(map[string]string{"text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, strings.NewReader(string(body)))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	buf := make([]byte, audio.FrameBytes)
	fill := 0
	for {
		n, err := resp.Body.Read(buf[fill:])
		fill += n
		if fill == audio.FrameBytes {
			frame := make([]byte, audio.FrameBytes)
			copy(frame, buf)
			select {
			case out <- frame:
			case <-ctx.Done():
				return false
			}
			fill = 0
		}
		if err == io.EOF {
			if fill > 0 {
				// Pad the trailing partial frame with silence.
				frame := make([]byte, audio.FrameBytes)
				copy(frame, buf[:fill])
				select {
				case out <- frame:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}
		if err != nil {
			return false
		}
	}
}

func clauseBoundary(tok string) bool {
	trimmed := strings.TrimRight(tok, " ")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?', ',', ';', ':':
		return true
	}
	return false
}
