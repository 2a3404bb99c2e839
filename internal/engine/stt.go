// Package engine adapts local sidecar speech services (speech-to-text,
// language model, text-to-speech) to the session pipeline interfaces.
// Each adapter is a thin HTTP client; the models themselves live in the
// sidecar processes.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// STT posts captured PCM16 to a transcription sidecar and returns the
// final transcript. Response body: {"text": "...", "partials": [...]}.
type STT struct {
	url    string
	client *http.Client
}

func NewSTT(url string) *STT {
	return &STT{url: url, client: &http.Client{Timeout: 30 * time.Second}}
}

type sttResponse struct {
	Text     string   `json:"text"`
	Partials []string `json:"partials,omitempty"`
}

func (s *STT) Transcribe(ctx context.Context, pcm []byte, onPartial func(string)) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(pcm))
	if err != nil {
		return "", fmt.Errorf("stt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Sample-Rate", "16000")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("stt status=%d body=%s", resp.StatusCode, string(b))
	}

	var out sttResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("stt decode: %w", err)
	}
	if onPartial != nil {
		for _, p := range out.Partials {
			onPartial(p)
		}
	}
	return out.Text, nil
}
