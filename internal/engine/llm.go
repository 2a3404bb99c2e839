package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tom/core/internal/policy"
)

// LLM streams completion tokens from a generation sidecar. The sidecar
// answers with newline-delimited JSON objects {"token": "..."} and ends
// the stream with {"done": true}.
type LLM struct {
	url    string
	client *http.Client
}

func NewLLM(url string) *LLM {
	return &LLM{url: url, client: &http.Client{Timeout: 2 * time.Minute}}
}

type llmRequest struct {
	Prompt      string `json:"prompt"`
	Tone        string `json:"tone,omitempty"`
	Length      string `json:"length,omitempty"`
	InquiryMode string `json:"inquiry_mode,omitempty"`
	Stream      bool   `json:"stream"`
}

type llmChunk struct {
	Token string `json:"token"`
	Done  bool   `json:"done"`
}

func (l *LLM) Generate(ctx context.Context, params policy.Parameters, transcript string) (<-chan string, error) {
	body, _ := json.Marshal(llmRequest{
		Prompt:      transcript,
		Tone:        params.Tone,
		Length:      params.Length,
		InquiryMode: params.InquiryMode,
		Stream:      true,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		return nil, fmt.Errorf("llm status=%d body=%s", resp.StatusCode, string(b))
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var c llmChunk
			if err := json.Unmarshal(line, &c); err != nil {
				continue
			}
			if c.Done {
				return
			}
			if c.Token == "" {
				continue
			}
			select {
			case out <- c.Token:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
