package session

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	ws "nhooyr.io/websocket"

	"tom/core/internal/audio"
	"tom/core/internal/policy"
	"tom/core/internal/wire"
)

// Provider adapts a remote duplex audio endpoint to the Session
// capability set. The public contract is identical to Local; the wire
// translation, the persistent connection and the cost metadata are the
// only differences.
type Provider struct {
	desc Descriptor
	bus  *audio.Bus

	url    string
	apiKey string

	conn   *ws.Conn
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	outSeq uint32
	inSeq  uint32
	muted  bool

	closeOnce sync.Once
}

// writeTimeout bounds a single frame write; a remote that cannot keep
// up with the 20 ms cadence is a health signal, not a stall point.
const writeTimeout = 1 * time.Second

func NewProvider(callID, url, apiKey string, bus *audio.Bus) *Provider {
	return &Provider{
		url:    url,
		apiKey: apiKey,
		bus:    bus,
		events: make(chan Event, eventBuf),
		desc:   NewDescriptor(callID, "", BackendProvider),
	}
}

func (p *Provider) Describe() Descriptor { return p.desc }

// Start dials the remote endpoint and opens the session with a hello.
func (p *Provider) Start(ctx context.Context, variant policy.Variant) error {
	if p.url == "" {
		return fmt.Errorf("%w: no provider url configured", ErrBackendUnavailable)
	}
	p.desc.PolicyVariantID = variant.ID
	p.ctx, p.cancel = context.WithCancel(ctx)

	dialCtx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	hdr := http.Header{}
	if p.apiKey != "" {
		hdr.Set("Authorization", "Bearer "+p.apiKey)
	}
	conn, _, err := ws.Dial(dialCtx, p.url, &ws.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrBackendUnavailable, p.url, err)
	}
	conn.SetReadLimit(1 << 20)
	p.conn = conn

	hello := wire.Message{
		Type:    wire.TypeHello,
		CallID:  p.desc.CallID,
		Profile: variant.ID,
		TsMs:    time.Now().UnixMilli(),
	}
	if err := p.writeText(hello); err != nil {
		conn.Close(ws.StatusInternalError, "hello failed")
		return fmt.Errorf("%w: hello: %v", ErrBackendUnavailable, err)
	}

	go p.readLoop()
	return nil
}

// PushFrame translates one inbound frame to the remote wire format.
// Write errors surface as session errors for the failover detectors.
func (p *Provider) PushFrame(f *audio.Frame) {
	if p.conn == nil {
		return
	}
	b := wire.EncodeAudio(f.Seq, uint32(f.TS.UnixMilli()), f.PCM)
	ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
	err := p.conn.Write(ctx, ws.MessageBinary, b)
	cancel()
	if err != nil && p.ctx.Err() == nil {
		p.emit(Event{Kind: EvError, TS: time.Now(), Err: fmt.Errorf("%w: frame write: %v", ErrBackendUnavailable, err)})
	}
}

func (p *Provider) Events() <-chan Event { return p.events }

// StopOutput relays barge-in to the remote and mutes remote audio until
// the aborted turn's turn_end arrives, flushing queued output.
func (p *Provider) StopOutput() {
	p.mu.Lock()
	p.muted = true
	p.mu.Unlock()

	_ = p.writeText(wire.Message{Type: wire.TypeBargeIn, TsMs: time.Now().UnixMilli()})
	n := p.bus.Outbound.Flush(bargeInKeepFrames)
	if n > 0 {
		metricBargeInFlushed.Add(float64(n))
	}
}

// Close tears down the connection. Idempotent.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		if p.conn != nil {
			_ = p.writeText(wire.Message{Type: wire.TypeBye, TsMs: time.Now().UnixMilli()})
			_ = p.conn.Close(ws.StatusNormalClosure, "done")
		}
		if p.cancel != nil {
			p.cancel()
		}
	})
	return nil
}

func (p *Provider) readLoop() {
	for {
		typ, data, err := p.conn.Read(p.ctx)
		if err != nil {
			if p.ctx.Err() == nil {
				log.Printf("[provider] read error call=%s: %v", p.desc.CallID, err)
				p.emit(Event{Kind: EvError, TS: time.Now(), Err: fmt.Errorf("%w: %v", ErrBackendUnavailable, err)})
			}
			return
		}
		switch typ {
		case ws.MessageBinary:
			p.onAudio(data)
		case ws.MessageText:
			p.onMessage(data)
		}
	}
}

// onAudio re-stamps remote PCM onto the outbound queue. Remote audio is
// already 16 kHz PCM16 on this wire version.
func (p *Provider) onAudio(data []byte) {
	_, pcm, err := wire.DecodeAudio(data)
	if err != nil {
		log.Printf("[provider] bad audio frame call=%s: %v", p.desc.CallID, err)
		return
	}
	p.mu.Lock()
	if p.muted {
		p.mu.Unlock()
		return
	}
	p.outSeq++
	seq := p.outSeq
	p.mu.Unlock()
	p.bus.Outbound.Enqueue(&audio.Frame{Seq: seq, TS: time.Now(), PCM: pcm})
}

func (p *Provider) onMessage(data []byte) {
	m, err := wire.ParseMessage(data)
	if err != nil {
		log.Printf("[provider] bad message call=%s: %v", p.desc.CallID, err)
		return
	}
	now := time.Now()
	switch m.Type {
	case wire.TypeSttPartial:
		p.emit(Event{Kind: EvSttPartial, Text: m.Text, TurnID: m.TurnID, TS: now})
	case wire.TypeSttFinal:
		p.emit(Event{Kind: EvSttFinal, Text: m.Text, TurnID: m.TurnID, TS: now})
	case wire.TypeLlmToken:
		p.emit(Event{Kind: EvLlmToken, Text: m.Text, TurnID: m.TurnID, TS: now})
	case wire.TypeTurnEnd:
		p.mu.Lock()
		p.muted = false
		p.mu.Unlock()
		var d Durations
		if m.Durations != nil {
			d = Durations{Stt: m.Durations.Stt, Llm: m.Durations.Llm, Tts: m.Durations.Tts, E2e: m.Durations.E2e}
			// Per-component seconds consumed, for the cost log.
			metricProviderStageSeconds.WithLabelValues("stt").Add(float64(d.Stt) / 1000)
			metricProviderStageSeconds.WithLabelValues("llm").Add(float64(d.Llm) / 1000)
			metricProviderStageSeconds.WithLabelValues("tts").Add(float64(d.Tts) / 1000)
		}
		metricTurnE2EMS.Observe(float64(d.E2e))
		p.emit(Event{Kind: EvTurnEnd, TurnID: m.TurnID, TS: now, Durations: d})
	case wire.TypeBargeIn:
		p.emit(Event{Kind: EvSpeakingStart, TS: now})
	case wire.TypePing:
		_ = p.writeText(wire.Message{Type: wire.TypePong, TsMs: now.UnixMilli()})
	case wire.TypeError:
		p.emit(Event{Kind: EvError, TS: now, Err: fmt.Errorf("%w: %s: %s", ErrBackendUnavailable, m.Code, m.Message)})
	}
}

func (p *Provider) writeText(m wire.Message) error {
	ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
	defer cancel()
	return p.conn.Write(ctx, ws.MessageText, m.Marshal())
}

func (p *Provider) emit(e Event) {
	select {
	case p.events <- e:
	default:
		select {
		case <-p.events:
			metricEventDrops.Inc()
		default:
		}
		select {
		case p.events <- e:
		default:
		}
	}
}
