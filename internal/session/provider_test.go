package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ws "nhooyr.io/websocket"

	"tom/core/internal/audio"
	"tom/core/internal/policy"
	"tom/core/internal/wire"
)

// fakeRemote speaks the provider wire protocol for one connection.
type fakeRemote struct {
	t        *testing.T
	gotHello chan wire.Message
	gotBarge chan struct{}
	frames   chan []byte
	conn     chan *ws.Conn
}

func newFakeRemote(t *testing.T) (*fakeRemote, *httptest.Server) {
	r := &fakeRemote{
		t:        t,
		gotHello: make(chan wire.Message, 1),
		gotBarge: make(chan struct{}, 4),
		frames:   make(chan []byte, 64),
		conn:     make(chan *ws.Conn, 1),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := ws.Accept(w, req, nil)
		if err != nil {
			return
		}
		r.conn <- c
		ctx := req.Context()
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			switch typ {
			case ws.MessageText:
				m, err := wire.ParseMessage(data)
				if err != nil {
					continue
				}
				switch m.Type {
				case wire.TypeHello:
					r.gotHello <- m
				case wire.TypeBargeIn:
					r.gotBarge <- struct{}{}
				}
			case ws.MessageBinary:
				_, pcm, err := wire.DecodeAudio(data)
				if err == nil {
					r.frames <- pcm
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return r, srv
}

func (r *fakeRemote) send(msg wire.Message) {
	c := <-r.conn
	defer func() { r.conn <- c }()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Write(ctx, ws.MessageText, msg.Marshal()); err != nil {
		r.t.Logf("remote write: %v", err)
	}
}

func (r *fakeRemote) sendAudio(seq uint32, pcm []byte) {
	c := <-r.conn
	defer func() { r.conn <- c }()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.Write(ctx, ws.MessageBinary, wire.EncodeAudio(seq, uint32(time.Now().UnixMilli()), pcm))
}

func startProvider(t *testing.T) (*Provider, *fakeRemote, *audio.Bus) {
	t.Helper()
	remote, srv := newFakeRemote(t)
	bus := audio.NewBus(64)
	p := NewProvider("call-p", srv.URL, "key-1", bus)
	if err := p.Start(context.Background(), policy.Variant{ID: "v0"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, remote, bus
}

func TestProviderHelloOnStart(t *testing.T) {
	_, remote, _ := startProvider(t)
	select {
	case h := <-remote.gotHello:
		if h.CallID != "call-p" || h.Profile != "v0" {
			t.Fatalf("hello payload: %+v", h)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("remote never received hello")
	}
}

func TestProviderFrameTranslation(t *testing.T) {
	p, remote, _ := startProvider(t)
	<-remote.gotHello

	f := loudFrame(7, time.Now())
	p.PushFrame(f)

	select {
	case pcm := <-remote.frames:
		if len(pcm) != audio.FrameBytes {
			t.Fatalf("remote got %d bytes", len(pcm))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("frame never reached the remote")
	}
}

func TestProviderRemoteAudioToBus(t *testing.T) {
	_, remote, bus := startProvider(t)
	<-remote.gotHello

	remote.sendAudio(1, make([]byte, audio.FrameBytes))
	deadline := time.Now().Add(2 * time.Second)
	for bus.Outbound.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bus.Outbound.Len() == 0 {
		t.Fatalf("remote audio never hit the outbound queue")
	}
}

func TestProviderTurnEndCarriesDurations(t *testing.T) {
	p, remote, _ := startProvider(t)
	<-remote.gotHello

	remote.send(wire.Message{
		Type:      wire.TypeTurnEnd,
		TurnID:    "t1",
		Durations: &wire.Durations{Stt: 110, Llm: 240, Tts: 80, E2e: 430},
	})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-p.Events():
			if e.Kind == EvTurnEnd {
				if e.Durations.E2e != 430 || e.Durations.Llm != 240 {
					t.Fatalf("durations lost: %+v", e.Durations)
				}
				return
			}
		case <-deadline:
			t.Fatalf("turn_end not surfaced")
		}
	}
}

func TestProviderStopOutputSendsBargeInAndMutes(t *testing.T) {
	p, remote, bus := startProvider(t)
	<-remote.gotHello

	p.StopOutput()
	select {
	case <-remote.gotBarge:
	case <-time.After(2 * time.Second):
		t.Fatalf("remote never received barge_in")
	}

	// Muted: remote audio is discarded until the aborted turn ends.
	remote.sendAudio(1, make([]byte, audio.FrameBytes))
	time.Sleep(100 * time.Millisecond)
	if bus.Outbound.Len() != 0 {
		t.Fatalf("muted session leaked %d frames", bus.Outbound.Len())
	}

	remote.send(wire.Message{Type: wire.TypeTurnEnd, TurnID: "t1"})
	time.Sleep(100 * time.Millisecond)
	remote.sendAudio(2, make([]byte, audio.FrameBytes))
	deadline := time.Now().Add(2 * time.Second)
	for bus.Outbound.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bus.Outbound.Len() == 0 {
		t.Fatalf("audio still muted after turn_end")
	}
}

func TestProviderSurfacesRemoteErrors(t *testing.T) {
	p, remote, _ := startProvider(t)
	<-remote.gotHello

	remote.send(wire.Message{Type: wire.TypeError, Code: wire.CodeBackendUnavailable, Message: "upstream down"})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-p.Events():
			if e.Kind == EvError {
				return
			}
		case <-deadline:
			t.Fatalf("remote error not surfaced")
		}
	}
}

func TestProviderStartFailsWithoutURL(t *testing.T) {
	p := NewProvider("call-p", "", "", audio.NewBus(8))
	if err := p.Start(context.Background(), policy.Variant{ID: "v0"}); err == nil {
		t.Fatalf("expected unavailable error")
	}
}
