// Package gateway terminates the authenticated duplex transport: it
// validates bearer tokens with one-shot nonces, enforces the per
// connection rate limit and frame cap, spawns a call FSM per accepted
// connection and relays audio and typed events in both directions.
package gateway

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	ws "nhooyr.io/websocket"

	"tom/core/internal/audio"
	"tom/core/internal/auth"
	"tom/core/internal/call"
	"tom/core/internal/config"
	"tom/core/internal/recorder"
	"tom/core/internal/session"
	"tom/core/internal/wire"
)

// Server handles /v1/call websocket upgrades.
type Server struct {
	cfg    config.Config
	nonces *auth.NonceStore
	deps   call.Deps
	rec    *recorder.Recorder // nil when recording is disabled
}

func NewServer(cfg config.Config, nonces *auth.NonceStore, deps call.Deps, rec *recorder.Recorder) *Server {
	return &Server{cfg: cfg, nonces: nonces, deps: deps, rec: rec}
}

// HandleCall upgrades the connection and runs the call until either
// side ends it.
func (s *Server) HandleCall(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		metricAuthFailures.Inc()
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		// Default deny: with no configured origins only same-origin
		// browsers and non-browser clients get through.
		OriginPatterns: s.cfg.Auth.AllowedOrigins,
	})
	if err != nil {
		log.Printf("[gateway] accept: %v", err)
		return
	}
	// Slack above the cap so oversize frames reach the explicit
	// frame_too_large path instead of a bare read error.
	conn.SetReadLimit(int64(s.cfg.Gateway.MaxFrameBytes) + wire.HeaderSize + 1024)

	ctx := r.Context()

	// First message must be hello.
	hello, err := s.readHello(ctx, conn)
	if err != nil {
		s.closeWithError(ctx, conn, wire.CodeValidation, err.Error(), ws.StatusPolicyViolation)
		return
	}

	claims, err := auth.ValidateToken(s.cfg.Auth.TokenSecret, token, hello.CallID, time.Now(), s.cfg.Auth.TokenSkewSecs)
	if err != nil {
		metricAuthFailures.Inc()
		s.closeWithError(ctx, conn, wire.CodeAuth, "authentication failed", ws.StatusPolicyViolation)
		return
	}
	if err := s.nonces.Use(claims.Nonce, time.Unix(claims.ExpiresAt, 0), time.Now()); err != nil {
		metricAuthFailures.Inc()
		s.closeWithError(ctx, conn, wire.CodeAuth, "authentication failed", ws.StatusPolicyViolation)
		return
	}

	metricConnections.Inc()
	log.Printf("[gateway] call accepted call=%s subject=%s profile=%s", hello.CallID, claims.Subject, hello.Profile)
	s.runCall(ctx, conn, hello)
}

// runCall owns one accepted connection: FSM lifecycle, both pumps.
func (s *Server) runCall(ctx context.Context, conn *ws.Conn, hello wire.Message) {
	bus := audio.NewBus(audio.DefaultQueueDepth)
	fsm := call.New(hello.CallID, hello.Profile, bus, s.deps)
	go fsm.Run()
	fsm.DeliverIncoming()
	fsm.DeliverAnswered()

	var capture *recorder.Capture
	if s.rec != nil {
		capture = s.rec.Begin(hello.CallID)
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.writeLoop(callCtx, conn, bus, fsm, capture)
	s.readLoop(callCtx, conn, bus, fsm, capture)

	fsm.DeliverHangup()
	select {
	case <-fsm.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[gateway] call %s slow to end", hello.CallID)
	}
	if capture != nil {
		capture.Finalize()
	}
	bus.Close()
	_ = conn.Close(ws.StatusNormalClosure, "call ended")
}

// readLoop: client -> core. Applies the rate limit and the frame cap.
func (s *Server) readLoop(ctx context.Context, conn *ws.Conn, bus *audio.Bus, fsm *call.FSM, capture *recorder.Capture) {
	rl := newBucket(s.cfg.Gateway.RateLimitPerSec, time.Now())
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !rl.allow(time.Now()) {
			metricRateLimited.Inc()
			s.closeWithError(ctx, conn, wire.CodeRateLimited, "message rate exceeded", ws.StatusPolicyViolation)
			return
		}

		switch typ {
		case ws.MessageBinary:
			if len(data)-wire.HeaderSize > s.cfg.Gateway.MaxFrameBytes {
				metricFrameTooLarge.Inc()
				s.closeWithError(ctx, conn, wire.CodeFrameTooLarge, "frame exceeds limit", ws.StatusMessageTooBig)
				return
			}
			h, pcm, err := wire.DecodeAudio(data)
			if err != nil {
				s.sendError(ctx, conn, wire.CodeValidation, err.Error())
				continue
			}
			f := &audio.Frame{Seq: h.Seq, TS: time.UnixMilli(int64(h.TsMs)), PCM: pcm}
			bus.Inbound.Enqueue(f)
			if capture != nil {
				capture.WriteInbound(pcm)
			}
			metricFramesIn.Inc()

		case ws.MessageText:
			m, err := wire.ParseMessage(data)
			if err != nil {
				s.sendError(ctx, conn, wire.CodeValidation, err.Error())
				continue
			}
			switch m.Type {
			case wire.TypeBye:
				fsm.DeliverHangup()
				return
			case wire.TypePing:
				s.send(ctx, conn, wire.Message{Type: wire.TypePong, TsMs: time.Now().UnixMilli()})
			case wire.TypeHello:
				// Duplicate hello on an open call is a protocol error.
				s.sendError(ctx, conn, wire.CodeValidation, "duplicate hello")
			}
		}
	}
}

// writeLoop: core -> client. Outbound audio frames plus relayed events.
func (s *Server) writeLoop(ctx context.Context, conn *ws.Conn, bus *audio.Bus, fsm *call.FSM, capture *recorder.Capture) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-fsm.Done():
			s.send(ctx, conn, wire.Message{Type: wire.TypeBye, TsMs: time.Now().UnixMilli()})
			return
		case e := <-fsm.Notify():
			if m, ok := eventMessage(e); ok {
				s.send(ctx, conn, m)
			}
		case <-bus.Outbound.Wait():
			for {
				f := bus.Outbound.Dequeue()
				if f == nil {
					break
				}
				b := wire.EncodeAudio(f.Seq, uint32(f.TS.UnixMilli()), f.PCM)
				wctx, cancel := context.WithTimeout(ctx, time.Second)
				err := conn.Write(wctx, ws.MessageBinary, b)
				cancel()
				if err != nil {
					return
				}
				if capture != nil {
					capture.WriteOutbound(f.PCM)
				}
				metricFramesOut.Inc()
			}
		}
	}
}

// eventMessage maps session events to client-visible typed messages.
func eventMessage(e session.Event) (wire.Message, bool) {
	ts := e.TS.UnixMilli()
	switch e.Kind {
	case session.EvSttPartial:
		return wire.Message{Type: wire.TypeSttPartial, Text: e.Text, TsMs: ts}, true
	case session.EvSttFinal:
		return wire.Message{Type: wire.TypeSttFinal, Text: e.Text, TsMs: ts}, true
	case session.EvLlmToken:
		return wire.Message{Type: wire.TypeLlmToken, Text: e.Text, TsMs: ts}, true
	case session.EvSpeakingStart:
		return wire.Message{Type: wire.TypeBargeIn, TsMs: ts}, true
	case session.EvTurnEnd:
		return wire.Message{
			Type:   wire.TypeTurnEnd,
			TurnID: e.TurnID,
			TsMs:   ts,
			Durations: &wire.Durations{
				Stt: e.Durations.Stt, Llm: e.Durations.Llm,
				Tts: e.Durations.Tts, E2e: e.Durations.E2e,
			},
		}, true
	case session.EvError:
		code := wire.CodeInternal
		if e.Err != nil && strings.Contains(e.Err.Error(), "backend") {
			code = wire.CodeBackendUnavailable
		}
		msg := "internal error"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return wire.Message{Type: wire.TypeError, Code: code, Message: msg, TsMs: ts}, true
	}
	return wire.Message{}, false
}

func (s *Server) readHello(ctx context.Context, conn *ws.Conn) (wire.Message, error) {
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	typ, data, err := conn.Read(rctx)
	if err != nil {
		return wire.Message{}, err
	}
	if typ != ws.MessageText {
		return wire.Message{}, wire.ErrUnknownType
	}
	m, err := wire.ParseMessage(data)
	if err != nil {
		return wire.Message{}, err
	}
	if m.Type != wire.TypeHello {
		return wire.Message{}, wire.ErrUnknownType
	}
	return m, nil
}

func (s *Server) send(ctx context.Context, conn *ws.Conn, m wire.Message) {
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = conn.Write(wctx, ws.MessageText, m.Marshal())
}

func (s *Server) sendError(ctx context.Context, conn *ws.Conn, code, msg string) {
	s.send(ctx, conn, wire.Message{Type: wire.TypeError, Code: code, Message: msg, TsMs: time.Now().UnixMilli()})
}

func (s *Server) closeWithError(ctx context.Context, conn *ws.Conn, code, msg string, status ws.StatusCode) {
	s.sendError(ctx, conn, code, msg)
	_ = conn.Close(status, code)
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return ""
}
