package daily

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docvoice/connections"
	"docvoice/core"
	"docvoice/events/status"
	transportevents "docvoice/events/transport"
	"docvoice/handlers/transport"
	"docvoice/protocol"
	"docvoice/utils/audio"

	"github.com/gorilla/websocket"
)

// Transport exchanges a call's audio with the media bridge sitting in the
// room. Binary frames carry 16-bit PCM; text frames carry protocol envelopes.
type Transport struct {
	id     string
	room   string
	owner  *Negotiator
	config Config
	logger *core.Logger

	attachOnce sync.Once
	attachedCh chan struct{}
	conn       *websocket.Conn
	writeMu    sync.Mutex

	inbound    chan core.AudioChunk
	inboundMu  sync.Mutex
	sampleRate int
	closed     chan struct{}
	closeOnce  sync.Once

	lifeMu     sync.Mutex
	lifecycle  chan transportevents.LifecycleEvent
	lifeClosed bool
	joined     bool

	// Only touched by the transport-out goroutine.
	encoder *audio.Converter
	pacer   *audio.Pacer
}

func newTransport(id, room string, owner *Negotiator) *Transport {
	cfg := owner.config
	return &Transport{
		id:         id,
		room:       room,
		owner:      owner,
		config:     cfg,
		logger:     owner.logger.With(map[string]interface{}{"room": room, "pc_id": id}),
		attachedCh: make(chan struct{}),
		inbound:    make(chan core.AudioChunk, cfg.InboundBuffer),
		sampleRate: cfg.AudioSampleRate,
		closed:     make(chan struct{}),
		lifecycle:  make(chan transportevents.LifecycleEvent, 8),
		encoder:    audio.NewConverter(core.PCM, cfg.AudioChannels, cfg.AudioSampleRate),
		pacer:      audio.NewPacer(100 * time.Millisecond),
	}
}

func (t *Transport) ID() string   { return t.id }
func (t *Transport) Kind() string { return "daily" }

// Room is the Daily room name.
func (t *Transport) Room() string { return t.room }

func (t *Transport) attached() bool {
	select {
	case <-t.attachedCh:
		return true
	default:
		return false
	}
}

// attach binds the relay connection. Only the first relay is accepted.
func (t *Transport) attach(conn *websocket.Conn) bool {
	select {
	case <-t.closed:
		return false
	default:
	}
	ok := false
	t.attachOnce.Do(func() {
		t.conn = conn
		ok = true
		close(t.attachedCh)
	})
	if !ok {
		return false
	}
	t.logger.Info("relay attached")
	if err := t.writeEnvelope(protocol.MsgAudioFormat, protocol.AudioFormatPayload{
		SampleRate: t.config.AudioSampleRate,
		Channels:   t.config.AudioChannels,
		Encoding:   "pcm_s16le",
	}); err != nil {
		t.logger.Warn("announce audio format", "error", err)
	}
	go t.readLoop()
	return true
}

// watchAttach closes the transport if no relay shows up in time.
func (t *Transport) watchAttach(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.attachedCh:
	case <-t.closed:
	case <-timer.C:
		t.logger.Warn("relay never attached", "timeout", timeout)
		t.Close()
	}
}

func (t *Transport) readLoop() {
	defer t.Close()
	dropped := 0
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn("relay read failed", "error", err)
			}
			if dropped > 0 {
				t.logger.Debug("inbound audio dropped", "frames", dropped)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			t.inboundMu.Lock()
			rate := t.sampleRate
			t.inboundMu.Unlock()
			chunk := core.AudioChunk{Data: data, SampleRate: rate, Channels: t.config.AudioChannels, Format: core.PCM, Timestamp: time.Now()}
			select {
			case t.inbound <- chunk:
			default:
				dropped++
			}
		case websocket.TextMessage:
			if t.handleControl(data) {
				return
			}
		}
	}
}

// handleControl applies one relay envelope and reports whether the relay
// ended the session.
func (t *Transport) handleControl(data []byte) bool {
	msgType, raw, err := protocol.Unmarshal(data)
	if err != nil {
		t.logger.Debug("ignoring relay message", "error", err)
		return false
	}
	switch msgType {
	case protocol.MsgHello:
		hello, err := protocol.UnmarshalPayload[protocol.HelloPayload](raw)
		if err == nil && hello.SampleRate > 0 {
			t.inboundMu.Lock()
			t.sampleRate = hello.SampleRate
			t.inboundMu.Unlock()
		}
	case protocol.MsgParticipantJoined:
		p, _ := protocol.UnmarshalPayload[protocol.ParticipantPayload](raw)
		t.lifeMu.Lock()
		first := !t.joined
		t.joined = true
		t.lifeMu.Unlock()
		if first {
			t.publish(transportevents.LifecycleEvent{Kind: transportevents.LifecycleParticipantJoined, ParticipantID: p.ParticipantID})
		}
	case protocol.MsgParticipantLeft:
		p, _ := protocol.UnmarshalPayload[protocol.ParticipantPayload](raw)
		t.publish(transportevents.LifecycleEvent{Kind: transportevents.LifecycleParticipantLeft, ParticipantID: p.ParticipantID, Reason: p.Reason})
	case protocol.MsgBye:
		return true
	default:
		t.logger.Debug("unknown relay message", "type", msgType)
	}
	return false
}

func (t *Transport) ReceiveAudio(ctx context.Context, out chan<- core.AudioChunk) error {
	for {
		select {
		case chunk := <-t.inbound:
			select {
			case out <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-t.closed:
			return transport.ErrTransportClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendAudio writes chunk to the relay as PCM at the relay rate, paced to
// real time. Audio before the relay attaches is dropped.
func (t *Transport) SendAudio(ctx context.Context, chunk core.AudioChunk) error {
	if !t.attached() {
		return nil
	}
	pcm, err := t.encoder.Convert(chunk)
	if err != nil {
		return fmt.Errorf("daily: encode audio: %w", err)
	}
	if len(pcm.Data) == 0 {
		return nil
	}
	if err := t.pacer.Wait(ctx, pcm.Duration()); err != nil {
		return err
	}
	return t.write(websocket.BinaryMessage, pcm.Data)
}

// SendStatus forwards a status update to the relay.
func (t *Transport) SendStatus(update status.StatusUpdateEvent) error {
	if !t.attached() {
		return nil
	}
	return t.writeEnvelope(protocol.MsgStatus, protocol.StatusPayload{
		Status: string(update.Status),
		Stage:  update.Stage,
		Detail: update.Detail,
		At:     update.At,
	})
}

func (t *Transport) writeEnvelope(msgType protocol.MessageType, payload interface{}) error {
	data, err := protocol.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	return t.write(websocket.TextMessage, data)
}

func (t *Transport) write(msgType int, data []byte) error {
	select {
	case <-t.closed:
		return transport.ErrTransportClosed
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return t.conn.WriteMessage(msgType, data)
}

// Renegotiate is not supported; rooms are joined, not negotiated.
func (t *Transport) Renegotiate(context.Context, connections.Offer) (connections.Answer, error) {
	return connections.Answer{}, errors.New("daily: renegotiation is not supported")
}

func (t *Transport) Lifecycle() <-chan transportevents.LifecycleEvent {
	return t.lifecycle
}

func (t *Transport) publish(ev transportevents.LifecycleEvent) {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	if t.lifeClosed {
		return
	}
	select {
	case t.lifecycle <- ev:
	default:
		t.logger.Warn("lifecycle event dropped", "kind", ev.Kind)
	}
}

// Close says goodbye to the relay, closes the socket and deletes the room.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.attached() {
			if err := t.writeEnvelope(protocol.MsgBye, protocol.ByePayload{Reason: "call ended"}); err != nil {
				t.logger.Debug("bye not sent", "error", err)
			}
		}
		close(t.closed)
		if t.attached() {
			t.writeMu.Lock()
			t.conn.Close()
			t.writeMu.Unlock()
		}

		t.lifeMu.Lock()
		if !t.lifeClosed {
			select {
			case t.lifecycle <- transportevents.LifecycleEvent{Kind: transportevents.LifecycleClosed, Reason: "closed"}:
			default:
			}
			close(t.lifecycle)
			t.lifeClosed = true
		}
		t.lifeMu.Unlock()

		t.owner.release(t)
		t.logger.Info("relay transport closed")
	})
	return nil
}
