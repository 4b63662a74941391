package webrtc

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

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	pcmuRate        = 8000
	pcmuPayloadType = 0
	pcmuSilence     = 0xFF
)

type Config struct {
	PacketDuration time.Duration `json:"packet_duration"`
	InboundBuffer  int           `json:"inbound_buffer"`
	GatherTimeout  time.Duration `json:"gather_timeout"`

	// DisconnectGrace is how long a disconnected peer may take to recover
	// before the participant counts as gone. A failed peer is gone at once.
	DisconnectGrace time.Duration `json:"disconnect_grace"`
}

func DefaultConfig() Config {
	return Config{
		PacketDuration:  20 * time.Millisecond,
		InboundBuffer:   64,
		GatherTimeout:   5 * time.Second,
		DisconnectGrace: 5 * time.Second,
	}
}

// Negotiator answers browser offers with a peer connection carrying one
// PCMU audio track each way and an optional status data channel.
type Negotiator struct {
	config Config
	api    *webrtc.API
	logger *core.Logger
}

func NewNegotiator(config Config, logger *core.Logger) (*Negotiator, error) {
	defaults := DefaultConfig()
	if config.PacketDuration <= 0 {
		config.PacketDuration = defaults.PacketDuration
	}
	if config.InboundBuffer <= 0 {
		config.InboundBuffer = defaults.InboundBuffer
	}
	if config.GatherTimeout <= 0 {
		config.GatherTimeout = defaults.GatherTimeout
	}
	if config.DisconnectGrace <= 0 {
		config.DisconnectGrace = defaults.DisconnectGrace
	}
	if logger == nil {
		logger = core.GetLogger()
	}

	// PCMU only, so both directions stay in G.711 and no Opus codec is needed.
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: pcmuRate, Channels: 1},
		PayloadType:        pcmuPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("webrtc: register codec: %w", err)
	}

	return &Negotiator{
		config: config,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		logger: logger.With(map[string]interface{}{"transport": "webrtc"}),
	}, nil
}

func (n *Negotiator) Negotiate(ctx context.Context, connID string, offer connections.Offer, iceServers []connections.ICEServer) (connections.Transport, connections.Answer, error) {
	if offer.SDP == "" {
		return nil, connections.Answer{}, errors.New("webrtc: offer has no sdp")
	}

	pc, err := n.api.NewPeerConnection(webrtc.Configuration{ICEServers: convertICEServers(iceServers)})
	if err != nil {
		return nil, connections.Answer{}, fmt.Errorf("webrtc: create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: pcmuRate, Channels: 1},
		"audio",
		"docvoice-"+connID,
	)
	if err != nil {
		pc.Close()
		return nil, connections.Answer{}, fmt.Errorf("webrtc: create track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, connections.Answer{}, fmt.Errorf("webrtc: add track: %w", err)
	}

	t := newTransport(connID, pc, track, n.config, n.logger.With(map[string]interface{}{"pc_id": connID}))
	go t.drainRTCP(sender)
	t.bind()

	answer, err := t.answer(ctx, offer)
	if err != nil {
		t.Close()
		return nil, connections.Answer{}, err
	}
	return t, answer, nil
}

func convertICEServers(servers []connections.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			ice.Credential = s.Credential
			ice.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, ice)
	}
	return out
}

var _ transport.AudioFlusher = (*Transport)(nil)

// Transport is one browser peer connection.
type Transport struct {
	id     string
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	config Config
	logger *core.Logger

	inbound   chan core.AudioChunk
	closed    chan struct{}
	closeOnce sync.Once

	lifeMu     sync.Mutex
	lifecycle  chan transportevents.LifecycleEvent
	lifeClosed bool
	joined     bool
	grace      *time.Timer

	dcMu sync.Mutex
	dc   *webrtc.DataChannel

	// Only touched by the transport-out goroutine.
	encoder *audio.Converter
	pacer   *audio.Pacer
	pending []byte
}

func newTransport(id string, pc *webrtc.PeerConnection, track *webrtc.TrackLocalStaticSample, config Config, logger *core.Logger) *Transport {
	return &Transport{
		id:        id,
		pc:        pc,
		track:     track,
		config:    config,
		logger:    logger,
		inbound:   make(chan core.AudioChunk, config.InboundBuffer),
		closed:    make(chan struct{}),
		lifecycle: make(chan transportevents.LifecycleEvent, 8),
		encoder:   audio.NewConverter(core.ULAW, 1, pcmuRate),
		pacer:     audio.NewPacer(5 * config.PacketDuration),
	}
}

func (t *Transport) bind() {
	t.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.logger.Info("remote audio track", "codec", remote.Codec().MimeType)
		go t.readTrack(remote)
	})

	t.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.logger.Debug("data channel opened", "label", dc.Label())
		t.dcMu.Lock()
		t.dc = dc
		t.dcMu.Unlock()
	})

	t.pc.OnConnectionStateChange(t.onConnectionState)
}

func (t *Transport) onConnectionState(state webrtc.PeerConnectionState) {
	t.logger.Debug("connection state", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateConnected:
		t.lifeMu.Lock()
		recovered := t.stopGraceLocked()
		first := !t.joined
		t.joined = true
		t.lifeMu.Unlock()
		if recovered {
			t.logger.Info("peer reconnected")
		}
		if first {
			t.publish(transportevents.LifecycleEvent{Kind: transportevents.LifecycleParticipantJoined, ParticipantID: t.id})
		}
	case webrtc.PeerConnectionStateDisconnected:
		t.startGrace()
	case webrtc.PeerConnectionStateFailed:
		t.lifeMu.Lock()
		t.stopGraceLocked()
		t.lifeMu.Unlock()
		t.publish(transportevents.LifecycleEvent{Kind: transportevents.LifecycleParticipantLeft, ParticipantID: t.id, Reason: state.String()})
	case webrtc.PeerConnectionStateClosed:
		t.finishLifecycle("peer closed")
	}
}

// startGrace reports the participant as left unless the peer reconnects
// within the disconnect grace.
func (t *Transport) startGrace() {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	if t.grace != nil || t.lifeClosed {
		return
	}
	t.logger.Info("peer disconnected, waiting for recovery", "grace", t.config.DisconnectGrace)
	var timer *time.Timer
	timer = time.AfterFunc(t.config.DisconnectGrace, func() {
		t.lifeMu.Lock()
		current := t.grace == timer
		if current {
			t.grace = nil
		}
		t.lifeMu.Unlock()
		if current {
			t.publish(transportevents.LifecycleEvent{Kind: transportevents.LifecycleParticipantLeft, ParticipantID: t.id, Reason: "disconnected"})
		}
	})
	t.grace = timer
}

func (t *Transport) stopGraceLocked() bool {
	if t.grace == nil {
		return false
	}
	t.grace.Stop()
	t.grace = nil
	return true
}

func (t *Transport) answer(ctx context.Context, offer connections.Offer) (connections.Answer, error) {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return connections.Answer{}, fmt.Errorf("webrtc: set remote description: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return connections.Answer{}, fmt.Errorf("webrtc: create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return connections.Answer{}, fmt.Errorf("webrtc: set local description: %w", err)
	}

	timer := time.NewTimer(t.config.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		t.logger.Warn("ice gathering incomplete, answering with partial candidates")
	case <-ctx.Done():
		return connections.Answer{}, ctx.Err()
	}

	local := t.pc.LocalDescription()
	return connections.Answer{SDP: local.SDP, Type: local.Type.String()}, nil
}

// Renegotiate answers a follow-up offer on the same peer connection.
func (t *Transport) Renegotiate(ctx context.Context, offer connections.Offer) (connections.Answer, error) {
	select {
	case <-t.closed:
		return connections.Answer{}, transport.ErrTransportClosed
	default:
	}
	if offer.SDP == "" {
		return connections.Answer{}, errors.New("webrtc: offer has no sdp")
	}
	return t.answer(ctx, offer)
}

func (t *Transport) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (t *Transport) readTrack(remote *webrtc.TrackRemote) {
	dropped := 0
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if dropped > 0 {
				t.logger.Debug("inbound audio dropped", "packets", dropped)
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		chunk := core.AudioChunk{
			Data:       append([]byte(nil), pkt.Payload...),
			SampleRate: pcmuRate,
			Channels:   1,
			Format:     core.ULAW,
			Timestamp:  time.Now(),
		}
		select {
		case t.inbound <- chunk:
		default:
			dropped++
		}
	}
}

func (t *Transport) ID() string   { return t.id }
func (t *Transport) Kind() string { return "webrtc" }

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

// SendAudio encodes chunk to 8 kHz µ-law and writes it in fixed packets,
// sleeping between packets so the track plays in real time.
func (t *Transport) SendAudio(ctx context.Context, chunk core.AudioChunk) error {
	encoded, err := t.encoder.Convert(chunk)
	if err != nil {
		return fmt.Errorf("webrtc: encode audio: %w", err)
	}
	frameSize := int(t.config.PacketDuration * pcmuRate / time.Second)
	frames, rest := splitFrames(t.pending, encoded.Data, frameSize)
	t.pending = rest

	for _, frame := range frames {
		if err := t.pacer.Wait(ctx, t.config.PacketDuration); err != nil {
			return err
		}
		if err := t.track.WriteSample(media.Sample{Data: frame, Duration: t.config.PacketDuration}); err != nil {
			return fmt.Errorf("webrtc: write sample: %w", err)
		}
	}
	return nil
}

// FlushAudio plays the partial frame left over from the last SendAudio,
// padded to a full packet with silence.
func (t *Transport) FlushAudio(ctx context.Context) error {
	if len(t.pending) == 0 {
		return nil
	}
	frameSize := int(t.config.PacketDuration * pcmuRate / time.Second)
	frame := make([]byte, frameSize)
	n := copy(frame, t.pending)
	for i := n; i < frameSize; i++ {
		frame[i] = pcmuSilence
	}
	t.pending = nil

	if err := t.pacer.Wait(ctx, t.config.PacketDuration); err != nil {
		return err
	}
	if err := t.track.WriteSample(media.Sample{Data: frame, Duration: t.config.PacketDuration}); err != nil {
		return fmt.Errorf("webrtc: write sample: %w", err)
	}
	return nil
}

// splitFrames appends data to pending and cuts it into frames of size
// bytes. The incomplete tail is returned as the new pending buffer.
func splitFrames(pending, data []byte, size int) (frames [][]byte, rest []byte) {
	buf := append(pending, data...)
	for len(buf) >= size {
		frames = append(frames, buf[:size:size])
		buf = buf[size:]
	}
	return frames, append([]byte(nil), buf...)
}

// SendStatus writes a status envelope on the client's data channel when one
// is open. Updates without an open channel are dropped.
func (t *Transport) SendStatus(update status.StatusUpdateEvent) error {
	t.dcMu.Lock()
	dc := t.dc
	t.dcMu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	data, err := protocol.Marshal(protocol.MsgStatus, protocol.StatusPayload{
		Status: string(update.Status),
		Stage:  update.Stage,
		Detail: update.Detail,
		At:     update.At,
	})
	if err != nil {
		return err
	}
	return dc.SendText(string(data))
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

func (t *Transport) finishLifecycle(reason string) {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	t.stopGraceLocked()
	if t.lifeClosed {
		return
	}
	select {
	case t.lifecycle <- transportevents.LifecycleEvent{Kind: transportevents.LifecycleClosed, Reason: reason}:
	default:
	}
	close(t.lifecycle)
	t.lifeClosed = true
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.pc.Close()
		t.finishLifecycle("closed")
		t.logger.Info("peer connection closed")
	})
	return err
}
