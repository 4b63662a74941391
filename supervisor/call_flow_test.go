package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"docvoice/connections"
	"docvoice/core"
	"docvoice/events/status"
	transportevents "docvoice/events/transport"
	contexthandler "docvoice/handlers/context"
	llmhandler "docvoice/handlers/llm"
	"docvoice/handlers/progress"
	sttHandler "docvoice/handlers/stt"
	"docvoice/handlers/transport"
	ttshandler "docvoice/handlers/tts"
	"docvoice/sessions"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// browserTransport stands in for a negotiated peer connection.
type browserTransport struct {
	id        string
	inbound   chan core.AudioChunk
	lifecycle chan transportevents.LifecycleEvent
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	played int
}

func (b *browserTransport) ID() string   { return b.id }
func (b *browserTransport) Kind() string { return "fake" }

func (b *browserTransport) ReceiveAudio(ctx context.Context, out chan<- core.AudioChunk) error {
	for {
		select {
		case chunk := <-b.inbound:
			select {
			case out <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-b.closed:
			return transport.ErrTransportClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *browserTransport) SendAudio(ctx context.Context, chunk core.AudioChunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.played++
	return nil
}

func (b *browserTransport) playedChunks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.played
}

func (b *browserTransport) SendStatus(status.StatusUpdateEvent) error { return nil }
func (b *browserTransport) Lifecycle() <-chan transportevents.LifecycleEvent {
	return b.lifecycle
}

func (b *browserTransport) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		close(b.lifecycle)
	})
	return nil
}

func (b *browserTransport) Renegotiate(context.Context, connections.Offer) (connections.Answer, error) {
	return connections.Answer{}, nil
}

type browserNegotiator struct {
	mu         sync.Mutex
	transports map[string]*browserTransport
}

func (n *browserNegotiator) Negotiate(ctx context.Context, connID string, offer connections.Offer, _ []connections.ICEServer) (connections.Transport, connections.Answer, error) {
	t := &browserTransport{
		id:        connID,
		inbound:   make(chan core.AudioChunk, 4),
		lifecycle: make(chan transportevents.LifecycleEvent, 4),
		closed:    make(chan struct{}),
	}
	n.mu.Lock()
	n.transports[connID] = t
	n.mu.Unlock()
	return t, connections.Answer{SDP: "answer", Type: "answer"}, nil
}

func (n *browserNegotiator) get(id string) *browserTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transports[id]
}

// scriptedRecognizer hears one question, or fails on the first audio.
type scriptedRecognizer struct {
	fail bool

	mu      sync.Mutex
	results chan<- sttHandler.Transcript
	errs    chan<- error
	heard   int
}

func (r *scriptedRecognizer) Init(ctx context.Context) error { return nil }
func (r *scriptedRecognizer) Cleanup() error                 { return nil }

func (r *scriptedRecognizer) StartTranscriptionSession(ctx context.Context, results chan<- sttHandler.Transcript, errs chan<- error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results, r.errs = results, errs
	return nil
}

func (r *scriptedRecognizer) SendTranscriptionAudio([]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heard++
	if r.heard > 1 {
		return nil
	}
	if r.fail {
		r.errs <- errors.New("recognizer connection reset")
		return nil
	}
	r.results <- sttHandler.Transcript{Text: "What is this document about?", IsFinal: true, EndOfUtterance: true}
	return nil
}

type documentModel struct {
	mu        sync.Mutex
	snapshots []core.LLMContext
}

func (m *documentModel) Init(ctx context.Context) error { return nil }
func (m *documentModel) Cleanup() error                 { return nil }

func (m *documentModel) StreamCompletion(ctx context.Context, snapshot core.LLMContext, out chan<- llmhandler.StreamEvent) error {
	m.mu.Lock()
	m.snapshots = append(m.snapshots, snapshot)
	reply := "Hello! Ask me anything about sample.pdf."
	if len(m.snapshots) > 1 {
		reply = "It is a short sample."
	}
	m.mu.Unlock()
	select {
	case out <- llmhandler.StreamEvent{Kind: llmhandler.StreamTextDelta, Text: reply}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *documentModel) calls() []core.LLMContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.LLMContext(nil), m.snapshots...)
}

type toneVoice struct{}

func (toneVoice) Init(ctx context.Context) error { return nil }
func (toneVoice) Cleanup() error                 { return nil }
func (toneVoice) SampleRate() int                { return 8000 }
func (toneVoice) Synthesize(ctx context.Context, text string, out chan<- []byte) error {
	select {
	case out <- make([]byte, 320):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// documentPipeline assembles the production handler chain around fake
// providers.
type documentPipeline struct {
	recognizer *scriptedRecognizer
	model      *documentModel
}

func (p *documentPipeline) Build(ctx context.Context, session sessions.Session, t transport.TransportService, sink status.Sink) ([]core.IHandler, error) {
	var document *core.DocumentPart
	if ref := session.Document; ref != nil {
		document = &core.DocumentPart{URI: ref.URI, MIMEType: ref.MIMEType, Title: ref.Title}
	}
	conversation := core.NewConversation(contexthandler.InitialMessages(document), nil)
	wrapper := transport.NewTransportHandlerWrapper(t, transport.DefaultConfig())
	return []core.IHandler{
		wrapper.GetInputHandler(),
		sttHandler.NewSTTHandler(p.recognizer, sttHandler.DefaultConfig()),
		progress.NewSTTProgress(sink),
		contexthandler.NewUserTurnAggregator(conversation),
		llmhandler.NewLLMHandler(p.model, conversation, nil, llmhandler.DefaultConfig()),
		progress.NewLLMProgress(sink),
		ttshandler.NewTTSHandler(toneVoice{}, ttshandler.DefaultConfig()),
		progress.NewTTSProgress(sink),
		wrapper.GetOutputHandler(),
		contexthandler.NewAssistantTurnAggregator(conversation),
	}, nil
}

func TestCallEndReleasesEverything(t *testing.T) {
	causes := []struct {
		name   string
		fail   bool
		end    func(*browserTransport)
		reason string
	}{
		{
			name:   "participant left",
			end:    func(b *browserTransport) { b.lifecycle <- transportevents.LifecycleEvent{Kind: transportevents.LifecycleParticipantLeft} },
			reason: "participant left",
		},
		{
			name:   "transport closed",
			end:    func(b *browserTransport) { _ = b.Close() },
			reason: "transport closed",
		},
		{
			name:   "adapter error",
			fail:   true,
			reason: "recognizer connection reset",
		},
	}

	for _, policy := range []SessionPolicy{PolicyEndWithCall, PolicyKeepForReconnect} {
		for _, cause := range causes {
			t.Run(string(policy)+"/"+cause.name, func(t *testing.T) {
				store := sessions.NewStore()
				session := store.Create("")
				_, err := store.AttachDocument(session.ID, sessions.DocumentRef{
					Name: "files/sample.pdf", URI: "https://files.example/sample.pdf", MIMEType: "application/pdf", Title: "sample.pdf",
				})
				require.NoError(t, err)

				pipeline := &documentPipeline{recognizer: &scriptedRecognizer{fail: cause.fail}, model: &documentModel{}}
				negotiator := &browserNegotiator{transports: make(map[string]*browserTransport)}
				manager := connections.NewManager(negotiator, nil, core.NewNopLogger())
				sup := New(store, pipeline, manager, Config{SessionPolicy: policy, GracePeriod: time.Second}, core.NewNopLogger())
				manager.SetCallStarter(sup.CallStarter())
				released := make(chan string, 4)
				sup.OnDocumentReleased(func(ref sessions.DocumentRef) { released <- ref.Name })
				t.Cleanup(func() {
					sup.CancelAll()
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = sup.Wait(ctx)
				})

				answer, err := manager.Open(context.Background(), connections.Offer{SessionID: session.ID, SDP: "offer", Type: "offer"})
				require.NoError(t, err)
				id := answer.ConnectionID
				call := sup.Get(id)
				require.NotNil(t, call)
				browser := negotiator.get(id)
				require.NotNil(t, browser)

				// The greeting is spoken before the caller says anything.
				browser.lifecycle <- transportevents.LifecycleEvent{Kind: transportevents.LifecycleParticipantJoined, ParticipantID: "caller"}
				require.Eventually(t, func() bool {
					return len(pipeline.model.calls()) == 1 && browser.playedChunks() > 0
				}, 2*time.Second, 5*time.Millisecond)
				greeting := pipeline.model.calls()[0]
				var attached *core.DocumentPart
				for _, msg := range greeting.Messages {
					if msg.Document != nil {
						attached = msg.Document
					}
				}
				require.NotNil(t, attached, "the greeting is grounded in the document")
				assert.Equal(t, "sample.pdf", attached.Title)

				browser.inbound <- core.AudioChunk{Data: make([]byte, 640), SampleRate: 16000, Channels: 1, Format: core.PCM}
				if !cause.fail {
					require.Eventually(t, func() bool { return len(pipeline.model.calls()) == 2 }, 2*time.Second, 5*time.Millisecond)
					turn := pipeline.model.calls()[1]
					last := turn.Messages[len(turn.Messages)-1]
					assert.Equal(t, core.LLMMessageRoleUser, last.Role)
					assert.Equal(t, "What is this document about?", last.Message)
					cause.end(browser)
				}
				waitDone(t, call)

				assert.Contains(t, call.Reason(), cause.reason)
				assert.Nil(t, manager.Get(id))
				assert.Nil(t, sup.Get(id))
				assert.Equal(t, 0, manager.Count())

				stored, err := store.Get(session.ID)
				if policy == PolicyEndWithCall {
					assert.ErrorIs(t, err, sessions.ErrSessionNotFound)
					select {
					case name := <-released:
						assert.Equal(t, "files/sample.pdf", name)
					case <-time.After(time.Second):
						t.Fatal("document not released")
					}
					return
				}
				require.NoError(t, err)
				assert.False(t, stored.Live())
				require.NotNil(t, stored.Document)
				assert.Equal(t, "sample.pdf", stored.Document.Title)
				assert.Empty(t, released)
			})
		}
	}
}
