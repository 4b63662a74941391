package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"docvoice/core"
	"docvoice/events/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedService plays one script per completion call.
type scriptedService struct {
	mu        sync.Mutex
	scripts   [][]StreamEvent
	err       error
	snapshots []core.LLMContext
}

func (s *scriptedService) Init(ctx context.Context) error { return nil }
func (s *scriptedService) Cleanup() error                 { return nil }

func (s *scriptedService) StreamCompletion(ctx context.Context, snapshot core.LLMContext, out chan<- StreamEvent) error {
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snapshot)
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	var script []StreamEvent
	if len(s.scripts) > 0 {
		script, s.scripts = s.scripts[0], s.scripts[1:]
	}
	s.mu.Unlock()

	for _, e := range script {
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func text(s string) StreamEvent { return StreamEvent{Kind: StreamTextDelta, Text: s} }

func toolCall(id, query string) StreamEvent {
	return StreamEvent{Kind: StreamToolCall, ToolCall: core.LLMToolCall{
		ID: id, Name: SearchWebToolName, Arguments: map[string]any{"query": query},
	}}
}

type fakeSearcher struct {
	results []SearchResult
	err     error
	block   chan struct{}
}

func (f *fakeSearcher) Search(ctx context.Context, query string, n int) ([]SearchResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(f.results) > n {
		return f.results[:n], f.err
	}
	return f.results, f.err
}

type harness struct {
	in   chan *core.EventPacket
	out  chan *core.EventPacket
	top  chan *core.EventPacket
	conv *core.Conversation
	h    *LLMHandler
}

func newHarness(t *testing.T, service LLMService, tools []Tool, config LLMHandlerConfig) *harness {
	t.Helper()
	conv := core.NewConversation(nil, Definitions(tools))
	conv.AddUserMessage("hello")
	hs := &harness{
		in:   make(chan *core.EventPacket, 8),
		out:  make(chan *core.EventPacket, 64),
		top:  make(chan *core.EventPacket, 8),
		conv: conv,
		h:    NewLLMHandler(service, conv, tools, config),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, hs.h.Initialize(ctx, core.HandlerWiring{Input: hs.in, OutputNext: hs.out, OutputTop: hs.top}))
	require.NoError(t, hs.h.Start())
	return hs
}

func (hs *harness) run(reason string) {
	hs.in <- core.NewEventPacket(&llm.LLMRunEvent{Reason: reason}, core.EventRelayDestinationNextService, "test")
}

// until collects forwarded events up to and including the first completion.
func (hs *harness) untilCompleted(t *testing.T) []core.IEvent {
	t.Helper()
	var got []core.IEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case p := <-hs.out:
			got = append(got, p.Event)
			if _, ok := p.Event.(*llm.LLMResponseCompletedEvent); ok {
				return got
			}
		case <-timeout:
			t.Fatalf("no completion, got %d events", len(got))
		}
	}
}

func TestLLMHandlerStreamsAndReservesTurn(t *testing.T) {
	svc := &scriptedService{scripts: [][]StreamEvent{{text("Hi there. "), text("Ask me anything."), {Kind: StreamTurnComplete}}}}
	hs := newHarness(t, svc, nil, DefaultConfig())
	hs.run("greeting")

	got := hs.untilCompleted(t)
	require.Len(t, got, 5)
	assert.IsType(t, &llm.LLMRunEvent{}, got[0])
	assert.IsType(t, &llm.LLMResponseStartedEvent{}, got[1])
	assert.Equal(t, "Hi there. ", got[2].(*llm.LLMResponseChunkEvent).Chunk)

	done := got[4].(*llm.LLMResponseCompletedEvent)
	assert.Equal(t, "Hi there. Ask me anything.", done.FullText)
	assert.True(t, hs.conv.Pending())
	assert.True(t, hs.conv.CommitAssistantTurn(done.Slot, done.FullText))
}

func TestLLMHandlerResolvesSearchTool(t *testing.T) {
	svc := &scriptedService{scripts: [][]StreamEvent{
		{toolCall("c1", "dune sequel")},
		{text("It was published in 1969.")},
	}}
	searcher := &fakeSearcher{results: []SearchResult{
		{Title: "Dune Messiah", Snippet: "Published 1969", URL: "https://example.com/1"},
		{Title: "b"}, {Title: "c"}, {Title: "d"},
	}}
	tools := []Tool{NewSearchWebTool(searcher, 3, core.NewNopLogger())}
	hs := newHarness(t, svc, tools, DefaultConfig())
	hs.run("user_turn")

	got := hs.untilCompleted(t)
	var result *llm.LLMToolInvocationResultEvent
	for _, e := range got {
		if r, ok := e.(*llm.LLMToolInvocationResultEvent); ok {
			result = r
		}
	}
	require.NotNil(t, result)
	assert.Contains(t, result.Result, "Dune Messiah")
	assert.NotContains(t, result.Result, "4. d")

	// The second completion saw the tool exchange.
	svc.mu.Lock()
	second := svc.snapshots[1]
	svc.mu.Unlock()
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, core.LLMMessageRoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	require.Len(t, second.Tools, 1)
	assert.Equal(t, SearchWebToolName, second.Tools[0].Name)
}

func TestSearchTimeoutYieldsNoResults(t *testing.T) {
	svc := &scriptedService{scripts: [][]StreamEvent{
		{toolCall("c1", "latest news")},
		{text("I could not find anything.")},
	}}
	searcher := &fakeSearcher{block: make(chan struct{})}
	config := DefaultConfig()
	config.ToolTimeout = 20 * time.Millisecond
	hs := newHarness(t, svc, []Tool{NewSearchWebTool(searcher, 3, core.NewNopLogger())}, config)
	hs.run("user_turn")

	got := hs.untilCompleted(t)
	var result string
	for _, e := range got {
		if r, ok := e.(*llm.LLMToolInvocationResultEvent); ok {
			result = r.Result
		}
	}
	assert.Equal(t, "No results found for: latest news", result)
	assert.Empty(t, hs.top, "a failed search must not end the call")
}

func TestToolCallBlocksOnlyItsOwnCall(t *testing.T) {
	blocked := &fakeSearcher{block: make(chan struct{})}
	slow := newHarness(t,
		&scriptedService{scripts: [][]StreamEvent{{toolCall("c1", "q")}, {text("done")}}},
		[]Tool{NewSearchWebTool(blocked, 3, core.NewNopLogger())},
		DefaultConfig())
	fast := newHarness(t, &scriptedService{scripts: [][]StreamEvent{{text("quick answer")}}}, nil, DefaultConfig())

	slow.run("user_turn")
	fast.run("user_turn")

	got := fast.untilCompleted(t)
	assert.Equal(t, "quick answer", got[len(got)-1].(*llm.LLMResponseCompletedEvent).FullText)

	close(blocked.block)
	got = slow.untilCompleted(t)
	assert.Equal(t, "done", got[len(got)-1].(*llm.LLMResponseCompletedEvent).FullText)
}

func TestLLMHandlerFailureEndsCall(t *testing.T) {
	svc := &scriptedService{err: errors.New("quota exceeded")}
	hs := newHarness(t, svc, nil, DefaultConfig())
	hs.run("user_turn")

	done := hs.untilCompleted(t)[2].(*llm.LLMResponseCompletedEvent)
	assert.Equal(t, -1, done.Slot)
	select {
	case p := <-hs.top:
		crit, ok := p.Event.(*core.CriticalErrorEvent)
		require.True(t, ok)
		assert.Contains(t, crit.Error, "quota exceeded")
	case <-time.After(time.Second):
		t.Fatal("expected critical error")
	}
}

func TestLLMHandlerFallsBackToBackup(t *testing.T) {
	primary := &scriptedService{err: errors.New("unavailable")}
	backup := &scriptedService{scripts: [][]StreamEvent{{text("from backup")}}}
	conv := core.NewConversation(nil, nil)
	h := NewLLMHandler(primary, conv, nil, DefaultConfig()).WithBackupService(backup)

	in := make(chan *core.EventPacket, 1)
	out := make(chan *core.EventPacket, 16)
	require.NoError(t, h.Initialize(context.Background(), core.HandlerWiring{Input: in, OutputNext: out, OutputTop: make(chan *core.EventPacket, 1)}))
	require.NoError(t, h.Start())
	in <- core.NewEventPacket(&llm.LLMRunEvent{}, core.EventRelayDestinationNextService, "test")
	close(in)
	h.Wait()

	var completed *llm.LLMResponseCompletedEvent
	for p := range out {
		if c, ok := p.Event.(*llm.LLMResponseCompletedEvent); ok {
			completed = c
		}
	}
	require.NotNil(t, completed)
	assert.Equal(t, "from backup", completed.FullText)
}

func TestToolRoundsAreBounded(t *testing.T) {
	scripts := make([][]StreamEvent, 0, 3)
	for i := 0; i < 3; i++ {
		scripts = append(scripts, []StreamEvent{toolCall("c", "again")})
	}
	svc := &scriptedService{scripts: scripts}
	config := DefaultConfig()
	config.MaxToolRounds = 2
	hs := newHarness(t, svc, []Tool{NewSearchWebTool(&fakeSearcher{}, 3, core.NewNopLogger())}, config)
	hs.run("user_turn")

	hs.untilCompleted(t)
	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Len(t, svc.snapshots, 3)
	assert.Empty(t, hs.top)
}

func TestFormatSearchResults(t *testing.T) {
	assert.Equal(t, "No results found for: x", FormatSearchResults("x", nil))
	out := FormatSearchResults("go", []SearchResult{{Title: "Go", Snippet: "A language", URL: "https://go.dev"}})
	assert.Contains(t, out, "1. Go\nA language\nSource: https://go.dev")
}

// stallingService writes its prefix and then hangs until cancelled.
type stallingService struct {
	prefix []StreamEvent
}

func (s *stallingService) Init(ctx context.Context) error { return nil }
func (s *stallingService) Cleanup() error                 { return nil }

func (s *stallingService) StreamCompletion(ctx context.Context, snapshot core.LLMContext, out chan<- StreamEvent) error {
	for _, e := range s.prefix {
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestStalledCompletionTimesOut(t *testing.T) {
	config := DefaultConfig()
	config.RequestTimeout = 30 * time.Millisecond
	hs := newHarness(t, &stallingService{}, nil, config)
	hs.run("user_turn")

	got := hs.untilCompleted(t)
	assert.Equal(t, -1, got[len(got)-1].(*llm.LLMResponseCompletedEvent).Slot)
	select {
	case p := <-hs.top:
		crit, ok := p.Event.(*core.CriticalErrorEvent)
		require.True(t, ok)
		assert.Contains(t, crit.Error, "no response within")
	case <-time.After(time.Second):
		t.Fatal("stalled completion never failed")
	}
}

func TestStalledPrimaryFallsBackToBackup(t *testing.T) {
	config := DefaultConfig()
	config.RequestTimeout = 30 * time.Millisecond
	backup := &scriptedService{scripts: [][]StreamEvent{{text("from backup")}}}
	conv := core.NewConversation(nil, nil)
	h := NewLLMHandler(&stallingService{}, conv, nil, config).WithBackupService(backup)

	in := make(chan *core.EventPacket, 1)
	out := make(chan *core.EventPacket, 16)
	top := make(chan *core.EventPacket, 4)
	require.NoError(t, h.Initialize(context.Background(), core.HandlerWiring{Input: in, OutputNext: out, OutputTop: top}))
	require.NoError(t, h.Start())
	in <- core.NewEventPacket(&llm.LLMRunEvent{}, core.EventRelayDestinationNextService, "test")
	close(in)
	h.Wait()

	var completed *llm.LLMResponseCompletedEvent
	for p := range out {
		if c, ok := p.Event.(*llm.LLMResponseCompletedEvent); ok {
			completed = c
		}
	}
	require.NotNil(t, completed)
	assert.Equal(t, "from backup", completed.FullText)
	for len(top) > 0 {
		_, critical := (<-top).Event.(*core.CriticalErrorEvent)
		assert.False(t, critical)
	}
}

func TestInterruptedTurnKeepsSpokenPrefix(t *testing.T) {
	interrupter := core.NewInterrupter()
	interrupter.SetSpeaking(0, true)
	svc := &stallingService{prefix: []StreamEvent{text("The document covers ")}}
	hs := newHarness(t, svc, nil, DefaultConfig())
	hs.h.WithInterrupter(interrupter)
	hs.run("user_turn")

	deadline := time.After(2 * time.Second)
	for chunked := false; !chunked; {
		select {
		case p := <-hs.out:
			_, chunked = p.Event.(*llm.LLMResponseChunkEvent)
		case <-deadline:
			t.Fatal("no chunk before interruption")
		}
	}
	require.True(t, interrupter.Interrupt())

	got := hs.untilCompleted(t)
	done := got[len(got)-1].(*llm.LLMResponseCompletedEvent)
	assert.True(t, done.Interrupted)
	assert.Equal(t, uint64(0), done.Generation)
	assert.Equal(t, "The document covers ", done.FullText)
	assert.Empty(t, hs.top, "an interruption must not end the call")

	// The next turn runs under the new generation.
	svc.prefix = nil
	hs.h.config.RequestTimeout = 20 * time.Millisecond
	hs.run("user_turn")
	var started *llm.LLMResponseStartedEvent
	for _, e := range hs.untilCompleted(t) {
		if s, ok := e.(*llm.LLMResponseStartedEvent); ok {
			started = s
		}
	}
	require.NotNil(t, started)
	assert.Equal(t, uint64(1), started.Generation)
}
