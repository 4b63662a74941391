package context

import (
	stdcontext "context"
	"testing"

	"docvoice/core"
	"docvoice/events/llm"
	"docvoice/events/stt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drive(t *testing.T, h core.IHandler, events ...core.IEvent) []core.IEvent {
	t.Helper()
	in := make(chan *core.EventPacket, len(events))
	out := make(chan *core.EventPacket, 2*len(events)+1)
	require.NoError(t, h.Initialize(stdcontext.Background(), core.HandlerWiring{
		Input: in, OutputNext: out, OutputTop: make(chan *core.EventPacket, 1),
	}))
	require.NoError(t, h.Start())
	for _, e := range events {
		in <- core.NewEventPacket(e, core.EventRelayDestinationNextService, "test")
	}
	close(in)
	h.Wait()
	var got []core.IEvent
	for p := range out {
		got = append(got, p.Event)
	}
	return got
}

func TestInitialMessagesWithDocument(t *testing.T) {
	doc := &core.DocumentPart{URI: "files/abc", MIMEType: "application/pdf", Title: "Dune"}
	msgs := InitialMessages(doc)
	require.Len(t, msgs, 2)
	assert.Equal(t, SYSTEM_PROMPT_WITH_DOCUMENT, msgs[0].Message)
	assert.Equal(t, core.LLMMessageRoleUser, msgs[1].Role)
	assert.Contains(t, msgs[1].Message, "'Dune'")
	require.NotNil(t, msgs[1].Document)
	assert.Equal(t, "files/abc", msgs[1].Document.URI)
	assert.NotSame(t, doc, msgs[1].Document)
}

func TestInitialMessagesWithoutDocument(t *testing.T) {
	msgs := InitialMessages(nil)
	require.Len(t, msgs, 2)
	assert.Equal(t, SYSTEM_PROMPT_WITHOUT_DOCUMENT, msgs[0].Message)
	assert.Equal(t, GREETING_WITHOUT_DOCUMENT, msgs[1].Message)
	assert.Nil(t, msgs[1].Document)
}

func TestUserAggregatorJoinsSegmentsIntoOneTurn(t *testing.T) {
	conv := core.NewConversation(nil, nil)
	got := drive(t, NewUserTurnAggregator(conv),
		&stt.STTInterimOutputEvent{Text: "what does"},
		&stt.STTFinalOutputEvent{Text: "  what does chapter three "},
		&stt.STTFinalOutputEvent{Text: "   "},
		&stt.STTFinalOutputEvent{Text: "say about the harbour?"},
		&stt.STTUtteranceEndEvent{},
	)

	snap := conv.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "what does chapter three say about the harbour?", snap.Messages[0].Message)

	require.Len(t, got, 6)
	assert.IsType(t, &stt.STTUtteranceEndEvent{}, got[4])
	run, ok := got[5].(*llm.LLMRunEvent)
	require.True(t, ok)
	assert.Equal(t, "user_turn", run.Reason)
}

func TestUserAggregatorWaitsForUtteranceEnd(t *testing.T) {
	conv := core.NewConversation(nil, nil)
	got := drive(t, NewUserTurnAggregator(conv),
		&stt.STTUtteranceEndEvent{},
		&stt.STTFinalOutputEvent{Text: "first part"},
		&stt.STTFinalOutputEvent{Text: "second part"},
	)
	assert.Equal(t, 0, conv.Len())
	for _, e := range got {
		assert.NotEqual(t, "llm.run", e.GetId())
	}

	conv = core.NewConversation(nil, nil)
	drive(t, NewUserTurnAggregator(conv),
		&stt.STTFinalOutputEvent{Text: "one"},
		&stt.STTUtteranceEndEvent{},
		&stt.STTFinalOutputEvent{Text: "two"},
		&stt.STTUtteranceEndEvent{},
		&stt.STTUtteranceEndEvent{},
	)
	msgs := conv.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Message)
	assert.Equal(t, "two", msgs[1].Message)
}

func TestUserSpeechInterruptsPlayingReply(t *testing.T) {
	i := core.NewInterrupter()
	i.SetSpeaking(0, true)
	drive(t, NewUserTurnAggregator(core.NewConversation(nil, nil)).WithInterrupter(i),
		&stt.STTInterimOutputEvent{Text: "  "},
	)
	assert.Equal(t, uint64(0), i.Generation())

	drive(t, NewUserTurnAggregator(core.NewConversation(nil, nil)).WithInterrupter(i),
		&stt.STTInterimOutputEvent{Text: "wait"},
	)
	assert.Equal(t, uint64(1), i.Generation())
	assert.False(t, i.Speaking())
}

func TestAssistantAggregatorCommitsReservedSlot(t *testing.T) {
	conv := core.NewConversation(nil, nil)
	conv.AddUserMessage("first question")
	slot := conv.ReserveAssistantTurn("first answer")
	conv.AddUserMessage("second question")

	drive(t, NewAssistantTurnAggregator(conv),
		&llm.LLMResponseCompletedEvent{FullText: "first answer", Slot: slot},
		&llm.LLMResponseCompletedEvent{FullText: "first answer", Slot: slot},
	)

	msgs := conv.Snapshot().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "first answer", msgs[1].Message)
	assert.Equal(t, "second question", msgs[2].Message)
	assert.False(t, conv.Pending())
}

func TestAssistantAggregatorAppendsUnreservedText(t *testing.T) {
	conv := core.NewConversation(nil, nil)
	drive(t, NewAssistantTurnAggregator(conv), &llm.LLMResponseCompletedEvent{FullText: "hi", Slot: -1})
	assert.Equal(t, 1, conv.Len())
}
