package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/RichardoC/deepchat/internal/db"
	"github.com/RichardoC/deepchat/internal/llm"
	"github.com/RichardoC/deepchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testKey = "sk-test"

func newTestController(t *testing.T) (*Controller, *fakeStore, *fakeStreamer, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	store := &fakeStore{}
	streamer := &fakeStreamer{stream: newFakeStream()}
	c := NewController(context.Background(), "alice", "t1", NewSession("deepseek-chat"), store, streamer, zap.New(core))
	return c, store, streamer, logs
}

func waitTurn(t *testing.T, turn *Turn) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := turn.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "turn did not finish")
	return err
}

func draftOf(v View) *models.Message {
	for i := range v.Messages {
		if v.Messages[i].Draft {
			return &v.Messages[i]
		}
	}
	return nil
}

func TestSendHappyPath(t *testing.T) {
	c, store, streamer, _ := newTestController(t)

	turn, err := c.Send(context.Background(), testKey, "Hello")
	require.NoError(t, err)

	// Both messages exist before any fragment is delivered.
	created, updates := store.snapshot()
	require.Len(t, created, 2)
	assert.Equal(t, models.RoleUser, created[0].Role)
	assert.Equal(t, "Hello", created[0].Content)
	assert.Equal(t, models.RoleAssistant, created[1].Role)
	assert.Equal(t, "", created[1].Content)
	assert.Empty(t, updates)
	assert.Equal(t, created[1].ID, turn.AssistantMessageID())

	view := c.Session().Snapshot()
	assert.True(t, view.Thinking)
	assert.True(t, view.Waiting)

	stream := streamer.stream
	stream.frags <- llm.Fragment{Content: "Hi"}
	stream.frags <- llm.Fragment{Content: " there"}
	require.Eventually(t, func() bool {
		d := draftOf(c.Session().Snapshot())
		return d != nil && d.Content == "Hi there"
	}, time.Second, 5*time.Millisecond)
	assert.False(t, c.Session().Snapshot().Waiting)
	assert.Equal(t, StateStreaming, c.State())

	close(stream.frags)
	require.NoError(t, waitTurn(t, turn))

	_, updates = store.snapshot()
	require.Len(t, updates, 1)
	assert.Equal(t, update{id: turn.AssistantMessageID(), content: "Hi there"}, updates[0])
	assert.Equal(t, "Hi there", turn.Content())
	assert.Equal(t, StateIdle, c.State())

	view = c.Session().Snapshot()
	assert.False(t, view.Thinking)
	assert.Nil(t, draftOf(view))
	require.Len(t, view.Messages, 2)
	assert.Equal(t, "Hi there", view.Messages[1].Content)

	req := streamer.lastRequest()
	assert.Equal(t, "deepseek-chat", req.Model)
	assert.Equal(t, []llm.Message{{Role: models.RoleUser, Content: "Hello"}}, req.Messages)
}

func TestStopBeforeAnyFragmentFinalizesEmpty(t *testing.T) {
	c, store, streamer, _ := newTestController(t)

	turn, err := c.Send(context.Background(), testKey, "Hello")
	require.NoError(t, err)
	assert.True(t, c.Stop())

	require.NoError(t, waitTurn(t, turn))
	assert.True(t, streamer.stream.wasAborted())

	_, updates := store.snapshot()
	require.Len(t, updates, 1)
	assert.Equal(t, "", updates[0].content)
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.Stop(), "nothing left to stop")
}

func TestStopKeepsPartialText(t *testing.T) {
	c, store, streamer, _ := newTestController(t)

	turn, err := c.Send(context.Background(), testKey, "Hello")
	require.NoError(t, err)
	streamer.stream.frags <- llm.Fragment{Content: "Hi"}
	require.Eventually(t, func() bool {
		d := draftOf(c.Session().Snapshot())
		return d != nil && d.Content == "Hi"
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	require.NoError(t, waitTurn(t, turn))

	_, updates := store.snapshot()
	require.Len(t, updates, 1)
	assert.Equal(t, "Hi", updates[0].content)
}

func TestSendWhileStreamingStops(t *testing.T) {
	c, store, streamer, _ := newTestController(t)

	turn, err := c.Send(context.Background(), testKey, "Hello")
	require.NoError(t, err)

	again, err := c.Send(context.Background(), testKey, "Hello again")
	require.ErrorIs(t, err, ErrStopped)
	assert.Same(t, turn, again)

	require.NoError(t, waitTurn(t, turn))
	assert.True(t, streamer.stream.wasAborted())

	created, updates := store.snapshot()
	assert.Len(t, created, 2, "a second send must not create messages")
	assert.Len(t, updates, 1)
}

func TestSendWhileAwaitingStreamStops(t *testing.T) {
	c, store, streamer, _ := newTestController(t)
	store.createBlock = make(chan struct{})

	type result struct {
		turn *Turn
		err  error
	}
	first := make(chan result, 1)
	go func() {
		turn, err := c.Send(context.Background(), testKey, "Hello")
		first <- result{turn, err}
	}()
	require.Eventually(t, func() bool { return c.State() == StateAwaitingStream }, time.Second, 5*time.Millisecond)

	again, err := c.Send(context.Background(), testKey, "Hello again")
	require.ErrorIs(t, err, ErrStopped)
	require.NotNil(t, again)
	// Readable while the first Send is still storing messages.
	_ = again.UserMessageID()
	_ = again.AssistantMessageID()

	close(store.createBlock)
	res := <-first
	require.NoError(t, res.err)
	assert.Same(t, res.turn, again)
	require.NoError(t, waitTurn(t, again))
	assert.True(t, streamer.stream.wasAborted())

	created, updates := store.snapshot()
	require.Len(t, created, 2)
	assert.Equal(t, created[0].ID, again.UserMessageID())
	assert.Equal(t, created[1].ID, again.AssistantMessageID())
	require.Len(t, updates, 1)
	assert.Equal(t, "", updates[0].content)
}

func TestSendWhileFinalizingIsIgnored(t *testing.T) {
	c, store, streamer, _ := newTestController(t)
	store.updateBlock = make(chan struct{})

	turn, err := c.Send(context.Background(), testKey, "Hello")
	require.NoError(t, err)
	close(streamer.stream.frags)

	require.Eventually(t, func() bool { return c.State() == StateFinalizing }, time.Second, 5*time.Millisecond)
	_, err = c.Send(context.Background(), testKey, "again")
	assert.ErrorIs(t, err, ErrTurnInFlight)

	close(store.updateBlock)
	require.NoError(t, waitTurn(t, turn))
	created, updates := store.snapshot()
	assert.Len(t, created, 2)
	assert.Len(t, updates, 1)
}

func TestSendRejectsInvalidCredential(t *testing.T) {
	c, store, streamer, _ := newTestController(t)

	_, err := c.Send(context.Background(), "", "Hello")
	assert.ErrorIs(t, err, llm.ErrMissingCredential)
	_, err = c.Send(context.Background(), "sk bad", "Hello")
	assert.ErrorIs(t, err, llm.ErrInvalidCredential)

	created, _ := store.snapshot()
	assert.Empty(t, created)
	assert.Empty(t, streamer.requests)
	assert.Equal(t, StateIdle, c.State())
	assert.True(t, IsInputError(err))
}

func TestSendRejectsEmptyInput(t *testing.T) {
	c, store, _, _ := newTestController(t)

	_, err := c.Send(context.Background(), testKey, "   \n")
	assert.ErrorIs(t, err, ErrEmptyInput)
	created, _ := store.snapshot()
	assert.Empty(t, created)
}

func TestStreamOpenFailureDiscardsDraft(t *testing.T) {
	c, store, streamer, _ := newTestController(t)
	streamer.openErr = errors.New("connection refused")

	turn, err := c.Send(context.Background(), testKey, "Hello")
	require.Error(t, err)
	assert.Nil(t, turn)

	created, updates := store.snapshot()
	assert.Len(t, created, 2, "placeholder stays in durable storage")
	assert.Empty(t, updates)
	assert.Equal(t, StateIdle, c.State())

	view := c.Session().Snapshot()
	assert.Nil(t, draftOf(view))
	assert.False(t, view.Thinking)
	assert.False(t, view.Waiting)
}

func TestStreamFailureMidwayDiscardsDraft(t *testing.T) {
	c, store, streamer, _ := newTestController(t)
	streamer.stream.err = fmt.Errorf("model stream failed: %w", llm.ErrUnauthorized)

	turn, err := c.Send(context.Background(), testKey, "Hello")
	require.NoError(t, err)
	streamer.stream.frags <- llm.Fragment{Content: "Hi"}
	close(streamer.stream.frags)

	err = waitTurn(t, turn)
	assert.ErrorIs(t, err, llm.ErrUnauthorized)

	_, updates := store.snapshot()
	assert.Empty(t, updates)
	assert.Nil(t, draftOf(c.Session().Snapshot()))
	assert.Equal(t, StateIdle, c.State())
}

func TestQuotaOnFinalizeIsVisible(t *testing.T) {
	c, store, streamer, logs := newTestController(t)
	store.updateErr = fmt.Errorf("update message: %w", db.ErrQuotaExceeded)

	turn, err := c.Send(context.Background(), testKey, "Hello")
	require.NoError(t, err)
	streamer.stream.frags <- llm.Fragment{Content: "Hi there"}
	close(streamer.stream.frags)

	err = waitTurn(t, turn)
	require.ErrorIs(t, err, db.ErrQuotaExceeded)

	entries := logs.FilterMessage("failed to finalize assistant message").All()
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].ContextMap()["quota_exceeded"])

	d := draftOf(c.Session().Snapshot())
	require.NotNil(t, d, "draft must not be silently marked complete")
	assert.NotEmpty(t, d.Failed)
	assert.Equal(t, "Hi there", d.Content)
	assert.Equal(t, StateIdle, c.State())
}

func TestReasoningFragmentEndsWaiting(t *testing.T) {
	c, _, streamer, _ := newTestController(t)

	turn, err := c.Send(context.Background(), testKey, "Hello")
	require.NoError(t, err)

	streamer.stream.frags <- llm.Fragment{}
	streamer.stream.frags <- llm.Fragment{Reasoning: "hmm"}
	require.Eventually(t, func() bool {
		d := draftOf(c.Session().Snapshot())
		return d != nil && d.Thinking == "hmm"
	}, time.Second, 5*time.Millisecond)
	assert.False(t, c.Session().Snapshot().Waiting)

	close(streamer.stream.frags)
	require.NoError(t, waitTurn(t, turn))
}

func TestWaitingSurvivesEmptyFragment(t *testing.T) {
	c, _, streamer, _ := newTestController(t)

	turn, err := c.Send(context.Background(), testKey, "Hello")
	require.NoError(t, err)

	streamer.stream.frags <- llm.Fragment{}
	// The next send blocks until the controller has handled the empty one.
	streamer.stream.frags <- llm.Fragment{}
	assert.True(t, c.Session().Snapshot().Waiting)

	close(streamer.stream.frags)
	require.NoError(t, waitTurn(t, turn))
}

func TestRequestIncludesSystemPromptAndHistory(t *testing.T) {
	c, store, streamer, _ := newTestController(t)
	require.NoError(t, c.SetSystemPrompt(context.Background(), "be brief"))
	assert.Equal(t, "be brief", store.system)

	turn, err := c.Send(context.Background(), testKey, "Hello")
	require.NoError(t, err)
	streamer.stream.frags <- llm.Fragment{Content: "Hi"}
	close(streamer.stream.frags)
	require.NoError(t, waitTurn(t, turn))

	streamer.mu.Lock()
	streamer.stream = newFakeStream()
	streamer.mu.Unlock()
	require.NoError(t, c.SetModel(context.Background(), "deepseek-reasoner"))

	turn, err = c.Send(context.Background(), testKey, "How are you?")
	require.NoError(t, err)

	req := streamer.lastRequest()
	assert.Equal(t, "deepseek-reasoner", req.Model)
	assert.Equal(t, []llm.Message{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "Hello"},
		{Role: models.RoleAssistant, Content: "Hi"},
		{Role: models.RoleUser, Content: "How are you?"},
	}, req.Messages)

	close(streamer.stream.frags)
	require.NoError(t, waitTurn(t, turn))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting-stream-open", StateAwaitingStream.String())
	assert.Equal(t, "unknown", State(42).String())
}
