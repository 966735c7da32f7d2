package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/RichardoC/deepchat/internal/db"
	"github.com/RichardoC/deepchat/internal/llm"
	"github.com/RichardoC/deepchat/internal/models"
	"go.uber.org/zap"
)

var (
	ErrEmptyInput = errors.New("message is empty")
	// ErrStopped is returned by Send when it stopped the in-flight turn
	// instead of starting a new one.
	ErrStopped = errors.New("in-flight turn stopped")
	// ErrTurnInFlight is returned by Send while the previous turn is still
	// being finalized.
	ErrTurnInFlight = errors.New("previous turn still finalizing")
)

type State int

const (
	StateIdle State = iota
	StateAwaitingStream
	StateStreaming
	StateAborted
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingStream:
		return "awaiting-stream-open"
	case StateStreaming:
		return "streaming"
	case StateAborted:
		return "aborted"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// Store is the durable side of a turn. *persist.Sync implements it.
type Store interface {
	CreateMessage(ctx context.Context, userID, threadID, role, content string) (string, error)
	UpdateMessage(ctx context.Context, userID, threadID, id, content, thinking string) error
	UpsertSystemMessage(ctx context.Context, userID, threadID, content string) (*models.Message, error)
	SetThreadModel(ctx context.Context, userID, threadID, model string) error
}

// Streamer opens model streams. *llm.Service implements it.
type Streamer interface {
	Open(ctx context.Context, req llm.Request) (llm.Stream, error)
}

// Turn is the handle of one send: a stored user message and the assistant
// reply streamed after it.
type Turn struct {
	mu                 sync.Mutex
	userMessageID      string
	assistantMessageID string

	done    chan struct{}
	once    sync.Once
	content string
	err     error
}

func newTurn() *Turn {
	return &Turn{done: make(chan struct{})}
}

func (t *Turn) finish(content string, err error) {
	t.once.Do(func() {
		t.content = content
		t.err = err
		close(t.done)
	})
}

func (t *Turn) setIDs(userMessageID, assistantMessageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if userMessageID != "" {
		t.userMessageID = userMessageID
	}
	if assistantMessageID != "" {
		t.assistantMessageID = assistantMessageID
	}
}

// UserMessageID is empty until the user message is stored.
func (t *Turn) UserMessageID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userMessageID
}

// AssistantMessageID is empty until the placeholder is stored.
func (t *Turn) AssistantMessageID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assistantMessageID
}

// Done is closed once the turn is back to idle.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn ends and returns its error.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Content is the finalized assistant text. Valid after Done.
func (t *Turn) Content() string { return t.content }

// Err is nil for a turn that completed or was stopped. Valid after Done.
func (t *Turn) Err() error { return t.err }

// Controller runs chat turns for a single thread, one at a time.
type Controller struct {
	ctx      context.Context
	userID   string
	threadID string
	session  *Session
	store    Store
	streamer Streamer
	logger   *zap.Logger

	mu            sync.Mutex
	state         State
	stream        llm.Stream
	stopRequested bool
	turn          *Turn
}

// NewController binds a session to a thread. ctx bounds every stream the
// controller opens.
func NewController(ctx context.Context, userID, threadID string, session *Session, store Store, streamer Streamer, logger *zap.Logger) *Controller {
	return &Controller{
		ctx:      ctx,
		userID:   userID,
		threadID: threadID,
		session:  session,
		store:    store,
		streamer: streamer,
		logger:   logger.With(zap.String("thread_id", threadID), zap.String("user_id", userID)),
	}
}

func (c *Controller) Session() *Session { return c.session }

func (c *Controller) ThreadID() string { return c.threadID }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the most recent turn, or nil.
func (c *Controller) Current() *Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}

// Send starts a new turn with text. While a turn is awaiting its stream or
// streaming, Send stops it instead and returns that turn with ErrStopped.
func (c *Controller) Send(ctx context.Context, credential, text string) (*Turn, error) {
	c.mu.Lock()
	switch c.state {
	case StateAwaitingStream, StateStreaming:
		c.stopLocked()
		t := c.turn
		c.mu.Unlock()
		return t, ErrStopped
	case StateAborted, StateFinalizing:
		t := c.turn
		c.mu.Unlock()
		return t, ErrTurnInFlight
	}

	text = strings.TrimSpace(text)
	if text == "" {
		c.mu.Unlock()
		return nil, ErrEmptyInput
	}
	if err := llm.ValidateCredential(credential); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	turn := newTurn()
	c.turn = turn
	c.state = StateAwaitingStream
	c.stopRequested = false
	c.mu.Unlock()

	model := c.session.Model()
	request := c.buildRequest(credential, model, text)

	userID, err := c.store.CreateMessage(ctx, c.userID, c.threadID, models.RoleUser, text)
	if err != nil {
		c.logger.Error("failed to store user message", zap.Error(err))
		c.toIdle(turn, "", err)
		return nil, err
	}
	turn.setIDs(userID, "")
	c.session.AppendMessage(models.Message{
		ID:        userID,
		ThreadID:  c.threadID,
		Role:      models.RoleUser,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	})

	assistantID, err := c.store.CreateMessage(ctx, c.userID, c.threadID, models.RoleAssistant, "")
	if err != nil {
		c.logger.Error("failed to store assistant placeholder", zap.Error(err))
		c.toIdle(turn, "", err)
		return nil, err
	}
	turn.setIDs("", assistantID)
	c.session.AppendDraft(models.Message{
		ID:        assistantID,
		ThreadID:  c.threadID,
		Role:      models.RoleAssistant,
		CreatedAt: time.Now().UTC(),
	})
	c.session.SetThinking(true)
	c.session.SetWaiting(true)

	stream, err := c.streamer.Open(c.ctx, request)
	if err != nil {
		c.logger.Error("failed to open model stream", zap.String("model", model), zap.Error(err))
		c.session.DiscardDraft()
		c.toIdle(turn, "", err)
		return nil, err
	}

	c.mu.Lock()
	c.stream = stream
	if c.stopRequested {
		c.state = StateAborted
		stream.Abort()
	} else {
		c.state = StateStreaming
	}
	c.mu.Unlock()

	go c.run(turn, stream)
	return turn, nil
}

// Stop aborts the in-flight stream. It reports whether there was one.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateAwaitingStream, StateStreaming:
		c.stopLocked()
		return true
	}
	return false
}

func (c *Controller) stopLocked() {
	c.stopRequested = true
	if c.stream != nil {
		c.state = StateAborted
		c.stream.Abort()
	}
}

func (c *Controller) buildRequest(credential, model, text string) llm.Request {
	var messages []llm.Message
	if prompt := c.session.SystemPrompt(); prompt != "" {
		messages = append(messages, llm.Message{Role: models.RoleSystem, Content: prompt})
	}
	for _, m := range c.session.history() {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: models.RoleUser, Content: text})
	return llm.Request{Credential: credential, Model: model, Messages: messages}
}

// run drains the stream into the session draft and finalizes the turn.
func (c *Controller) run(turn *Turn, stream llm.Stream) {
	var content, reasoning strings.Builder
	first := true

	for {
		f, err := stream.Next(c.ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.logger.Error("model stream failed", zap.Error(err))
			c.session.DiscardDraft()
			c.toIdle(turn, "", err)
			return
		}
		if f.Empty() {
			continue
		}
		content.WriteString(f.Content)
		reasoning.WriteString(f.Reasoning)
		c.session.SetDraftContent(content.String(), reasoning.String())
		if first {
			first = false
			c.session.SetWaiting(false)
		}
	}

	c.mu.Lock()
	c.state = StateFinalizing
	c.mu.Unlock()

	final := content.String()
	messageID := turn.AssistantMessageID()
	// The final write must land even if the controller is shutting down.
	ctx := context.WithoutCancel(c.ctx)
	err := c.store.UpdateMessage(ctx, c.userID, c.threadID, messageID, final, reasoning.String())
	if err != nil {
		c.logger.Error("failed to finalize assistant message",
			zap.String("message_id", messageID),
			zap.Bool("quota_exceeded", errors.Is(err, db.ErrQuotaExceeded)),
			zap.Error(err))
		c.session.FailDraft(err)
	} else {
		c.session.ClearDraft()
	}
	c.toIdle(turn, final, err)
}

func (c *Controller) toIdle(turn *Turn, content string, err error) {
	c.session.SetThinking(false)
	c.session.SetWaiting(false)

	c.mu.Lock()
	c.state = StateIdle
	c.stream = nil
	c.stopRequested = false
	c.mu.Unlock()

	turn.finish(content, err)
}

// SetSystemPrompt stores the thread's system message and updates the session.
func (c *Controller) SetSystemPrompt(ctx context.Context, prompt string) error {
	if _, err := c.store.UpsertSystemMessage(ctx, c.userID, c.threadID, prompt); err != nil {
		return err
	}
	c.session.SetSystemPrompt(prompt)
	return nil
}

// SetModel switches the model used by later turns.
func (c *Controller) SetModel(ctx context.Context, model string) error {
	if err := c.store.SetThreadModel(ctx, c.userID, c.threadID, model); err != nil {
		return err
	}
	c.session.SetModel(model)
	return nil
}
