package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/RichardoC/deepchat/internal/llm"
	"github.com/RichardoC/deepchat/internal/models"
)

type update struct {
	id       string
	content  string
	thinking string
}

// fakeStore records every write. createBlock and updateBlock, when set, hold
// the matching call until they are closed.
type fakeStore struct {
	mu          sync.Mutex
	created     []models.Message
	updates     []update
	createErr   error
	updateErr   error
	createBlock chan struct{}
	updateBlock chan struct{}
	system      string
	model       string
	nextID      int
}

func (f *fakeStore) CreateMessage(_ context.Context, _, threadID, role, content string) (string, error) {
	f.mu.Lock()
	block := f.createBlock
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("m%d", f.nextID)
	f.created = append(f.created, models.Message{
		ID:        id,
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	return id, nil
}

func (f *fakeStore) UpdateMessage(_ context.Context, _, _, id, content, thinking string) error {
	f.mu.Lock()
	block := f.updateBlock
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, update{id: id, content: content, thinking: thinking})
	return nil
}

func (f *fakeStore) UpsertSystemMessage(_ context.Context, _, threadID, content string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.system = content
	return &models.Message{ID: "sys", ThreadID: threadID, Role: models.RoleSystem, Content: content}, nil
}

func (f *fakeStore) SetThreadModel(_ context.Context, _, _, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.model = model
	return nil
}

func (f *fakeStore) snapshot() ([]models.Message, []update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.created...), append([]update(nil), f.updates...)
}

// fakeStream hands out whatever the test pushes on frags. Closing frags ends
// the stream with err (io.EOF when nil).
type fakeStream struct {
	frags   chan llm.Fragment
	err     error
	aborted chan struct{}
	once    sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{frags: make(chan llm.Fragment), aborted: make(chan struct{})}
}

func (s *fakeStream) Next(ctx context.Context) (llm.Fragment, error) {
	select {
	case <-s.aborted:
		return llm.Fragment{}, io.EOF
	default:
	}
	select {
	case <-s.aborted:
		return llm.Fragment{}, io.EOF
	case f, ok := <-s.frags:
		if !ok {
			if s.err != nil {
				return llm.Fragment{}, s.err
			}
			return llm.Fragment{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return llm.Fragment{}, ctx.Err()
	}
}

func (s *fakeStream) Abort() {
	s.once.Do(func() { close(s.aborted) })
}

func (s *fakeStream) wasAborted() bool {
	select {
	case <-s.aborted:
		return true
	default:
		return false
	}
}

type fakeStreamer struct {
	mu       sync.Mutex
	stream   *fakeStream
	openErr  error
	requests []llm.Request
}

func (f *fakeStreamer) Open(_ context.Context, req llm.Request) (llm.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	if f.stream == nil {
		return nil, errors.New("no stream configured")
	}
	return f.stream, nil
}

func (f *fakeStreamer) lastRequest() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}
