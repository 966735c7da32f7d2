package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/RichardoC/deepchat/internal/llm"
	"github.com/RichardoC/deepchat/internal/models"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// DefaultIdleSessions is how many unused sessions a Manager keeps open.
const DefaultIdleSessions = 64

// ThreadStore extends Store with thread lifecycle and subscriptions.
type ThreadStore interface {
	Store
	CreateThread(ctx context.Context, userID, model, title string) (*models.Thread, error)
	Thread(ctx context.Context, userID, threadID string) (*models.Thread, error)
	SetThreadTitle(ctx context.Context, userID, threadID, title string) error
	ListenMessages(ctx context.Context, userID, threadID string, fn func([]models.Message)) (func(), error)
}

// Titler names new threads.
type Titler interface {
	GenerateTitle(ctx context.Context, credential, model, firstMessage string) (string, error)
}

type sessionKey struct {
	userID   string
	threadID string
}

// entry is one open session. refs counts callers holding it plus turns in
// flight; an entry with no refs sits in the idle cache.
type entry struct {
	controller  *Controller
	unsubscribe func()
	refs        int
}

type ManagerOption func(*Manager)

// WithIdleSessions bounds how many sessions stay open with nobody using
// them. The least recently used one is closed first.
func WithIdleSessions(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.idleLimit = n
		}
	}
}

// Manager owns one Controller per (user, thread) and keeps each session fed
// with remote snapshots while it is open.
type Manager struct {
	store        ThreadStore
	streamer     Streamer
	titler       Titler
	defaultModel string
	logger       *zap.Logger
	idleLimit    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards entries and idle. idle's eviction callback runs with mu held.
	mu      sync.Mutex
	entries map[sessionKey]*entry
	idle    *lru.Cache
}

func NewManager(store ThreadStore, streamer Streamer, titler Titler, defaultModel string, logger *zap.Logger, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:        store,
		streamer:     streamer,
		titler:       titler,
		defaultModel: defaultModel,
		logger:       logger,
		idleLimit:    DefaultIdleSessions,
		ctx:          ctx,
		cancel:       cancel,
		entries:      make(map[sessionKey]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	// Only fails for a non-positive size.
	m.idle, _ = lru.NewWithEvict(m.idleLimit, m.evicted)
	return m
}

// evicted closes an idle session pushed out of the cache. Removals of
// entries that are back in use or already released are ignored.
func (m *Manager) evicted(key, value interface{}) {
	k, e := key.(sessionKey), value.(*entry)
	if e.refs > 0 || m.entries[k] != e {
		return
	}
	delete(m.entries, k)
	m.logger.Debug("closing idle session", zap.String("thread_id", k.threadID))
	e.unsubscribe()
}

// holdLocked takes a ref on e, pulling it out of the idle cache.
func (m *Manager) holdLocked(key sessionKey, e *entry) {
	e.refs++
	m.idle.Remove(key)
}

func (m *Manager) unhold(key sessionKey, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 && m.entries[key] == e {
		m.idle.Add(key, e)
	}
}

func (m *Manager) acquire(ctx context.Context, userID, threadID string) (sessionKey, *entry, error) {
	key := sessionKey{userID: userID, threadID: threadID}

	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		m.holdLocked(key, e)
		m.mu.Unlock()
		return key, e, nil
	}
	m.mu.Unlock()

	thread, err := m.store.Thread(ctx, userID, threadID)
	if err != nil {
		return key, nil, err
	}
	session := NewSession(thread.Model)
	controller := NewController(m.ctx, userID, threadID, session, m.store, m.streamer, m.logger)
	unsubscribe, err := m.store.ListenMessages(m.ctx, userID, threadID, session.ApplySnapshot)
	if err != nil {
		return key, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		// Opened concurrently by another caller.
		unsubscribe()
		m.holdLocked(key, e)
		return key, e, nil
	}
	e := &entry{controller: controller, unsubscribe: unsubscribe, refs: 1}
	m.entries[key] = e
	return key, e, nil
}

// Acquire returns the controller for threadID, opening it and its remote
// subscription if needed. The session stays open until done is called; after
// that it may be closed once enough other sessions go idle.
func (m *Manager) Acquire(ctx context.Context, userID, threadID string) (c *Controller, done func(), err error) {
	key, e, err := m.acquire(ctx, userID, threadID)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return e.controller, func() { once.Do(func() { m.unhold(key, e) }) }, nil
}

// StartThread creates a thread and names it in the background from the
// first message.
func (m *Manager) StartThread(ctx context.Context, userID, model, credential, firstMessage string) (*models.Thread, error) {
	if model == "" {
		model = m.defaultModel
	}
	thread, err := m.store.CreateThread(ctx, userID, model, llm.FallbackTitle(firstMessage))
	if err != nil {
		return nil, err
	}

	if m.titler != nil && firstMessage != "" && llm.ValidateCredential(credential) == nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			title, err := m.titler.GenerateTitle(m.ctx, credential, model, firstMessage)
			if err != nil {
				m.logger.Warn("failed to generate thread title", zap.String("thread_id", thread.ID), zap.Error(err))
				return
			}
			if err := m.store.SetThreadTitle(m.ctx, userID, thread.ID, title); err != nil {
				m.logger.Warn("failed to store thread title", zap.String("thread_id", thread.ID), zap.Error(err))
			}
		}()
	}
	return thread, nil
}

// Send sends text on threadID, creating a thread first when threadID is
// empty. A non-empty model switches an idle existing thread before sending.
// The session stays open until the turn ends.
func (m *Manager) Send(ctx context.Context, userID, threadID, model, credential, text string) (*Controller, *Turn, error) {
	if threadID == "" {
		if err := llm.ValidateCredential(credential); err != nil {
			return nil, nil, err
		}
		thread, err := m.StartThread(ctx, userID, model, credential, text)
		if err != nil {
			return nil, nil, err
		}
		threadID = thread.ID
	}

	key, e, err := m.acquire(ctx, userID, threadID)
	if err != nil {
		return nil, nil, err
	}
	defer m.unhold(key, e)

	c := e.controller
	if model != "" && model != c.Session().Model() && c.State() == StateIdle {
		if err := c.SetModel(ctx, model); err != nil {
			return c, nil, err
		}
	}

	turn, err := c.Send(ctx, credential, text)
	if err != nil {
		return c, turn, err
	}

	m.mu.Lock()
	e.refs++
	m.mu.Unlock()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-turn.Done()
		m.unhold(key, e)
	}()
	return c, turn, nil
}

// Release stops any in-flight turn on threadID and closes its session.
func (m *Manager) Release(userID, threadID string) {
	key := sessionKey{userID: userID, threadID: threadID}

	m.mu.Lock()
	e, ok := m.entries[key]
	delete(m.entries, key)
	m.idle.Remove(key)
	m.mu.Unlock()

	if ok {
		m.release(e)
	}
}

func (m *Manager) release(e *entry) {
	e.controller.Stop()
	if t := e.controller.Current(); t != nil {
		<-t.Done()
	}
	e.unsubscribe()
}

// open reports how many sessions are open, idle or not.
func (m *Manager) open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close releases every session and waits for background work.
func (m *Manager) Close() error {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[sessionKey]*entry)
	m.idle.Purge()
	m.mu.Unlock()

	for _, e := range entries {
		m.release(e)
	}
	m.cancel()
	m.wg.Wait()
	return nil
}

// IsInputError reports whether err is the user's to fix rather than a
// backend failure.
func IsInputError(err error) bool {
	return errors.Is(err, ErrEmptyInput) ||
		errors.Is(err, llm.ErrMissingCredential) ||
		errors.Is(err, llm.ErrInvalidCredential)
}
