// Package persist keeps chat threads and messages in durable storage and
// streams remote changes back to interested sessions.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RichardoC/deepchat/internal/analytics"
	"github.com/RichardoC/deepchat/internal/db"
	"github.com/RichardoC/deepchat/internal/models"
	"go.uber.org/zap"
)

// Store is the durable backend. *db.Database implements it.
type Store interface {
	CreateThread(ctx context.Context, userID, model, title string) (*models.Thread, error)
	GetThread(ctx context.Context, userID, threadID string) (*models.Thread, error)
	ListThreads(ctx context.Context, userID string) ([]models.Thread, error)
	UpdateThreadTitle(ctx context.Context, userID, threadID, title string) error
	UpdateThreadModel(ctx context.Context, userID, threadID, model string) error
	DeleteThread(ctx context.Context, userID, threadID string) error

	SaveMessage(ctx context.Context, userID string, msg *models.Message) error
	UpdateMessage(ctx context.Context, userID, threadID, id, content, thinking string) error
	UpsertSystemMessage(ctx context.Context, userID, threadID, content string) (*models.Message, error)
	GetMessages(ctx context.Context, userID, threadID string) ([]models.Message, error)
	Subscribe(threadID string) (<-chan struct{}, func())
}

type Sync struct {
	store    Store
	recorder *analytics.Recorder
	logger   *zap.Logger
}

func New(store Store, recorder *analytics.Recorder, logger *zap.Logger) *Sync {
	return &Sync{store: store, recorder: recorder, logger: logger}
}

// fail logs a storage error and returns it wrapped with op. Quota errors are
// logged under their own message and marker field.
func (s *Sync) fail(op string, err error, fields ...zap.Field) error {
	fields = append(fields, zap.String("op", op), zap.Error(err))
	if errors.Is(err, db.ErrQuotaExceeded) {
		s.logger.Error("storage quota exceeded", append(fields, zap.Bool("quota_exceeded", true))...)
	} else {
		s.logger.Error("storage operation failed", fields...)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CreateMessage appends a message to threadID and returns its id.
func (s *Sync) CreateMessage(ctx context.Context, userID, threadID, role, content string) (string, error) {
	msg := &models.Message{ThreadID: threadID, Role: role, Content: content}
	if err := s.store.SaveMessage(ctx, userID, msg); err != nil {
		return "", s.fail("create message", err, zap.String("thread_id", threadID), zap.String("role", role))
	}
	s.recorder.Record(ctx, analytics.EventMessageCreated, role)
	return msg.ID, nil
}

// UpdateMessage writes the final content and thinking text of an assistant
// message. Other roles are rejected with db.ErrNotFound.
func (s *Sync) UpdateMessage(ctx context.Context, userID, threadID, id, content, thinking string) error {
	if err := s.store.UpdateMessage(ctx, userID, threadID, id, content, thinking); err != nil {
		return s.fail("update message", err, zap.String("thread_id", threadID), zap.String("message_id", id))
	}
	s.recorder.Record(ctx, analytics.EventMessageUpdated, models.RoleAssistant)
	return nil
}

func (s *Sync) UpsertSystemMessage(ctx context.Context, userID, threadID, content string) (*models.Message, error) {
	msg, err := s.store.UpsertSystemMessage(ctx, userID, threadID, content)
	if err != nil {
		return nil, s.fail("upsert system message", err, zap.String("thread_id", threadID))
	}
	s.recorder.Record(ctx, analytics.EventMessageUpdated, models.RoleSystem)
	return msg, nil
}

func (s *Sync) Messages(ctx context.Context, userID, threadID string) ([]models.Message, error) {
	return s.store.GetMessages(ctx, userID, threadID)
}

// ListenMessages calls fn with the thread's full ordered message set now and
// after every change, until the returned func is called or ctx is done.
// Calls to fn never overlap.
func (s *Sync) ListenMessages(ctx context.Context, userID, threadID string, fn func([]models.Message)) (func(), error) {
	changes, cancel := s.store.Subscribe(threadID)

	initial, err := s.store.GetMessages(ctx, userID, threadID)
	if err != nil {
		cancel()
		return nil, err
	}

	stop := make(chan struct{})
	go func() {
		defer cancel()
		fn(initial)
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
			}

			messages, err := s.store.GetMessages(ctx, userID, threadID)
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					// Thread deleted underneath us.
					fn([]models.Message{})
					return
				}
				s.logger.Warn("failed to load message snapshot",
					zap.String("thread_id", threadID),
					zap.Error(err))
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			fn(messages)
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }, nil
}

func (s *Sync) CreateThread(ctx context.Context, userID, model, title string) (*models.Thread, error) {
	thread, err := s.store.CreateThread(ctx, userID, model, title)
	if err != nil {
		return nil, s.fail("create thread", err, zap.String("user_id", userID))
	}
	s.recorder.Record(ctx, analytics.EventThreadCreated, "")
	return thread, nil
}

func (s *Sync) Thread(ctx context.Context, userID, threadID string) (*models.Thread, error) {
	return s.store.GetThread(ctx, userID, threadID)
}

func (s *Sync) ListThreads(ctx context.Context, userID string) ([]models.Thread, error) {
	return s.store.ListThreads(ctx, userID)
}

func (s *Sync) SetThreadTitle(ctx context.Context, userID, threadID, title string) error {
	if err := s.store.UpdateThreadTitle(ctx, userID, threadID, title); err != nil {
		return s.fail("set thread title", err, zap.String("thread_id", threadID))
	}
	return nil
}

func (s *Sync) SetThreadModel(ctx context.Context, userID, threadID, model string) error {
	if err := s.store.UpdateThreadModel(ctx, userID, threadID, model); err != nil {
		return s.fail("set thread model", err, zap.String("thread_id", threadID))
	}
	return nil
}

func (s *Sync) DeleteThread(ctx context.Context, userID, threadID string) error {
	if err := s.store.DeleteThread(ctx, userID, threadID); err != nil {
		return s.fail("delete thread", err, zap.String("thread_id", threadID))
	}
	return nil
}
