package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RichardoC/deepchat/internal/models"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrQuotaExceeded    = errors.New("storage quota exceeded")
)

const schema = `
CREATE TABLE IF NOT EXISTS threads (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS threads_by_user ON threads(user_id, updated_at);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    thinking TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS messages_by_thread ON messages(thread_id, created_at);

CREATE TABLE IF NOT EXISTS preferences (
    user_id TEXT PRIMARY KEY,
    theme TEXT NOT NULL,
    language TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS counters (
    name TEXT PRIMARY KEY,
    value INTEGER NOT NULL DEFAULT 0
);`

// Option tweaks a Database at construction time.
type Option func(*Database)

// WithMaxUserBytes caps the total message bytes a single user may store.
// Zero disables the check.
func WithMaxUserBytes(n int64) Option {
	return func(d *Database) { d.maxUserBytes = n }
}

type Database struct {
	db           *sql.DB
	hub          *hub
	maxUserBytes int64

	clockMu sync.Mutex
	lastTS  int64
}

func New(dbPath string, opts ...Option) (*Database, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One connection keeps sqlite writers serialised.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	d := &Database{db: db, hub: newHub()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// now hands out strictly increasing timestamps so that creation order is
// also timestamp order.
func (d *Database) now() int64 {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()
	n := time.Now().UTC().UnixNano()
	if n <= d.lastTS {
		n = d.lastTS + 1
	}
	d.lastTS = n
	return n
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// translate maps driver errors onto the package's sentinel errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrFull {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// checkOwner enforces that userID owns threadID.
func checkOwner(ctx context.Context, q querier, userID, threadID string) error {
	var owner string
	err := q.QueryRowContext(ctx, "SELECT user_id FROM threads WHERE id = ?", threadID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if owner != userID {
		return fmt.Errorf("thread %s: %w", threadID, ErrPermissionDenied)
	}
	return nil
}

// checkQuota fails when adding delta bytes would push userID past the cap.
func (d *Database) checkQuota(ctx context.Context, q querier, userID string, delta int64) error {
	if d.maxUserBytes <= 0 || delta <= 0 {
		return nil
	}
	query := `
        SELECT COALESCE(SUM(LENGTH(CAST(m.content AS BLOB)) + LENGTH(CAST(m.thinking AS BLOB))), 0)
        FROM messages m
        JOIN threads t ON t.id = m.thread_id
        WHERE t.user_id = ?`

	var used int64
	if err := q.QueryRowContext(ctx, query, userID).Scan(&used); err != nil {
		return err
	}
	if used+delta > d.maxUserBytes {
		return fmt.Errorf("user %s would use %d of %d bytes: %w", userID, used+delta, d.maxUserBytes, ErrQuotaExceeded)
	}
	return nil
}

func (d *Database) CreateThread(ctx context.Context, userID, model, title string) (*models.Thread, error) {
	now := d.now()
	thread := &models.Thread{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Model:     model,
		CreatedAt: fromNanos(now),
		UpdatedAt: fromNanos(now),
	}

	query := `
        INSERT INTO threads (id, user_id, title, model, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`

	if _, err := d.db.ExecContext(ctx, query, thread.ID, userID, title, model, now, now); err != nil {
		return nil, translate(err)
	}
	return thread, nil
}

func (d *Database) GetThread(ctx context.Context, userID, threadID string) (*models.Thread, error) {
	if err := checkOwner(ctx, d.db, userID, threadID); err != nil {
		return nil, err
	}

	query := `
        SELECT id, user_id, title, model, created_at, updated_at
        FROM threads
        WHERE id = ?`

	var (
		t                models.Thread
		created, updated int64
	)
	err := d.db.QueryRowContext(ctx, query, threadID).Scan(&t.ID, &t.UserID, &t.Title, &t.Model, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.CreatedAt, t.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &t, nil
}

func (d *Database) ListThreads(ctx context.Context, userID string) ([]models.Thread, error) {
	query := `
        SELECT id, user_id, title, model, created_at, updated_at
        FROM threads
        WHERE user_id = ?
        ORDER BY updated_at DESC`

	rows, err := d.db.QueryContext(ctx, query, userID)
	if err != nil {
		return []models.Thread{}, err
	}
	defer rows.Close()

	threads := make([]models.Thread, 0)
	for rows.Next() {
		var (
			t                models.Thread
			created, updated int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.Model, &created, &updated); err != nil {
			return []models.Thread{}, err
		}
		t.CreatedAt, t.UpdatedAt = fromNanos(created), fromNanos(updated)
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (d *Database) UpdateThreadTitle(ctx context.Context, userID, threadID, title string) error {
	return d.updateThread(ctx, userID, threadID, "title", title)
}

func (d *Database) UpdateThreadModel(ctx context.Context, userID, threadID, model string) error {
	return d.updateThread(ctx, userID, threadID, "model", model)
}

func (d *Database) updateThread(ctx context.Context, userID, threadID, column, value string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := checkOwner(ctx, tx, userID, threadID); err != nil {
		return err
	}
	// column is one of a fixed set chosen by the callers above.
	query := fmt.Sprintf("UPDATE threads SET %s = ?, updated_at = ? WHERE id = ?", column)
	if _, err := tx.ExecContext(ctx, query, value, d.now(), threadID); err != nil {
		return translate(err)
	}
	return translate(tx.Commit())
}

func (d *Database) DeleteThread(ctx context.Context, userID, threadID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := checkOwner(ctx, tx, userID, threadID); err != nil {
		return err
	}

	// Delete messages
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE thread_id = ?", threadID); err != nil {
		return err
	}

	// Delete thread
	if _, err := tx.ExecContext(ctx, "DELETE FROM threads WHERE id = ?", threadID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	d.hub.publish(threadID)
	return nil
}

// SaveMessage appends msg to its thread, filling in ID and CreatedAt.
func (d *Database) SaveMessage(ctx context.Context, userID string, msg *models.Message) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := checkOwner(ctx, tx, userID, msg.ThreadID); err != nil {
		return err
	}
	if err := d.checkQuota(ctx, tx, userID, int64(len(msg.Content)+len(msg.Thinking))); err != nil {
		return err
	}

	now := d.now()
	id := uuid.NewString()
	query := `
        INSERT INTO messages (id, thread_id, role, content, thinking, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`

	if _, err := tx.ExecContext(ctx, query, id, msg.ThreadID, msg.Role, msg.Content, msg.Thinking, now); err != nil {
		return translate(err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE threads SET updated_at = ? WHERE id = ?", now, msg.ThreadID); err != nil {
		return translate(err)
	}
	if err := tx.Commit(); err != nil {
		return translate(err)
	}

	msg.ID = id
	msg.CreatedAt = fromNanos(now)
	d.hub.publish(msg.ThreadID)
	return nil
}

// UpdateMessage overwrites the content and thinking text of an assistant
// message. User and system messages are not updatable here and report
// ErrNotFound.
func (d *Database) UpdateMessage(ctx context.Context, userID, threadID, id, content, thinking string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := checkOwner(ctx, tx, userID, threadID); err != nil {
		return err
	}

	var oldSize int64
	err = tx.QueryRowContext(ctx,
		"SELECT LENGTH(CAST(content AS BLOB)) + LENGTH(CAST(thinking AS BLOB)) FROM messages WHERE id = ? AND thread_id = ? AND role = ?",
		id, threadID, models.RoleAssistant).Scan(&oldSize)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if err := d.checkQuota(ctx, tx, userID, int64(len(content)+len(thinking))-oldSize); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "UPDATE messages SET content = ?, thinking = ? WHERE id = ?", content, thinking, id); err != nil {
		return translate(err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE threads SET updated_at = ? WHERE id = ?", d.now(), threadID); err != nil {
		return translate(err)
	}
	if err := tx.Commit(); err != nil {
		return translate(err)
	}
	d.hub.publish(threadID)
	return nil
}

// UpsertSystemMessage keeps exactly one system message per thread.
func (d *Database) UpsertSystemMessage(ctx context.Context, userID, threadID, content string) (*models.Message, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := checkOwner(ctx, tx, userID, threadID); err != nil {
		return nil, err
	}

	msg := &models.Message{ThreadID: threadID, Role: models.RoleSystem, Content: content}
	var (
		created int64
		oldSize int64
	)
	err = tx.QueryRowContext(ctx,
		"SELECT id, created_at, LENGTH(CAST(content AS BLOB)) FROM messages WHERE thread_id = ? AND role = ?",
		threadID, models.RoleSystem).Scan(&msg.ID, &created, &oldSize)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := d.checkQuota(ctx, tx, userID, int64(len(content))); err != nil {
			return nil, err
		}
		created = d.now()
		msg.ID = uuid.NewString()
		_, err = tx.ExecContext(ctx,
			"INSERT INTO messages (id, thread_id, role, content, thinking, created_at) VALUES (?, ?, ?, ?, '', ?)",
			msg.ID, threadID, models.RoleSystem, content, created)
	case err != nil:
		return nil, err
	default:
		if err := d.checkQuota(ctx, tx, userID, int64(len(content))-oldSize); err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, "UPDATE messages SET content = ? WHERE id = ?", content, msg.ID)
	}
	if err != nil {
		return nil, translate(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, translate(err)
	}

	msg.CreatedAt = fromNanos(created)
	d.hub.publish(threadID)
	return msg, nil
}

// GetMessages returns every message of a thread, oldest first.
func (d *Database) GetMessages(ctx context.Context, userID, threadID string) ([]models.Message, error) {
	if err := checkOwner(ctx, d.db, userID, threadID); err != nil {
		return nil, err
	}

	query := `
        SELECT id, thread_id, role, content, thinking, created_at
        FROM messages
        WHERE thread_id = ?
        ORDER BY created_at ASC, rowid ASC`

	rows, err := d.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return []models.Message{}, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var (
			msg     models.Message
			created int64
		)
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.Role, &msg.Content, &msg.Thinking, &created); err != nil {
			return []models.Message{}, err
		}
		msg.CreatedAt = fromNanos(created)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Subscribe returns a channel that receives a signal after every change to
// threadID's messages. The channel is closed by the returned cancel func.
func (d *Database) Subscribe(threadID string) (<-chan struct{}, func()) {
	return d.hub.subscribe(threadID)
}

func (d *Database) GetPreferences(ctx context.Context, userID string) (models.Preferences, error) {
	prefs := models.DefaultPreferences(userID)
	err := d.db.QueryRowContext(ctx,
		"SELECT theme, language FROM preferences WHERE user_id = ?", userID).Scan(&prefs.Theme, &prefs.Language)
	if errors.Is(err, sql.ErrNoRows) {
		return prefs, nil
	}
	return prefs, err
}

func (d *Database) SavePreferences(ctx context.Context, prefs models.Preferences) error {
	query := `
        INSERT INTO preferences (user_id, theme, language)
        VALUES (?, ?, ?)
        ON CONFLICT(user_id) DO UPDATE SET theme = excluded.theme, language = excluded.language`

	_, err := d.db.ExecContext(ctx, query, prefs.UserID, prefs.Theme, prefs.Language)
	return translate(err)
}

// IncrementCounter bumps an aggregate counter. Counters carry no ownership.
func (d *Database) IncrementCounter(ctx context.Context, name string, delta int64) error {
	query := `
        INSERT INTO counters (name, value)
        VALUES (?, ?)
        ON CONFLICT(name) DO UPDATE SET value = value + excluded.value`

	_, err := d.db.ExecContext(ctx, query, name, delta)
	return translate(err)
}

func (d *Database) GetCounters(ctx context.Context) ([]models.Counter, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT name, value FROM counters ORDER BY name")
	if err != nil {
		return []models.Counter{}, err
	}
	defer rows.Close()

	counters := make([]models.Counter, 0)
	for rows.Next() {
		var c models.Counter
		if err := rows.Scan(&c.Name, &c.Value); err != nil {
			return []models.Counter{}, err
		}
		counters = append(counters, c)
	}
	return counters, rows.Err()
}
