package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/RichardoC/deepchat/internal/chat"
	"github.com/RichardoC/deepchat/internal/db"
	"github.com/RichardoC/deepchat/internal/handoff"
	"github.com/RichardoC/deepchat/internal/llm"
	"github.com/RichardoC/deepchat/internal/models"
	"github.com/RichardoC/deepchat/internal/persist"
	"go.uber.org/zap"
)

const (
	userHeader = "X-User-ID"
	keyHeader  = "X-API-Key"
)

type Options struct {
	// APIKey is used when a request carries no X-API-Key header.
	APIKey string
	// DefaultUser is used when a request carries no X-User-ID header. Empty
	// means the header is required.
	DefaultUser string
}

type Handler struct {
	manager *chat.Manager
	store   *persist.Sync
	db      *db.Database
	handoff *handoff.Store
	opts    Options
	logger  *zap.Logger
}

func NewHandler(manager *chat.Manager, store *persist.Sync, database *db.Database, pending *handoff.Store, opts Options, logger *zap.Logger) *Handler {
	return &Handler{
		manager: manager,
		store:   store,
		db:      database,
		handoff: pending,
		opts:    opts,
		logger:  logger,
	}
}

// Register mounts every endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/threads", h.Threads)
	mux.HandleFunc("/api/threads/update", h.UpdateThread)
	mux.HandleFunc("/api/threads/delete", h.DeleteThread)
	mux.HandleFunc("/api/threads/system", h.SetSystemPrompt)
	mux.HandleFunc("/api/threads/start", h.StartThread)
	mux.HandleFunc("/api/threads/pending", h.SendPending)
	mux.HandleFunc("/api/messages", h.GetMessages)
	mux.HandleFunc("/api/messages/listen", h.ListenMessages)
	mux.HandleFunc("/api/message", h.SendMessage)
	mux.HandleFunc("/api/message/stop", h.StopMessage)
	mux.HandleFunc("/api/preferences", h.Preferences)
	mux.HandleFunc("/api/stats", h.Stats)
}

type CreateThreadRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

type UpdateThreadRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

type MessageRequest struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

type SystemPromptRequest struct {
	Prompt string `json:"prompt"`
}

type TurnResponse struct {
	ThreadID           string `json:"thread_id"`
	UserMessageID      string `json:"user_message_id,omitempty"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`
	Content            string `json:"content"`
	Stopped            bool   `json:"stopped,omitempty"`
	Error              string `json:"error,omitempty"`
}

type StopResponse struct {
	Stopped bool `json:"stopped"`
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := strings.TrimSpace(r.Header.Get(userHeader))
	if user == "" {
		user = h.opts.DefaultUser
	}
	if user == "" {
		http.Error(w, "Missing "+userHeader+" header", http.StatusUnauthorized)
		return "", false
	}
	return user, true
}

func (h *Handler) credential(r *http.Request) string {
	if key := r.Header.Get(keyHeader); key != "" {
		return key
	}
	return h.opts.APIKey
}

func threadID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("thread_id")
	if id == "" {
		http.Error(w, "Invalid thread ID", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case chat.IsInputError(err):
		return http.StatusBadRequest
	case errors.Is(err, llm.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, db.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, db.ErrNotFound), errors.Is(err, handoff.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrTurnInFlight):
		return http.StatusConflict
	case errors.Is(err, db.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg,
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		http.Error(w, "Internal server error", status)
		return
	}
	h.logger.Debug(msg, zap.Error(err), zap.Int("status", status))
	http.Error(w, err.Error(), status)
}

func (h *Handler) Threads(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userID(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		threads, err := h.store.ListThreads(r.Context(), user)
		if err != nil {
			h.fail(w, r, "Failed to list threads", err)
			return
		}
		h.logger.Debug("Retrieved threads",
			zap.Int("count", len(threads)),
			zap.String("user_id", user))
		h.writeJSON(w, http.StatusOK, threads)

	case http.MethodPost:
		var req CreateThreadRequest
		if !decode(w, r, &req) {
			return
		}
		thread, err := h.manager.StartThread(r.Context(), user, req.Model, "", "")
		if err != nil {
			h.fail(w, r, "Failed to create thread", err)
			return
		}
		if req.Title != "" {
			if err := h.store.SetThreadTitle(r.Context(), user, thread.ID, req.Title); err != nil {
				h.fail(w, r, "Failed to set thread title", err)
				return
			}
			thread.Title = req.Title
		}
		h.writeJSON(w, http.StatusCreated, thread)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) UpdateThread(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPut) {
		return
	}
	user, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := threadID(w, r)
	if !ok {
		return
	}
	var req UpdateThreadRequest
	if !decode(w, r, &req) {
		return
	}

	if req.Title != "" {
		if err := h.store.SetThreadTitle(r.Context(), user, id, req.Title); err != nil {
			h.fail(w, r, "Failed to update thread", err)
			return
		}
	}
	if req.Model != "" {
		c, done, err := h.manager.Acquire(r.Context(), user, id)
		if err != nil {
			h.fail(w, r, "Failed to open thread", err)
			return
		}
		defer done()
		if err := c.SetModel(r.Context(), req.Model); err != nil {
			h.fail(w, r, "Failed to update thread model", err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) DeleteThread(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodDelete) {
		return
	}
	user, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	if _, err := h.store.Thread(r.Context(), user, id); err != nil {
		h.fail(w, r, "Failed to delete thread", err)
		return
	}
	h.manager.Release(user, id)
	if err := h.store.DeleteThread(r.Context(), user, id); err != nil {
		h.fail(w, r, "Failed to delete thread", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) SetSystemPrompt(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPut) {
		return
	}
	user, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := threadID(w, r)
	if !ok {
		return
	}
	var req SystemPromptRequest
	if !decode(w, r, &req) {
		return
	}

	c, done, err := h.manager.Acquire(r.Context(), user, id)
	if err != nil {
		h.fail(w, r, "Failed to open thread", err)
		return
	}
	defer done()
	if err := c.SetSystemPrompt(r.Context(), req.Prompt); err != nil {
		h.fail(w, r, "Failed to set system prompt", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetMessages returns the thread's session view, including any draft.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	user, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	c, done, err := h.manager.Acquire(r.Context(), user, id)
	if err != nil {
		h.fail(w, r, "Failed to get messages", err)
		return
	}
	defer done()
	h.writeJSON(w, http.StatusOK, c.Session().Snapshot())
}

// ListenMessages streams session views as server-sent events until the
// client goes away.
func (h *Handler) ListenMessages(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	user, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	c, done, err := h.manager.Acquire(r.Context(), user, id)
	if err != nil {
		h.fail(w, r, "Failed to listen for messages", err)
		return
	}
	defer done()
	sse, err := newEventStream(w)
	if err != nil {
		h.fail(w, r, "Failed to listen for messages", err)
		return
	}

	views, remove := watch(c.Session())
	defer remove()
	if err := sse.send("snapshot", c.Session().Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case v := <-views:
			if err := sse.send("snapshot", v); err != nil {
				h.logger.Debug("listener went away", zap.String("thread_id", id), zap.Error(err))
				return
			}
		}
	}
}

// SendMessage starts a turn on thread_id. While a turn is in flight the same
// request stops it instead.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	user, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := threadID(w, r)
	if !ok {
		return
	}
	var req MessageRequest
	if !decode(w, r, &req) {
		return
	}
	h.send(w, r, user, id, h.credential(r), req)
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request, user, id, credential string, req MessageRequest) {
	c, turn, err := h.manager.Send(r.Context(), user, id, req.Model, credential, req.Content)
	switch {
	case errors.Is(err, chat.ErrStopped):
		h.writeJSON(w, http.StatusOK, TurnResponse{ThreadID: id, AssistantMessageID: turn.AssistantMessageID(), Stopped: true})
		return
	case err != nil:
		h.fail(w, r, "Failed to send message", err)
		return
	}
	h.serveTurn(w, r, c, turn)
}

// serveTurn streams session changes when the client accepts an event stream
// and otherwise waits for the turn and answers with its result.
func (h *Handler) serveTurn(w http.ResponseWriter, r *http.Request, c *chat.Controller, turn *chat.Turn) {
	resp := TurnResponse{
		ThreadID:           c.ThreadID(),
		UserMessageID:      turn.UserMessageID(),
		AssistantMessageID: turn.AssistantMessageID(),
	}

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		if err := turn.Wait(r.Context()); err != nil {
			if r.Context().Err() != nil {
				return
			}
			resp.Error = err.Error()
			h.writeJSON(w, statusFor(err), resp)
			return
		}
		resp.Content = turn.Content()
		h.writeJSON(w, http.StatusOK, resp)
		return
	}

	sse, err := newEventStream(w)
	if err != nil {
		h.fail(w, r, "Failed to stream message", err)
		return
	}
	views, remove := watch(c.Session())
	defer remove()

	for {
		select {
		case <-r.Context().Done():
			return
		case v := <-views:
			if err := sse.send("snapshot", v); err != nil {
				return
			}
		case <-turn.Done():
			_ = sse.send("snapshot", c.Session().Snapshot())
			resp.Content = turn.Content()
			if err := turn.Err(); err != nil {
				resp.Error = err.Error()
			}
			_ = sse.send("done", resp)
			return
		}
	}
}

func (h *Handler) StopMessage(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	user, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	c, done, err := h.manager.Acquire(r.Context(), user, id)
	if err != nil {
		h.fail(w, r, "Failed to stop message", err)
		return
	}
	defer done()
	h.writeJSON(w, http.StatusOK, StopResponse{Stopped: c.Stop()})
}

// StartThread creates a thread for a first message and keeps the message
// until the client opens the thread with SendPending.
func (h *Handler) StartThread(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	user, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req MessageRequest
	if !decode(w, r, &req) {
		return
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		h.fail(w, r, "Failed to start thread", chat.ErrEmptyInput)
		return
	}
	credential := h.credential(r)
	if err := llm.ValidateCredential(credential); err != nil {
		h.fail(w, r, "Failed to start thread", err)
		return
	}

	thread, err := h.manager.StartThread(r.Context(), user, req.Model, credential, content)
	if err != nil {
		h.fail(w, r, "Failed to start thread", err)
		return
	}
	if err := h.handoff.Stash(user, thread.ID, handoff.Pending{
		Message:    content,
		Model:      thread.Model,
		Credential: r.Header.Get(keyHeader),
	}); err != nil {
		h.fail(w, r, "Failed to stash pending message", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, thread)
}

// SendPending sends the message stashed by StartThread, at most once.
func (h *Handler) SendPending(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	user, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	p, err := h.handoff.Take(user, id)
	if errors.Is(err, handoff.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.fail(w, r, "Failed to take pending message", err)
		return
	}
	credential := r.Header.Get(keyHeader)
	if credential == "" {
		credential = p.Credential
	}
	if credential == "" {
		credential = h.opts.APIKey
	}
	h.send(w, r, user, id, credential, MessageRequest{Content: p.Message, Model: p.Model})
}

func (h *Handler) Preferences(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userID(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		prefs, err := h.db.GetPreferences(r.Context(), user)
		if err != nil {
			h.fail(w, r, "Failed to get preferences", err)
			return
		}
		h.writeJSON(w, http.StatusOK, prefs)

	case http.MethodPut:
		var prefs models.Preferences
		if !decode(w, r, &prefs) {
			return
		}
		prefs.UserID = user
		if err := prefs.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.db.SavePreferences(r.Context(), prefs); err != nil {
			h.fail(w, r, "Failed to save preferences", err)
			return
		}
		h.writeJSON(w, http.StatusOK, prefs)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Stats returns the public aggregate counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	counters, err := h.db.GetCounters(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to get stats", err)
		return
	}
	h.writeJSON(w, http.StatusOK, counters)
}
