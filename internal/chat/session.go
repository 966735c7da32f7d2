// Package chat holds the per-thread chat session and the turn state machine
// that streams a model response into it.
package chat

import (
	"sort"
	"sync"

	"github.com/RichardoC/deepchat/internal/models"
)

// View is a point-in-time copy of a Session.
type View struct {
	Messages     []models.Message `json:"messages"`
	SystemPrompt string           `json:"system_prompt"`
	Model        string           `json:"model"`
	// Thinking is true while a turn awaits any output.
	Thinking bool `json:"thinking"`
	// Waiting is true until the first non-empty fragment of a turn arrives.
	Waiting bool `json:"waiting"`
}

// Session is the in-memory state of one thread. Messages are kept in
// creation order. Observers registered with OnChange run synchronously after
// every mutation, in mutation order, and must not mutate the session.
type Session struct {
	mu           sync.Mutex
	messages     []models.Message
	draftID      string
	systemPrompt string
	model        string
	thinking     bool
	waiting      bool

	// unconfirmed holds messages written locally that no remote snapshot has
	// shown with the same text yet.
	unconfirmed map[string]models.Message

	notifyMu  sync.Mutex
	observers map[int]func(View)
	nextObs   int
}

func NewSession(model string) *Session {
	return &Session{
		model:       model,
		unconfirmed: make(map[string]models.Message),
		observers:   make(map[int]func(View)),
	}
}

// OnChange registers fn and returns a func that removes it.
func (s *Session) OnChange(fn func(View)) func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.observers, id)
	}
}

// update runs mutate under the lock and then notifies observers. Taking
// notifyMu before releasing mu keeps notifications in mutation order.
func (s *Session) update(mutate func() bool) {
	s.mu.Lock()
	if !mutate() {
		s.mu.Unlock()
		return
	}
	view := s.viewLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	for _, fn := range s.observers {
		fn(view)
	}
}

func (s *Session) viewLocked() View {
	msgs := make([]models.Message, len(s.messages))
	copy(msgs, s.messages)
	return View{
		Messages:     msgs,
		SystemPrompt: s.systemPrompt,
		Model:        s.model,
		Thinking:     s.thinking,
		Waiting:      s.waiting,
	}
}

func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *Session) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemPrompt
}

func (s *Session) SetModel(model string) {
	s.update(func() bool {
		s.model = model
		return true
	})
}

func (s *Session) SetSystemPrompt(prompt string) {
	s.update(func() bool {
		s.systemPrompt = prompt
		return true
	})
}

func (s *Session) SetThinking(v bool) {
	s.update(func() bool {
		if s.thinking == v {
			return false
		}
		s.thinking = v
		return true
	})
}

func (s *Session) SetWaiting(v bool) {
	s.update(func() bool {
		if s.waiting == v {
			return false
		}
		s.waiting = v
		return true
	})
}

// AppendMessage adds a confirmed (non-draft) message, e.g. the user's own
// message right after it was stored.
func (s *Session) AppendMessage(msg models.Message) {
	msg.Draft = false
	s.update(func() bool {
		s.insertLocked(msg)
		s.unconfirmed[msg.ID] = msg
		return true
	})
}

// AppendDraft adds msg as the in-flight draft.
func (s *Session) AppendDraft(msg models.Message) {
	msg.Draft = true
	msg.Failed = ""
	s.update(func() bool {
		s.insertLocked(msg)
		s.draftID = msg.ID
		return true
	})
}

func (s *Session) insertLocked(msg models.Message) {
	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			s.messages[i] = msg
			sortMessages(s.messages)
			return
		}
	}
	s.messages = append(s.messages, msg)
	sortMessages(s.messages)
}

// SetDraftContent replaces the draft's text with the full accumulated text.
func (s *Session) SetDraftContent(content, thinking string) {
	s.update(func() bool {
		i := s.draftIndexLocked()
		if i < 0 {
			return false
		}
		s.messages[i].Content = content
		s.messages[i].Thinking = thinking
		return true
	})
}

// ClearDraft keeps the draft message but drops its draft flag.
func (s *Session) ClearDraft() {
	s.update(func() bool {
		i := s.draftIndexLocked()
		if i < 0 {
			return false
		}
		s.messages[i].Draft = false
		s.unconfirmed[s.messages[i].ID] = s.messages[i]
		s.draftID = ""
		return true
	})
}

// DiscardDraft removes the draft message entirely.
func (s *Session) DiscardDraft() {
	s.update(func() bool {
		i := s.draftIndexLocked()
		if i < 0 {
			return false
		}
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		s.draftID = ""
		return true
	})
}

// FailDraft records that the draft's final write failed. The message stays a
// draft so that remote snapshots do not replace its text with the stale copy.
func (s *Session) FailDraft(err error) {
	s.update(func() bool {
		i := s.draftIndexLocked()
		if i < 0 {
			return false
		}
		s.messages[i].Failed = err.Error()
		s.draftID = ""
		return true
	})
}

func (s *Session) draftIndexLocked() int {
	if s.draftID == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID == s.draftID {
			return i
		}
	}
	return -1
}

// ApplySnapshot replaces the session's messages with the remote set. Local
// messages still flagged as drafts win over their remote copies, and locally
// written messages win until the remote set catches up with them.
func (s *Session) ApplySnapshot(remote []models.Message) {
	s.update(func() bool {
		local := make(map[string]models.Message, len(s.unconfirmed))
		for id, m := range s.unconfirmed {
			local[id] = m
		}
		for _, m := range s.messages {
			if m.Draft {
				local[m.ID] = m
			}
		}

		merged := make([]models.Message, 0, len(remote)+len(local))
		for _, r := range remote {
			if r.Role == models.RoleSystem {
				s.systemPrompt = r.Content
			}
			if l, ok := local[r.ID]; ok {
				delete(local, r.ID)
				switch {
				case l.Draft:
					r.Content, r.Thinking = l.Content, l.Thinking
					r.Draft, r.Failed = true, l.Failed
				case r.Content == l.Content && r.Thinking == l.Thinking:
					delete(s.unconfirmed, r.ID)
				default:
					r.Content, r.Thinking = l.Content, l.Thinking
				}
			}
			merged = append(merged, r)
		}
		for _, l := range local {
			merged = append(merged, l)
		}
		sortMessages(merged)
		s.messages = merged
		return true
	})
}

// history returns the confirmed conversation turns, oldest first, suitable
// for sending to the model.
func (s *Session) history() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.Draft || m.Role == models.RoleSystem {
			continue
		}
		if m.Role == models.RoleAssistant && m.Content == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
