package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/RichardoC/deepchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgAt(id, role, content string, offset time.Duration) models.Message {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return models.Message{ID: id, ThreadID: "t1", Role: role, Content: content, CreatedAt: base.Add(offset)}
}

func TestSessionKeepsCreationOrder(t *testing.T) {
	s := NewSession("deepseek-chat")
	s.AppendMessage(msgAt("b", models.RoleAssistant, "second", 2*time.Second))
	s.AppendMessage(msgAt("a", models.RoleUser, "first", time.Second))
	s.AppendDraft(msgAt("c", models.RoleAssistant, "", 3*time.Second))

	view := s.Snapshot()
	require.Len(t, view.Messages, 3)
	assert.Equal(t, "a", view.Messages[0].ID)
	assert.Equal(t, "b", view.Messages[1].ID)
	assert.Equal(t, "c", view.Messages[2].ID)
	assert.True(t, view.Messages[2].Draft)
}

func TestApplySnapshotDraftWins(t *testing.T) {
	s := NewSession("deepseek-chat")
	s.AppendMessage(msgAt("u", models.RoleUser, "Hello", 0))
	s.AppendDraft(msgAt("d", models.RoleAssistant, "", time.Second))
	s.SetDraftContent("Hi th", "")

	// The remote copy of the placeholder is still empty.
	s.ApplySnapshot([]models.Message{
		msgAt("u", models.RoleUser, "Hello", 0),
		msgAt("d", models.RoleAssistant, "", time.Second),
	})

	view := s.Snapshot()
	require.Len(t, view.Messages, 2)
	assert.Equal(t, "Hi th", view.Messages[1].Content)
	assert.True(t, view.Messages[1].Draft)

	// Streaming continues against the merged draft.
	s.SetDraftContent("Hi there", "")
	assert.Equal(t, "Hi there", s.Snapshot().Messages[1].Content)
}

func TestApplySnapshotReplacesConfirmedMessages(t *testing.T) {
	s := NewSession("deepseek-chat")
	s.AppendMessage(msgAt("u", models.RoleUser, "Hello", 0))
	s.AppendDraft(msgAt("d", models.RoleAssistant, "", time.Second))
	s.SetDraftContent("Hi there", "")
	s.ClearDraft()

	s.ApplySnapshot([]models.Message{
		msgAt("u", models.RoleUser, "Hello", 0),
		msgAt("d", models.RoleAssistant, "Hi there", time.Second),
		msgAt("x", models.RoleUser, "from another device", 2*time.Second),
	})

	view := s.Snapshot()
	require.Len(t, view.Messages, 3)
	assert.Equal(t, "from another device", view.Messages[2].Content)
	for _, m := range view.Messages {
		assert.False(t, m.Draft)
	}
}

func TestApplySnapshotKeepsDraftMissingRemotely(t *testing.T) {
	s := NewSession("deepseek-chat")
	s.AppendDraft(msgAt("d", models.RoleAssistant, "partial", time.Second))

	s.ApplySnapshot([]models.Message{msgAt("u", models.RoleUser, "Hello", 0)})

	view := s.Snapshot()
	require.Len(t, view.Messages, 2)
	assert.Equal(t, "u", view.Messages[0].ID)
	assert.Equal(t, "partial", view.Messages[1].Content)
}

func TestApplySnapshotPicksUpSystemPrompt(t *testing.T) {
	s := NewSession("deepseek-chat")
	s.ApplySnapshot([]models.Message{msgAt("s", models.RoleSystem, "be brief", 0)})
	assert.Equal(t, "be brief", s.SystemPrompt())
	assert.Empty(t, s.history())
}

func TestFailedDraftSurvivesSnapshot(t *testing.T) {
	s := NewSession("deepseek-chat")
	s.AppendDraft(msgAt("d", models.RoleAssistant, "", time.Second))
	s.SetDraftContent("Hi there", "")
	s.FailDraft(errors.New("quota exceeded"))

	s.ApplySnapshot([]models.Message{msgAt("d", models.RoleAssistant, "", time.Second)})

	view := s.Snapshot()
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "Hi there", view.Messages[0].Content)
	assert.Equal(t, "quota exceeded", view.Messages[0].Failed)

	// A later turn's draft operations do not touch the failed message.
	s.SetDraftContent("other", "")
	assert.Equal(t, "Hi there", s.Snapshot().Messages[0].Content)
}

func TestDiscardDraft(t *testing.T) {
	s := NewSession("deepseek-chat")
	s.AppendMessage(msgAt("u", models.RoleUser, "Hello", 0))
	s.AppendDraft(msgAt("d", models.RoleAssistant, "", time.Second))
	s.DiscardDraft()

	view := s.Snapshot()
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "u", view.Messages[0].ID)
}

func TestHistorySkipsDraftsAndEmptyReplies(t *testing.T) {
	s := NewSession("deepseek-chat")
	s.AppendMessage(msgAt("u1", models.RoleUser, "Hello", 0))
	s.AppendMessage(msgAt("a1", models.RoleAssistant, "", time.Second))
	s.AppendMessage(msgAt("u2", models.RoleUser, "Anyone?", 2*time.Second))
	s.AppendDraft(msgAt("a2", models.RoleAssistant, "typing", 3*time.Second))

	var ids []string
	for _, m := range s.history() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"u1", "u2"}, ids)
}

func TestObserversSeeEveryChangeInOrder(t *testing.T) {
	s := NewSession("deepseek-chat")
	var seen []string
	remove := s.OnChange(func(v View) {
		if d := draftOf(v); d != nil {
			seen = append(seen, d.Content)
		}
	})

	s.AppendDraft(msgAt("d", models.RoleAssistant, "", 0))
	s.SetDraftContent("H", "")
	s.SetDraftContent("Hi", "")
	remove()
	s.SetDraftContent("Hi!", "")

	assert.Equal(t, []string{"", "H", "Hi"}, seen)
}

func TestSetWaitingNotifiesOnlyOnChange(t *testing.T) {
	s := NewSession("deepseek-chat")
	calls := 0
	s.OnChange(func(View) { calls++ })

	s.SetWaiting(true)
	s.SetWaiting(true)
	s.SetWaiting(false)
	assert.Equal(t, 2, calls)
}

func TestStaleSnapshotDoesNotHideLocalWrites(t *testing.T) {
	s := NewSession("deepseek-chat")
	s.AppendMessage(msgAt("u", models.RoleUser, "Hello", 0))
	s.AppendDraft(msgAt("d", models.RoleAssistant, "", time.Second))
	s.SetDraftContent("Hi there", "")
	s.ClearDraft()

	// Loaded before either write landed.
	s.ApplySnapshot(nil)
	view := s.Snapshot()
	require.Len(t, view.Messages, 2)
	assert.Equal(t, "Hi there", view.Messages[1].Content)

	// Loaded after the placeholder but before the final update.
	s.ApplySnapshot([]models.Message{
		msgAt("u", models.RoleUser, "Hello", 0),
		msgAt("d", models.RoleAssistant, "", time.Second),
	})
	assert.Equal(t, "Hi there", s.Snapshot().Messages[1].Content)

	// Once confirmed, the remote copy is authoritative again.
	s.ApplySnapshot([]models.Message{
		msgAt("u", models.RoleUser, "Hello", 0),
		msgAt("d", models.RoleAssistant, "Hi there", time.Second),
	})
	s.ApplySnapshot([]models.Message{msgAt("u", models.RoleUser, "Hello", 0)})
	assert.Len(t, s.Snapshot().Messages, 1)
}
