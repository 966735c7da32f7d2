package models

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      string    `json:"role"` // user, assistant, or system
	Content   string    `json:"content"`
	Thinking  string    `json:"thinking,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// Draft marks a local, not yet finalized assistant message. Never stored.
	Draft bool `json:"draft,omitempty"`
	// Failed is set on a draft whose final write did not land.
	Failed string `json:"failed,omitempty"`
}

type Thread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Preferences struct {
	UserID   string `json:"user_id"`
	Theme    string `json:"theme"`
	Language string `json:"language"`
}

type Counter struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}
