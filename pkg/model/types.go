// ABOUTME: Data model for projects, threads, messages and the search collections
// ABOUTME: JSON tags match the export file format

package model

import "time"

// DefaultThreadTitle is the title a thread gets until it is renamed or derived.
const DefaultThreadTitle = "New Chat"

// Status values shared by projects and threads.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusDeleted  = "deleted"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message statuses.
const (
	MessagePending   = "pending"
	MessageCompleted = "completed"
	MessageError     = "error"
	MessageDeleted   = "deleted"
)

// Attachment kinds.
const (
	AttachmentImage = "image"
	AttachmentFile  = "file"
	AttachmentAudio = "audio"
	AttachmentVideo = "video"
)

// SearchToken reference kinds.
const (
	TokenMessage = "message"
	TokenThread  = "thread"
	TokenProject = "project"
)

// Project groups threads under shared context tags.
type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Context   []string  `json:"context"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Thread is one conversation. LastMessage* fields summarise the most recently
// added message so listings do not need to read messages.
type Thread struct {
	ID                 int64      `json:"id"`
	ProjectID          int64      `json:"projectId"`
	Title              string     `json:"title"`
	IsTitleUserEdited  bool       `json:"isTitleUserEdited"`
	Status             string     `json:"status"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	LastMessageAt      *time.Time `json:"lastMessageAt,omitempty"`
	LastMessageContent string     `json:"lastMessageContent,omitempty"`
	LastMessageID      int64      `json:"lastMessageId,omitempty"`
}

// ActivityAt is lastMessageAt, falling back to updatedAt.
func (t *Thread) ActivityAt() time.Time {
	if t.LastMessageAt != nil {
		return *t.LastMessageAt
	}
	return t.UpdatedAt
}

// Message is one turn in a thread. ProjectID duplicates the thread's project.
type Message struct {
	ID                int64                  `json:"id"`
	ThreadID          int64                  `json:"threadId"`
	ProjectID         int64                  `json:"projectId"`
	Content           string                 `json:"content"`
	Role              string                 `json:"role"`
	Status            string                 `json:"status"`
	Model             string                 `json:"model,omitempty"`
	ModelParams       map[string]interface{} `json:"modelParams,omitempty"`
	ModelProviderMeta map[string]interface{} `json:"modelProviderMeta,omitempty"`
	Attachments       []Attachment           `json:"attachments,omitempty"`
	TokensUsed        *int64                 `json:"tokensUsed,omitempty"`
	Cost              *float64               `json:"cost,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
}

// Attachment is embedded in a message.
type Attachment struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Name     string                 `json:"name"`
	Size     int64                  `json:"size"`
	MimeType string                 `json:"mimeType"`
	Data     []byte                 `json:"data,omitempty"`
	URL      string                 `json:"url,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SearchToken is one inverted-index row for a message, thread or project.
type SearchToken struct {
	ID          int64     `json:"id"`
	Tokens      []string  `json:"tokens"`
	Type        string    `json:"type"`
	ReferenceID int64     `json:"referenceId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SearchHistory is one remembered query.
type SearchHistory struct {
	ID          int64     `json:"id"`
	Query       string    `json:"query"`
	Timestamp   time.Time `json:"timestamp"`
	ThreadID    *int64    `json:"threadId,omitempty"`
	ProjectID   *int64    `json:"projectId,omitempty"`
	ResultCount *int      `json:"resultCount,omitempty"`
}

// ProjectStats summarises one project. Messages without usage data
// contribute zero to the totals.
type ProjectStats struct {
	ThreadCount  int        `json:"threadCount"`
	MessageCount int        `json:"messageCount"`
	TotalTokens  int64      `json:"totalTokens"`
	TotalCost    float64    `json:"totalCost"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
}
