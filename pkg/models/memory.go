package models

import (
	"time"

	"github.com/google/uuid"
)

// MemoryType selects the recall strategy for a bucket
type MemoryType string

const (
	MemoryTypeBufferWindow MemoryType = "conversation_buffer_window"
	MemoryTypeSummary      MemoryType = "conversation_summary"
)

// Message roles stored in memory buckets. system is never stored; it
// carries running summaries and prompt scaffolding.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Content part types inside a stored message.
const (
	ContentTypeText     = "text"
	ContentTypeFileRef  = "file_ref"
	ContentTypeImageRef = "image_ref"
)

// ContentPart is one element of a rich message body
type ContentPart struct {
	Type   string    `json:"type"`
	Text   string    `json:"text,omitempty"`
	FileID uuid.UUID `json:"file_id,omitempty"`
	URL    string    `json:"url,omitempty"`
}

// MemoryBucket holds conversation history for a project.
type MemoryBucket struct {
	ID           uuid.UUID      `json:"id"`
	OwnerID      uuid.UUID      `json:"owner_id"`
	ProjectID    uuid.UUID      `json:"project_id"`
	Name         string         `json:"name"`
	MemoryType   MemoryType     `json:"memory_type"`
	Config       map[string]any `json:"config,omitempty"`
	MessageCount int            `json:"message_count"`
	TokenCount   int            `json:"token_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// WindowSize returns the buffer-window k from config, defaulting to 10.
func (b *MemoryBucket) WindowSize() int {
	if b.Config != nil {
		if k, ok := b.Config["k"].(float64); ok && k > 0 {
			return int(k)
		}
	}
	return 10
}

// MemoryMessage is one stored conversation entry. Within a batch-add
// for one job only the first message carries the idempotency key.
type MemoryMessage struct {
	ID             uuid.UUID     `json:"id"`
	BucketID       uuid.UUID     `json:"bucket_id"`
	Role           string        `json:"role"`
	Content        []ContentPart `json:"content"`
	IdempotencyKey *string       `json:"idempotency_key,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// FirstText returns the first text part of the message body, or "".
func (m *MemoryMessage) FirstText() string {
	for _, p := range m.Content {
		if p.Type == ContentTypeText {
			return p.Text
		}
	}
	return ""
}

// CreateBucketRequest contains fields for creating a memory bucket
type CreateBucketRequest struct {
	ProjectID  uuid.UUID      `json:"project_id" validate:"required"`
	Name       string         `json:"name" validate:"required,min=1,max=255"`
	MemoryType MemoryType     `json:"memory_type" validate:"required,oneof=conversation_buffer_window conversation_summary"`
	Config     map[string]any `json:"config,omitempty"`
}

// BucketListResponse contains the buckets of one project
type BucketListResponse struct {
	Buckets    []*MemoryBucket `json:"buckets"`
	TotalCount int             `json:"total_count"`
}

// HistoryEntry is one role-tagged message as returned by GetHistory
type HistoryEntry struct {
	Role      string        `json:"role"`
	Content   []ContentPart `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
}

// HistoryResponse is the RPC view of a bucket's recent history
type HistoryResponse struct {
	BucketID   uuid.UUID      `json:"bucket_id"`
	MemoryType MemoryType     `json:"memory_type"`
	History    []HistoryEntry `json:"history"`
}

// MessageToAdd is one entry of a memory context update batch
type MessageToAdd struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}
