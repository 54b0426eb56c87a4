package models

import (
	"time"

	"github.com/google/uuid"
)

// StoredFile is the metadata row for an uploaded object. The object
// itself lives under storage_path; metadata is authoritative even when
// the object is transiently absent.
type StoredFile struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	ProjectID   uuid.UUID `json:"project_id"`
	Filename    string    `json:"filename"`
	Mimetype    string    `json:"mimetype"`
	SizeBytes   int64     `json:"size_bytes"`
	StoragePath string    `json:"storage_path"`
	CreatedAt   time.Time `json:"created_at"`
}

// FileListResponse contains the files of one project
type FileListResponse struct {
	Files      []*StoredFile `json:"files"`
	TotalCount int           `json:"total_count"`
}

// File content kinds returned by GetFileContent.
const (
	FileContentText        = "text_content"
	FileContentImageURL    = "image_url"
	FileContentUnsupported = "unsupported"
)

// FileContentResponse is the RPC view of a file's materialized content:
// text files and PDFs come back as text, images as a URL, everything
// else as an unsupported marker.
type FileContentResponse struct {
	FileID  uuid.UUID `json:"file_id"`
	Type    string    `json:"type"`
	Content string    `json:"content,omitempty"`
	URL     string    `json:"url,omitempty"`
}
