package models

import "time"

// FileSource identifies how a session's files entered the system.
type FileSource string

const (
	SourceUpload FileSource = "upload"
	SourceURL    FileSource = "url"
	SourceDisk   FileSource = "disk"
	SourceEmail  FileSource = "email"
)

// File represents one scannable artifact. Files extracted from an archive
// reference their container through ParentID; deleting the parent cascades.
type File struct {
	ID        string    `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"sessionId"`
	ParentID  *string   `db:"parent_id" json:"parentId,omitempty"`
	OwnerID   *string   `db:"owner_id" json:"ownerId,omitempty"`
	Name      string    `db:"name" json:"name"`
	Path      string    `db:"path" json:"-"`
	MimeType  string    `db:"mime_type" json:"mimeType"`
	SizeBytes int64     `db:"size_bytes" json:"sizeBytes"`
	Valid     bool      `db:"valid" json:"valid"`
	Deleted   bool      `db:"deleted" json:"deleted"`
	Progress  *float64  `db:"progress" json:"progress,omitempty"`
	Infected  *bool     `db:"infected" json:"infected,omitempty"`
	Note      *string   `db:"note" json:"note,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Resolved reports whether scanning finished for this file.
func (f *File) Resolved() bool {
	return f.Progress != nil && *f.Progress >= 100
}
