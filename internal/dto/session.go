package dto

import "github.com/hexvault/multiscan-api/internal/models"

// CreateSessionRequest captures POST /sessions payload.
type CreateSessionRequest struct {
	Source models.FileSource `json:"source" binding:"required,oneof=upload url disk email"`
}

// AdmitURLRequest captures POST /sessions/{id}/files/url payload.
type AdmitURLRequest struct {
	URL string `json:"url" binding:"required,url"`
}

// AdmitDiskRequest captures POST /sessions/{id}/files/disk payload. The
// directory is resolved on the server's shared mount.
type AdmitDiskRequest struct {
	Directory string `json:"directory" binding:"required"`
}

// SessionResponse is returned after creating a session.
type SessionResponse struct {
	ID     string            `json:"id"`
	Source models.FileSource `json:"source"`
	State  string            `json:"state"`
}
