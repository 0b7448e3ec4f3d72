package database

import (
	"time"

	"github.com/google/uuid"
)

// Validation states for a file record. Records start as pending and
// are flipped exactly once; only safe records are ever served.
const (
	StatePending   = "pending"
	StateSafe      = "safe"
	StateMalicious = "malicious"
	StateFailed    = "failed"
)

// Usage log outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// UploadToken grants permission to upload. The secret itself is never
// stored; TokenDigest holds its SHA-256 so a leaked database cannot
// mint usable tokens.
type UploadToken struct {
	ID          int64
	TokenDigest string
	Category    string // "*" admits any category
	MaxFileSize *int64 // nil means the category limit applies
	MaxUses     int
	UsedCount   int
	CreatedBy   *string
	Metadata    map[string]string
	IsActive    bool
	CreatedAt   time.Time
	ExpiresAt   *time.Time // nil never expires
	LastUsedAt  *time.Time
}

// Expired reports whether the token's expiry has passed at t.
func (tok *UploadToken) Expired(t time.Time) bool {
	return tok.ExpiresAt != nil && t.After(*tok.ExpiresAt)
}

// Exhausted reports whether the token has no uses left.
func (tok *UploadToken) Exhausted() bool {
	return tok.UsedCount >= tok.MaxUses
}

// UsageEntry is one audit record of a token being presented for upload.
type UsageEntry struct {
	ID        int64
	TokenID   *int64
	FileID    *uuid.UUID // set only on success
	Outcome   string
	Detail    *string // rejection or failure reason
	ClientIP  *string
	UserAgent *string
	CreatedAt time.Time
}

// FileRecord is the metadata row for one stored file.
type FileRecord struct {
	ID              uuid.UUID
	OriginalName    string
	StoredName      string
	Category        string
	MimeType        string
	SizeBytes       int64
	Extension       string
	StoragePath     string
	Optimizable     bool
	HashSHA256      string
	ValidationState string
	Validated       bool
	DownloadCount   int64
	TokenID         *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Servable reports whether the record may be handed out to clients.
func (f *FileRecord) Servable() bool {
	return f.Validated && f.ValidationState == StateSafe
}

// Stats holds aggregate server statistics.
type Stats struct {
	TotalFiles     int64
	TotalBytes     int64
	TotalDownloads int64
	ActiveTokens   int64
}
