package db

import (
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/cloudsync-pg/internal/policy"
)

// Account is one connected cloud storage identity. The same external account
// may be connected twice only under different modes; each connection is an
// independent row.
type Account struct {
	ID             int64       `db:"id"`
	UserID         int64       `db:"user_id"`
	Provider       string      `db:"provider"`
	AccountEmail   string      `db:"account_email"`
	Mode           policy.Mode `db:"mode"`
	AccessToken    string      `db:"access_token"`  // encrypted
	RefreshToken   *string     `db:"refresh_token"` // encrypted, nil when provider issues none
	TokenExpiresAt *time.Time  `db:"token_expires_at"`
	IsActive       bool        `db:"is_active"`
	LastSync       *time.Time  `db:"last_sync"`
	StorageUsed    int64       `db:"storage_used"`
	StorageLimit   int64       `db:"storage_limit"`
	CreatedAt      time.Time   `db:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at"`
}

// FileRecord is one file or folder as last observed from a provider, keyed by
// (AccountID, ProviderFileID). Sync never hard-deletes records; it flips
// IsActive so duplicate history survives a vanished file.
type FileRecord struct {
	ID               int64      `db:"id"`
	AccountID        int64      `db:"account_id"`
	UserID           int64      `db:"user_id"`
	ProviderFileID   string     `db:"provider_file_id"`
	Name             string     `db:"name"`
	Path             *string    `db:"path"`
	Size             *int64     `db:"size"`
	MimeType         *string    `db:"mime_type"`
	FileExtension    string     `db:"file_extension"`
	IsFolder         bool       `db:"is_folder"`
	CreatedAtSource  *time.Time `db:"created_at_source"`
	ModifiedAtSource *time.Time `db:"modified_at_source"`
	PreviewLink      *string    `db:"preview_link"`
	DownloadLink     *string    `db:"download_link"`
	WebViewLink      *string    `db:"web_view_link"`
	ThumbnailLink    *string    `db:"thumbnail_link"`
	ContentHash      *string    `db:"content_hash"` // provider-reported only
	SizeHash         *string    `db:"size_hash"`    // name+size+mime composite
	IsImage          bool       `db:"is_image"`
	IsVideo          bool       `db:"is_video"`
	IsDocument       bool       `db:"is_document"`
	IsActive         bool       `db:"is_active"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// RunStatus is the lifecycle state of one reconciliation attempt.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// SyncRunLog records one reconciliation attempt. Rows are never mutated after
// reaching a terminal status.
type SyncRunLog struct {
	ID               uuid.UUID  `db:"id"`
	AccountID        int64      `db:"account_id"`
	UserID           int64      `db:"user_id"`
	StartedAt        time.Time  `db:"started_at"`
	CompletedAt      *time.Time `db:"completed_at"`
	FilesProcessed   int        `db:"files_processed"`
	FilesAdded       int        `db:"files_added"`
	FilesUpdated     int        `db:"files_updated"`
	FilesDeactivated int        `db:"files_deactivated"`
	Status           RunStatus  `db:"status"`
	ErrorDetail      *string    `db:"error_detail"`
}

// UpsertResult describes what an upsert by (account, native id) did.
type UpsertResult int

const (
	UpsertUnchanged UpsertResult = iota
	UpsertInserted
	UpsertUpdated
)

// UserStats summarizes a user's catalog for the status command.
type UserStats struct {
	Accounts    int
	ActiveFiles int
	TotalBytes  int64
}
