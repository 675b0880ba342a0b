// Package provider defines the capability interface one cloud storage
// integration must implement. The sync engine and mutation gateway depend
// only on this interface and never on a provider's wire format.
package provider

import (
	"context"
	"errors"
	"io"
	"time"
)

// TokenPair is the result of a code exchange or token refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string // empty when the provider does not rotate it
	ExpiresAt    time.Time
}

// AccountInfo is the provider-reported identity and quota for an account.
type AccountInfo struct {
	Email        string
	StorageUsed  int64
	StorageLimit int64
}

// FileEntry is one file or folder as reported by a provider listing.
type FileEntry struct {
	NativeID      string
	Name          string
	Path          string
	Size          int64
	MimeType      string
	IsFolder      bool
	CreatedAt     *time.Time
	ModifiedAt    *time.Time
	ContentHash   string // only when the provider reports one as plain metadata
	PreviewLink   string
	DownloadLink  string
	WebViewLink   string
	ThumbnailLink string
}

// Page is one page of a file listing. An empty NextPageToken ends the walk.
type Page struct {
	Entries       []FileEntry
	NextPageToken string
}

// Provider is the capability set exposed by one cloud storage integration.
type Provider interface {
	// Kind returns the provider identifier, e.g. "drive" or "dropbox".
	Kind() string

	// AuthorizationURL builds the consent URL for the external OAuth flow.
	AuthorizationURL(state string, scopes []string) string

	// ExchangeCode trades an authorization code for tokens.
	ExchangeCode(ctx context.Context, code string) (*TokenPair, error)

	// RefreshAccessToken obtains a fresh access token.
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenPair, error)

	// AccountInfo returns the account email and storage quota.
	AccountInfo(ctx context.Context, accessToken string) (*AccountInfo, error)

	// ListFiles returns one page of the account's files. An empty pageToken
	// requests the first page.
	ListFiles(ctx context.Context, accessToken, pageToken string, pageSize int) (*Page, error)

	// DeleteFile removes a file by its provider-native id.
	DeleteFile(ctx context.Context, accessToken, nativeID string) error

	// UploadFile stores content at path and returns the created entry.
	UploadFile(ctx context.Context, accessToken string, content io.Reader, path string) (*FileEntry, error)

	// PreviewLink returns a browsable link for a file.
	PreviewLink(ctx context.Context, accessToken, nativeID string) (string, error)
}

var (
	// ErrTransient marks provider failures worth retrying (timeouts, rate
	// limits, 5xx).
	ErrTransient = errors.New("transient provider error")

	// ErrPermanent marks failures that retrying cannot fix (404, revoked
	// permission). A reconcile run fails immediately on these.
	ErrPermanent = errors.New("permanent provider error")
)

type classifiedError struct {
	class error
	err   error
}

func (e *classifiedError) Error() string { return e.class.Error() + ": " + e.err.Error() }

func (e *classifiedError) Unwrap() []error { return []error{e.class, e.err} }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ErrTransient, err: err}
}

// Permanent wraps err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ErrPermanent, err: err}
}

// IsTransient reports whether err was classified transient.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsPermanent reports whether err was classified permanent.
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }
