// Package sync reconciles provider file listings into the metadata store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/vonshlovens/cloudsync-pg/internal/config"
	"github.com/vonshlovens/cloudsync-pg/internal/creds"
	"github.com/vonshlovens/cloudsync-pg/internal/db"
	"github.com/vonshlovens/cloudsync-pg/internal/policy"
	"github.com/vonshlovens/cloudsync-pg/internal/provider"
)

var (
	// ErrAccountNotFound means no account row exists for the id.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountInactive means the account was disconnected or disabled.
	ErrAccountInactive = errors.New("account inactive")

	// ErrSyncAlreadyRunning means another reconciliation holds the
	// per-account lock. Benign; the second trigger is a no-op.
	ErrSyncAlreadyRunning = errors.New("sync already running for account")
)

// runFailureRefresh is the error detail recorded when a token refresh fails.
const runFailureRefresh = "credential_refresh_failed"

// Store is the slice of the metadata store the engine depends on.
type Store interface {
	GetAccount(ctx context.Context, id int64) (*db.Account, error)
	ListAccountsByUser(ctx context.Context, userID int64) ([]*db.Account, error)
	UpdateAccountTokens(ctx context.Context, id int64, accessToken string, refreshToken *string, expiresAt *time.Time) error
	UpdateAccountQuota(ctx context.Context, id, used, limit int64) error
	UpdateAccountLastSync(ctx context.Context, id int64, t time.Time) error
	SumActiveFileSizes(ctx context.Context, accountID int64) (int64, error)
	UpsertFileRecord(ctx context.Context, rec *db.FileRecord) (db.UpsertResult, error)
	DeactivateMissing(ctx context.Context, accountID int64, observedIDs []string) (int, error)
	CreateRunLog(ctx context.Context, run *db.SyncRunLog) error
	FinalizeRunLog(ctx context.Context, run *db.SyncRunLog) error
	LatestRunLog(ctx context.Context, accountID int64) (*db.SyncRunLog, error)
	TryLockAccount(ctx context.Context, accountID int64) (release func(context.Context) error, ok bool, err error)
}

// Engine reconciles one account at a time. Safe for concurrent use across
// different accounts; per-account exclusion is the Runner's job.
type Engine struct {
	store          Store
	providers      *provider.Registry
	creds          *creds.Manager
	pageSize       int
	retryAttempts  uint64
	retryInitial   time.Duration
	ignorePatterns []string
}

// NewEngine creates a sync engine.
func NewEngine(store Store, providers *provider.Registry, credentials *creds.Manager, cfg *config.Config) *Engine {
	return &Engine{
		store:          store,
		providers:      providers,
		creds:          credentials,
		pageSize:       cfg.Sync.PageSize,
		retryAttempts:  uint64(cfg.Sync.RetryAttempts),
		retryInitial:   time.Duration(cfg.Sync.RetryInitialMs) * time.Millisecond,
		ignorePatterns: cfg.IgnorePatterns,
	}
}

// Reconcile brings the account's file records up to date with the provider's
// current listing. Partial progress stays committed on failure; re-running is
// idempotent because records are upserted by (account, native id).
func (e *Engine) Reconcile(ctx context.Context, accountID int64) error {
	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("loading account %d: %w", accountID, err)
	}
	if acct == nil {
		return fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	if !acct.IsActive {
		return fmt.Errorf("%w: %d", ErrAccountInactive, accountID)
	}

	// Always allowed today, but the gate exists so a future mode can
	// restrict sync without touching call sites.
	if err := policy.Check(acct.Mode, policy.OpSync); err != nil {
		return err
	}

	run := &db.SyncRunLog{
		ID:        uuid.New(),
		AccountID: acct.ID,
		UserID:    acct.UserID,
		StartedAt: time.Now(),
		Status:    db.RunRunning,
	}
	if err := e.store.CreateRunLog(ctx, run); err != nil {
		return err
	}

	slog.Info("reconciliation started",
		"account_id", acct.ID, "provider", acct.Provider, "mode", acct.Mode, "run_id", run.ID)

	if err := e.reconcile(ctx, acct, run); err != nil {
		e.failRun(ctx, run, err)
		return err
	}

	now := time.Now()
	run.CompletedAt = &now
	run.Status = db.RunCompleted
	if err := e.store.FinalizeRunLog(ctx, run); err != nil {
		return err
	}
	if err := e.store.UpdateAccountLastSync(ctx, acct.ID, now); err != nil {
		return err
	}

	slog.Info("reconciliation completed",
		"account_id", acct.ID,
		"processed", run.FilesProcessed,
		"added", run.FilesAdded,
		"updated", run.FilesUpdated,
		"deactivated", run.FilesDeactivated,
		"duration_s", now.Sub(run.StartedAt).Seconds())
	return nil
}

func (e *Engine) reconcile(ctx context.Context, acct *db.Account, run *db.SyncRunLog) error {
	prov, err := e.providers.Get(acct.Provider)
	if err != nil {
		return err
	}

	// Corrupt ciphertext or a failed refresh stops the run before any
	// listing call; both mean the user has to reconnect the account.
	token, err := e.creds.AccessToken(ctx, acct, prov)
	if err != nil {
		return err
	}

	observed := make(map[string]struct{})
	pageToken := ""
	for {
		// Cooperative cancellation point between page fetches.
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := e.fetchPage(ctx, prov, token, pageToken)
		if err != nil {
			return fmt.Errorf("listing files: %w", err)
		}

		for _, entry := range page.Entries {
			if e.ignored(entry) {
				continue
			}
			observed[entry.NativeID] = struct{}{}

			rec := RecordFromEntry(acct, entry)
			result, err := e.store.UpsertFileRecord(ctx, rec)
			if err != nil {
				return err
			}
			run.FilesProcessed++
			switch result {
			case db.UpsertInserted:
				run.FilesAdded++
			case db.UpsertUpdated:
				run.FilesUpdated++
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	observedIDs := make([]string, 0, len(observed))
	for id := range observed {
		observedIDs = append(observedIDs, id)
	}
	deactivated, err := e.store.DeactivateMissing(ctx, acct.ID, observedIDs)
	if err != nil {
		return err
	}
	run.FilesDeactivated = deactivated

	e.updateQuota(ctx, prov, token, acct)
	return nil
}

// fetchPage retrieves one listing page, retrying transient provider errors
// with exponential backoff. Permanent errors and exhausted retries fail the
// run; earlier pages stay committed.
func (e *Engine) fetchPage(ctx context.Context, prov provider.Provider, token, pageToken string) (*provider.Page, error) {
	var page *provider.Page

	backoff := retry.WithMaxRetries(e.retryAttempts, retry.NewExponential(e.retryInitial))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := prov.ListFiles(ctx, token, pageToken, e.pageSize)
		if err != nil {
			if provider.IsTransient(err) {
				slog.Debug("transient listing error, will retry", "page_token", pageToken, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// updateQuota stores the provider-reported usage, falling back to summing the
// catalog when the quota call fails. Best-effort; never fails the run.
func (e *Engine) updateQuota(ctx context.Context, prov provider.Provider, token string, acct *db.Account) {
	info, err := prov.AccountInfo(ctx, token)
	if err != nil {
		slog.Warn("could not fetch storage quota", "account_id", acct.ID, "error", err)
		used, sumErr := e.store.SumActiveFileSizes(ctx, acct.ID)
		if sumErr != nil {
			return
		}
		if err := e.store.UpdateAccountQuota(ctx, acct.ID, used, acct.StorageLimit); err != nil {
			slog.Warn("failed to update storage quota", "account_id", acct.ID, "error", err)
		}
		return
	}
	if err := e.store.UpdateAccountQuota(ctx, acct.ID, info.StorageUsed, info.StorageLimit); err != nil {
		slog.Warn("failed to update storage quota", "account_id", acct.ID, "error", err)
	}
}

// failRun finalizes the run log as failed. Uses a detached context so the
// terminal state is recorded even when the run was cancelled.
func (e *Engine) failRun(ctx context.Context, run *db.SyncRunLog, cause error) {
	now := time.Now()
	run.CompletedAt = &now
	run.Status = db.RunFailed

	detail := cause.Error()
	if errors.Is(cause, creds.ErrRefreshFailed) {
		detail = runFailureRefresh
	}
	run.ErrorDetail = &detail

	if err := e.store.FinalizeRunLog(context.WithoutCancel(ctx), run); err != nil {
		slog.Error("failed to finalize run log", "run_id", run.ID, "error", err)
	}

	slog.Error("reconciliation failed",
		"account_id", run.AccountID, "run_id", run.ID, "error", cause,
		"processed", run.FilesProcessed)
}

func (e *Engine) ignored(entry provider.FileEntry) bool {
	target := entry.Path
	if target == "" {
		target = entry.Name
	}
	target = strings.TrimPrefix(target, "/")

	for _, pattern := range e.ignorePatterns {
		matched, err := doublestar.Match(pattern, target)
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// RecordFromEntry maps a listing entry onto a file record for the account.
// The content hash is stored only when the provider reported one as ordinary
// metadata; nothing here ever fetches content to compute it, which is what
// keeps metadata-mode accounts honest.
func RecordFromEntry(acct *db.Account, entry provider.FileEntry) *db.FileRecord {
	rec := &db.FileRecord{
		AccountID:        acct.ID,
		UserID:           acct.UserID,
		ProviderFileID:   entry.NativeID,
		Name:             entry.Name,
		Path:             strPtr(entry.Path),
		MimeType:         strPtr(entry.MimeType),
		FileExtension:    FileExtension(entry.Name),
		IsFolder:         entry.IsFolder,
		CreatedAtSource:  entry.CreatedAt,
		ModifiedAtSource: entry.ModifiedAt,
		PreviewLink:      strPtr(entry.PreviewLink),
		DownloadLink:     strPtr(entry.DownloadLink),
		WebViewLink:      strPtr(entry.WebViewLink),
		ThumbnailLink:    strPtr(entry.ThumbnailLink),
		ContentHash:      strPtr(entry.ContentHash),
		IsActive:         true,
	}

	if !entry.IsFolder {
		size := entry.Size
		rec.Size = &size
		if h := SizeHash(entry.Name, entry.Size, entry.MimeType); h != "" {
			rec.SizeHash = &h
		}
	}

	rec.IsImage, rec.IsVideo, rec.IsDocument = classifyMime(entry.MimeType)
	return rec
}

// documentMimes are the MIME types flagged is_document.
var documentMimes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"text/plain": true,
	"text/csv":   true,
}

func classifyMime(mimeType string) (isImage, isVideo, isDocument bool) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		isImage = true
	case strings.HasPrefix(mimeType, "video/"):
		isVideo = true
	case documentMimes[mimeType]:
		isDocument = true
	}
	return
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
