// Package gateway is the single path for mutating operations against
// provider accounts. Every call runs the account's mode through the
// capability table before any provider traffic happens.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/vonshlovens/cloudsync-pg/internal/creds"
	"github.com/vonshlovens/cloudsync-pg/internal/db"
	"github.com/vonshlovens/cloudsync-pg/internal/policy"
	"github.com/vonshlovens/cloudsync-pg/internal/provider"
	syncpkg "github.com/vonshlovens/cloudsync-pg/internal/sync"
)

// ErrFileNotFound means no file record exists for the id.
var ErrFileNotFound = errors.New("file not found")

// Store is the slice of the metadata store the gateway depends on.
type Store interface {
	GetAccount(ctx context.Context, id int64) (*db.Account, error)
	GetFileRecord(ctx context.Context, id int64) (*db.FileRecord, error)
	GetFileRecords(ctx context.Context, ids []int64) ([]*db.FileRecord, error)
	DeleteFileRecord(ctx context.Context, id int64) error
	UpsertFileRecord(ctx context.Context, rec *db.FileRecord) (db.UpsertResult, error)
	UpdateFilePreviewLink(ctx context.Context, id int64, link string) error
	UpdateAccountTokens(ctx context.Context, id int64, accessToken string, refreshToken *string, expiresAt *time.Time) error
}

// BulkDeleteResult reports per-file outcomes of a bulk delete.
type BulkDeleteResult struct {
	Succeeded []int64
	Failed    []int64
	Errors    map[int64]error
}

// Gateway performs provider-side mutations and keeps the local catalog in
// step with them.
type Gateway struct {
	store     Store
	providers *provider.Registry
	creds     *creds.Manager
}

// New creates a mutation gateway.
func New(store Store, providers *provider.Registry, credentials *creds.Manager) *Gateway {
	return &Gateway{store: store, providers: providers, creds: credentials}
}

// DeleteFile deletes the file at the provider and then removes the local
// record. The record survives when the provider call fails, so the catalog
// never claims a file is gone while it still exists remotely.
func (g *Gateway) DeleteFile(ctx context.Context, fileID int64) error {
	rec, acct, prov, err := g.resolve(ctx, fileID, policy.OpDelete)
	if err != nil {
		return err
	}

	token, err := g.creds.AccessToken(ctx, acct, prov)
	if err != nil {
		return err
	}

	if err := prov.DeleteFile(ctx, token, rec.ProviderFileID); err != nil {
		return fmt.Errorf("deleting file %d at provider: %w", fileID, err)
	}

	if err := g.store.DeleteFileRecord(ctx, fileID); err != nil {
		return err
	}

	slog.Info("file deleted", "file_id", fileID, "account_id", acct.ID, "provider", acct.Provider)
	return nil
}

// BulkDeleteFiles deletes several files. The batch fails closed: if any
// member belongs to an account whose mode denies deletion, nothing is sent
// to any provider and the capability error is returned for the whole batch.
func (g *Gateway) BulkDeleteFiles(ctx context.Context, fileIDs []int64) (*BulkDeleteResult, error) {
	recs, err := g.store.GetFileRecords(ctx, fileIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*db.FileRecord, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
	}

	accounts := make(map[int64]*db.Account)
	for _, rec := range recs {
		acct, ok := accounts[rec.AccountID]
		if !ok {
			acct, err = g.store.GetAccount(ctx, rec.AccountID)
			if err != nil {
				return nil, err
			}
			if acct == nil {
				return nil, fmt.Errorf("account %d for file %d not found", rec.AccountID, rec.ID)
			}
			accounts[rec.AccountID] = acct
		}
		if err := policy.Check(acct.Mode, policy.OpDelete); err != nil {
			return nil, fmt.Errorf("file %d: %w", rec.ID, err)
		}
	}

	result := &BulkDeleteResult{Errors: make(map[int64]error)}
	for _, id := range fileIDs {
		if _, ok := byID[id]; !ok {
			result.Failed = append(result.Failed, id)
			result.Errors[id] = fmt.Errorf("%w: %d", ErrFileNotFound, id)
			continue
		}
		if err := g.DeleteFile(ctx, id); err != nil {
			result.Failed = append(result.Failed, id)
			result.Errors[id] = err
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	return result, nil
}

// UploadFile sends content to the provider and records the resulting entry
// in the catalog.
func (g *Gateway) UploadFile(ctx context.Context, accountID int64, content io.Reader, path string) (*db.FileRecord, error) {
	acct, err := g.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: %d", syncpkg.ErrAccountNotFound, accountID)
	}
	if err := policy.Check(acct.Mode, policy.OpUpload); err != nil {
		return nil, err
	}

	prov, err := g.providers.Get(acct.Provider)
	if err != nil {
		return nil, err
	}
	token, err := g.creds.AccessToken(ctx, acct, prov)
	if err != nil {
		return nil, err
	}

	entry, err := prov.UploadFile(ctx, token, content, path)
	if err != nil {
		return nil, fmt.Errorf("uploading %q: %w", path, err)
	}

	rec := syncpkg.RecordFromEntry(acct, *entry)
	if _, err := g.store.UpsertFileRecord(ctx, rec); err != nil {
		return nil, err
	}

	slog.Info("file uploaded", "account_id", acct.ID, "path", path, "provider_file_id", entry.NativeID)
	return rec, nil
}

// PreviewLink returns a preview URL for the file, from the catalog when one
// is cached and from the provider otherwise. Metadata-mode accounts are
// denied; a stored link is still a window into content.
func (g *Gateway) PreviewLink(ctx context.Context, fileID int64) (string, error) {
	rec, acct, prov, err := g.resolve(ctx, fileID, policy.OpPreview)
	if err != nil {
		return "", err
	}

	if rec.PreviewLink != nil && *rec.PreviewLink != "" {
		return *rec.PreviewLink, nil
	}

	token, err := g.creds.AccessToken(ctx, acct, prov)
	if err != nil {
		return "", err
	}

	link, err := prov.PreviewLink(ctx, token, rec.ProviderFileID)
	if err != nil {
		return "", fmt.Errorf("fetching preview link for file %d: %w", fileID, err)
	}

	if err := g.store.UpdateFilePreviewLink(ctx, fileID, link); err != nil {
		slog.Warn("failed to cache preview link", "file_id", fileID, "error", err)
	}
	return link, nil
}

// resolve loads the record and its account, checks the capability, and
// returns the provider. The policy check comes before any credential work.
func (g *Gateway) resolve(ctx context.Context, fileID int64, op policy.Operation) (*db.FileRecord, *db.Account, provider.Provider, error) {
	rec, err := g.store.GetFileRecord(ctx, fileID)
	if err != nil {
		return nil, nil, nil, err
	}
	if rec == nil {
		return nil, nil, nil, fmt.Errorf("%w: %d", ErrFileNotFound, fileID)
	}

	acct, err := g.store.GetAccount(ctx, rec.AccountID)
	if err != nil {
		return nil, nil, nil, err
	}
	if acct == nil {
		return nil, nil, nil, fmt.Errorf("account %d for file %d not found", rec.AccountID, fileID)
	}

	if err := policy.Check(acct.Mode, op); err != nil {
		return nil, nil, nil, err
	}

	prov, err := g.providers.Get(acct.Provider)
	if err != nil {
		return nil, nil, nil, err
	}
	return rec, acct, prov, nil
}
