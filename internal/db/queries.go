package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vonshlovens/cloudsync-pg/internal/policy"
)

// lockNamespace scopes sync advisory locks away from other users of the
// two-argument pg advisory lock space.
const lockNamespace = 0x636c73

// CreateAccount inserts a new connected account. The unique index on
// (user_id, provider, account_email, mode) rejects a duplicate connection of
// the same external account under the same mode.
func (db *DB) CreateAccount(ctx context.Context, acct *Account) error {
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO accounts (
			user_id, provider, account_email, mode, access_token,
			refresh_token, token_expires_at, storage_used, storage_limit
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, is_active, created_at, updated_at
	`,
		acct.UserID, acct.Provider, acct.AccountEmail, acct.Mode,
		acct.AccessToken, acct.RefreshToken, acct.TokenExpiresAt,
		acct.StorageUsed, acct.StorageLimit,
	).Scan(&acct.ID, &acct.IsActive, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

const accountColumns = `id, user_id, provider, account_email, mode, access_token,
	refresh_token, token_expires_at, is_active, last_sync, storage_used,
	storage_limit, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	acct := &Account{}
	err := row.Scan(
		&acct.ID, &acct.UserID, &acct.Provider, &acct.AccountEmail, &acct.Mode,
		&acct.AccessToken, &acct.RefreshToken, &acct.TokenExpiresAt,
		&acct.IsActive, &acct.LastSync, &acct.StorageUsed, &acct.StorageLimit,
		&acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// GetAccount retrieves an account by id, or nil when it does not exist.
func (db *DB) GetAccount(ctx context.Context, id int64) (*Account, error) {
	acct, err := scanAccount(db.Pool.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return acct, err
}

// ListAccountsByUser returns all of a user's connected accounts.
func (db *DB) ListAccountsByUser(ctx context.Context, userID int64) ([]*Account, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE user_id = $1 ORDER BY id", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// ListActiveAccounts returns every active account, for the daemon poll loop.
func (db *DB) ListActiveAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE is_active ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// UpdateAccountTokens persists freshly encrypted tokens and their expiry.
func (db *DB) UpdateAccountTokens(ctx context.Context, id int64, accessToken string, refreshToken *string, expiresAt *time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE accounts
		SET access_token = $2, refresh_token = COALESCE($3, refresh_token),
			token_expires_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, accessToken, refreshToken, expiresAt)
	return err
}

// UpdateAccountQuota stores the provider-reported storage usage.
func (db *DB) UpdateAccountQuota(ctx context.Context, id, used, limit int64) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE accounts SET storage_used = $2, storage_limit = $3, updated_at = NOW()
		WHERE id = $1
	`, id, used, limit)
	return err
}

// UpdateAccountLastSync stamps a successful reconciliation.
func (db *DB) UpdateAccountLastSync(ctx context.Context, id int64, t time.Time) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE accounts SET last_sync = $2, updated_at = NOW() WHERE id = $1", id, t)
	return err
}

// DeleteAccount disconnects an account. File records and run logs cascade.
func (db *DB) DeleteAccount(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, "DELETE FROM accounts WHERE id = $1", id)
	return err
}

const fileColumns = `id, account_id, user_id, provider_file_id, name, path, size,
	mime_type, file_extension, is_folder, created_at_source, modified_at_source,
	preview_link, download_link, web_view_link, thumbnail_link, content_hash,
	size_hash, is_image, is_video, is_document, is_active, created_at, updated_at`

func scanFileRecord(row pgx.Row) (*FileRecord, error) {
	rec := &FileRecord{}
	err := row.Scan(
		&rec.ID, &rec.AccountID, &rec.UserID, &rec.ProviderFileID, &rec.Name,
		&rec.Path, &rec.Size, &rec.MimeType, &rec.FileExtension, &rec.IsFolder,
		&rec.CreatedAtSource, &rec.ModifiedAtSource, &rec.PreviewLink,
		&rec.DownloadLink, &rec.WebViewLink, &rec.ThumbnailLink,
		&rec.ContentHash, &rec.SizeHash, &rec.IsImage, &rec.IsVideo,
		&rec.IsDocument, &rec.IsActive, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpsertFileRecord inserts or updates a record keyed by
// (account_id, provider_file_id). The DO UPDATE clause is guarded by IS
// DISTINCT FROM so an unchanged listing entry touches nothing, which is what
// makes a repeat reconcile report zero added/updated.
func (db *DB) UpsertFileRecord(ctx context.Context, rec *FileRecord) (UpsertResult, error) {
	var inserted bool
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO file_records (
			account_id, user_id, provider_file_id, name, path, size, mime_type,
			file_extension, is_folder, created_at_source, modified_at_source,
			preview_link, download_link, web_view_link, thumbnail_link,
			content_hash, size_hash, is_image, is_video, is_document, is_active
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, TRUE
		)
		ON CONFLICT (account_id, provider_file_id) DO UPDATE SET
			name = EXCLUDED.name,
			path = EXCLUDED.path,
			size = EXCLUDED.size,
			mime_type = EXCLUDED.mime_type,
			file_extension = EXCLUDED.file_extension,
			is_folder = EXCLUDED.is_folder,
			created_at_source = EXCLUDED.created_at_source,
			modified_at_source = EXCLUDED.modified_at_source,
			preview_link = EXCLUDED.preview_link,
			download_link = EXCLUDED.download_link,
			web_view_link = EXCLUDED.web_view_link,
			thumbnail_link = EXCLUDED.thumbnail_link,
			content_hash = EXCLUDED.content_hash,
			size_hash = EXCLUDED.size_hash,
			is_image = EXCLUDED.is_image,
			is_video = EXCLUDED.is_video,
			is_document = EXCLUDED.is_document,
			is_active = TRUE,
			updated_at = NOW()
		WHERE (
			file_records.name, file_records.path, file_records.size,
			file_records.mime_type, file_records.modified_at_source,
			file_records.preview_link, file_records.download_link,
			file_records.web_view_link, file_records.thumbnail_link,
			file_records.content_hash, file_records.size_hash,
			file_records.is_folder, file_records.is_active
		) IS DISTINCT FROM (
			EXCLUDED.name, EXCLUDED.path, EXCLUDED.size,
			EXCLUDED.mime_type, EXCLUDED.modified_at_source,
			EXCLUDED.preview_link, EXCLUDED.download_link,
			EXCLUDED.web_view_link, EXCLUDED.thumbnail_link,
			EXCLUDED.content_hash, EXCLUDED.size_hash,
			EXCLUDED.is_folder, TRUE
		)
		RETURNING (xmax = 0)
	`,
		rec.AccountID, rec.UserID, rec.ProviderFileID, rec.Name, rec.Path,
		rec.Size, rec.MimeType, rec.FileExtension, rec.IsFolder,
		rec.CreatedAtSource, rec.ModifiedAtSource, rec.PreviewLink,
		rec.DownloadLink, rec.WebViewLink, rec.ThumbnailLink,
		rec.ContentHash, rec.SizeHash, rec.IsImage, rec.IsVideo, rec.IsDocument,
	).Scan(&inserted)

	if errors.Is(err, pgx.ErrNoRows) {
		return UpsertUnchanged, nil
	}
	if err != nil {
		return UpsertUnchanged, fmt.Errorf("failed to upsert file record: %w", err)
	}
	if inserted {
		return UpsertInserted, nil
	}
	return UpsertUpdated, nil
}

// DeactivateMissing soft-deletes every active record of the account whose
// native id was not observed in the just-finished listing. Rows are kept so
// duplicate history survives; a later sync that sees the id again reactivates
// the same row through the upsert.
func (db *DB) DeactivateMissing(ctx context.Context, accountID int64, observedIDs []string) (int, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE file_records
		SET is_active = FALSE, updated_at = NOW()
		WHERE account_id = $1 AND is_active AND NOT (provider_file_id = ANY($2))
	`, accountID, observedIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate missing files: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SumActiveFileSizes totals the active non-folder bytes of one account. Used
// as the quota fallback when the provider's quota call fails.
func (db *DB) SumActiveFileSizes(ctx context.Context, accountID int64) (int64, error) {
	var total int64
	err := db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(size), 0) FROM file_records
		WHERE account_id = $1 AND is_active AND NOT is_folder
	`, accountID).Scan(&total)
	return total, err
}

// GetFileRecord retrieves a file record by id, or nil when it does not exist.
func (db *DB) GetFileRecord(ctx context.Context, id int64) (*FileRecord, error) {
	rec, err := scanFileRecord(db.Pool.QueryRow(ctx,
		"SELECT "+fileColumns+" FROM file_records WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// GetFileRecords retrieves several file records by id. Missing ids are
// silently absent from the result.
func (db *DB) GetFileRecords(ctx context.Context, ids []int64) ([]*FileRecord, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+fileColumns+" FROM file_records WHERE id = ANY($1) ORDER BY id", ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteFileRecord hard-deletes one record. Only the mutation gateway calls
// this, after a confirmed provider-side delete.
func (db *DB) DeleteFileRecord(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, "DELETE FROM file_records WHERE id = $1", id)
	return err
}

// UpdateFilePreviewLink caches a freshly minted preview link on the record.
func (db *DB) UpdateFilePreviewLink(ctx context.Context, id int64, link string) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE file_records SET preview_link = $2, updated_at = NOW() WHERE id = $1", id, link)
	return err
}

// ListActiveFilesByUser returns all active file records across the user's
// accounts, optionally restricted to accounts of one mode.
func (db *DB) ListActiveFilesByUser(ctx context.Context, userID int64, modeFilter *policy.Mode) ([]*FileRecord, error) {
	query := `
		SELECT ` + qualifiedFileColumns + `
		FROM file_records f
		JOIN accounts a ON a.id = f.account_id
		WHERE f.user_id = $1 AND f.is_active`
	args := []any{userID}
	if modeFilter != nil {
		query += " AND a.mode = $2"
		args = append(args, *modeFilter)
	}
	query += " ORDER BY f.id"

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

const qualifiedFileColumns = `f.id, f.account_id, f.user_id, f.provider_file_id,
	f.name, f.path, f.size, f.mime_type, f.file_extension, f.is_folder,
	f.created_at_source, f.modified_at_source, f.preview_link, f.download_link,
	f.web_view_link, f.thumbnail_link, f.content_hash, f.size_hash, f.is_image,
	f.is_video, f.is_document, f.is_active, f.created_at, f.updated_at`

// CreateRunLog inserts a run log row in running state.
func (db *DB) CreateRunLog(ctx context.Context, run *SyncRunLog) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO sync_run_logs (id, account_id, user_id, started_at, status)
		VALUES ($1, $2, $3, $4, $5)
	`, run.ID, run.AccountID, run.UserID, run.StartedAt, run.Status)
	if err != nil {
		return fmt.Errorf("failed to create run log: %w", err)
	}
	return nil
}

// FinalizeRunLog transitions a running row to its terminal state. The status
// guard keeps terminal rows immutable.
func (db *DB) FinalizeRunLog(ctx context.Context, run *SyncRunLog) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE sync_run_logs
		SET completed_at = $2, files_processed = $3, files_added = $4,
			files_updated = $5, files_deactivated = $6, status = $7,
			error_detail = $8
		WHERE id = $1 AND status = 'running'
	`, run.ID, run.CompletedAt, run.FilesProcessed, run.FilesAdded,
		run.FilesUpdated, run.FilesDeactivated, run.Status, run.ErrorDetail)
	if err != nil {
		return fmt.Errorf("failed to finalize run log: %w", err)
	}
	return nil
}

// LatestRunLog returns the most recent run for an account, or nil when the
// account has never synced.
func (db *DB) LatestRunLog(ctx context.Context, accountID int64) (*SyncRunLog, error) {
	run := &SyncRunLog{}
	err := db.Pool.QueryRow(ctx, `
		SELECT id, account_id, user_id, started_at, completed_at,
			files_processed, files_added, files_updated, files_deactivated,
			status, error_detail
		FROM sync_run_logs
		WHERE account_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, accountID).Scan(
		&run.ID, &run.AccountID, &run.UserID, &run.StartedAt, &run.CompletedAt,
		&run.FilesProcessed, &run.FilesAdded, &run.FilesUpdated,
		&run.FilesDeactivated, &run.Status, &run.ErrorDetail,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// TryLockAccount takes the cross-process advisory lock that enforces at most
// one concurrent reconciliation per account. On success it returns a release
// function; ok is false when another worker holds the lock. The lock lives on
// a dedicated pooled connection because pg advisory locks are session-scoped.
func (db *DB) TryLockAccount(ctx context.Context, accountID int64) (release func(context.Context) error, ok bool, err error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection for sync lock: %w", err)
	}

	var locked bool
	err = conn.QueryRow(ctx,
		"SELECT pg_try_advisory_lock($1, $2)", lockNamespace, int32(accountID)).Scan(&locked)
	if err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to take sync lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	release = func(ctx context.Context) error {
		defer conn.Release()
		_, err := conn.Exec(ctx,
			"SELECT pg_advisory_unlock($1, $2)", lockNamespace, int32(accountID))
		return err
	}
	return release, true, nil
}
