// Package testutil provides an in-memory Store used across package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vonshlovens/cloudsync-pg/internal/db"
	"github.com/vonshlovens/cloudsync-pg/internal/policy"
)

// Store is an in-memory stand-in for the Postgres layer. It mirrors the
// upsert change-detection and soft-delete semantics of the real queries so
// engine and gateway tests exercise the same state transitions.
type Store struct {
	mu sync.Mutex

	accounts map[int64]*db.Account
	files    map[int64]*db.FileRecord
	runs     []*db.SyncRunLog
	locks    map[int64]bool

	nextFileID int64

	// Error hooks for failure-path tests.
	UpsertErr   error
	FinalizeErr error
}

// NewStore creates an empty fake store.
func NewStore() *Store {
	return &Store{
		accounts:   make(map[int64]*db.Account),
		files:      make(map[int64]*db.FileRecord),
		locks:      make(map[int64]bool),
		nextFileID: 1,
	}
}

// AddAccount seeds an account row.
func (s *Store) AddAccount(acct *db.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *acct
	s.accounts[acct.ID] = &cp
}

// AddFile seeds a file record, assigning an id when unset.
func (s *Store) AddFile(rec *db.FileRecord) *db.FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.ID == 0 {
		cp.ID = s.nextFileID
		s.nextFileID++
	} else if cp.ID >= s.nextFileID {
		s.nextFileID = cp.ID + 1
	}
	s.files[cp.ID] = &cp
	return &cp
}

// File returns a copy of the stored record, or nil.
func (s *Store) File(id int64) *db.FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.files[id]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// FileByNativeID returns a copy of the record with the provider id, or nil.
func (s *Store) FileByNativeID(accountID int64, nativeID string) *db.FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.files {
		if rec.AccountID == accountID && rec.ProviderFileID == nativeID {
			cp := *rec
			return &cp
		}
	}
	return nil
}

// Account returns a copy of the stored account, or nil.
func (s *Store) Account(id int64) *db.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil
	}
	cp := *acct
	return &cp
}

// Runs returns copies of all recorded run logs in creation order.
func (s *Store) Runs() []*db.SyncRunLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.SyncRunLog, len(s.runs))
	for i, run := range s.runs {
		cp := *run
		out[i] = &cp
	}
	return out
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*db.Account, error) {
	return s.Account(id), nil
}

func (s *Store) ListAccountsByUser(ctx context.Context, userID int64) ([]*db.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Account
	for _, acct := range s.accounts {
		if acct.UserID == userID {
			cp := *acct
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateAccountTokens(ctx context.Context, id int64, accessToken string, refreshToken *string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %d not found", id)
	}
	acct.AccessToken = accessToken
	if refreshToken != nil {
		acct.RefreshToken = refreshToken
	}
	acct.TokenExpiresAt = expiresAt
	return nil
}

func (s *Store) UpdateAccountQuota(ctx context.Context, id, used, limit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[id]; ok {
		acct.StorageUsed = used
		acct.StorageLimit = limit
	}
	return nil
}

func (s *Store) UpdateAccountLastSync(ctx context.Context, id int64, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[id]; ok {
		acct.LastSync = &t
	}
	return nil
}

func (s *Store) SumActiveFileSizes(ctx context.Context, accountID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, rec := range s.files {
		if rec.AccountID == accountID && rec.IsActive && !rec.IsFolder && rec.Size != nil {
			total += *rec.Size
		}
	}
	return total, nil
}

func (s *Store) UpsertFileRecord(ctx context.Context, rec *db.FileRecord) (db.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpsertErr != nil {
		return db.UpsertUnchanged, s.UpsertErr
	}

	for _, existing := range s.files {
		if existing.AccountID == rec.AccountID && existing.ProviderFileID == rec.ProviderFileID {
			if sameRecord(existing, rec) {
				rec.ID = existing.ID
				return db.UpsertUnchanged, nil
			}
			id := existing.ID
			cp := *rec
			cp.ID = id
			s.files[id] = &cp
			rec.ID = id
			return db.UpsertUpdated, nil
		}
	}

	cp := *rec
	cp.ID = s.nextFileID
	s.nextFileID++
	s.files[cp.ID] = &cp
	rec.ID = cp.ID
	return db.UpsertInserted, nil
}

// sameRecord compares the columns the real upsert guards with IS DISTINCT
// FROM.
func sameRecord(a, b *db.FileRecord) bool {
	return a.Name == b.Name &&
		eqStr(a.Path, b.Path) &&
		eqInt(a.Size, b.Size) &&
		eqStr(a.MimeType, b.MimeType) &&
		eqTime(a.ModifiedAtSource, b.ModifiedAtSource) &&
		eqStr(a.PreviewLink, b.PreviewLink) &&
		eqStr(a.DownloadLink, b.DownloadLink) &&
		eqStr(a.WebViewLink, b.WebViewLink) &&
		eqStr(a.ThumbnailLink, b.ThumbnailLink) &&
		eqStr(a.ContentHash, b.ContentHash) &&
		eqStr(a.SizeHash, b.SizeHash) &&
		a.IsFolder == b.IsFolder &&
		a.IsActive == b.IsActive
}

func eqStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqInt(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (s *Store) DeactivateMissing(ctx context.Context, accountID int64, observedIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	observed := make(map[string]struct{}, len(observedIDs))
	for _, id := range observedIDs {
		observed[id] = struct{}{}
	}
	count := 0
	for _, rec := range s.files {
		if rec.AccountID != accountID || !rec.IsActive {
			continue
		}
		if _, ok := observed[rec.ProviderFileID]; !ok {
			rec.IsActive = false
			count++
		}
	}
	return count, nil
}

func (s *Store) GetFileRecord(ctx context.Context, id int64) (*db.FileRecord, error) {
	return s.File(id), nil
}

func (s *Store) GetFileRecords(ctx context.Context, ids []int64) ([]*db.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.FileRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.files[id]; ok {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) DeleteFileRecord(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, id)
	return nil
}

func (s *Store) UpdateFilePreviewLink(ctx context.Context, id int64, link string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.files[id]; ok {
		rec.PreviewLink = &link
	}
	return nil
}

func (s *Store) ListActiveFilesByUser(ctx context.Context, userID int64, mode *policy.Mode) ([]*db.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.FileRecord
	for _, rec := range s.files {
		if rec.UserID != userID || !rec.IsActive {
			continue
		}
		if mode != nil {
			acct, ok := s.accounts[rec.AccountID]
			if !ok || acct.Mode != *mode {
				continue
			}
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) CreateRunLog(ctx context.Context, run *db.SyncRunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs = append(s.runs, &cp)
	return nil
}

func (s *Store) FinalizeRunLog(ctx context.Context, run *db.SyncRunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FinalizeErr != nil {
		return s.FinalizeErr
	}
	for i, existing := range s.runs {
		if existing.ID == run.ID && existing.Status == db.RunRunning {
			cp := *run
			s.runs[i] = &cp
			return nil
		}
	}
	return fmt.Errorf("run %s not found or not running", run.ID)
}

func (s *Store) LatestRunLog(ctx context.Context, accountID int64) (*db.SyncRunLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *db.SyncRunLog
	for _, run := range s.runs {
		if run.AccountID != accountID {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) TryLockAccount(ctx context.Context, accountID int64) (func(context.Context) error, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[accountID] {
		return nil, false, nil
	}
	s.locks[accountID] = true
	release := func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.locks, accountID)
		return nil
	}
	return release, true, nil
}
