package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vonshlovens/cloudsync-pg/internal/config"
	"github.com/vonshlovens/cloudsync-pg/internal/creds"
	"github.com/vonshlovens/cloudsync-pg/internal/db"
	"github.com/vonshlovens/cloudsync-pg/internal/policy"
	"github.com/vonshlovens/cloudsync-pg/internal/provider"
	"github.com/vonshlovens/cloudsync-pg/internal/testutil"
	"github.com/vonshlovens/cloudsync-pg/internal/vault"
)

const testToken = "access-token-1"

type engineFixture struct {
	store  *testutil.Store
	mem    *provider.Memory
	engine *Engine
	vault  *vault.Vault
}

func newEngineFixture(t *testing.T, cfg *config.Config) *engineFixture {
	t.Helper()

	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatal(err)
	}

	store := testutil.NewStore()
	mem := provider.NewMemory("memory")
	mem.RequireToken(testToken)

	registry := provider.NewRegistry()
	registry.Register(mem)

	if cfg == nil {
		cfg = &config.Config{
			Sync: config.SyncConfig{PageSize: 2, RetryAttempts: 2, RetryInitialMs: 1},
		}
	}

	manager := creds.NewManager(v, store)
	return &engineFixture{
		store:  store,
		mem:    mem,
		engine: NewEngine(store, registry, manager, cfg),
		vault:  v,
	}
}

// seedAccount stores an account with a valid encrypted access token.
func (f *engineFixture) seedAccount(t *testing.T, id int64, mode policy.Mode) *db.Account {
	t.Helper()
	ct, err := f.vault.Encrypt(testToken)
	if err != nil {
		t.Fatal(err)
	}
	acct := &db.Account{
		ID:           id,
		UserID:       7,
		Provider:     "memory",
		AccountEmail: fmt.Sprintf("user%d@example.com", id),
		Mode:         mode,
		AccessToken:  ct,
		IsActive:     true,
	}
	f.store.AddAccount(acct)
	return acct
}

func entry(id, name, path string, size int64, mime string) provider.FileEntry {
	mod := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return provider.FileEntry{
		NativeID:   id,
		Name:       name,
		Path:       path,
		Size:       size,
		MimeType:   mime,
		ModifiedAt: &mod,
	}
}

func TestReconcileIdempotent(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedAccount(t, 1, policy.ModeFullAccess)
	f.mem.SetFiles([]provider.FileEntry{
		entry("n1", "a.pdf", "/docs/a.pdf", 100, "application/pdf"),
		entry("n2", "b.jpg", "/pics/b.jpg", 200, "image/jpeg"),
		entry("n3", "c.txt", "/c.txt", 300, "text/plain"),
	})

	ctx := context.Background()
	if err := f.engine.Reconcile(ctx, 1); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}

	runs := f.store.Runs()
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	first := runs[0]
	if first.Status != db.RunCompleted {
		t.Errorf("first run status = %s, want completed", first.Status)
	}
	if first.FilesProcessed != 3 || first.FilesAdded != 3 || first.FilesUpdated != 0 {
		t.Errorf("first run counts = %d/%d/%d, want 3/3/0",
			first.FilesProcessed, first.FilesAdded, first.FilesUpdated)
	}

	// Nothing changed at the provider, so a second run observes everything
	// and changes nothing.
	if err := f.engine.Reconcile(ctx, 1); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	second := f.store.Runs()[1]
	if second.FilesProcessed != 3 || second.FilesAdded != 0 || second.FilesUpdated != 0 || second.FilesDeactivated != 0 {
		t.Errorf("second run counts = %d/%d/%d/%d, want 3/0/0/0",
			second.FilesProcessed, second.FilesAdded, second.FilesUpdated, second.FilesDeactivated)
	}
}

func TestReconcileUpdatesChangedFiles(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedAccount(t, 1, policy.ModeFullAccess)
	f.mem.SetFiles([]provider.FileEntry{entry("n1", "a.pdf", "/a.pdf", 100, "application/pdf")})

	ctx := context.Background()
	if err := f.engine.Reconcile(ctx, 1); err != nil {
		t.Fatal(err)
	}

	f.mem.SetFiles([]provider.FileEntry{entry("n1", "a-renamed.pdf", "/a-renamed.pdf", 150, "application/pdf")})
	if err := f.engine.Reconcile(ctx, 1); err != nil {
		t.Fatal(err)
	}

	run := f.store.Runs()[1]
	if run.FilesAdded != 0 || run.FilesUpdated != 1 {
		t.Errorf("run counts added/updated = %d/%d, want 0/1", run.FilesAdded, run.FilesUpdated)
	}
	rec := f.store.FileByNativeID(1, "n1")
	if rec == nil || rec.Name != "a-renamed.pdf" {
		t.Fatalf("record not updated: %+v", rec)
	}
	if rec.Size == nil || *rec.Size != 150 {
		t.Errorf("size not updated: %+v", rec.Size)
	}
}

func TestReconcileDeactivatesAndReactivates(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedAccount(t, 1, policy.ModeFullAccess)
	a := entry("n1", "a.pdf", "/a.pdf", 100, "application/pdf")
	b := entry("n2", "b.pdf", "/b.pdf", 200, "application/pdf")

	ctx := context.Background()
	f.mem.SetFiles([]provider.FileEntry{a, b})
	if err := f.engine.Reconcile(ctx, 1); err != nil {
		t.Fatal(err)
	}

	// b disappears at the provider.
	f.mem.SetFiles([]provider.FileEntry{a})
	if err := f.engine.Reconcile(ctx, 1); err != nil {
		t.Fatal(err)
	}
	run := f.store.Runs()[1]
	if run.FilesDeactivated != 1 {
		t.Errorf("deactivated = %d, want 1", run.FilesDeactivated)
	}
	rec := f.store.FileByNativeID(1, "n2")
	if rec == nil || rec.IsActive {
		t.Fatalf("n2 should be inactive: %+v", rec)
	}

	// b comes back. Same row flips active again rather than duplicating.
	f.mem.SetFiles([]provider.FileEntry{a, b})
	if err := f.engine.Reconcile(ctx, 1); err != nil {
		t.Fatal(err)
	}
	run = f.store.Runs()[2]
	if run.FilesAdded != 0 || run.FilesUpdated != 1 {
		t.Errorf("reactivation counts added/updated = %d/%d, want 0/1", run.FilesAdded, run.FilesUpdated)
	}
	rec = f.store.FileByNativeID(1, "n2")
	if rec == nil || !rec.IsActive {
		t.Fatalf("n2 should be active again: %+v", rec)
	}
}

func TestReconcilePartialProgressSurvivesPageFailure(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedAccount(t, 1, policy.ModeFullAccess)

	var files []provider.FileEntry
	for i := 0; i < 6; i++ {
		files = append(files, entry(
			fmt.Sprintf("n%d", i), fmt.Sprintf("f%d.txt", i), fmt.Sprintf("/f%d.txt", i), 10, "text/plain"))
	}
	f.mem.SetFiles(files)

	// Page size is 2; page index 2 fails permanently.
	pageErr := provider.Permanent(errors.New("listing revoked"))
	f.mem.FailPage(2, pageErr)

	err := f.engine.Reconcile(context.Background(), 1)
	if err == nil {
		t.Fatal("reconcile should have failed")
	}
	if !provider.IsPermanent(err) {
		t.Errorf("error not classified permanent: %v", err)
	}

	run := f.store.Runs()[0]
	if run.Status != db.RunFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	if run.FilesProcessed != 4 {
		t.Errorf("processed = %d, want 4 (two committed pages)", run.FilesProcessed)
	}
	// Records from the successful pages stay committed.
	for _, id := range []string{"n0", "n1", "n2", "n3"} {
		if f.store.FileByNativeID(1, id) == nil {
			t.Errorf("record %s from committed page missing", id)
		}
	}
	if f.store.FileByNativeID(1, "n4") != nil {
		t.Error("record from failed page should not exist")
	}
}

func TestReconcileRetriesTransientPageErrors(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedAccount(t, 1, policy.ModeFullAccess)
	f.mem.SetFiles([]provider.FileEntry{entry("n1", "a.txt", "/a.txt", 1, "text/plain")})
	f.mem.FailPage(0, provider.Transient(errors.New("rate limited")))

	if err := f.engine.Reconcile(context.Background(), 1); err != nil {
		t.Fatalf("reconcile should retry past the transient failure: %v", err)
	}
	if got := f.store.Runs()[0].FilesProcessed; got != 1 {
		t.Errorf("processed = %d, want 1", got)
	}
}

func TestReconcileCorruptCredentialsFailsBeforeProviderCalls(t *testing.T) {
	f := newEngineFixture(t, nil)
	acct := f.seedAccount(t, 1, policy.ModeFullAccess)
	acct.AccessToken = "not-a-ciphertext"
	f.store.AddAccount(acct)
	f.mem.SetFiles([]provider.FileEntry{entry("n1", "a.txt", "/a.txt", 1, "text/plain")})

	err := f.engine.Reconcile(context.Background(), 1)
	if !errors.Is(err, vault.ErrCredentialCorrupt) {
		t.Fatalf("error = %v, want ErrCredentialCorrupt", err)
	}
	if f.mem.ListCalls != 0 {
		t.Errorf("provider was called %d times with corrupt credentials", f.mem.ListCalls)
	}
	if run := f.store.Runs()[0]; run.Status != db.RunFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
}

func TestReconcileRefreshFailure(t *testing.T) {
	f := newEngineFixture(t, nil)
	acct := f.seedAccount(t, 1, policy.ModeFullAccess)

	expired := time.Now().Add(-time.Hour)
	acct.TokenExpiresAt = &expired
	rt, err := f.vault.Encrypt("refresh-token-1")
	if err != nil {
		t.Fatal(err)
	}
	acct.RefreshToken = &rt
	f.store.AddAccount(acct)

	f.mem.SetRefreshResult(nil, provider.Permanent(errors.New("refresh token revoked")))

	err = f.engine.Reconcile(context.Background(), 1)
	if !errors.Is(err, creds.ErrRefreshFailed) {
		t.Fatalf("error = %v, want ErrRefreshFailed", err)
	}
	if f.mem.ListCalls != 0 {
		t.Errorf("listing was attempted %d times without a usable token", f.mem.ListCalls)
	}

	run := f.store.Runs()[0]
	if run.Status != db.RunFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	if run.ErrorDetail == nil || *run.ErrorDetail != "credential_refresh_failed" {
		t.Errorf("error detail = %v, want credential_refresh_failed", run.ErrorDetail)
	}
}

func TestReconcileTokenRefreshSuccess(t *testing.T) {
	f := newEngineFixture(t, nil)
	acct := f.seedAccount(t, 1, policy.ModeFullAccess)

	expired := time.Now().Add(-time.Hour)
	acct.TokenExpiresAt = &expired
	rt, err := f.vault.Encrypt("refresh-token-1")
	if err != nil {
		t.Fatal(err)
	}
	acct.RefreshToken = &rt
	f.store.AddAccount(acct)

	fresh := &provider.TokenPair{AccessToken: "access-token-2", ExpiresAt: time.Now().Add(time.Hour)}
	f.mem.SetRefreshResult(fresh, nil)
	f.mem.RequireToken("access-token-2")
	f.mem.SetFiles([]provider.FileEntry{entry("n1", "a.txt", "/a.txt", 1, "text/plain")})

	if err := f.engine.Reconcile(context.Background(), 1); err != nil {
		t.Fatalf("reconcile with refreshed token: %v", err)
	}
	if f.mem.RefreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", f.mem.RefreshCalls)
	}

	// The rotated token was persisted encrypted, not in the clear.
	stored := f.store.Account(1)
	if stored.AccessToken == "access-token-2" {
		t.Error("plaintext access token persisted")
	}
}

func TestReconcileAccountErrors(t *testing.T) {
	f := newEngineFixture(t, nil)
	acct := f.seedAccount(t, 2, policy.ModeMetadata)
	acct.IsActive = false
	f.store.AddAccount(acct)

	if err := f.engine.Reconcile(context.Background(), 99); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("unknown account error = %v, want ErrAccountNotFound", err)
	}
	if err := f.engine.Reconcile(context.Background(), 2); !errors.Is(err, ErrAccountInactive) {
		t.Errorf("inactive account error = %v, want ErrAccountInactive", err)
	}
	if len(f.store.Runs()) != 0 {
		t.Errorf("%d run logs created for rejected accounts, want 0", len(f.store.Runs()))
	}
}

func TestReconcileIgnorePatterns(t *testing.T) {
	cfg := &config.Config{
		Sync:           config.SyncConfig{PageSize: 10, RetryAttempts: 1, RetryInitialMs: 1},
		IgnorePatterns: []string{"**/*.tmp", ".trash/**"},
	}
	f := newEngineFixture(t, cfg)
	f.seedAccount(t, 1, policy.ModeFullAccess)
	f.mem.SetFiles([]provider.FileEntry{
		entry("n1", "keep.txt", "/keep.txt", 1, "text/plain"),
		entry("n2", "scratch.tmp", "/cache/scratch.tmp", 1, "text/plain"),
		entry("n3", "old.doc", "/.trash/old.doc", 1, "application/msword"),
	})

	if err := f.engine.Reconcile(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	run := f.store.Runs()[0]
	if run.FilesProcessed != 1 || run.FilesAdded != 1 {
		t.Errorf("counts = %d/%d, want 1/1", run.FilesProcessed, run.FilesAdded)
	}
	if f.store.FileByNativeID(1, "n2") != nil || f.store.FileByNativeID(1, "n3") != nil {
		t.Error("ignored entries were recorded")
	}
}

func TestReconcileStoresQuota(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedAccount(t, 1, policy.ModeFullAccess)
	f.mem.SetAccountInfo(provider.AccountInfo{Email: "user1@example.com", StorageUsed: 12345, StorageLimit: 99999})

	if err := f.engine.Reconcile(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	acct := f.store.Account(1)
	if acct.StorageUsed != 12345 || acct.StorageLimit != 99999 {
		t.Errorf("quota = %d/%d, want 12345/99999", acct.StorageUsed, acct.StorageLimit)
	}
	if acct.LastSync == nil {
		t.Error("last_sync not set")
	}
}

func TestRecordFromEntry(t *testing.T) {
	acct := &db.Account{ID: 1, UserID: 7}

	t.Run("image file", func(t *testing.T) {
		rec := RecordFromEntry(acct, entry("n1", "Photo.JPG", "/pics/Photo.JPG", 2048, "image/jpeg"))
		if !rec.IsImage || rec.IsVideo || rec.IsDocument {
			t.Errorf("classification = %v/%v/%v, want image only", rec.IsImage, rec.IsVideo, rec.IsDocument)
		}
		if rec.FileExtension != "jpg" {
			t.Errorf("extension = %q, want jpg", rec.FileExtension)
		}
		if rec.SizeHash == nil {
			t.Error("size hash missing")
		}
		if !rec.IsActive {
			t.Error("new record not active")
		}
	})

	t.Run("document mime", func(t *testing.T) {
		rec := RecordFromEntry(acct, entry("n2", "notes.csv", "/notes.csv", 10, "text/csv"))
		if !rec.IsDocument {
			t.Error("text/csv not classified as document")
		}
	})

	t.Run("folder has no size or hash", func(t *testing.T) {
		e := entry("n3", "stuff", "/stuff", 0, "")
		e.IsFolder = true
		rec := RecordFromEntry(acct, e)
		if rec.Size != nil || rec.SizeHash != nil {
			t.Errorf("folder got size=%v hash=%v", rec.Size, rec.SizeHash)
		}
	})

	t.Run("provider content hash kept", func(t *testing.T) {
		e := entry("n4", "a.bin", "/a.bin", 5, "application/octet-stream")
		e.ContentHash = "abc123"
		rec := RecordFromEntry(acct, e)
		if rec.ContentHash == nil || *rec.ContentHash != "abc123" {
			t.Errorf("content hash = %v, want abc123", rec.ContentHash)
		}
	})

	t.Run("no content hash when provider omits it", func(t *testing.T) {
		rec := RecordFromEntry(acct, entry("n5", "b.bin", "/b.bin", 5, "application/octet-stream"))
		if rec.ContentHash != nil {
			t.Errorf("content hash = %v, want nil", rec.ContentHash)
		}
	})
}
