package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/vonshlovens/cloudsync-pg/internal/db"
	"github.com/vonshlovens/cloudsync-pg/internal/policy"
	"github.com/vonshlovens/cloudsync-pg/internal/testutil"
)

const userID = int64(7)

func seedFile(store *testutil.Store, accountID int64, nativeID, name string, size int64, hash string, modified time.Time) *db.FileRecord {
	rec := &db.FileRecord{
		AccountID:      accountID,
		UserID:         userID,
		ProviderFileID: nativeID,
		Name:           name,
		Size:           &size,
		IsActive:       true,
	}
	if hash != "" {
		rec.ContentHash = &hash
	}
	if !modified.IsZero() {
		rec.ModifiedAtSource = &modified
	}
	return store.AddFile(rec)
}

func TestFindDuplicates(t *testing.T) {
	store := testutil.NewStore()
	d := NewDetector(store)

	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	// Two copies of the same content in different accounts.
	seedFile(store, 1, "a1", "report.pdf", 100, "h1", older)
	seedFile(store, 2, "b1", "report-copy.pdf", 100, "h1", newer)
	// A unique file and one with no hash never group.
	seedFile(store, 1, "a2", "unique.txt", 50, "h2", older)
	seedFile(store, 1, "a3", "nohash.bin", 500, "", older)
	seedFile(store, 2, "b2", "nohash2.bin", 500, "", older)

	groups, err := d.FindDuplicates(context.Background(), userID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}

	g := groups[0]
	if g.Hash != "h1" || g.Count != 2 {
		t.Errorf("group = hash %q count %d, want h1/2", g.Hash, g.Count)
	}
	if g.WastedBytes != 100 {
		t.Errorf("wasted = %d, want 100", g.WastedBytes)
	}
	// Newest copy first.
	if g.Files[0].ProviderFileID != "b1" {
		t.Errorf("first member = %s, want b1 (newest)", g.Files[0].ProviderFileID)
	}
}

func TestFindDuplicatesSkipsInactiveAndFolders(t *testing.T) {
	store := testutil.NewStore()
	d := NewDetector(store)

	seedFile(store, 1, "a1", "live.pdf", 100, "h1", time.Time{})
	gone := seedFile(store, 1, "a2", "gone.pdf", 100, "h1", time.Time{})
	gone.IsActive = false
	store.AddFile(gone)

	folder := &db.FileRecord{
		AccountID: 1, UserID: userID, ProviderFileID: "a3", Name: "dir",
		IsFolder: true, IsActive: true,
	}
	h := "h1"
	folder.ContentHash = &h
	store.AddFile(folder)

	groups, err := d.FindDuplicates(context.Background(), userID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 0 {
		t.Fatalf("got %d groups, want 0 (only one active non-folder copy)", len(groups))
	}
}

func TestFindDuplicatesModeFilter(t *testing.T) {
	store := testutil.NewStore()
	d := NewDetector(store)

	store.AddAccount(&db.Account{ID: 1, UserID: userID, Mode: policy.ModeMetadata, IsActive: true})
	store.AddAccount(&db.Account{ID: 2, UserID: userID, Mode: policy.ModeFullAccess, IsActive: true})

	seedFile(store, 1, "a1", "x.pdf", 100, "h1", time.Time{})
	seedFile(store, 2, "b1", "x.pdf", 100, "h1", time.Time{})
	seedFile(store, 2, "b2", "y.pdf", 200, "h2", time.Time{})
	seedFile(store, 2, "b3", "y-copy.pdf", 200, "h2", time.Time{})

	// Across both modes, both groups appear.
	groups, err := d.FindDuplicates(context.Background(), userID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Fatalf("unfiltered: got %d groups, want 2", len(groups))
	}

	// Restricted to full_access, the cross-mode pair loses a member and
	// stops being a duplicate.
	mode := policy.ModeFullAccess
	groups, err = d.FindDuplicates(context.Background(), userID, &mode)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].Hash != "h2" {
		t.Fatalf("filtered: got %+v, want only h2", groups)
	}
}

func TestFindDuplicatesOrdering(t *testing.T) {
	store := testutil.NewStore()
	d := NewDetector(store)

	ts := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	seedFile(store, 1, "a1", "b-hash.bin", 10, "hb", ts)
	seedFile(store, 1, "a2", "b-hash2.bin", 10, "hb", ts)
	seedFile(store, 1, "a3", "a-hash.bin", 10, "ha", ts)
	seedFile(store, 1, "a4", "a-hash2.bin", 10, "ha", ts)

	groups, err := d.FindDuplicates(context.Background(), userID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 || groups[0].Hash != "ha" || groups[1].Hash != "hb" {
		t.Fatalf("groups not sorted by hash: %+v", groups)
	}

	// Equal timestamps fall back to id order.
	g := groups[0]
	if g.Files[0].ID > g.Files[1].ID {
		t.Error("members with equal timestamps not ordered by id")
	}
}
