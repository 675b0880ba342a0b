// Package dedupe finds duplicate files across a user's connected accounts by
// grouping on provider-reported content hashes.
package dedupe

import (
	"context"
	"sort"
	"time"

	"github.com/vonshlovens/cloudsync-pg/internal/db"
	"github.com/vonshlovens/cloudsync-pg/internal/policy"
)

// Store is the slice of the metadata store the detector reads from.
type Store interface {
	ListActiveFilesByUser(ctx context.Context, userID int64, mode *policy.Mode) ([]*db.FileRecord, error)
}

// Group is a set of files sharing one content hash. Files are ordered newest
// modification first; WastedBytes counts everything past the first copy.
type Group struct {
	Hash        string
	Count       int
	WastedBytes int64
	Files       []*db.FileRecord
}

// Detector groups a user's files by content hash.
type Detector struct {
	store Store
}

// NewDetector creates a duplicate detector.
func NewDetector(store Store) *Detector {
	return &Detector{store: store}
}

// FindDuplicates returns groups of active files sharing a content hash,
// optionally restricted to accounts in one mode. Folders and files without a
// hash never group; a hash shared by only one file is not a duplicate.
func (d *Detector) FindDuplicates(ctx context.Context, userID int64, mode *policy.Mode) ([]*Group, error) {
	files, err := d.store.ListActiveFilesByUser(ctx, userID, mode)
	if err != nil {
		return nil, err
	}

	byHash := make(map[string][]*db.FileRecord)
	for _, f := range files {
		if f.IsFolder || f.ContentHash == nil || *f.ContentHash == "" {
			continue
		}
		byHash[*f.ContentHash] = append(byHash[*f.ContentHash], f)
	}

	groups := make([]*Group, 0, len(byHash))
	for hash, members := range byHash {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			mi, mj := modTime(members[i]), modTime(members[j])
			if !mi.Equal(mj) {
				return mi.After(mj)
			}
			return members[i].ID < members[j].ID
		})

		var total int64
		for _, m := range members {
			if m.Size != nil {
				total += *m.Size
			}
		}
		var first int64
		if members[0].Size != nil {
			first = *members[0].Size
		}

		groups = append(groups, &Group{
			Hash:        hash,
			Count:       len(members),
			WastedBytes: total - first,
			Files:       members,
		})
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Hash < groups[j].Hash })
	return groups, nil
}

func modTime(f *db.FileRecord) time.Time {
	if f.ModifiedAtSource != nil {
		return *f.ModifiedAtSource
	}
	return time.Time{}
}
