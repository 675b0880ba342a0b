package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vonshlovens/cloudsync-pg/internal/db"
)

// Runner serializes reconciliations per account. In-process duplicates are
// coalesced with a local inflight set; cross-process duplicates are excluded
// with a Postgres advisory lock held for the duration of the run.
type Runner struct {
	engine *Engine
	store  Store

	mu       sync.Mutex
	inflight map[int64]struct{}
	wg       sync.WaitGroup
}

// Status describes the sync state of one account.
type Status struct {
	Running bool
	LastRun *db.SyncRunLog
}

// NewRunner creates a runner around the engine.
func NewRunner(engine *Engine, store Store) *Runner {
	return &Runner{
		engine:   engine,
		store:    store,
		inflight: make(map[int64]struct{}),
	}
}

// Trigger starts a reconciliation in the background. Returns
// ErrSyncAlreadyRunning when one is already in flight for the account, here
// or in another process.
func (r *Runner) Trigger(ctx context.Context, accountID int64) error {
	release, err := r.acquire(ctx, accountID)
	if err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer release()
		if err := r.engine.Reconcile(ctx, accountID); err != nil {
			slog.Error("background sync failed", "account_id", accountID, "error", err)
		}
	}()
	return nil
}

// TriggerAll starts background reconciliations for every active account of
// the user, skipping accounts that already have one in flight. Returns the
// number of syncs started.
func (r *Runner) TriggerAll(ctx context.Context, userID int64) (int, error) {
	accounts, err := r.store.ListAccountsByUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, acct := range accounts {
		if !acct.IsActive {
			continue
		}
		if err := r.Trigger(ctx, acct.ID); err != nil {
			if errors.Is(err, ErrSyncAlreadyRunning) {
				continue
			}
			return started, err
		}
		started++
	}
	return started, nil
}

// Run reconciles synchronously. Used by the CLI sync command.
func (r *Runner) Run(ctx context.Context, accountID int64) error {
	release, err := r.acquire(ctx, accountID)
	if err != nil {
		return err
	}
	defer release()
	return r.engine.Reconcile(ctx, accountID)
}

// Status reports whether a sync is in flight here and the latest run log.
// A run log stuck in running status from another process also reads as
// running.
func (r *Runner) Status(ctx context.Context, accountID int64) (*Status, error) {
	last, err := r.store.LatestRunLog(ctx, accountID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	_, running := r.inflight[accountID]
	r.mu.Unlock()

	if !running && last != nil && last.Status == db.RunRunning {
		running = true
	}
	return &Status{Running: running, LastRun: last}, nil
}

// Wait blocks until all background reconciliations finish.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// acquire takes both exclusion layers for the account. The returned release
// drops them; it uses a detached context so the advisory lock is let go even
// after cancellation.
func (r *Runner) acquire(ctx context.Context, accountID int64) (func(), error) {
	r.mu.Lock()
	if _, dup := r.inflight[accountID]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrSyncAlreadyRunning, accountID)
	}
	r.inflight[accountID] = struct{}{}
	r.mu.Unlock()

	releaseLock, ok, err := r.store.TryLockAccount(ctx, accountID)
	if err != nil || !ok {
		r.mu.Lock()
		delete(r.inflight, accountID)
		r.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("acquiring sync lock for account %d: %w", accountID, err)
		}
		return nil, fmt.Errorf("%w: %d", ErrSyncAlreadyRunning, accountID)
	}

	return func() {
		if err := releaseLock(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to release sync lock", "account_id", accountID, "error", err)
		}
		r.mu.Lock()
		delete(r.inflight, accountID)
		r.mu.Unlock()
	}, nil
}
