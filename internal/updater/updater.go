// Package updater implements the index updater (C6): a single background
// worker that drains the pending-update map and applies deltas to the
// metadata index in transactional batches.
package updater

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"xtrace/internal/index"
	"xtrace/internal/logging"
	"xtrace/internal/pending"
)

// DefaultSleep is the idle-poll interval used when no interval is
// configured.
const DefaultSleep = time.Second

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Updater drains a pending.Map into an index.Store on a fixed cadence.
type Updater struct {
	pending *pending.Map
	idx     *index.Store
	sleep   time.Duration
	clock   Clock
	logger  *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs an Updater. sleep is the idle-poll interval (§4.6 step 3).
func New(p *pending.Map, idx *index.Store, sleep time.Duration, logger *slog.Logger) *Updater {
	if sleep <= 0 {
		sleep = DefaultSleep
	}
	return &Updater{
		pending: p,
		idx:     idx,
		sleep:   sleep,
		clock:   time.Now,
		logger:  logging.Default(logger).With("component", "index_updater"),
	}
}

// Start launches the drain loop in its own goroutine. Returns immediately;
// call Stop to shut down.
func (u *Updater) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.loop(ctx)
	}()
}

// Stop signals the drain loop to perform one final drain-and-commit, then
// waits for it to exit. Calling Stop twice is safe.
func (u *Updater) Stop() {
	if u.cancel == nil {
		return
	}
	u.cancel()
	u.wg.Wait()
}

func (u *Updater) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Final drain: commit whatever is pending before exiting.
			u.drainOnce(context.Background())
			return
		default:
		}

		drained := u.drainOnce(ctx)
		if !drained {
			select {
			case <-ctx.Done():
				u.drainOnce(context.Background())
				return
			case <-time.After(u.sleep):
			}
		}
	}
}

// drainOnce swaps out the pending map and, if non-empty, commits one batch.
// Returns whether any work was found.
func (u *Updater) drainOnce(ctx context.Context) bool {
	taken := u.pending.Swap()
	if len(taken) == 0 {
		return false
	}
	u.commitBatch(ctx, taken)
	return true
}

// commitBatch applies one batch of deltas inside a single transaction,
// following the §4.6 per-task order: existence-check, optional title,
// optional tags, report-count bump. A SQL error on one task's updates is
// logged and that task is skipped without aborting the rest of the batch;
// a commit error is logged and the batch is otherwise considered done (disk
// remains the source of truth).
func (u *Updater) commitBatch(ctx context.Context, taken map[string]*pending.Update) {
	tx, err := u.idx.Begin(ctx)
	if err != nil {
		u.logger.Warn("begin batch transaction failed", "error", err)
		return
	}

	now := u.clock()
	committed := 0
	for taskID, delta := range taken {
		if err := u.applyDelta(ctx, tx, taskID, delta, now); err != nil {
			u.logger.Warn("skipping task in batch", "task_id", taskID, "error", err)
			continue
		}
		committed++
	}

	if err := tx.Commit(); err != nil {
		u.logger.Warn("commit batch failed", "error", err, "batch_size", len(taken))
		return
	}
	u.logger.Debug("committed batch", "tasks", committed, "batch_size", len(taken))
}

// applyDelta applies one task's delta inside tx, in the order the index
// invariants require: existence-check, optional title, optional tags,
// report-count bump.
func (u *Updater) applyDelta(ctx context.Context, tx *sql.Tx, taskID string, delta *pending.Update, now time.Time) error {
	exists, err := u.idx.Exists(ctx, tx, taskID)
	if err != nil {
		return err
	}

	if !exists {
		title := delta.Title
		if !delta.HasTitle {
			title = taskID
		}
		return u.idx.Insert(ctx, tx, taskID, title, delta.Tags, delta.NumReports, now)
	}

	if delta.HasTitle {
		if err := u.idx.SetTitle(ctx, tx, taskID, delta.Title); err != nil {
			return err
		}
	}

	if len(delta.Tags) > 0 {
		current, err := u.idx.ReadTags(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if current == nil {
			current = make(map[string]struct{}, len(delta.Tags))
		}
		for t := range delta.Tags {
			current[t] = struct{}{}
		}
		if err := u.idx.SetTags(ctx, tx, taskID, current); err != nil {
			return err
		}
	}

	return u.idx.BumpReports(ctx, tx, taskID, delta.NumReports, now)
}
