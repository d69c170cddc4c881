// Package reportstore wires the report parser, task file store, pending
// update map, index updater, and query surface into a single handle. It
// owns the ingest loop: the single goroutine that is the sole writer of
// report bodies and the sole producer into the pending-update map.
package reportstore

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"xtrace/internal/index"
	"xtrace/internal/logging"
	"xtrace/internal/pending"
	"xtrace/internal/query"
	"xtrace/internal/report"
	"xtrace/internal/store"
	"xtrace/internal/updater"
)

// Config configures a Store.
type Config struct {
	// Root is the directory report files and the index database live
	// under. Required.
	Root string
	// HandleValidFor is the LRU handle cache's staleness window.
	HandleValidFor time.Duration
	// UpdaterSleep is the index updater's idle-poll interval.
	UpdaterSleep time.Duration
	// IngestQueueSize bounds the ingest channel. Zero means unbuffered.
	IngestQueueSize int
}

func (c Config) withDefaults() Config {
	if c.HandleValidFor <= 0 {
		c.HandleValidFor = store.DefaultValidFor
	}
	if c.UpdaterSleep <= 0 {
		c.UpdaterSleep = updater.DefaultSleep
	}
	return c
}

// Store is the assembled report store: the single handle an xtraced process
// constructs once at startup and passes to the ingest loop and to queries.
type Store struct {
	cfg Config

	files   *store.Store
	pending *pending.Map
	idx     *index.Store
	updater *updater.Updater
	Query   *query.Surface

	logger *slog.Logger

	ingestCh chan string
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// Open constructs a Store rooted at cfg.Root, opening (and migrating) the
// metadata index and preparing the LRU handle cache. It does not start the
// ingest loop or the updater; call Start for that.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	logger = logging.Default(logger).With("component", "report_store")

	files, err := store.New(cfg.Root, cfg.HandleValidFor, logger)
	if err != nil {
		return nil, err
	}

	idx, err := index.Open(filepath.Join(cfg.Root, "index.db"), logger)
	if err != nil {
		files.Close()
		return nil, err
	}

	p := pending.New()
	u := updater.New(p, idx, cfg.UpdaterSleep, logger)

	return &Store{
		cfg:      cfg,
		files:    files,
		pending:  p,
		idx:      idx,
		updater:  u,
		Query:    query.New(cfg.Root, idx, logger),
		logger:   logger,
		ingestCh: make(chan string, cfg.IngestQueueSize),
	}, nil
}

// Start launches the updater and the ingest loop. Returns immediately;
// call Stop to shut down.
func (s *Store) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.updater.Start(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ingestLoop(ctx)
	}()
}

// Stop cancels the ingest loop and updater, flushes and closes all open
// file handles, and closes the index connection. Calling Stop twice is
// safe; no file handles remain open after it returns.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
	}
	s.updater.Stop()
	s.files.Close()
	s.idx.Close()
}

// Ingest hands one raw report message to the ingest loop. It never blocks
// the caller beyond the channel's buffering; the ingest loop is the sole
// consumer.
func (s *Store) Ingest(raw string) {
	s.ingestCh <- raw
}

// DataAsOf returns the wall-clock time the on-disk report files were last
// flushed.
func (s *Store) DataAsOf() time.Time {
	return s.files.DataAsOf()
}

func (s *Store) ingestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case msg := <-s.ingestCh:
					s.ingestOne(msg)
				default:
					return
				}
			}
		case msg := <-s.ingestCh:
			s.ingestOne(msg)
		}
	}
}

// ingestOne parses a single raw report, writes its body through the file
// store, and records the metadata delta. Disk writes happen before the
// metadata delta becomes visible, so a crash between the two only risks an
// eventually-consistent report count, never a lost report body.
func (s *Store) ingestOne(raw string) {
	rep, ok := report.Parse([]byte(raw))
	if !ok {
		s.logger.Warn("dropping unparseable report")
		return
	}

	if err := s.files.Append(rep.TaskID, rep.Raw); err != nil {
		// File write failed: do not record a pending delta for bytes that
		// never reached disk.
		return
	}
	s.files.FlushAll()

	s.pending.Record(rep.TaskID, rep.Title, rep.HasTitle(), rep.Tags)
}
