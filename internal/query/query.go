// Package query implements the read-side query surface (C7): listing and
// filtering tasks via the metadata index, streaming report bodies from
// disk, and computing temporal overlap between tasks.
package query

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"xtrace/internal/index"
	"xtrace/internal/logging"
	"xtrace/internal/report"
)

// tagReadRetries is the number of attempts made at a tag read, to tolerate
// a concurrent writer commit landing mid-read.
const tagReadRetries = 3

// Surface is the query-side view over the task file store and the metadata
// index.
type Surface struct {
	root   string
	idx    *index.Store
	logger *slog.Logger
}

// New constructs a query Surface rooted at root, reading through idx for
// metadata and the file tree for report bodies.
func New(root string, idx *index.Store, logger *slog.Logger) *Surface {
	return &Surface{
		root:   root,
		idx:    idx,
		logger: logging.Default(logger).With("component", "query_surface"),
	}
}

// ReportsByTask returns a lazy, forward-only sequence of the reports stored
// for taskID. The sequence is finite and not restartable; it terminates
// silently (without yielding a partial report) on I/O error or missing
// file.
func (s *Surface) ReportsByTask(taskID string) iter.Seq[report.Report] {
	return func(yield func(report.Report) bool) {
		path := s.taskFilePath(taskID)
		f, err := os.Open(path)
		if err != nil {
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		var block strings.Builder
		inBlock := false

		flush := func() bool {
			if !inBlock {
				return true
			}
			rep, ok := report.Parse([]byte(block.String()))
			block.Reset()
			inBlock = false
			if !ok {
				return true
			}
			return yield(rep)
		}

		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, report.HeaderLine) {
				if !flush() {
					return
				}
				inBlock = true
			}
			if inBlock {
				block.WriteString(line)
				block.WriteByte('\n')
			}
			if inBlock && line == "" {
				if !flush() {
					return
				}
			}
		}
		// A trailing block with no blank-line terminator is incomplete and
		// is dropped rather than yielded, matching the frame boundary rule.
	}
}

// GetTagsForTask reads the committed tag set for a task, making up to
// tagReadRetries attempts to tolerate a concurrent writer commit. Returns an
// empty (nil) set on persistent failure rather than propagating an error.
func (s *Surface) GetTagsForTask(ctx context.Context, taskID string) map[string]struct{} {
	var last error
	for attempt := 0; attempt < tagReadRetries; attempt++ {
		tags, err := s.idx.TagsOf(ctx, taskID)
		if err == nil {
			return tags
		}
		last = err
	}
	if last != nil {
		s.logger.Warn("tag read failed after retries", "task_id", taskID, "error", last)
	}
	return nil
}

// OverlappingTasks returns every task whose [firstSeen, lastUpdated]
// interval intersects taskID's own interval, including taskID itself.
func (s *Surface) OverlappingTasks(ctx context.Context, taskID string) ([]index.TaskRecord, error) {
	firstSeen, lastUpdated, err := s.idx.TimesOf(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("times of %s: %w", taskID, err)
	}
	if firstSeen.IsZero() && lastUpdated.IsZero() {
		return nil, nil
	}
	return s.idx.TasksBetween(ctx, lastUpdated, firstSeen)
}

// AllOverlappingTasks computes the transitive closure of the one-hop
// overlap relation starting from taskID, via BFS over an expanding
// [lower, upper] bounding window. Terminates because each task is expanded
// at most once; an id queued again after its first visit is skipped.
func (s *Surface) AllOverlappingTasks(ctx context.Context, taskID string) ([]index.TaskRecord, error) {
	firstSeen, lastUpdated, err := s.idx.TimesOf(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("times of %s: %w", taskID, err)
	}
	if firstSeen.IsZero() && lastUpdated.IsZero() {
		return nil, nil
	}

	visited := map[string]index.TaskRecord{}
	frontier := []string{taskID}

	lower := firstSeen
	upper := lastUpdated

	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			if _, seen := visited[id]; seen {
				continue
			}
			fs, lu, err := s.idx.TimesOf(ctx, id)
			if err != nil {
				continue
			}
			visited[id] = index.TaskRecord{TaskID: id, FirstSeen: fs, LastUpdated: lu}

			if fs.Before(lower) {
				lower = fs
			}
			if lu.After(upper) {
				upper = lu
			}

			candidates, err := s.idx.TasksBetween(ctx, upper, lower)
			if err != nil {
				continue
			}
			for _, c := range candidates {
				if _, seen := visited[c.TaskID]; !seen {
					next = append(next, c.TaskID)
				}
			}
		}
		frontier = next
	}

	out := make([]index.TaskRecord, 0, len(visited))
	for _, r := range visited {
		out = append(out, r)
	}
	return out, nil
}

func (s *Surface) taskFilePath(taskID string) string {
	if len(taskID) < 2 {
		return filepath.Join(s.root, taskID)
	}
	return filepath.Join(s.root, taskID[:2], taskID+".txt")
}

// Listing delegates directly to the index for the remaining list/filter
// operations; these carry no extra query-surface logic beyond pagination.

func (s *Surface) TasksSince(ctx context.Context, since time.Time, offset, limit int) ([]index.TaskRecord, error) {
	return s.idx.TasksSince(ctx, since, offset, limit)
}

func (s *Surface) LatestTasks(ctx context.Context, offset, limit int) ([]index.TaskRecord, error) {
	return s.idx.LatestTasks(ctx, offset, limit)
}

func (s *Surface) ByTag(ctx context.Context, tag string, offset, limit int) ([]index.TaskRecord, error) {
	return s.idx.ByTag(ctx, tag, offset, limit)
}

func (s *Surface) ByTitle(ctx context.Context, title string) ([]index.TaskRecord, error) {
	return s.idx.ByTitle(ctx, title)
}

func (s *Surface) ByTitleApprox(ctx context.Context, substring string, offset, limit int) ([]index.TaskRecord, error) {
	return s.idx.ByTitleApprox(ctx, substring, offset, limit)
}

func (s *Surface) TotalTasks(ctx context.Context) (int64, error) {
	return s.idx.TotalTasks(ctx)
}

func (s *Surface) TotalReports(ctx context.Context) (int64, error) {
	return s.idx.TotalReports(ctx)
}
