package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	ok, err := s.Exists(ctx, nil, "AAAAAA")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no row before insert")
	}

	if err := s.Insert(ctx, nil, "AAAAAA", "hello", map[string]struct{}{"x": {}}, 1, now); err != nil {
		t.Fatal(err)
	}

	ok, err = s.Exists(ctx, nil, "AAAAAA")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected row after insert")
	}
}

func TestBumpReportsAdvancesLastUpdated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now()

	if err := s.Insert(ctx, nil, "AAAAAA", "hello", nil, 1, t0); err != nil {
		t.Fatal(err)
	}

	t1 := t0.Add(time.Minute)
	if err := s.BumpReports(ctx, nil, "AAAAAA", 5, t1); err != nil {
		t.Fatal(err)
	}

	n, err := s.NumReportsOf(ctx, "AAAAAA")
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("numReports = %d, want 6", n)
	}

	lu, err := s.LastUpdatedOf(ctx, "AAAAAA")
	if err != nil {
		t.Fatal(err)
	}
	if !lu.Equal(t1.Truncate(time.Millisecond)) {
		t.Errorf("lastUpdated = %v, want %v", lu, t1)
	}
}

func TestTagUnionSetAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.Insert(ctx, nil, "AAAAAA", "hello", map[string]struct{}{"a": {}}, 1, now); err != nil {
		t.Fatal(err)
	}

	current, err := s.ReadTags(ctx, nil, "AAAAAA")
	if err != nil {
		t.Fatal(err)
	}
	current["b"] = struct{}{}
	current["c"] = struct{}{}
	if err := s.SetTags(ctx, nil, "AAAAAA", current); err != nil {
		t.Fatal(err)
	}

	tags, err := s.TagsOf(ctx, "AAAAAA")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"a", "b", "c"} {
		if _, ok := tags[want]; !ok {
			t.Errorf("missing tag %q", want)
		}
	}
}

func TestByTagExactMatchOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.Insert(ctx, nil, "AAAAAA", "t1", map[string]struct{}{"release": {}}, 1, now); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, nil, "BBBBBB", "t2", map[string]struct{}{"release-candidate": {}}, 1, now); err != nil {
		t.Fatal(err)
	}

	matches, err := s.ByTag(ctx, "release", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].TaskID != "AAAAAA" {
		t.Errorf("byTag(release) = %+v, want only AAAAAA", matches)
	}
}

// TestByTagWindowsOverLikeMatchedSequence pins the offset/limit window to
// the LIKE-matched candidate order, not the post-exact-filter order: a
// candidate that fails the exact check still consumes a slot in the
// window.
func TestByTagWindowsOverLikeMatchedSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	rows := []struct {
		id   string
		tag  string
		when time.Time
	}{
		{"A111111111", "ab", base.Add(3 * time.Second)},
		{"B111111111", "b", base.Add(2 * time.Second)},
		{"C111111111", "b", base.Add(1 * time.Second)},
		{"D111111111", "xb", base},
	}
	for _, r := range rows {
		if err := s.Insert(ctx, nil, r.id, "t", map[string]struct{}{r.tag: {}}, 1, r.when); err != nil {
			t.Fatal(err)
		}
	}

	matches, err := s.ByTag(ctx, "b", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].TaskID != "B111111111" {
		t.Errorf("byTag(b, offset=1, limit=1) = %+v, want only B111111111", matches)
	}
}

func TestByTitleExactAndApprox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.Insert(ctx, nil, "AAAAAA", "build succeeded", nil, 1, now); err != nil {
		t.Fatal(err)
	}

	exact, err := s.ByTitle(ctx, "build succeeded")
	if err != nil {
		t.Fatal(err)
	}
	if len(exact) != 1 {
		t.Errorf("byTitle exact: got %d results, want 1", len(exact))
	}

	approx, err := s.ByTitleApprox(ctx, "succeeded", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(approx) != 1 {
		t.Errorf("byTitleApprox: got %d results, want 1", len(approx))
	}
}

func TestTasksBetweenOverlapWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(0, 0)

	insertInterval := func(id string, first, last int64) {
		if err := s.Insert(ctx, nil, id, id, nil, 1, base.Add(time.Duration(first)*time.Second)); err != nil {
			t.Fatal(err)
		}
		if err := s.BumpReports(ctx, nil, id, 0, base.Add(time.Duration(last)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	insertInterval("TASK1", 1, 5)
	insertInterval("TASK2", 4, 7)
	insertInterval("TASK3", 6, 10)
	insertInterval("TASK4", 20, 25)

	got, err := s.TasksBetween(ctx, base.Add(5*time.Second), base.Add(4*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, r := range got {
		ids[r.TaskID] = true
	}
	if !ids["TASK1"] || !ids["TASK2"] {
		t.Errorf("expected TASK1 and TASK2 to overlap [4,5], got %+v", ids)
	}
	if ids["TASK4"] {
		t.Error("TASK4 should never overlap the early window")
	}
}

func TestTotalsAcrossTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.Insert(ctx, nil, "AAAAAA", "a", nil, 3, now); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, nil, "BBBBBB", "b", nil, 7, now); err != nil {
		t.Fatal(err)
	}

	totalTasks, err := s.TotalTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if totalTasks != 2 {
		t.Errorf("totalTasks = %d, want 2", totalTasks)
	}

	totalReports, err := s.TotalReports(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if totalReports != 10 {
		t.Errorf("totalReports = %d, want 10", totalReports)
	}
}

func TestPaginationOffsetLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		id := string(rune('A'+i)) + "AAAAA"
		if err := s.Insert(ctx, nil, id, id, nil, 1, now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	page1, err := s.LatestTasks(ctx, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 {
		t.Fatalf("page1 len = %d, want 2", len(page1))
	}

	page2, err := s.LatestTasks(ctx, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 {
		t.Fatalf("page2 len = %d, want 2", len(page2))
	}
	if page1[0].TaskID == page2[0].TaskID {
		t.Error("pages should not overlap")
	}
}
