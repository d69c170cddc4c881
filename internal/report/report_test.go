package report

import (
	"encoding/hex"
	"strings"
	"testing"
)

func metaHexFor(taskID string) string {
	task, err := hex.DecodeString(taskID)
	if err != nil {
		panic(err)
	}
	// Pad to a 20-byte task-id plus 4-byte op-id so taskIDLength infers 20.
	full := make([]byte, 0, 24)
	full = append(full, task...)
	for len(full) < 20 {
		full = append(full, 0)
	}
	full = append(full, 0, 0, 0, 1) // op-id
	return hex.EncodeToString(full)
}

func TestParseFastPath(t *testing.T) {
	meta := metaHexFor("ABCDEF0123456789")
	raw := "X-Trace Report ver 1.0\nX-Trace: " + meta + "\nHost: foo\n\n"

	rep, ok := Parse([]byte(raw))
	if !ok {
		t.Fatal("expected successful parse")
	}
	if !strings.HasPrefix(rep.TaskID, "ABCDEF0123456789") {
		t.Errorf("task id = %q", rep.TaskID)
	}
	if rep.Title != "" || len(rep.Tags) != 0 {
		t.Errorf("fast path report should carry no title/tags, got %+v", rep)
	}
}

func TestParseFallsBackToSlowPathWithTitle(t *testing.T) {
	meta := metaHexFor("112233445566")
	raw := "X-Trace Report ver 1.0\nX-Trace: " + meta + "\nTitle: hello\nTag: x\nTag: y\n\n"

	rep, ok := Parse([]byte(raw))
	if !ok {
		t.Fatal("expected successful parse")
	}
	if rep.Title != "hello" {
		t.Errorf("title = %q, want hello", rep.Title)
	}
	if _, ok := rep.Tags["x"]; !ok {
		t.Error("missing tag x")
	}
	if _, ok := rep.Tags["y"]; !ok {
		t.Error("missing tag y")
	}
}

func TestParseSlowPathKeepsFirstTitleOnly(t *testing.T) {
	meta := metaHexFor("AABBCCDDEEFF")
	raw := "X-Trace Report ver 1.0\nX-Trace: " + meta + "\nTitle: first\nTitle: second\n\n"

	rep, ok := Parse([]byte(raw))
	if !ok {
		t.Fatal("expected successful parse")
	}
	if rep.Title != "first" {
		t.Errorf("title = %q, want first", rep.Title)
	}
}

func TestParseMissingXTraceLineDropped(t *testing.T) {
	raw := "X-Trace Report ver 1.0\nHost: foo\n\n"
	_, ok := Parse([]byte(raw))
	if ok {
		t.Error("expected parse failure for report without X-Trace line")
	}
}

func TestParseMissingTaskIDDropped(t *testing.T) {
	raw := "X-Trace Report ver 1.0\nX-Trace: \n\n"
	_, ok := Parse([]byte(raw))
	if ok {
		t.Error("expected parse failure for report with empty metadata")
	}
}

func TestParseMalformedHexDropped(t *testing.T) {
	raw := "X-Trace Report ver 1.0\nX-Trace: not-hex\n\n"
	_, ok := Parse([]byte(raw))
	if ok {
		t.Error("expected parse failure for unparseable metadata")
	}
}

func TestParseNormalizesTaskIDToUppercase(t *testing.T) {
	meta := strings.ToLower(metaHexFor("deadbeef0011"))
	raw := "X-Trace Report ver 1.0\nX-Trace: " + meta + "\nTitle: x\n\n"

	rep, ok := Parse([]byte(raw))
	if !ok {
		t.Fatal("expected successful parse")
	}
	if rep.TaskID != strings.ToUpper(rep.TaskID) {
		t.Errorf("task id not normalized to uppercase: %q", rep.TaskID)
	}
}
