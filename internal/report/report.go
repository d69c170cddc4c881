// Package report parses the framed text report format emitted by
// instrumented X-Trace processes.
//
// Two parse paths coexist for backward compatibility: a fast path that
// assumes the X-Trace metadata line sits at a fixed header offset, and a
// slow path that scans the report line by line. A report whose line right
// after the X-Trace metadata line is a Tag or Title line always takes the
// slow path; this mirrors the behavior of the original report store rather
// than being an optimization bailout. Tag or Title lines further down a
// fast-path report are not read.
package report

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"strings"
)

// headerLine is the literal first line every report begins with.
const headerLine = "X-Trace Report ver"

// xtraceFieldPrefix is the key that carries the hex-encoded metadata.
const xtraceFieldPrefix = "X-Trace: "

// Report is the result of parsing one framed text report.
type Report struct {
	// TaskID is the uppercase hex task identifier extracted from the
	// X-Trace metadata. Always non-empty on a successful parse.
	TaskID string

	// Title is the first Title: value observed, if any.
	Title string

	// Tags is the set of all Tag: values observed, if any.
	Tags map[string]struct{}

	// Raw is the original report text, unmodified.
	Raw []byte
}

// HasTitle reports whether the report carried a non-empty Title: value.
func (r Report) HasTitle() bool { return r.Title != "" }

// TagSlice returns the tags as a sorted-free slice, for callers that don't
// need set semantics.
func (r Report) TagSlice() []string {
	if len(r.Tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.Tags))
	for t := range r.Tags {
		out = append(out, t)
	}
	return out
}

// Parse extracts the task-id, optional title, optional tag set, and raw body
// from a single framed report. It returns ok=false for malformed input
// (missing X-Trace line, or metadata present but no task-id) — this is never
// an error the caller should propagate, only log and drop, per the ingest
// error-handling policy.
func Parse(raw []byte) (Report, bool) {
	if fastPathEligible(raw) {
		if rep, ok := parseFast(raw); ok {
			return rep, true
		}
	}
	return parseSlow(raw)
}

// fastPathEligible reports whether raw's header region matches the literal
// "X-Trace: " field at the fixed offset immediately after the first line,
// with no Tag:/Title: line immediately following the metadata line. Any deviation falls
// through to the slow, line-scanning path.
func fastPathEligible(raw []byte) bool {
	nl := bytes.IndexByte(raw, '\n')
	if nl < 0 {
		return false
	}
	rest := raw[nl+1:]
	if !bytes.HasPrefix(rest, []byte(xtraceFieldPrefix)) {
		return false
	}
	metaLineEnd := bytes.IndexByte(rest, '\n')
	if metaLineEnd < 0 {
		return false
	}
	after := rest[metaLineEnd+1:]
	if bytes.HasPrefix(after, []byte("Tag:")) || bytes.HasPrefix(after, []byte("Title:")) {
		return false
	}
	return true
}

// parseFast decodes the metadata line at the fixed offset without scanning
// the rest of the report.
func parseFast(raw []byte) (Report, bool) {
	nl := bytes.IndexByte(raw, '\n')
	if nl < 0 {
		return Report{}, false
	}
	rest := raw[nl+1:]
	metaLineEnd := bytes.IndexByte(rest, '\n')
	if metaLineEnd < 0 {
		return Report{}, false
	}
	metaHex := strings.TrimSpace(string(rest[len(xtraceFieldPrefix):metaLineEnd]))
	taskID, ok := taskIDFromMetadata(metaHex)
	if !ok {
		return Report{}, false
	}
	return Report{TaskID: taskID, Raw: raw}, true
}

// parseSlow scans the report line by line, collecting the X-Trace metadata,
// the first Title: value, and the full Tag: set.
func parseSlow(raw []byte) (Report, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var taskID string
	var title string
	var tags map[string]struct{}
	found := false

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "X-Trace:"):
			metaHex := strings.TrimSpace(strings.TrimPrefix(line, "X-Trace:"))
			if id, ok := taskIDFromMetadata(metaHex); ok {
				taskID = id
				found = true
			}
		case strings.HasPrefix(line, "Title:"):
			if title == "" {
				title = strings.TrimSpace(strings.TrimPrefix(line, "Title:"))
			}
		case strings.HasPrefix(line, "Tag:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, "Tag:"))
			if v != "" {
				if tags == nil {
					tags = make(map[string]struct{})
				}
				tags[v] = struct{}{}
			}
		}
	}

	if !found || taskID == "" {
		return Report{}, false
	}
	return Report{TaskID: taskID, Title: title, Tags: tags, Raw: raw}, true
}

// taskIDFromMetadata decodes an X-Trace metadata hex string and returns its
// leading task-id field, normalized to uppercase. The metadata codec itself
// is out of scope; only the guarantee that the leading field is the task-id
// is relied upon here. A task-id shorter than 6 hex characters is rejected,
// mirroring the file-store's fail-fast minimum.
func taskIDFromMetadata(metaHex string) (string, bool) {
	metaHex = strings.TrimSpace(metaHex)
	if metaHex == "" {
		return "", false
	}
	raw, err := hex.DecodeString(metaHex)
	if err != nil || len(raw) == 0 {
		return "", false
	}

	// The metadata codec is out of scope; we rely only on the guarantee
	// that the task-id occupies a fixed-size leading field. The width is
	// inferred from the total decoded length alone (see taskIDLength);
	// metadata shorter than 8 bytes yields no task-id and is rejected.
	taskLen := taskIDLength(raw)
	if taskLen <= 0 || taskLen > len(raw) {
		return "", false
	}
	taskID := strings.ToUpper(hex.EncodeToString(raw[:taskLen]))
	if len(taskID) < 6 {
		return "", false
	}
	return taskID, true
}

// taskIDLength infers the task-id field width in bytes from the decoded
// metadata length, matching the fixed (flags, taskIdLen, opId) layout of the
// X-Trace wire metadata: 4, 8, 12, or 20-byte task-ids followed by a 4-byte
// op-id and an optional flags/options trailer.
func taskIDLength(raw []byte) int {
	switch {
	case len(raw) >= 24:
		return 20
	case len(raw) >= 16:
		return 12
	case len(raw) >= 12:
		return 8
	case len(raw) >= 8:
		return 4
	default:
		return 0
	}
}

// HeaderLine is the literal prefix a well-formed report's first line begins
// with. Exported for use by the query surface's report-stream scanner.
const HeaderLine = headerLine
