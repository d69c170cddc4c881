package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreAppendWritesRawPlusTerminator(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Append("ABCDEF012345", []byte("X-Trace Report ver 1.0\nX-Trace: aa\n")); err != nil {
		t.Fatal(err)
	}
	s.FlushAll()

	data, err := os.ReadFile(s.Path("ABCDEF012345"))
	if err != nil {
		t.Fatal(err)
	}
	want := "X-Trace Report ver 1.0\nX-Trace: aa\n\n\n"
	if string(data) != want {
		t.Errorf("contents = %q, want %q", data, want)
	}
}

func TestStoreAppendAccumulatesAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Append("ABCDEF", []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("ABCDEF", []byte("second")); err != nil {
		t.Fatal(err)
	}
	s.FlushAll()

	data, err := os.ReadFile(s.Path("ABCDEF"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first\n\nsecond\n\n" {
		t.Errorf("contents = %q", data)
	}
}

func TestStorePathLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got := s.Path("ABCDEF012345")
	want := filepath.Join(dir, "AB", "ABCDEF012345.txt")
	if got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
}

func TestStoreFileAbsentUntilFirstAppend(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := os.Stat(s.Path("FEEDFACE0011")); !os.IsNotExist(err) {
		t.Error("task file should not exist before any append")
	}
}

func TestStoreDataAsOfAdvancesOnFlush(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	before := s.DataAsOf()
	time.Sleep(5 * time.Millisecond)
	s.FlushAll()
	after := s.DataAsOf()

	if !after.After(before) {
		t.Error("expected DataAsOf to advance after FlushAll")
	}
}
