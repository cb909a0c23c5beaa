package gc

import (
	"testing"
	"time"
)

func TestSelectForDeletionPicksOldest(t *testing.T) {
	now := time.Now()
	entries := []Entry{
		{Template: []byte("newest"), Enrolled: now},
		{Template: []byte("oldest"), Enrolled: now.Add(-time.Hour)},
		{Template: []byte("middle"), Enrolled: now.Add(-time.Minute)},
	}
	got, ok := SelectForDeletion(entries, nil)
	if !ok {
		t.Fatal("expected a candidate")
	}
	if string(got) != "oldest" {
		t.Errorf("got %q, want %q", got, "oldest")
	}
}

func TestSelectForDeletionExcludesHostGallery(t *testing.T) {
	now := time.Now()
	entries := []Entry{
		{Template: []byte("oldest-but-still-wanted"), Enrolled: now.Add(-time.Hour)},
		{Template: []byte("newer-orphan"), Enrolled: now.Add(-time.Minute)},
	}
	gallery := [][]byte{[]byte("oldest-but-still-wanted")}
	got, ok := SelectForDeletion(entries, gallery)
	if !ok {
		t.Fatal("expected a candidate")
	}
	if string(got) != "newer-orphan" {
		t.Errorf("got %q, want %q", got, "newer-orphan")
	}
}

func TestSelectForDeletionNothingLeft(t *testing.T) {
	entries := []Entry{{Template: []byte("kept")}}
	_, ok := SelectForDeletion(entries, [][]byte{[]byte("kept")})
	if ok {
		t.Error("expected no candidate when everything is in the host gallery")
	}
}

func TestSelectForDeletionTieBreakIsStable(t *testing.T) {
	entries := []Entry{
		{Template: []byte("a")},
		{Template: []byte("b")},
		{Template: []byte("c")},
	}
	first, ok := SelectForDeletion(entries, nil)
	if !ok {
		t.Fatal("expected a candidate")
	}
	second, ok := SelectForDeletion(entries, nil)
	if !ok {
		t.Fatal("expected a candidate")
	}
	if string(first) != string(second) {
		t.Errorf("tie-break order changed between calls: %q vs %q", first, second)
	}
}
