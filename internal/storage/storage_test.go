package storage

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestItemLifecycle(t *testing.T) {
	s := openTestStore(t)

	err := s.RecordItemQueued(ItemRecord{
		ID:         "item-1",
		Status:     "pending",
		InputPath:  "/in/a.png",
		OutputPath: "/out/a_slothified.png",
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordItemStart("item-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordItemResult("item-1", "done", "/out/a_slothified.png", "", ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	recs, err := s.RecentItems(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	rec := recs[0]
	if rec.ID != "item-1" || rec.Status != "done" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.StartedAt == nil || rec.CompletedAt == nil {
		t.Fatal("timestamps not recorded")
	}
}

func TestItemFailureKeepsKindAndMessage(t *testing.T) {
	s := openTestStore(t)

	if err := s.RecordItemQueued(ItemRecord{ID: "item-2", Status: "pending", InputPath: "/in/b.png"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordItemResult("item-2", "failed", "", "SubprocessFailed", "upscaler exited 1"); err != nil {
		t.Fatal(err)
	}

	recs, err := s.RecentItems(10)
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].ErrorKind != "SubprocessFailed" || recs[0].Error != "upscaler exited 1" {
		t.Fatalf("record = %+v", recs[0])
	}
}

func TestArtifactEvents(t *testing.T) {
	s := openTestStore(t)

	for _, state := range []string{"downloading", "installed"} {
		if err := s.RecordArtifactEvent("birefnet", state, ""); err != nil {
			t.Fatalf("record %s: %v", state, err)
		}
	}

	events, err := s.ArtifactHistory("birefnet", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	for _, ev := range events {
		if ev.Artifact != "birefnet" {
			t.Fatalf("event = %+v", ev)
		}
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	if err := s.RecordItemQueued(ItemRecord{ID: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordItemStart("x"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordItemResult("x", "done", "", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordArtifactEvent("a", "installed", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
