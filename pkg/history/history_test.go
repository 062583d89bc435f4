package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/copydesk/pkg/models"
)

func mustNew(t *testing.T, retentionDays int) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "history_test.db"), retentionDays, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleEntry(id string, at time.Time) models.HistoryEntry {
	return models.HistoryEntry{
		RequestID:   id,
		Fingerprint: "fp-" + id,
		Kind:        "description",
		ProductName: "Trail Runner",
		Model:       "gpt-4o",
		Tokens:      420,
		Status:      "ok",
		LatencyMs:   1200,
		CreatedAt:   at,
	}
}

func TestRecordAndQuery(t *testing.T) {
	s := mustNew(t, 30)
	ctx := context.Background()
	now := time.Now()

	if err := s.Record(ctx, sampleEntry("r1", now.Add(-time.Minute))); err != nil {
		t.Fatal(err)
	}
	e2 := sampleEntry("r2", now)
	e2.Model = "claude-3-5-sonnet"
	e2.Cached = true
	e2.Status = "error"
	e2.Error = "rate_limit"
	if err := s.Record(ctx, e2); err != nil {
		t.Fatal(err)
	}

	all, err := s.Query(ctx, models.HistoryQueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all[0].RequestID != "r2" {
		t.Errorf("expected newest first, got %s", all[0].RequestID)
	}
	if !all[0].Cached || all[0].Error != "rate_limit" {
		t.Errorf("unexpected entry: %+v", all[0])
	}

	byModel, err := s.Query(ctx, models.HistoryQueryOpts{Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byModel) != 1 || byModel[0].RequestID != "r1" {
		t.Errorf("unexpected model filter result: %+v", byModel)
	}

	byStatus, _ := s.Query(ctx, models.HistoryQueryOpts{Status: "error"})
	if len(byStatus) != 1 {
		t.Errorf("expected 1 error entry, got %d", len(byStatus))
	}

	byFP, _ := s.Query(ctx, models.HistoryQueryOpts{Fingerprint: "fp-r1"})
	if len(byFP) != 1 {
		t.Errorf("expected 1 entry for fingerprint, got %d", len(byFP))
	}

	since, _ := s.Query(ctx, models.HistoryQueryOpts{Since: now.Add(-30 * time.Second)})
	if len(since) != 1 {
		t.Errorf("expected 1 recent entry, got %d", len(since))
	}

	limited, _ := s.Query(ctx, models.HistoryQueryOpts{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected limit 1, got %d", len(limited))
	}
}

func TestStats(t *testing.T) {
	s := mustNew(t, 30)
	ctx := context.Background()
	day := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		e := sampleEntry(id, day.Add(time.Duration(i)*time.Minute))
		e.Cached = id == "c"
		if err := s.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 stat row, got %d", len(stats))
	}
	st := stats[0]
	if st.Day != "2025-05-01" || st.Count != 3 || st.Cached != 1 || st.Tokens != 1260 {
		t.Errorf("unexpected stat: %+v", st)
	}
}

func TestCleanup(t *testing.T) {
	s := mustNew(t, 7)
	ctx := context.Background()
	now := time.Now()

	_ = s.Record(ctx, sampleEntry("old", now.AddDate(0, 0, -10)))
	_ = s.Record(ctx, sampleEntry("new", now))

	n, err := s.Cleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}
	left, _ := s.Query(ctx, models.HistoryQueryOpts{})
	if len(left) != 1 || left[0].RequestID != "new" {
		t.Errorf("unexpected remaining entries: %+v", left)
	}
}

func TestCleanupKeepsForeverWhenDisabled(t *testing.T) {
	s := mustNew(t, 0)
	ctx := context.Background()
	_ = s.Record(ctx, sampleEntry("ancient", time.Now().AddDate(-5, 0, 0)))

	n, err := s.Cleanup(ctx)
	if err != nil || n != 0 {
		t.Errorf("expected no cleanup, got %d, %v", n, err)
	}
}

func TestNilStoreRecord(t *testing.T) {
	var s *Store
	if err := s.Record(context.Background(), sampleEntry("x", time.Now())); err != nil {
		t.Errorf("nil store should ignore records: %v", err)
	}
}
