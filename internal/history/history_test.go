package history

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("") // in-memory
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		run := &Run{
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
			ProxyUp:    true,
			SSHUp:      true,
			PortUp:     true,
			Sessions:   i,
		}
		if err := s.Append(ctx, run); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if run.ID == "" {
			t.Fatal("Append left ID empty")
		}
	}

	runs, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	// Newest first.
	if !runs[0].StartedAt.After(runs[1].StartedAt) {
		t.Errorf("runs not ordered newest first: %v, %v", runs[0].StartedAt, runs[1].StartedAt)
	}
	if runs[0].Sessions != 2 {
		t.Errorf("got sessions %d, want 2", runs[0].Sessions)
	}
}

func TestLatestEmpty(t *testing.T) {
	s := newTestStore(t)
	latest, err := s.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest != nil {
		t.Errorf("got %+v, want nil", latest)
	}
}

func TestRemovedRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &Run{StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC()}
	run.SetRemoved([]string{"carol", "dave"})
	if err := s.Append(ctx, run); err != nil {
		t.Fatalf("Append: %v", err)
	}

	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	removed := latest.Removed()
	if len(removed) != 2 || removed[0] != "carol" || removed[1] != "dave" {
		t.Errorf("got removed %v, want [carol dave]", removed)
	}
}

func TestRemovedEmpty(t *testing.T) {
	var run Run
	if got := run.Removed(); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &Run{StartedAt: time.Now().UTC().AddDate(0, -6, 0), FinishedAt: time.Now().UTC().AddDate(0, -6, 0)}
	recent := &Run{StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC()}
	if err := s.Append(ctx, old); err != nil {
		t.Fatalf("Append(old): %v", err)
	}
	if err := s.Append(ctx, recent); err != nil {
		t.Fatalf("Append(recent): %v", err)
	}

	n, err := s.Prune(ctx, time.Now().UTC().AddDate(0, -3, 0))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d runs, want 1", n)
	}

	runs, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != recent.ID {
		t.Errorf("got %v, want only the recent run", runs)
	}
}
