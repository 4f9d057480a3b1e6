package status

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// trackerTest exercises the Tracker contract against any implementation.
func trackerTest(t *testing.T, tr Tracker) {
	t.Helper()
	ctx := context.Background()

	if err := tr.UpdateStage(ctx, "ghost", "chunked", 0.5); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("update of unknown session = %v, want ErrUnknownSession", err)
	}

	if err := tr.StartSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	s, err := tr.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if s.State != StateRunning || s.StartedAt.IsZero() {
		t.Errorf("after start: %+v", s)
	}

	if err := tr.UpdateStage(ctx, "s1", "transcribed", 0.35); err != nil {
		t.Fatal(err)
	}
	s, _ = tr.Get(ctx, "s1")
	if s.Stage != "transcribed" || s.Progress != 0.35 {
		t.Errorf("after update: %+v", s)
	}

	if err := tr.CompleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	s, _ = tr.Get(ctx, "s1")
	if s.State != StateCompleted || s.Error != "" {
		t.Errorf("after complete: %+v", s)
	}

	if err := tr.StartSession(ctx, "s2"); err != nil {
		t.Fatal(err)
	}
	if err := tr.FailSession(ctx, "s2", errors.New("ffmpeg not found")); err != nil {
		t.Fatal(err)
	}
	s, _ = tr.Get(ctx, "s2")
	if s.State != StateFailed || s.Error != "ffmpeg not found" {
		t.Errorf("after fail: %+v", s)
	}

	if _, err := tr.Get(ctx, "nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("get of unknown session = %v, want ErrUnknownSession", err)
	}
}

func TestMemoryTracker(t *testing.T) {
	trackerTest(t, NewMemory())
}

func TestSQLiteTracker(t *testing.T) {
	tr, err := OpenSQLite(filepath.Join(t.TempDir(), "status.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	trackerTest(t, tr)
}

func TestSQLiteRestartResetsSession(t *testing.T) {
	tr, err := OpenSQLite(filepath.Join(t.TempDir(), "status.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	ctx := context.Background()

	if err := tr.StartSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.FailSession(ctx, "s1", errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if err := tr.StartSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	s, err := tr.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if s.State != StateRunning || s.Error != "" || s.Progress != 0 {
		t.Errorf("restarted session = %+v", s)
	}
}

func TestMemoryList(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := m.StartSession(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	list, err := m.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("list = %d sessions", len(list))
	}
}
