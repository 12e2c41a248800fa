package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	outcomes := []Outcome{
		{BuildID: "b1", Kind: KindSnapshot, Name: "home", Status: StatusSuccess, StartedAt: base, FinishedAt: base.Add(time.Second)},
		{BuildID: "b1", Kind: KindUpload, Name: "home", Status: StatusFailed, Error: "boom", StartedAt: base, FinishedAt: base.Add(2 * time.Second)},
		{BuildID: "b2", Kind: KindSnapshot, Name: "about", Status: StatusCanceled, StartedAt: base, FinishedAt: base.Add(3 * time.Second)},
	}
	for _, o := range outcomes {
		if err := s.Record(ctx, o); err != nil {
			t.Fatalf("Record(%+v) = %v", o, err)
		}
	}

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].Name != "about" {
		t.Errorf("newest first: got %q, want about", all[0].Name)
	}
	if all[0].ID == "" {
		t.Error("recorded outcome has no id")
	}
}

func TestList_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Record(ctx, Outcome{BuildID: "b1", Kind: KindSnapshot, Name: "home", Status: StatusSuccess})
	s.Record(ctx, Outcome{BuildID: "b1", Kind: KindUpload, Name: "home", Status: StatusSuccess})
	s.Record(ctx, Outcome{BuildID: "b2", Kind: KindUpload, Name: "about", Status: StatusFailed, Error: "422"})

	uploads, err := s.List(ctx, Filter{Kind: KindUpload})
	if err != nil {
		t.Fatal(err)
	}
	if len(uploads) != 2 {
		t.Errorf("uploads = %d, want 2", len(uploads))
	}

	failedB2, err := s.List(ctx, Filter{BuildID: "b2", Status: StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failedB2) != 1 || failedB2[0].Error != "422" {
		t.Errorf("failedB2 = %+v, want single 422 outcome", failedB2)
	}
}
