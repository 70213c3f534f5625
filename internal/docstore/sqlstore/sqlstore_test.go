package sqlstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"docflow/internal/docstore"
	"docflow/internal/domain"
)

func newTestSQL(t *testing.T) *SQL {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := New(db)
	s.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	s := newTestSQL(t)
	ctx := context.Background()

	doc := domain.NewDocument("d1", domain.StatusActive)
	doc.Set("title", "launch")
	doc.Set("meta.priority", 7)
	doc.SetBody("body text")
	doc.AddDocRef("parent", "d0", nil)
	doc.AddFileRef("attachments", "a.png", "u1", nil)
	stage, err := doc.AddStage("review", domain.StageScheduled, false)
	if err != nil {
		t.Fatal(err)
	}
	stage.RecordRun("check_facts", 2, "run-1", time.Now())

	if err := s.Persist(ctx, doc); err != nil {
		t.Fatalf("persist: %v", err)
	}

	loaded, err := s.Load(ctx, "d1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != domain.StatusActive || loaded.Body != "body text" {
		t.Fatalf("loaded = %+v", loaded)
	}
	if got, _ := loaded.Get("title"); got != "launch" {
		t.Fatalf("title = %v", got)
	}
	ls := loaded.Stage("review", 1)
	if ls == nil || ls.Status != domain.StageScheduled {
		t.Fatalf("stage = %+v", ls)
	}
	if run := ls.RunFor("check_facts"); run == nil || run.RunID != "run-1" {
		t.Fatalf("run = %+v", run)
	}
	if loaded.Dirty() {
		t.Fatal("loaded document should be clean")
	}
}

func TestPersistIsUpsert(t *testing.T) {
	s := newTestSQL(t)
	ctx := context.Background()

	doc := domain.NewDocument("d1", domain.StatusInbox)
	if err := s.Persist(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := doc.SetStatus(domain.StatusActive); err != nil {
		t.Fatal(err)
	}
	doc.Set("rev", 2)
	if err := s.Persist(ctx, doc); err != nil {
		t.Fatalf("second persist: %v", err)
	}

	loaded, err := s.Load(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != domain.StatusActive {
		t.Fatalf("status = %s", loaded.Status)
	}

	all, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("documents = %d, want 1", len(all))
	}
}

func TestEventsAppended(t *testing.T) {
	s := newTestSQL(t)
	ctx := context.Background()

	doc := domain.NewDocument("d1", domain.StatusInbox)
	if err := s.Persist(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := s.Persist(ctx, doc); err != nil {
		t.Fatal(err)
	}
	events, err := s.Events(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != "document.saved" {
		t.Fatalf("event type = %q", events[0].Type)
	}
}

func TestRemove(t *testing.T) {
	s := newTestSQL(t)
	ctx := context.Background()

	doc := domain.NewDocument("d1", domain.StatusInbox)
	if _, err := doc.AddStage("review", domain.StageScheduled, false); err != nil {
		t.Fatal(err)
	}
	if err := s.Persist(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, doc); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.Load(ctx, "d1"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("load removed = %v", err)
	}
	if err := s.Remove(ctx, doc); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("double remove = %v", err)
	}
}

func TestRemoveAll(t *testing.T) {
	s := newTestSQL(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := s.Persist(ctx, domain.NewDocument(id, domain.StatusInbox)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RemoveAll(ctx); err != nil {
		t.Fatal(err)
	}
	all, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("remove all left %d docs", len(all))
	}
}

func TestStoreAndReadFile(t *testing.T) {
	s := newTestSQL(t)
	ctx := context.Background()

	doc := domain.NewDocument("d1", domain.StatusInbox)
	if err := s.Persist(ctx, doc); err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := s.StoreFile(ctx, doc, src)
	if err != nil {
		t.Fatalf("store file: %v", err)
	}
	data, err := s.ReadFile(ctx, id)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("payload = %q", data)
	}
	if _, err := s.ReadFile(ctx, "missing"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("missing file = %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	db.Close()
}
