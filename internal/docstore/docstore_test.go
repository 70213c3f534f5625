package docstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"docflow/internal/domain"
)

type memBackend struct {
	docs  map[string]*domain.Document
	files map[string][]byte
	next  int
}

func newMemBackend() *memBackend {
	return &memBackend{docs: map[string]*domain.Document{}, files: map[string][]byte{}}
}

func (m *memBackend) Persist(_ context.Context, doc *domain.Document) error {
	m.docs[doc.ID] = doc
	return nil
}

func (m *memBackend) Load(_ context.Context, id string) (*domain.Document, error) {
	doc, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return doc, nil
}

func (m *memBackend) LoadAll(_ context.Context) ([]*domain.Document, error) {
	var out []*domain.Document
	for _, doc := range m.docs {
		out = append(out, doc)
	}
	return out, nil
}

func (m *memBackend) Remove(_ context.Context, doc *domain.Document) error {
	if _, ok := m.docs[doc.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, doc.ID)
	}
	delete(m.docs, doc.ID)
	return nil
}

func (m *memBackend) RemoveAll(context.Context) error {
	m.docs = map[string]*domain.Document{}
	return nil
}

func (m *memBackend) StoreFile(_ context.Context, _ *domain.Document, srcPath string) (string, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return "", err
	}
	m.next++
	id := fmt.Sprintf("file-%d", m.next)
	m.files[id] = data
	return id, nil
}

func newTestStore() (*Store, *memBackend) {
	backend := newMemBackend()
	store := New(backend, nil)
	n := 0
	store.NewID = func() string {
		n++
		return fmt.Sprintf("doc-%d", n)
	}
	return store, backend
}

func TestCreateAssignsID(t *testing.T) {
	store, backend := newTestStore()
	doc := domain.NewDocument("", domain.StatusInbox)
	if err := store.Create(context.Background(), doc); err != nil {
		t.Fatalf("create: %v", err)
	}
	if doc.ID != "doc-1" {
		t.Fatalf("id = %q", doc.ID)
	}
	if doc.Dirty() {
		t.Fatal("created document should be clean")
	}
	if _, ok := backend.docs["doc-1"]; !ok {
		t.Fatal("not persisted")
	}
}

func TestSaveSkipsCleanButHooksFire(t *testing.T) {
	store, _ := newTestStore()
	doc := domain.NewDocument("", domain.StatusInbox)
	if err := store.Create(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	fired := 0
	store.Hooks().Register(AfterSave, func(context.Context, *domain.Document) error {
		fired++
		return nil
	})
	if err := store.Save(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Fatalf("after_save fired %d times", fired)
	}
}

func TestHookOrderAndErrors(t *testing.T) {
	store, backend := newTestStore()
	var order []string
	store.Hooks().Register(BeforeCreate, func(context.Context, *domain.Document) error {
		order = append(order, "first")
		return nil
	})
	store.Hooks().Register(BeforeCreate, func(context.Context, *domain.Document) error {
		order = append(order, "second")
		return errors.New("boom")
	})

	doc := domain.NewDocument("", domain.StatusInbox)
	err := store.Create(context.Background(), doc)
	if err == nil {
		t.Fatal("expected hook error")
	}
	if len(order) != 2 || order[0] != "first" {
		t.Fatalf("order = %v", order)
	}
	if len(backend.docs) != 0 {
		t.Fatal("failed before_create must not persist")
	}
}

func TestReentrantSaveFromHook(t *testing.T) {
	store, _ := newTestStore()
	doc := domain.NewDocument("", domain.StatusInbox)
	if err := store.Create(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	depth := 0
	store.Hooks().Register(AfterSave, func(ctx context.Context, d *domain.Document) error {
		if depth > 0 {
			return nil
		}
		depth++
		d.Set("touched", true)
		return store.Save(ctx, d)
	})

	doc.Set("title", "x")
	if err := store.Save(context.Background(), doc); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got, _ := doc.Get("touched"); got != true {
		t.Fatal("hook mutation lost")
	}
	if doc.Dirty() {
		t.Fatal("document should be clean after nested save")
	}
}

func TestWhereFilters(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	a := domain.NewDocument("", domain.StatusActive)
	a.Set("kind", "post")
	a.AddDocRef("parent", "other", nil)
	b := domain.NewDocument("", domain.StatusInbox)
	b.Set("kind", "post")
	b.AddFileRef("attachments", "x.png", "u1", nil)
	c := domain.NewDocument("", domain.StatusActive)
	c.Set("kind", "note")
	for _, doc := range []*domain.Document{a, b, c} {
		if err := store.Create(ctx, doc); err != nil {
			t.Fatal(err)
		}
	}

	cases := []struct {
		name string
		f    Filters
		want int
	}{
		{"all", Filters{}, 3},
		{"status", Filters{Status: domain.StatusActive}, 2},
		{"doc ref key", Filters{DocRefKey: "parent"}, 1},
		{"file ref key", Filters{FileRefKey: "attachments"}, 1},
		{"exists attr", Filters{ExistsAttr: "kind"}, 3},
		{"prop equals", Filters{PropEquals: map[string]any{"kind": "post"}}, 2},
		{"combined", Filters{Status: domain.StatusActive, PropEquals: map[string]any{"kind": "post"}}, 1},
	}
	for _, tc := range cases {
		docs, err := store.Where(ctx, tc.f)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(docs) != tc.want {
			t.Errorf("%s: got %d docs, want %d", tc.name, len(docs), tc.want)
		}
	}
}

func TestDestroyAndDeleteAll(t *testing.T) {
	store, backend := newTestStore()
	ctx := context.Background()
	doc := domain.NewDocument("", domain.StatusInbox)
	if err := store.Create(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := store.Destroy(ctx, doc); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := store.Find(ctx, doc.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("find after destroy = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := store.Create(ctx, domain.NewDocument("", domain.StatusInbox)); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.DeleteAll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(backend.docs) != 0 {
		t.Fatal("delete all left documents")
	}
}

func TestCopyFile(t *testing.T) {
	store, backend := newTestStore()
	ctx := context.Background()
	doc := domain.NewDocument("", domain.StatusInbox)
	if err := store.Create(ctx, doc); err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	ref, err := store.CopyFile(ctx, doc, "attachments", src, "report.pdf")
	if err != nil {
		t.Fatalf("copy file: %v", err)
	}
	if ref.Filename != "report.pdf" || ref.UUID == "" {
		t.Fatalf("ref = %+v", ref)
	}
	if string(backend.files[ref.UUID]) != "payload" {
		t.Fatal("payload not stored")
	}
	if len(doc.FileRefs) != 1 {
		t.Fatalf("file refs = %d", len(doc.FileRefs))
	}
	if doc.Dirty() {
		t.Fatal("copy file should save the document")
	}
}
