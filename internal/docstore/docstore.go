// Package docstore is the persistence contract for documents: a backend
// interface, lifecycle hooks, and the Store wrapper the rest of the system
// talks to.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"docflow/internal/domain"
	"docflow/internal/props"
)

// ErrNotFound indicates a document id that no backend record matches.
var ErrNotFound = errors.New("document not found")

// Event identifies a lifecycle hook point.
type Event string

const (
	BeforeCreate  Event = "before_create"
	AfterCreate   Event = "after_create"
	BeforeSave    Event = "before_save"
	AfterSave     Event = "after_save"
	BeforeDestroy Event = "before_destroy"
	AfterDestroy  Event = "after_destroy"
)

// Hook is a lifecycle callback. Hooks may mutate the document; after-save
// hooks may even save it again, the store tolerates re-entrancy.
type Hook func(ctx context.Context, doc *domain.Document) error

// Hooks is an ordered registry of lifecycle callbacks.
type Hooks struct {
	mu      sync.Mutex
	byEvent map[Event][]Hook
}

// NewHooks returns an empty registry.
func NewHooks() *Hooks {
	return &Hooks{byEvent: map[Event][]Hook{}}
}

// Register appends a hook for an event. Hooks fire in registration order.
func (h *Hooks) Register(event Event, hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byEvent[event] = append(h.byEvent[event], hook)
}

func (h *Hooks) fire(ctx context.Context, event Event, doc *domain.Document) error {
	h.mu.Lock()
	hooks := make([]Hook, len(h.byEvent[event]))
	copy(hooks, h.byEvent[event])
	h.mu.Unlock()
	for _, hook := range hooks {
		if err := hook(ctx, doc); err != nil {
			return fmt.Errorf("%s hook: %w", event, err)
		}
	}
	return nil
}

// Filters narrows Where results. Zero fields do not filter.
type Filters struct {
	Status     domain.Status
	DocRefKey  string
	FileRefKey string
	// ExistsAttr requires the dotted property path to resolve.
	ExistsAttr string
	// PropEquals requires each dotted path to equal the given value.
	PropEquals map[string]any
}

// MatchFilters reports whether a document satisfies every set filter.
func MatchFilters(doc *domain.Document, f Filters) bool {
	if f.Status != "" && doc.Status != f.Status {
		return false
	}
	if f.DocRefKey != "" {
		found := false
		for _, ref := range doc.DocRefs {
			if ref.Key == f.DocRefKey {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.FileRefKey != "" {
		found := false
		for _, ref := range doc.FileRefs {
			if ref.Key == f.FileRefKey {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ExistsAttr != "" {
		if _, ok := props.Get(doc.Props, f.ExistsAttr); !ok {
			return false
		}
	}
	for path, want := range f.PropEquals {
		got, ok := props.Get(doc.Props, path)
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// Backend is a storage implementation. Backends persist whole documents,
// stages included, and own file payload storage.
type Backend interface {
	Persist(ctx context.Context, doc *domain.Document) error
	Load(ctx context.Context, id string) (*domain.Document, error)
	LoadAll(ctx context.Context) ([]*domain.Document, error)
	Remove(ctx context.Context, doc *domain.Document) error
	RemoveAll(ctx context.Context) error
	// StoreFile copies the payload at srcPath into backend storage under a
	// fresh uuid and returns that uuid.
	StoreFile(ctx context.Context, doc *domain.Document, srcPath string) (string, error)
}

// Store wraps a backend with id assignment, validation, and lifecycle hooks.
type Store struct {
	backend Backend
	hooks   *Hooks
	log     *slog.Logger

	// NewID generates document ids. Overridable in tests.
	NewID func() string
}

// New builds a Store over a backend.
func New(backend Backend, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		backend: backend,
		hooks:   NewHooks(),
		log:     log,
		NewID:   uuid.NewString,
	}
}

// Hooks exposes the lifecycle registry.
func (s *Store) Hooks() *Hooks { return s.hooks }

// Create persists a new document, assigning an id when absent.
func (s *Store) Create(ctx context.Context, doc *domain.Document) error {
	if doc.ID == "" {
		doc.ID = s.NewID()
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	if err := s.hooks.fire(ctx, BeforeCreate, doc); err != nil {
		return err
	}
	if err := s.backend.Persist(ctx, doc); err != nil {
		return fmt.Errorf("create %s: %w", doc.ID, err)
	}
	doc.ClearDirty()
	s.log.Debug("document created", "doc", doc.ID, "status", doc.Status)
	return s.hooks.fire(ctx, AfterCreate, doc)
}

// Save persists pending changes. Hooks fire even when the document is clean;
// the persist itself is skipped then.
func (s *Store) Save(ctx context.Context, doc *domain.Document) error {
	if err := s.hooks.fire(ctx, BeforeSave, doc); err != nil {
		return err
	}
	if doc.Dirty() {
		if err := doc.Validate(); err != nil {
			return err
		}
		if err := s.backend.Persist(ctx, doc); err != nil {
			return fmt.Errorf("save %s: %w", doc.ID, err)
		}
		doc.ClearDirty()
		s.log.Debug("document saved", "doc", doc.ID, "status", doc.Status)
	}
	return s.hooks.fire(ctx, AfterSave, doc)
}

// Destroy removes the document and its stored files.
func (s *Store) Destroy(ctx context.Context, doc *domain.Document) error {
	if err := s.hooks.fire(ctx, BeforeDestroy, doc); err != nil {
		return err
	}
	if err := s.backend.Remove(ctx, doc); err != nil {
		return fmt.Errorf("destroy %s: %w", doc.ID, err)
	}
	s.log.Debug("document destroyed", "doc", doc.ID)
	return s.hooks.fire(ctx, AfterDestroy, doc)
}

// Find loads a document by id.
func (s *Store) Find(ctx context.Context, id string) (*domain.Document, error) {
	return s.backend.Load(ctx, id)
}

// Where returns the documents matching the filters. Each call re-queries the
// backend and returns a fresh slice.
func (s *Store) Where(ctx context.Context, f Filters) ([]*domain.Document, error) {
	all, err := s.backend.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.Document
	for _, doc := range all {
		if MatchFilters(doc, f) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// DeleteAll removes every document. Hooks do not fire; this is bulk cleanup.
func (s *Store) DeleteAll(ctx context.Context) error {
	return s.backend.RemoveAll(ctx)
}

// CopyFile stores the payload at srcPath next to the document and appends a
// FileRef under key. The document is saved afterwards.
func (s *Store) CopyFile(ctx context.Context, doc *domain.Document, key, srcPath, filename string) (domain.FileRef, error) {
	id, err := s.backend.StoreFile(ctx, doc, srcPath)
	if err != nil {
		return domain.FileRef{}, fmt.Errorf("copy file for %s: %w", doc.ID, err)
	}
	ref := doc.AddFileRef(key, filename, id, nil)
	if err := s.Save(ctx, doc); err != nil {
		return domain.FileRef{}, err
	}
	return ref, nil
}
