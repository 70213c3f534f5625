// Package fsstore persists documents as markdown files with YAML frontmatter.
//
// Layout under the base directory:
//
//	<base>/<status>/<id>/doc.md
//	<base>/<status>/<id>/stages/<definition>/<index>/stage.md
//	<base>/<status>/<id>/<file-uuid>
//
// A status change relocates the whole document directory.
package fsstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"docflow/internal/docstore"
	"docflow/internal/domain"
)

const docFile = "doc.md"
const stageFile = "stage.md"

// FS is a filesystem document backend.
type FS struct {
	base string

	mu sync.Mutex
	// statuses remembers where each loaded document lives on disk so a
	// status change can relocate its directory.
	statuses map[string]domain.Status
}

// New opens (creating if needed) a document root.
func New(base string) (*FS, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create document root: %w", err)
	}
	return &FS{base: base, statuses: map[string]domain.Status{}}, nil
}

func (f *FS) docDir(status domain.Status, id string) string {
	return filepath.Join(f.base, string(status), id)
}

type docMeta struct {
	ID       string           `yaml:"id"`
	Status   string           `yaml:"status"`
	Props    map[string]any   `yaml:"props,omitempty"`
	DocRefs  []domain.DocRef  `yaml:"doc_refs,omitempty"`
	FileRefs []domain.FileRef `yaml:"file_refs,omitempty"`
}

type stageMeta struct {
	Status   string               `yaml:"status"`
	Props    map[string]any       `yaml:"props,omitempty"`
	DocRefs  []domain.DocRef      `yaml:"doc_refs,omitempty"`
	FileRefs []domain.FileRef     `yaml:"file_refs,omitempty"`
	Runs     []domain.WorkflowRun `yaml:"runs,omitempty"`
}

// Persist writes the document and all its stages, relocating the directory
// when the status changed since load.
func (f *FS) Persist(_ context.Context, doc *domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := f.docDir(doc.Status, doc.ID)
	if prior, ok := f.statuses[doc.ID]; ok && prior != doc.Status {
		oldDir := f.docDir(prior, doc.ID)
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return err
		}
		if err := os.Rename(oldDir, dir); err != nil {
			return fmt.Errorf("relocate %s from %s to %s: %w", doc.ID, prior, doc.Status, err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	meta := docMeta{
		ID:       doc.ID,
		Status:   string(doc.Status),
		Props:    doc.Props,
		DocRefs:  doc.DocRefs,
		FileRefs: doc.FileRefs,
	}
	data, err := encodeFrontmatter(meta, doc.Body)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, docFile), data, 0o644); err != nil {
		return err
	}

	for _, stage := range doc.Stages {
		stageDir := filepath.Join(dir, "stages", stage.Definition, strconv.Itoa(stage.Index))
		if err := os.MkdirAll(stageDir, 0o755); err != nil {
			return err
		}
		sm := stageMeta{
			Status:   string(stage.Status),
			Props:    stage.Props,
			DocRefs:  stage.DocRefs,
			FileRefs: stage.FileRefs,
			Runs:     stage.Runs,
		}
		data, err := encodeFrontmatter(sm, stage.Body)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(stageDir, stageFile), data, 0o644); err != nil {
			return err
		}
	}

	f.statuses[doc.ID] = doc.Status
	return nil
}

// Load reads a document by id, scanning the status directories.
func (f *FS) Load(_ context.Context, id string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, status := range domain.AllStatuses() {
		dir := f.docDir(status, id)
		if _, err := os.Stat(filepath.Join(dir, docFile)); err != nil {
			continue
		}
		doc, err := f.loadDir(dir)
		if err != nil {
			return nil, err
		}
		f.statuses[id] = doc.Status
		return doc, nil
	}
	return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, id)
}

// LoadAll reads every document under the base directory.
func (f *FS) LoadAll(_ context.Context) ([]*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Document
	for _, status := range domain.AllStatuses() {
		statusDir := filepath.Join(f.base, string(status))
		entries, err := os.ReadDir(statusDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			doc, err := f.loadDir(filepath.Join(statusDir, entry.Name()))
			if err != nil {
				return nil, err
			}
			f.statuses[doc.ID] = doc.Status
			out = append(out, doc)
		}
	}
	return out, nil
}

func (f *FS) loadDir(dir string) (*domain.Document, error) {
	data, err := os.ReadFile(filepath.Join(dir, docFile))
	if err != nil {
		return nil, err
	}
	var meta docMeta
	body, err := decodeFrontmatter(data, &meta)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", dir, err)
	}
	status, ok := domain.ParseStatus(meta.Status)
	if !ok {
		return nil, fmt.Errorf("%s: unknown status %q", dir, meta.Status)
	}
	doc := domain.NewDocument(meta.ID, status)
	if meta.Props != nil {
		doc.Props = meta.Props
	}
	doc.Body = body
	doc.DocRefs = meta.DocRefs
	doc.FileRefs = meta.FileRefs

	stagesDir := filepath.Join(dir, "stages")
	defs, err := os.ReadDir(stagesDir)
	if err != nil {
		if os.IsNotExist(err) {
			doc.ClearDirty()
			return doc, nil
		}
		return nil, err
	}
	for _, defEntry := range defs {
		if !defEntry.IsDir() {
			continue
		}
		defDir := filepath.Join(stagesDir, defEntry.Name())
		instances, err := os.ReadDir(defDir)
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			index, err := strconv.Atoi(inst.Name())
			if err != nil || !inst.IsDir() {
				continue
			}
			stage, err := loadStage(filepath.Join(defDir, inst.Name()), defEntry.Name(), index)
			if err != nil {
				return nil, err
			}
			doc.AttachStage(stage)
		}
	}
	doc.ClearDirty()
	return doc, nil
}

func loadStage(dir, definition string, index int) (*domain.Stage, error) {
	data, err := os.ReadFile(filepath.Join(dir, stageFile))
	if err != nil {
		return nil, err
	}
	var meta stageMeta
	body, err := decodeFrontmatter(data, &meta)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", dir, err)
	}
	status, ok := domain.ParseStageStatus(meta.Status)
	if !ok {
		return nil, fmt.Errorf("%s: unknown stage status %q", dir, meta.Status)
	}
	stage := &domain.Stage{
		Definition: definition,
		Index:      index,
		Status:     status,
		Props:      meta.Props,
		Body:       body,
		DocRefs:    meta.DocRefs,
		FileRefs:   meta.FileRefs,
		Runs:       meta.Runs,
	}
	if stage.Props == nil {
		stage.Props = map[string]any{}
	}
	return stage, nil
}

// Remove deletes the document directory.
func (f *FS) Remove(_ context.Context, doc *domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[doc.ID]
	if !ok {
		status = doc.Status
	}
	dir := f.docDir(status, doc.ID)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", docstore.ErrNotFound, doc.ID)
	}
	delete(f.statuses, doc.ID)
	return os.RemoveAll(dir)
}

// RemoveAll deletes every status directory.
func (f *FS) RemoveAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = map[string]domain.Status{}
	for _, status := range domain.AllStatuses() {
		if err := os.RemoveAll(filepath.Join(f.base, string(status))); err != nil {
			return err
		}
	}
	return nil
}

// StoreFile copies the payload into the document directory under a fresh uuid.
func (f *FS) StoreFile(_ context.Context, doc *domain.Document, srcPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dir := f.docDir(doc.Status, doc.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	id := uuid.NewString()
	src, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer src.Close()
	dst, err := os.Create(filepath.Join(dir, id))
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}
	return id, nil
}

// FilePath returns the on-disk location of a stored file ref.
func (f *FS) FilePath(doc *domain.Document, ref domain.FileRef) string {
	return filepath.Join(f.docDir(doc.Status, doc.ID), ref.UUID)
}

var delimiter = []byte("---\n")

func encodeFrontmatter(meta any, body string) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(delimiter)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(meta); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	buf.Write(delimiter)
	buf.WriteString(body)
	return buf.Bytes(), nil
}

func decodeFrontmatter(data []byte, meta any) (string, error) {
	if !bytes.HasPrefix(data, delimiter) {
		return "", fmt.Errorf("missing frontmatter delimiter")
	}
	rest := data[len(delimiter):]
	end := bytes.Index(rest, delimiter)
	if end < 0 {
		return "", fmt.Errorf("unterminated frontmatter")
	}
	if err := yaml.Unmarshal(rest[:end], meta); err != nil {
		return "", err
	}
	return string(rest[end+len(delimiter):]), nil
}
