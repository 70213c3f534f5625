// Package sqlstore persists documents in SQLite with an append-only event log.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"docflow/internal/docstore"
	"docflow/internal/domain"
)

const dbName = "docflow.db"

// Path returns the database path under a base directory.
func Path(baseDir string) string {
	if baseDir == "" {
		baseDir = "."
	}
	return filepath.Join(baseDir, dbName)
}

// Open opens the SQLite database with foreign keys on and applies migrations.
func Open(baseDir string) (*sql.DB, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", Path(baseDir))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// SQL is a SQLite document backend.
type SQL struct {
	db *sql.DB

	Now func() time.Time
}

// New wraps an open, migrated database.
func New(db *sql.DB) *SQL {
	return &SQL{db: db, Now: time.Now}
}

func (s *SQL) now() string {
	return s.Now().UTC().Format(time.RFC3339)
}

func marshal(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshal[T any](raw string) (T, error) {
	var out T
	if raw == "" || raw == "null" {
		return out, nil
	}
	err := json.Unmarshal([]byte(raw), &out)
	return out, err
}

// Persist writes the document and its stages in one transaction and appends
// a saved event.
func (s *SQL) Persist(ctx context.Context, doc *domain.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	propsJSON, err := marshal(doc.Props)
	if err != nil {
		return fmt.Errorf("marshal props: %w", err)
	}
	docRefsJSON, err := marshal(doc.DocRefs)
	if err != nil {
		return err
	}
	fileRefsJSON, err := marshal(doc.FileRefs)
	if err != nil {
		return err
	}
	ts := s.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents(id, status, props_json, body, doc_refs_json, file_refs_json, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			props_json=excluded.props_json,
			body=excluded.body,
			doc_refs_json=excluded.doc_refs_json,
			file_refs_json=excluded.file_refs_json,
			updated_at=excluded.updated_at`,
		doc.ID, string(doc.Status), orDefault(propsJSON, "{}"), doc.Body,
		orDefault(docRefsJSON, "[]"), orDefault(fileRefsJSON, "[]"), ts, ts)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM stages WHERE doc_id=?`, doc.ID); err != nil {
		return err
	}
	for _, stage := range doc.Stages {
		sp, err := marshal(stage.Props)
		if err != nil {
			return err
		}
		sd, err := marshal(stage.DocRefs)
		if err != nil {
			return err
		}
		sf, err := marshal(stage.FileRefs)
		if err != nil {
			return err
		}
		sr, err := marshal(stage.Runs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stages(doc_id, definition, instance, status, props_json, body, doc_refs_json, file_refs_json, runs_json)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			doc.ID, stage.Definition, stage.Index, string(stage.Status),
			orDefault(sp, "{}"), stage.Body, orDefault(sd, "[]"), orDefault(sf, "[]"), orDefault(sr, "[]"))
		if err != nil {
			return fmt.Errorf("insert stage %s/%d: %w", stage.Definition, stage.Index, err)
		}
	}

	if err := s.appendEvent(ctx, tx, "document.saved", doc.ID, map[string]any{"status": doc.Status}); err != nil {
		return err
	}
	return tx.Commit()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (s *SQL) appendEvent(ctx context.Context, tx *sql.Tx, evtType, docID string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts, type, doc_id, payload_json) VALUES (?,?,?,?)`,
		s.now(), evtType, docID, string(data))
	return err
}

// Load reads a document and its stages by id.
func (s *SQL) Load(ctx context.Context, id string) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, props_json, body, doc_refs_json, file_refs_json
		FROM documents WHERE id=?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadStages(ctx, doc); err != nil {
		return nil, err
	}
	doc.ClearDirty()
	return doc, nil
}

// LoadAll reads every document.
func (s *SQL) LoadAll(ctx context.Context) ([]*domain.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, props_json, body, doc_refs_json, file_refs_json
		FROM documents ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, doc := range out {
		if err := s.loadStages(ctx, doc); err != nil {
			return nil, err
		}
		doc.ClearDirty()
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*domain.Document, error) {
	var id, status, propsJSON, body, docRefsJSON, fileRefsJSON string
	if err := row.Scan(&id, &status, &propsJSON, &body, &docRefsJSON, &fileRefsJSON); err != nil {
		return nil, err
	}
	st, ok := domain.ParseStatus(status)
	if !ok {
		return nil, fmt.Errorf("document %s: unknown status %q", id, status)
	}
	doc := domain.NewDocument(id, st)
	props, err := unmarshal[map[string]any](propsJSON)
	if err != nil {
		return nil, fmt.Errorf("document %s props: %w", id, err)
	}
	if props != nil {
		doc.Props = props
	}
	doc.Body = body
	if doc.DocRefs, err = unmarshal[[]domain.DocRef](docRefsJSON); err != nil {
		return nil, err
	}
	if doc.FileRefs, err = unmarshal[[]domain.FileRef](fileRefsJSON); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *SQL) loadStages(ctx context.Context, doc *domain.Document) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT definition, instance, status, props_json, body, doc_refs_json, file_refs_json, runs_json
		FROM stages WHERE doc_id=? ORDER BY definition, instance`, doc.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var definition, status, propsJSON, body, docRefsJSON, fileRefsJSON, runsJSON string
		var instance int
		if err := rows.Scan(&definition, &instance, &status, &propsJSON, &body, &docRefsJSON, &fileRefsJSON, &runsJSON); err != nil {
			return err
		}
		st, ok := domain.ParseStageStatus(status)
		if !ok {
			return fmt.Errorf("stage %s/%d of %s: unknown status %q", definition, instance, doc.ID, status)
		}
		stage := &domain.Stage{
			Definition: definition,
			Index:      instance,
			Status:     st,
			Body:       body,
		}
		if stage.Props, err = unmarshal[map[string]any](propsJSON); err != nil {
			return err
		}
		if stage.Props == nil {
			stage.Props = map[string]any{}
		}
		if stage.DocRefs, err = unmarshal[[]domain.DocRef](docRefsJSON); err != nil {
			return err
		}
		if stage.FileRefs, err = unmarshal[[]domain.FileRef](fileRefsJSON); err != nil {
			return err
		}
		if stage.Runs, err = unmarshal[[]domain.WorkflowRun](runsJSON); err != nil {
			return err
		}
		doc.AttachStage(stage)
	}
	return rows.Err()
}

// Remove deletes the document, its stages and files, and appends an event.
func (s *SQL) Remove(ctx context.Context, doc *domain.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id=?`, doc.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", docstore.ErrNotFound, doc.ID)
	}
	if err := s.appendEvent(ctx, tx, "document.destroyed", doc.ID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveAll truncates documents, stages, files, and events.
func (s *SQL) RemoveAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM stages`,
		`DELETE FROM files`,
		`DELETE FROM documents`,
		`DELETE FROM events`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// StoreFile copies a payload into the files table under a fresh uuid.
func (s *SQL) StoreFile(ctx context.Context, doc *domain.Document, srcPath string) (string, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `INSERT INTO files(uuid, doc_id, content) VALUES (?,?,?)`, id, doc.ID, data)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ReadFile returns a stored file payload.
func (s *SQL) ReadFile(ctx context.Context, uuid string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM files WHERE uuid=?`, uuid).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: file %s", docstore.ErrNotFound, uuid)
	}
	return data, err
}

// Events returns the event log for a document, oldest first.
func (s *SQL) Events(ctx context.Context, docID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, type, payload_json FROM events WHERE doc_id=? ORDER BY id`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.TS, &e.Type, &payload); err != nil {
			return nil, err
		}
		if e.Payload, err = unmarshal[map[string]any](payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Event is one entry in the append-only log.
type Event struct {
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}
