package domain

import (
	"errors"
	"fmt"
	"time"

	"docflow/internal/props"
)

// ErrValidation marks entity invariant violations. Not retried.
var ErrValidation = errors.New("validation failed")

// ErrDuplicateStage marks a second instance of a stage whose definition is
// not multiple_callable.
var ErrDuplicateStage = errors.New("duplicate stage instance")

// Status is a document lifecycle status.
type Status string

const (
	StatusInbox    Status = "inbox"
	StatusActive   Status = "active"
	StatusDone     Status = "done"
	StatusBlocked  Status = "blocked"
	StatusArchived Status = "archived"
)

var allStatuses = []Status{StatusInbox, StatusActive, StatusDone, StatusBlocked, StatusArchived}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, s := range allStatuses {
		set[s] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of document statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known document Status.
func ParseStatus(value string) (Status, bool) {
	s := Status(value)
	_, ok := statusSet[s]
	return s, ok
}

// StageStatus is a stage instance lifecycle status.
type StageStatus string

const (
	StageScheduled StageStatus = "scheduled"
	StageStarted   StageStatus = "started"
	StageCompleted StageStatus = "completed"
	StageBlocked   StageStatus = "blocked"
	StageCancelled StageStatus = "cancelled"
)

var allStageStatuses = []StageStatus{StageScheduled, StageStarted, StageCompleted, StageBlocked, StageCancelled}

var stageStatusSet = func() map[StageStatus]struct{} {
	set := make(map[StageStatus]struct{}, len(allStageStatuses))
	for _, s := range allStageStatuses {
		set[s] = struct{}{}
	}
	return set
}()

// ParseStageStatus converts a string into a known StageStatus.
func ParseStageStatus(value string) (StageStatus, bool) {
	s := StageStatus(value)
	_, ok := stageStatusSet[s]
	return s, ok
}

// Terminal reports whether a stage status permits no further transitions.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageCompleted, StageBlocked, StageCancelled:
		return true
	}
	return false
}

// EnsureStageTransition validates a stage status transition.
func EnsureStageTransition(from, to StageStatus) error {
	switch from {
	case StageScheduled:
		if to == StageStarted || to == StageBlocked || to == StageCancelled {
			return nil
		}
	case StageStarted:
		if to == StageCompleted || to == StageBlocked || to == StageCancelled {
			return nil
		}
	}
	return fmt.Errorf("invalid stage transition %s -> %s", from, to)
}

// DocRef is a non-owning associative link to another document.
type DocRef struct {
	Key      string         `json:"key" yaml:"key"`
	TargetID string         `json:"target_id" yaml:"target_id"`
	Data     map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// FileRef links an attached file. UUID is the stored name, Filename the
// original display name.
type FileRef struct {
	Key      string         `json:"key" yaml:"key"`
	Filename string         `json:"filename" yaml:"filename"`
	UUID     string         `json:"uuid" yaml:"uuid"`
	Data     map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// WorkflowRun records an external run handle for one workflow entry of a
// stage instance. Recording it is what guarantees at-most-one trigger per
// (stage instance, workflow entry).
type WorkflowRun struct {
	Workflow  string `json:"workflow" yaml:"workflow"`
	Version   int    `json:"version,omitempty" yaml:"version,omitempty"`
	RunID     string `json:"run_id" yaml:"run_id"`
	Outcome   string `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	StartedAt string `json:"started_at,omitempty" yaml:"started_at,omitempty"`
}

// Document is the top-level unit of work.
type Document struct {
	ID       string
	Status   Status
	Props    map[string]any
	Body     string
	DocRefs  []DocRef
	FileRefs []FileRef
	Stages   []*Stage

	dirty bool
}

// NewDocument returns a document in the given status, defaulting to inbox.
func NewDocument(id string, status Status) *Document {
	if status == "" {
		status = StatusInbox
	}
	return &Document{
		ID:     id,
		Status: status,
		Props:  map[string]any{},
	}
}

// Validate checks the document's invariants.
func (d *Document) Validate() error {
	if _, ok := statusSet[d.Status]; !ok {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, d.Status)
	}
	for _, s := range d.Stages {
		if _, ok := stageStatusSet[s.Status]; !ok {
			return fmt.Errorf("%w: stage %s has invalid status %q", ErrValidation, s.Definition, s.Status)
		}
		if s.Index < 1 {
			return fmt.Errorf("%w: stage %s has instance index %d", ErrValidation, s.Definition, s.Index)
		}
	}
	return nil
}

// Dirty reports whether the document has unsaved changes, including changes
// to any of its stages.
func (d *Document) Dirty() bool {
	if d.dirty {
		return true
	}
	for _, s := range d.Stages {
		if s.dirty {
			return true
		}
	}
	return false
}

// MarkDirty flags the document as having unsaved changes.
func (d *Document) MarkDirty() { d.dirty = true }

// ClearDirty resets dirty tracking after a successful persist.
func (d *Document) ClearDirty() {
	d.dirty = false
	for _, s := range d.Stages {
		s.dirty = false
	}
}

// SetStatus changes the document status. Assignments outside the status set
// fail with ErrValidation.
func (d *Document) SetStatus(status Status) error {
	if _, ok := statusSet[status]; !ok {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, status)
	}
	if d.Status != status {
		d.Status = status
		d.dirty = true
	}
	return nil
}

// Set assigns a property through a dotted path and marks the document dirty.
func (d *Document) Set(path string, value any) {
	if d.Props == nil {
		d.Props = map[string]any{}
	}
	props.Set(d.Props, path, value)
	d.dirty = true
}

// Get resolves a dotted property path.
func (d *Document) Get(path string) (any, bool) {
	return props.Get(d.Props, path)
}

// SetBody replaces the free-text body.
func (d *Document) SetBody(body string) {
	if d.Body != body {
		d.Body = body
		d.dirty = true
	}
}

// AddDocRef appends a document reference. Keys are not unique; no dedup.
func (d *Document) AddDocRef(key, targetID string, data map[string]any) DocRef {
	ref := DocRef{Key: key, TargetID: targetID, Data: data}
	d.DocRefs = append(d.DocRefs, ref)
	d.dirty = true
	return ref
}

// AddFileRef appends a file reference.
func (d *Document) AddFileRef(key, filename, uuid string, data map[string]any) FileRef {
	ref := FileRef{Key: key, Filename: filename, UUID: uuid, Data: data}
	d.FileRefs = append(d.FileRefs, ref)
	d.dirty = true
	return ref
}

// AddStage creates a new stage instance. The instance index is one past the
// number of existing instances for the definition. A definition that is not
// multipleCallable may have at most one instance per document.
func (d *Document) AddStage(definition string, status StageStatus, multipleCallable bool) (*Stage, error) {
	existing := d.StagesNamed(definition)
	if len(existing) > 0 && !multipleCallable {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateStage, definition)
	}
	if status == "" {
		status = StageScheduled
	}
	if _, ok := stageStatusSet[status]; !ok {
		return nil, fmt.Errorf("%w: invalid stage status %q", ErrValidation, status)
	}
	s := &Stage{
		Definition: definition,
		Index:      len(existing) + 1,
		Status:     status,
		Props:      map[string]any{},
		parent:     d,
		dirty:      true,
	}
	d.Stages = append(d.Stages, s)
	d.dirty = true
	return s, nil
}

// StagesNamed returns all stage instances for a definition name.
func (d *Document) StagesNamed(definition string) []*Stage {
	var out []*Stage
	for _, s := range d.Stages {
		if s.Definition == definition {
			out = append(out, s)
		}
	}
	return out
}

// Stage returns the instance with the given definition name and index, or nil.
func (d *Document) Stage(definition string, index int) *Stage {
	for _, s := range d.Stages {
		if s.Definition == definition && s.Index == index {
			return s
		}
	}
	return nil
}

// AttachStage wires a loaded stage to its parent. Used by storage backends
// when rehydrating documents.
func (d *Document) AttachStage(s *Stage) {
	s.parent = d
	s.dirty = false
	d.Stages = append(d.Stages, s)
}

// Stage is one pass through a named processing step, owned exclusively by its
// parent document.
type Stage struct {
	Definition string
	Index      int
	Status     StageStatus
	Props      map[string]any
	Body       string
	DocRefs    []DocRef
	FileRefs   []FileRef
	Runs       []WorkflowRun

	parent *Document
	dirty  bool
}

// Parent returns the owning document.
func (s *Stage) Parent() *Document { return s.parent }

// SetStatus transitions the stage, enforcing the state machine.
func (s *Stage) SetStatus(status StageStatus) error {
	if s.Status == status {
		return nil
	}
	if err := EnsureStageTransition(s.Status, status); err != nil {
		return err
	}
	s.Status = status
	s.markDirty()
	return nil
}

// Set assigns a stage property through a dotted path.
func (s *Stage) Set(path string, value any) {
	if s.Props == nil {
		s.Props = map[string]any{}
	}
	props.Set(s.Props, path, value)
	s.markDirty()
}

// Get resolves a dotted stage property path.
func (s *Stage) Get(path string) (any, bool) {
	return props.Get(s.Props, path)
}

// SetBody replaces the stage body.
func (s *Stage) SetBody(body string) {
	if s.Body != body {
		s.Body = body
		s.markDirty()
	}
}

// AddDocRef appends a document reference to the stage.
func (s *Stage) AddDocRef(key, targetID string, data map[string]any) DocRef {
	ref := DocRef{Key: key, TargetID: targetID, Data: data}
	s.DocRefs = append(s.DocRefs, ref)
	s.markDirty()
	return ref
}

// AddFileRef appends a file reference to the stage.
func (s *Stage) AddFileRef(key, filename, uuid string, data map[string]any) FileRef {
	ref := FileRef{Key: key, Filename: filename, UUID: uuid, Data: data}
	s.FileRefs = append(s.FileRefs, ref)
	s.markDirty()
	return ref
}

// RunFor returns the recorded run for a workflow entry, or nil if the entry
// has not been triggered for this instance.
func (s *Stage) RunFor(workflow string) *WorkflowRun {
	for i := range s.Runs {
		if s.Runs[i].Workflow == workflow {
			return &s.Runs[i]
		}
	}
	return nil
}

// RecordRun stores the run handle returned by the orchestration engine.
func (s *Stage) RecordRun(workflow string, version int, runID string, startedAt time.Time) {
	s.Runs = append(s.Runs, WorkflowRun{
		Workflow:  workflow,
		Version:   version,
		RunID:     runID,
		StartedAt: startedAt.UTC().Format(time.RFC3339),
	})
	s.markDirty()
}

// SetRunOutcome records the final outcome reported for a run handle.
func (s *Stage) SetRunOutcome(runID, outcome string) bool {
	for i := range s.Runs {
		if s.Runs[i].RunID == runID {
			s.Runs[i].Outcome = outcome
			s.markDirty()
			return true
		}
	}
	return false
}

// RunsSettled reports whether at least one run was triggered and every
// recorded run finished successfully.
func (s *Stage) RunsSettled() bool {
	if len(s.Runs) == 0 {
		return false
	}
	for _, r := range s.Runs {
		if r.Outcome != "success" {
			return false
		}
	}
	return true
}

func (s *Stage) markDirty() {
	s.dirty = true
	if s.parent != nil {
		s.parent.dirty = true
	}
}
