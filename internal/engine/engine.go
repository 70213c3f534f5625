// Package engine drives stage evaluation: gating, state transitions, and
// workflow triggering.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"docflow/internal/definitions"
	"docflow/internal/docstore"
	"docflow/internal/domain"
	"docflow/internal/exprs"
	"docflow/internal/orchestrator"
	"docflow/internal/requirements"
)

// ErrNotFound indicates a missing stage definition or run handle.
var ErrNotFound = errors.New("not found")

// StartedStage reports a stage instance that advanced to started in a pass.
type StartedStage struct {
	Definition string   `json:"definition"`
	Index      int      `json:"index"`
	Workflows  []string `json:"workflows_triggered"`
}

// StatusChange reports one stage transition made during a pass.
type StatusChange struct {
	Definition string             `json:"definition"`
	Index      int                `json:"index"`
	From       domain.StageStatus `json:"from"`
	To         domain.StageStatus `json:"to"`
}

// EvaluationResult summarizes one evaluation pass over a document.
type EvaluationResult struct {
	DocID           string         `json:"doc_id"`
	DocumentStatus  domain.Status  `json:"document_status"`
	StagesEvaluated int            `json:"stages_evaluated"`
	Started         []StartedStage `json:"started_stages,omitempty"`
	StatusChanges   []StatusChange `json:"status_changes,omitempty"`
	// DeliveryErrors lists trigger deliveries that failed this pass. They
	// are retried on the next evaluation.
	DeliveryErrors []error `json:"-"`
	Skipped        bool    `json:"skipped,omitempty"`
}

// Engine evaluates documents against stage definitions.
type Engine struct {
	store  *docstore.Store
	defs   *definitions.Set
	runner orchestrator.Runner
	exprs  exprs.Evaluator
	log    *slog.Logger

	Now func() time.Time

	mu         sync.Mutex
	docLocks   map[string]*sync.Mutex
	evaluating map[string]bool
}

// New builds an engine. runner may be nil when no orchestration engine is
// configured; triggers are then skipped and reported as delivery errors.
func New(store *docstore.Store, defs *definitions.Set, runner orchestrator.Runner, eval exprs.Evaluator, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:      store,
		defs:       defs,
		runner:     runner,
		exprs:      eval,
		log:        log,
		Now:        time.Now,
		docLocks:   map[string]*sync.Mutex{},
		evaluating: map[string]bool{},
	}
}

// RegisterHooks wires evaluation to document create and save, so changing a
// document re-evaluates its stages.
func (e *Engine) RegisterHooks() {
	hook := func(ctx context.Context, doc *domain.Document) error {
		_, err := e.EvaluateDocument(ctx, doc)
		return err
	}
	e.store.Hooks().Register(docstore.AfterCreate, hook)
	e.store.Hooks().Register(docstore.AfterSave, hook)
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.docLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.docLocks[id] = l
	}
	return l
}

// markBusy flags a document as under evaluation. Returns false when a pass
// is already running, so hook-driven re-entry coalesces into the active pass.
func (e *Engine) markBusy(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evaluating[id] {
		return false
	}
	e.evaluating[id] = true
	return true
}

func (e *Engine) clearBusy(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.evaluating, id)
}

// EvaluateDocument runs one evaluation pass over a document and saves any
// resulting changes. Documents in done, blocked, or archived are left alone.
// Requirement evaluation errors abort the pass; trigger delivery failures do
// not, they are logged and reported in the result.
func (e *Engine) EvaluateDocument(ctx context.Context, doc *domain.Document) (*EvaluationResult, error) {
	if !e.markBusy(doc.ID) {
		return &EvaluationResult{DocID: doc.ID, DocumentStatus: doc.Status, Skipped: true}, nil
	}
	lock := e.lockFor(doc.ID)
	lock.Lock()
	defer func() {
		lock.Unlock()
		e.clearBusy(doc.ID)
	}()

	result := &EvaluationResult{DocID: doc.ID, DocumentStatus: doc.Status}
	switch doc.Status {
	case domain.StatusInbox, domain.StatusActive:
	default:
		result.Skipped = true
		return result, nil
	}

	for _, def := range e.defs.Active() {
		if err := e.evaluateDefinition(ctx, doc, def, result); err != nil {
			return nil, err
		}
	}

	// A blocked stage blocks the whole document.
	for _, stage := range doc.Stages {
		if stage.Status == domain.StageBlocked && doc.Status != domain.StatusBlocked {
			if err := doc.SetStatus(domain.StatusBlocked); err != nil {
				return nil, err
			}
			break
		}
	}
	result.DocumentStatus = doc.Status

	if err := e.store.Save(ctx, doc); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) evaluateDefinition(ctx context.Context, doc *domain.Document, def *definitions.StageDefinition, result *EvaluationResult) error {
	applicable, err := e.applicable(def, doc)
	if err != nil {
		return err
	}

	instances := doc.StagesNamed(def.Name)
	if len(instances) == 0 {
		if !applicable {
			return nil
		}
		stage, err := doc.AddStage(def.Name, domain.StageScheduled, def.MultipleCallable)
		if err != nil {
			return err
		}
		instances = []*domain.Stage{stage}
		e.log.Info("stage scheduled", "doc", doc.ID, "stage", def.Name, "instance", stage.Index)
	}

	for _, stage := range instances {
		if stage.Status.Terminal() {
			continue
		}
		result.StagesEvaluated++
		if err := e.evaluateStage(ctx, doc, def, stage, applicable, result); err != nil {
			return err
		}
	}
	return nil
}

// applicable reports whether any workflow when-expression matches the
// document. A definition without workflows always applies.
func (e *Engine) applicable(def *definitions.StageDefinition, doc *domain.Document) (bool, error) {
	if len(def.Workflows) == 0 {
		return true, nil
	}
	for _, wf := range def.Workflows {
		ok, err := e.exprs.Evaluate(wf.When, doc)
		if err != nil {
			return false, fmt.Errorf("stage %s: %w", def.Name, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) evaluateStage(ctx context.Context, doc *domain.Document, def *definitions.StageDefinition, stage *domain.Stage, applicable bool, result *EvaluationResult) error {
	transition := func(to domain.StageStatus) error {
		from := stage.Status
		if err := stage.SetStatus(to); err != nil {
			return err
		}
		result.StatusChanges = append(result.StatusChanges, StatusChange{
			Definition: stage.Definition,
			Index:      stage.Index,
			From:       from,
			To:         to,
		})
		e.log.Info("stage transition", "doc", doc.ID, "stage", stage.Definition, "instance", stage.Index, "from", from, "to", to)
		return nil
	}

	if !applicable {
		// The definition no longer applies to this document.
		if stage.Status == domain.StageScheduled {
			return transition(domain.StageCancelled)
		}
		return nil
	}

	satisfied, _, err := requirements.Evaluate(requirements.ForDocument(doc), def.Requirements)
	if err != nil {
		return fmt.Errorf("stage %s of %s: %w", stage.Definition, doc.ID, err)
	}

	switch stage.Status {
	case domain.StageScheduled:
		if !satisfied {
			return nil
		}
		if err := transition(domain.StageStarted); err != nil {
			return err
		}
		triggered := e.triggerWorkflows(ctx, doc, def, stage, result)
		result.Started = append(result.Started, StartedStage{
			Definition: stage.Definition,
			Index:      stage.Index,
			Workflows:  triggered,
		})
	case domain.StageStarted:
		if !satisfied {
			// Requirements were lost after starting; in-flight remote
			// runs are not touched.
			return transition(domain.StageCancelled)
		}
		// Retry deliveries that failed on a previous pass.
		e.triggerWorkflows(ctx, doc, def, stage, result)
	}
	return nil
}

// triggerWorkflows starts every when-matching workflow entry that has no
// recorded run yet. Recording the run handle is what makes triggering
// at-most-once per (instance, entry).
func (e *Engine) triggerWorkflows(ctx context.Context, doc *domain.Document, def *definitions.StageDefinition, stage *domain.Stage, result *EvaluationResult) []string {
	var triggered []string
	for _, wf := range def.Workflows {
		if stage.RunFor(wf.Name) != nil {
			continue
		}
		ok, err := e.exprs.Evaluate(wf.When, doc)
		if err != nil || !ok {
			continue
		}
		if e.runner == nil {
			e.deliveryFailed(result, &orchestrator.DeliveryError{Op: "start", Workflow: wf.Name, Err: errors.New("no orchestrator configured")}, doc, stage)
			continue
		}
		available, err := e.runner.EnsureWorkflowAvailable(ctx, wf.Name, wf.Version)
		if err != nil {
			e.deliveryFailed(result, err, doc, stage)
			continue
		}
		if !available {
			e.deliveryFailed(result, &orchestrator.DeliveryError{Op: "ensure", Workflow: wf.Name, Err: errors.New("workflow not registered")}, doc, stage)
			continue
		}
		correlation := fmt.Sprintf("%s-%s-%d", doc.ID, stage.Definition, stage.Index)
		input := map[string]any{}
		for k, v := range wf.Inputs {
			input[k] = v
		}
		input["doc_id"] = doc.ID
		input["stage"] = stage.Definition
		input["instance"] = stage.Index
		runID, err := e.runner.StartWorkflow(ctx, wf.Name, wf.Version, correlation, input)
		if err != nil {
			e.deliveryFailed(result, err, doc, stage)
			continue
		}
		stage.RecordRun(wf.Name, wf.Version, runID, e.Now())
		triggered = append(triggered, wf.Name)
		e.log.Info("workflow started", "doc", doc.ID, "stage", stage.Definition, "workflow", wf.Name, "run", runID)
	}
	return triggered
}

func (e *Engine) deliveryFailed(result *EvaluationResult, err error, doc *domain.Document, stage *domain.Stage) {
	result.DeliveryErrors = append(result.DeliveryErrors, err)
	e.log.Warn("workflow trigger failed, will retry", "doc", doc.ID, "stage", stage.Definition, "err", err)
}

// EvaluateAll evaluates every inbox and active document.
func (e *Engine) EvaluateAll(ctx context.Context) ([]*EvaluationResult, error) {
	var results []*EvaluationResult
	for _, status := range []domain.Status{domain.StatusInbox, domain.StatusActive} {
		docs, err := e.store.Where(ctx, docstore.Filters{Status: status})
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			res, err := e.EvaluateDocument(ctx, doc)
			if err != nil {
				return nil, err
			}
			results = append(results, res)
		}
	}
	return results, nil
}

// OnWorkflowOutcome records the final outcome of a run reported by the
// orchestration engine. A failure blocks the stage and the document in the
// same pass; a success completes the stage once every recorded run has
// succeeded, then re-evaluates the document.
func (e *Engine) OnWorkflowOutcome(ctx context.Context, runID, outcome string) (*domain.Document, error) {
	doc, stage, err := e.findRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if !e.markBusy(doc.ID) {
		return nil, fmt.Errorf("document %s is being evaluated, retry", doc.ID)
	}
	lock := e.lockFor(doc.ID)
	lock.Lock()

	err = func() error {
		defer func() {
			lock.Unlock()
			e.clearBusy(doc.ID)
		}()

		stage.SetRunOutcome(runID, outcome)
		switch outcome {
		case orchestrator.OutcomeSuccess:
			if stage.Status == domain.StageStarted && stage.RunsSettled() {
				if err := stage.SetStatus(domain.StageCompleted); err != nil {
					return err
				}
				e.log.Info("stage completed", "doc", doc.ID, "stage", stage.Definition, "instance", stage.Index)
			}
		case orchestrator.OutcomeFailure:
			if !stage.Status.Terminal() {
				if err := stage.SetStatus(domain.StageBlocked); err != nil {
					return err
				}
			}
			// A late failure for a stage that already ended elsewhere (for
			// example cancelled) records the outcome without blocking the
			// document.
			if stage.Status == domain.StageBlocked {
				if err := doc.SetStatus(domain.StatusBlocked); err != nil {
					return err
				}
				e.log.Warn("stage blocked by failed run", "doc", doc.ID, "stage", stage.Definition, "run", runID)
			}
		default:
			return fmt.Errorf("%w: unknown outcome %q", domain.ErrValidation, outcome)
		}
		return e.store.Save(ctx, doc)
	}()
	if err != nil {
		return nil, err
	}

	// A completed stage may unblock siblings.
	if outcome == orchestrator.OutcomeSuccess {
		if _, err := e.EvaluateDocument(ctx, doc); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (e *Engine) findRun(ctx context.Context, runID string) (*domain.Document, *domain.Stage, error) {
	docs, err := e.store.Where(ctx, docstore.Filters{})
	if err != nil {
		return nil, nil, err
	}
	for _, doc := range docs {
		for _, stage := range doc.Stages {
			for _, run := range stage.Runs {
				if run.RunID == runID {
					return doc, stage, nil
				}
			}
		}
	}
	return nil, nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
}

// ScheduleStage explicitly creates a new stage instance, honoring
// multiple_callable, and saves the document.
func (e *Engine) ScheduleStage(ctx context.Context, doc *domain.Document, name string) (*domain.Stage, error) {
	def := e.defs.Get(name)
	if def == nil {
		return nil, fmt.Errorf("%w: stage definition %s", ErrNotFound, name)
	}
	stage, err := doc.AddStage(def.Name, domain.StageScheduled, def.MultipleCallable)
	if err != nil {
		return nil, err
	}
	if err := e.store.Save(ctx, doc); err != nil {
		return nil, err
	}
	return stage, nil
}

// Definitions exposes the loaded definition set.
func (e *Engine) Definitions() *definitions.Set { return e.defs }
