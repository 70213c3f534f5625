// Package orchestrator talks to the external workflow orchestration engine.
package orchestrator

import "context"

// Runner is the engine-facing contract for triggering workflow runs.
type Runner interface {
	// EnsureWorkflowAvailable reports whether a workflow definition is
	// registered with the orchestration engine.
	EnsureWorkflowAvailable(ctx context.Context, name string, version int) (bool, error)
	// StartWorkflow launches a run and returns its run id.
	StartWorkflow(ctx context.Context, name string, version int, correlationID string, input map[string]any) (string, error)
}

// Outcome values reported back for a run.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// DeliveryError wraps a failed interaction with the orchestration engine.
// Deliveries are retried on the next evaluation, so callers log these rather
// than failing the evaluation.
type DeliveryError struct {
	Op       string
	Workflow string
	Err      error
}

func (e *DeliveryError) Error() string {
	return "workflow " + e.Workflow + ": " + e.Op + ": " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }
