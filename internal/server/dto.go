package server

import (
	"docflow/internal/domain"
	"docflow/internal/engine"
)

// DocumentResponse is the API document model.
type DocumentResponse struct {
	ID       string           `json:"id"`
	Status   string           `json:"status"`
	Props    map[string]any   `json:"props,omitempty"`
	Body     string           `json:"body,omitempty"`
	DocRefs  []domain.DocRef  `json:"doc_refs,omitempty"`
	FileRefs []domain.FileRef `json:"file_refs,omitempty"`
	Stages   []StageResponse  `json:"stages,omitempty"`
}

// StageResponse is the API stage model.
type StageResponse struct {
	Definition string               `json:"definition"`
	Index      int                  `json:"index"`
	Status     string               `json:"status"`
	Runs       []domain.WorkflowRun `json:"runs,omitempty"`
}

// CreateDocumentRequest creates a document.
type CreateDocumentRequest struct {
	ID     string         `json:"id,omitempty"`
	Status string         `json:"status,omitempty" example:"inbox"`
	Props  map[string]any `json:"props,omitempty"`
	Body   string         `json:"body,omitempty"`
}

// UpdateDocumentRequest patches document properties and body.
type UpdateDocumentRequest struct {
	Props map[string]any `json:"props,omitempty"`
	Body  *string        `json:"body,omitempty"`
}

// SetStatusRequest changes a document status.
type SetStatusRequest struct {
	Status string `json:"status" example:"active"`
}

// EvaluateResponse reports an evaluation pass.
type EvaluateResponse struct {
	DocID           string                `json:"doc_id"`
	DocumentStatus  string                `json:"document_status"`
	StagesEvaluated int                   `json:"stages_evaluated"`
	Started         []engine.StartedStage `json:"started_stages,omitempty"`
	StatusChanges   []engine.StatusChange `json:"status_changes,omitempty"`
	DeliveryErrors  []string              `json:"delivery_errors,omitempty"`
	Skipped         bool                  `json:"skipped,omitempty"`
}

// WorkflowOutcomeRequest is the orchestration engine's completion callback.
type WorkflowOutcomeRequest struct {
	RunID   string `json:"run_id"`
	Outcome string `json:"outcome" example:"success"`
}

func toDocumentResponse(doc *domain.Document) DocumentResponse {
	resp := DocumentResponse{
		ID:       doc.ID,
		Status:   string(doc.Status),
		Props:    doc.Props,
		Body:     doc.Body,
		DocRefs:  doc.DocRefs,
		FileRefs: doc.FileRefs,
	}
	for _, stage := range doc.Stages {
		resp.Stages = append(resp.Stages, StageResponse{
			Definition: stage.Definition,
			Index:      stage.Index,
			Status:     string(stage.Status),
			Runs:       stage.Runs,
		})
	}
	return resp
}

func toEvaluateResponse(res *engine.EvaluationResult) EvaluateResponse {
	resp := EvaluateResponse{
		DocID:           res.DocID,
		DocumentStatus:  string(res.DocumentStatus),
		StagesEvaluated: res.StagesEvaluated,
		Started:         res.Started,
		StatusChanges:   res.StatusChanges,
		Skipped:         res.Skipped,
	}
	for _, err := range res.DeliveryErrors {
		resp.DeliveryErrors = append(resp.DeliveryErrors, err.Error())
	}
	return resp
}
