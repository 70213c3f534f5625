// Package server exposes the docflow HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"docflow/internal/docstore"
	"docflow/internal/domain"
	"docflow/internal/engine"
	"docflow/internal/requirements"
)

// Config for the HTTP API handler.
type Config struct {
	Store    *docstore.Store
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"document not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the docflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Docflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerDocs(group, cfg)
	registerStages(group, cfg)
	registerCallbacks(group, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var reqErr *requirements.RequirementError
	switch {
	case errors.Is(err, docstore.ErrNotFound), errors.Is(err, engine.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrDuplicateStage):
		return newAPIError(http.StatusConflict, "duplicate_stage", err.Error(), nil)
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.As(err, &reqErr):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_requirement", err.Error(), map[string]any{"operator": reqErr.Operator})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDocs(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-doc",
		Method:        http.MethodPost,
		Path:          "/docs",
		Summary:       "Create document",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateDocumentRequest `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		status := domain.Status(input.Body.Status)
		if input.Body.Status == "" {
			status = domain.StatusInbox
		}
		doc := domain.NewDocument(input.Body.ID, status)
		for key, value := range input.Body.Props {
			doc.Set(key, value)
		}
		doc.SetBody(input.Body.Body)
		if err := cfg.Store.Create(ctx, doc); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: toDocumentResponse(doc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-docs",
		Method:      http.MethodGet,
		Path:        "/docs",
		Summary:     "List documents",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body struct {
			Items []DocumentResponse `json:"items"`
		} `json:"body"`
	}, error) {
		filters := docstore.Filters{}
		if input.Status != "" {
			status, ok := domain.ParseStatus(input.Status)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status "+input.Status, nil)
			}
			filters.Status = status
		}
		docs, err := cfg.Store.Where(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []DocumentResponse `json:"items"`
			} `json:"body"`
		}{}
		for _, doc := range docs {
			out.Body.Items = append(out.Body.Items, toDocumentResponse(doc))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-doc",
		Method:      http.MethodGet,
		Path:        "/docs/{id}",
		Summary:     "Get document",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		doc, err := cfg.Store.Find(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: toDocumentResponse(doc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-doc",
		Method:      http.MethodPatch,
		Path:        "/docs/{id}",
		Summary:     "Update document properties",
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateDocumentRequest `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		doc, err := cfg.Store.Find(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		for key, value := range input.Body.Props {
			doc.Set(key, value)
		}
		if input.Body.Body != nil {
			doc.SetBody(*input.Body.Body)
		}
		if err := cfg.Store.Save(ctx, doc); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: toDocumentResponse(doc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-doc-status",
		Method:      http.MethodPost,
		Path:        "/docs/{id}/status",
		Summary:     "Set document status",
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetStatusRequest `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		doc, err := cfg.Store.Find(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := doc.SetStatus(domain.Status(input.Body.Status)); err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Store.Save(ctx, doc); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: toDocumentResponse(doc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-doc",
		Method:        http.MethodDelete,
		Path:          "/docs/{id}",
		Summary:       "Delete document",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		doc, err := cfg.Store.Find(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Store.Destroy(ctx, doc); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerStages(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-doc",
		Method:      http.MethodPost,
		Path:        "/docs/{id}/evaluate",
		Summary:     "Evaluate document stages",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EvaluateResponse `json:"body"`
	}, error) {
		doc, err := cfg.Store.Find(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := cfg.Engine.EvaluateDocument(ctx, doc)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvaluateResponse `json:"body"`
		}{Body: toEvaluateResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "schedule-stage",
		Method:        http.MethodPost,
		Path:          "/docs/{id}/stages/{stage}",
		Summary:       "Schedule a stage instance",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Stage string `path:"stage"`
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		doc, err := cfg.Store.Find(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		stage, err := cfg.Engine.ScheduleStage(ctx, doc, input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: StageResponse{
			Definition: stage.Definition,
			Index:      stage.Index,
			Status:     string(stage.Status),
			Runs:       stage.Runs,
		}}, nil
	})
}

func registerCallbacks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "workflow-outcome",
		Method:      http.MethodPost,
		Path:        "/callbacks/workflow-outcome",
		Summary:     "Record a workflow run outcome",
	}, func(ctx context.Context, input *struct {
		Body WorkflowOutcomeRequest `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		if input.Body.RunID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "run_id is required", nil)
		}
		doc, err := cfg.Engine.OnWorkflowOutcome(ctx, input.Body.RunID, input.Body.Outcome)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: toDocumentResponse(doc)}, nil
	})
}
