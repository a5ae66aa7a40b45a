package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"safeline/internal/audit"
	"safeline/internal/domain"
	"safeline/internal/gates"
	"safeline/internal/metrics"
	"safeline/internal/orchestrator"
	"safeline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	BasePath     string
	Auth         AuthConfig
	// Metrics is served at /metrics; the safeline registry when nil.
	Metrics http.Handler
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"operation op-1: cannot move from completed to cancelled"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the safeline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("server: orchestrator required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	o := cfg.Orchestrator
	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, o.Repo))
	metricsHandler := cfg.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
	}
	router.Handle("/metrics", metricsHandler)

	hcfg := huma.DefaultConfig("Safeline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerOperations(group, o)
	registerReview(group, o)
	registerGates(group, o)
	registerAudit(group, o)
	registerOpenAPI(router, api, basePath)

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
	var te *orchestrator.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"operation_id": te.OperationID,
			"from_state":   te.From,
			"to_state":     te.To,
		})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, orchestrator.ErrExists):
		return newAPIError(http.StatusConflict, "already_exists", msg, nil)
	case errors.Is(err, orchestrator.ErrBusy):
		return newAPIError(http.StatusConflict, "operation_busy", msg, nil)
	case errors.Is(err, orchestrator.ErrLockLost):
		return newAPIError(http.StatusConflict, "lock_conflict", msg, nil)
	case errors.Is(err, orchestrator.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, gates.ErrEvaluation):
		return newAPIError(http.StatusServiceUnavailable, "evaluation_error", msg, nil)
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

var conflictErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
	http.StatusInternalServerError,
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

type resultOutput struct {
	Body OperationResult `json:"body"`
}

func registerOperations(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "run-operation",
		Method:        http.MethodPost,
		Path:          "/operations",
		Summary:       "Create an operation and drive it through its lifecycle",
		DefaultStatus: http.StatusCreated,
		Errors:        conflictErrors,
	}, func(ctx context.Context, input *struct {
		Body RunOperationRequest `json:"body"`
	}) (*resultOutput, error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		res, err := o.Run(ctx, orchestrator.Request{
			OperationID: strings.TrimSpace(input.Body.OperationID),
			Service:     input.Body.Service,
			Type:        input.Body.OperationType,
			Metadata:    input.Body.Metadata,
			Actor:       actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &resultOutput{Body: toOperationResult(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/operations",
		Summary:     "List operations, most recently updated first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Service       string `query:"service"`
		OperationType string `query:"operation_type"`
		State         string `query:"state" doc:"Comma-separated states"`
		Limit         int    `query:"limit" default:"50"`
		Cursor        string `query:"cursor"`
	}) (*struct {
		Body paginatedOperations `json:"body"`
	}, error) {
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := o.List(ctx, repo.OperationFilters{
			Service:         input.Service,
			Type:            input.OperationType,
			States:          splitCSV(input.State),
			Limit:           limit + 1,
			CursorUpdatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedOperations{Items: []domain.Operation{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.UpdatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedOperations `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operation",
		Method:      http.MethodGet,
		Path:        "/operations/{id}",
		Summary:     "Get an operation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Operation `json:"body"`
	}, error) {
		op, err := o.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operation `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "operation-history",
		Method:      http.MethodGet,
		Path:        "/operations/{id}/history",
		Summary:     "Accepted transitions of an operation, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Transition `json:"body"`
	}, error) {
		history, err := o.History(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if history == nil {
			history = []domain.Transition{}
		}
		return &struct {
			Body []domain.Transition `json:"body"`
		}{Body: history}, nil
	})
}

func registerReview(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "resume-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/resume",
		Summary:     "Approve a paused operation and continue execution",
		Errors:      conflictErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ResumeRequest `json:"body" required:"false"`
	}) (*resultOutput, error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		res, err := o.Resume(ctx, input.ID, actor, strings.TrimSpace(input.Body.ApprovalID))
		if err != nil {
			return nil, handleError(err)
		}
		return &resultOutput{Body: toOperationResult(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/cancel",
		Summary:     "Cancel a paused operation",
		Errors:      conflictErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body" required:"false"`
	}) (*resultOutput, error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		res, err := o.Cancel(ctx, input.ID, actor, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &resultOutput{Body: toOperationResult(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollback-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/rollback",
		Summary:     "Roll back a paused or failed operation",
		Errors:      conflictErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*resultOutput, error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		res, err := o.Rollback(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &resultOutput{Body: toOperationResult(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/pause",
		Summary:     "Hand an operation in safety_check or in_progress to a human",
		Errors:      conflictErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body" required:"false"`
	}) (*resultOutput, error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		res, err := o.Pause(ctx, input.ID, actor, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &resultOutput{Body: toOperationResult(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalate",
		Method:      http.MethodPost,
		Path:        "/escalations",
		Summary:     "Notify about operations paused longer than older_than",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OlderThan string `query:"older_than" default:"1h"`
	}) (*struct {
		Body EscalationResponse `json:"body"`
	}, error) {
		d, err := time.ParseDuration(input.OlderThan)
		if err != nil || d < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid older_than", map[string]any{"older_than": input.OlderThan})
		}
		ids, err := o.Escalate(ctx, d)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscalationResponse `json:"body"`
		}{Body: EscalationResponse{Escalated: ids}}, nil
	})
}

func registerGates(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "check-gates",
		Method:      http.MethodPost,
		Path:        "/gates/check",
		Summary:     "Evaluate every safety gate without starting an operation",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body GateCheckRequest `json:"body"`
	}) (*struct {
		Body GateOutcome `json:"body"`
	}, error) {
		out, err := o.CheckGates(ctx, input.Body.Service, input.Body.OperationType, input.Body.Metadata)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateOutcome `json:"body"`
		}{Body: toGateOutcome(out)}, nil
	})
}

func registerAudit(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OperationID string `query:"operation_id"`
		Type        string `query:"type" doc:"Exact type, or a prefix ending in a dot"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := o.Audit.Tail(ctx, audit.Filter{OperationID: input.OperationID, Type: input.Type, Limit: limit + 1, Before: before})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-audit",
		Method:      http.MethodGet,
		Path:        "/audit/verify",
		Summary:     "Verify the audit hash chain",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ChainReport `json:"body"`
	}, error) {
		rep, err := o.Audit.Verify(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChainReport `json:"body"`
		}{Body: toChainReport(rep)}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
