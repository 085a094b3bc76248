package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"statusflow/internal/cerr"
	"statusflow/internal/clog"
	"statusflow/internal/domain"
	"statusflow/internal/engine"
	"statusflow/internal/engine/auth"
	"statusflow/internal/migrate"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	// Gatherer backs /metrics when set.
	Gatherer prometheus.Gatherer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"proposal_already_pending"`
	Message string         `json:"message" example:"a status change for this task is already awaiting approval"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"task_id\":\"T1\"}"`
}

// apiError is the error envelope every endpoint responds with.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the statusflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are plain bad requests.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(clog.SlogChiMiddleware(
		clog.WithChiLogger(cfg.Logger),
		clog.WithChiFilter(func(r *http.Request) bool {
			return r.URL.Path != path.Join(basePath, "health") && r.URL.Path != "/metrics"
		}),
	))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))

	hcfg := huma.DefaultConfig("Statusflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerMembers(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerChangeRequests(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

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

// handleError renders err in the error envelope. Typed errors keep their
// code and details; anything else is reported as an internal error.
func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	clog.AddError(ctx, err)
	var ce *cerr.Error
	if errors.As(err, &ce) {
		status := ce.Code.HTTPCode()
		msg := ce.Msg
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
		return newAPIError(status, ce.Code.String(), msg, ce.Details)
	}
	return newAPIError(http.StatusInternalServerError, cerr.Unknown.String(), "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return cerr.InvalidArgument.String()
	case http.StatusUnauthorized:
		return cerr.Unauthenticated.String()
	case http.StatusForbidden:
		return cerr.Forbidden.String()
	case http.StatusNotFound:
		return cerr.NotFound.String()
	case http.StatusConflict:
		return cerr.Conflict.String()
	case http.StatusServiceUnavailable:
		return cerr.Unavailable.String()
	case http.StatusInternalServerError:
		return cerr.Unknown.String()
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// projectRole resolves the caller's role on projectID. A caller that is not a
// member of an existing project gets the empty role; a missing project is
// reported as not found.
func projectRole(ctx context.Context, e engine.Engine, projectID string) (string, domain.Role, error) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return "", "", authErr
	}
	role, err := e.RoleFor(ctx, projectID, actorID)
	if err != nil {
		return "", "", err
	}
	if role == "" {
		if _, err := e.GetProject(ctx, projectID); err != nil {
			return "", "", err
		}
	}
	clog.AddAttributes(ctx, map[string]any{"project_id": projectID, "role": string(role)})
	return actorID, role, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Statusflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		version, err := migrate.Version(e.DB)
		if err != nil {
			return nil, handleError(ctx, cerr.WrapStorageError("schema version", err))
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", SchemaVersion: version}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id" doc:"Also report the caller's role on this project"`
	}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthenticated", "authentication required", nil)
		}
		resp := WhoAmIResponse{ActorID: principal.ActorID, Source: principal.Source}
		if input.ProjectID != "" {
			_, role, err := projectRole(ctx, e, input.ProjectID)
			if err != nil {
				return nil, handleError(ctx, err)
			}
			resp.ProjectID = input.ProjectID
			resp.Role = string(role)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		Description:   "The caller becomes the project's first ADMIN.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:          input.Body.ID,
			Name:        stringOrEmpty(input.Body.Name),
			Description: stringOrEmpty(input.Body.Description),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		_, role, err := projectRole(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if err := auth.Require(role, auth.ActionRead); err != nil {
			return nil, handleError(ctx, cerr.NewError(cerr.Forbidden, err.Error(), err))
		}
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerMembers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-member",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/members/{actor_id}",
		Summary:     "Grant or change a member's role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		ActorID   string           `path:"actor_id"`
		Body      SetMemberRequest `json:"body"`
	}) (*struct {
		Body domain.Member `json:"body"`
	}, error) {
		_, callerRole, err := projectRole(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		m, err := e.SetMember(ctx, input.ProjectID, input.ActorID, domain.ParseRole(input.Body.Role), callerRole)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Member `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/members",
		Summary:     "List members",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body memberList `json:"body"`
	}, error) {
		_, role, err := projectRole(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		items, err := e.ListMembers(ctx, input.ProjectID, role)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body memberList `json:"body"`
		}{Body: memberList{Items: nonNil(items)}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, role, err := projectRole(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:          stringOrEmpty(input.Body.ID),
			ProjectID:   input.ProjectID,
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			ActorID:     actorID,
		}, role)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"NEW,IN_PROGRESS,COMPLETED,CANCELLED"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		_, role, err := projectRole(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListTasks(ctx, input.ProjectID, role, engine.TaskListOptions{
			Status:          domain.TaskStatus(input.Status),
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := paginatedTasks{Items: []domain.Task{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		_, role, err := projectRole(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		t, err := e.GetTask(ctx, input.ProjectID, input.ID, role)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-status-change",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/status",
		Summary:     "Request a status change",
		Description: "ADMINs change the status directly (200). MEMBERs file a proposal that waits for an ADMIN (202).",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		ID        string              `path:"id"`
		Body      StatusChangeRequest `json:"body"`
	}) (*struct {
		Status int
		Body   StatusChangeResponse `json:"body"`
	}, error) {
		actorID, role, err := projectRole(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		desired, ok := domain.ParseTaskStatus(input.Body.Status)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "", "unknown status", map[string]any{"status": input.Body.Status})
		}
		// Scope the task to the project only for roles that may act at all.
		if auth.CanPropose(role) || auth.CanWriteDirectly(role) {
			if _, err := e.GetTask(ctx, input.ProjectID, input.ID, role); err != nil {
				return nil, handleError(ctx, err)
			}
		}
		res, err := e.RequestStatusChange(ctx, input.ID, actorID, role, desired)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		status := http.StatusOK
		if res.Outcome == domain.ChangePendingApproval {
			status = http.StatusAccepted
		}
		return &struct {
			Status int
			Body   StatusChangeResponse `json:"body"`
		}{Status: status, Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-change-requests",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}/change-requests",
		Summary:     "List every status change proposal for a task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body changeRequestList `json:"body"`
	}, error) {
		_, role, err := projectRole(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		items, err := e.TaskHistory(ctx, input.ProjectID, input.ID, role)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body changeRequestList `json:"body"`
		}{Body: changeRequestList{Items: nonNil(items)}}, nil
	})
}

func registerChangeRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pending-change-requests",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/change-requests",
		Summary:     "List pending change requests",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body changeRequestList `json:"body"`
	}, error) {
		_, role, err := projectRole(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if err := auth.Require(role, auth.ActionRead); err != nil {
			return nil, handleError(ctx, cerr.NewError(cerr.Forbidden, err.Error(), err))
		}
		items, err := e.ListPendingForProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body changeRequestList `json:"body"`
		}{Body: changeRequestList{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-change-request",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/change-requests/{id}",
		Summary:     "Get change request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body domain.ChangeRequest `json:"body"`
	}, error) {
		_, role, err := projectRole(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		cr, err := e.GetChangeRequest(ctx, input.ProjectID, input.ID, role)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.ChangeRequest `json:"body"`
		}{Body: cr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-change-request",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/change-requests/{id}/resolve",
		Summary:     "Approve or reject a pending change request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		ID        string         `path:"id"`
		Body      ResolveRequest `json:"body"`
	}) (*struct {
		Body domain.ChangeRequest `json:"body"`
	}, error) {
		actorID, role, err := projectRole(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		outcome, ok := domain.ParseOutcome(input.Body.Outcome)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "", "outcome must be APPROVED or REJECTED", map[string]any{"outcome": input.Body.Outcome})
		}
		if auth.CanResolve(role) {
			if _, err := e.GetChangeRequest(ctx, input.ProjectID, input.ID, role); err != nil {
				return nil, handleError(ctx, err)
			}
		}
		cr, err := e.ResolveRequest(ctx, input.ID, actorID, role, outcome, input.Body.Reason)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.ChangeRequest `json:"body"`
		}{Body: cr}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type"`
		TaskID    string `query:"task_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		_, role, err := projectRole(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Events(ctx, input.ProjectID, role, engine.EventListOptions{
			Limit:  limit + 1,
			Cursor: cursorID,
			Type:   input.Type,
			TaskID: input.TaskID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func eventResponse(evt domain.Event) EventResponse {
	var payload any
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			payload = evt.Payload
		}
	}
	return EventResponse{
		ID:           evt.ID,
		TS:           evt.TS,
		Type:         evt.Type,
		ProjectID:    evt.ProjectID,
		EntityKind:   evt.EntityKind,
		EntityID:     evt.EntityID,
		ActorID:      evt.ActorID,
		TargetUserID: evt.TargetUserID,
		TargetRole:   evt.TargetRole,
		Payload:      payload,
	}
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

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
