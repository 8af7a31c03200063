package server

import (
	"bytes"
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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"shiftline/internal/domain"
	"shiftline/internal/engine"
	"shiftline/internal/logging"
	"shiftline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"shift_full"`
	Message string         `json:"message" example:"shift has no remaining capacity"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"retryable\":true}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Shiftline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
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

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			reqLogger := logger.With("request_id", uuid.NewString(), "method", r.Method, "path", r.URL.Path)
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			ctx = logging.ContextWithLogger(ctx, reqLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Shiftline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerShifts(group, cfg.Engine)
	registerApplications(group, cfg.Engine)
	registerAdmission(group, cfg.Engine)
	registerCompletion(group, cfg.Engine)
	registerRatings(group, cfg.Engine)
	registerRecords(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
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

var preconditionCodes = []struct {
	err  error
	code string
}{
	{engine.ErrApplicationNotPending, "application_not_pending"},
	{engine.ErrShiftNotOpen, "shift_not_open"},
	{engine.ErrShiftNotInProgress, "shift_not_in_progress"},
	{engine.ErrShiftNotCompleted, "shift_not_completed"},
	{engine.ErrShiftTerminal, "shift_terminal"},
	{engine.ErrDuplicateRating, "duplicate_rating"},
	{engine.ErrDuplicateApplication, "duplicate_application"},
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	switch engine.KindOf(err) {
	case engine.KindValidation:
		var ve *engine.ValidationError
		errors.As(err, &ve)
		return newAPIError(http.StatusBadRequest, "validation_failed", msg, map[string]any{"field": ve.Field})
	case engine.KindUnauthorized:
		return newAPIError(http.StatusForbidden, "unauthorized_party", msg, nil)
	case engine.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case engine.KindCapacity:
		code := "shift_full"
		if errors.Is(err, engine.ErrConflict) {
			code = "conflict"
		}
		return newAPIError(http.StatusConflict, code, msg, map[string]any{"retryable": true})
	case engine.KindPrecondition:
		for _, pc := range preconditionCodes {
			if errors.Is(err, pc.err) {
				return newAPIError(http.StatusConflict, pc.code, msg, nil)
			}
		}
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// failed logs an operation error at the level its kind deserves and converts it.
func failed(ctx context.Context, op string, err error) huma.StatusError {
	logger := logging.FromContext(ctx, nil)
	kind := engine.KindOf(err)
	if kind == engine.KindInternal {
		logger.Error("request failed", "operation", op, "error", err)
	} else {
		logger.Info("request rejected", "operation", op, "error_kind", string(kind), "error", err)
	}
	return handleError(err)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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
    <title>Shiftline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; (sl token &lt;user&gt;).
    </p>
  </body>
</html>`, specURL)
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

func registerShifts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-shift",
		Method:        http.MethodPost,
		Path:          "/shifts",
		Summary:       "Post a shift",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateShiftRequest `json:"body"`
	}) (*struct {
		Body domain.Shift `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateShift(ctx, engine.CreateShiftOptions{
			ID:            stringOrEmpty(input.Body.ID),
			RequesterID:   actorID,
			Title:         input.Body.Title,
			Description:   stringOrEmpty(input.Body.Description),
			Location:      stringOrEmpty(input.Body.Location),
			PayAmount:     input.Body.PayAmount,
			PayCurrency:   input.Body.PayCurrency,
			StartsAt:      input.Body.StartsAt,
			EndsAt:        input.Body.EndsAt,
			RequiredCount: input.Body.RequiredCount,
			Publish:       input.Body.Publish,
		})
		if err != nil {
			return nil, failed(ctx, "create-shift", err)
		}
		return &struct {
			Body domain.Shift `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-shifts",
		Method:      http.MethodGet,
		Path:        "/shifts",
		Summary:     "List shifts, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" enum:"draft,open,in_progress,completed,cancelled"`
		RequesterID string `query:"requester_id"`
		FulfillerID string `query:"fulfiller_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedShifts `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.ListShifts(ctx, repo.ShiftFilters{
			Status:      input.Status,
			RequesterID: input.RequesterID,
			FulfillerID: input.FulfillerID,
			Limit:       limit + 1,
			Cursor:      input.Cursor,
		})
		if err != nil {
			return nil, failed(ctx, "list-shifts", err)
		}
		resp := paginatedShifts{}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = items[limit-1].ID
		}
		resp.Items = nonNilSlice(items)
		return &struct {
			Body paginatedShifts `json:"body"`
		}{Body: resp}, nil
	})

	type shiftPath struct {
		ShiftID string `path:"shift_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-shift",
		Method:      http.MethodGet,
		Path:        "/shifts/{shift_id}",
		Summary:     "Get shift",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *shiftPath) (*struct {
		Body domain.Shift `json:"body"`
	}, error) {
		s, err := e.GetShift(ctx, input.ShiftID)
		if err != nil {
			return nil, failed(ctx, "get-shift", err)
		}
		return &struct {
			Body domain.Shift `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-shift",
		Method:      http.MethodPost,
		Path:        "/shifts/{shift_id}/publish",
		Summary:     "Open a draft shift for applications",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *shiftPath) (*struct {
		Body domain.Shift `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.PublishShift(ctx, input.ShiftID, actorID)
		if err != nil {
			return nil, failed(ctx, "publish-shift", err)
		}
		return &struct {
			Body domain.Shift `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-shift",
		Method:      http.MethodPost,
		Path:        "/shifts/{shift_id}/cancel",
		Summary:     "Cancel a shift that has not completed",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ShiftID string              `path:"shift_id"`
		Body    *CancelShiftRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.Shift `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		s, err := e.CancelShift(ctx, input.ShiftID, actorID, reason)
		if err != nil {
			return nil, failed(ctx, "cancel-shift", err)
		}
		return &struct {
			Body domain.Shift `json:"body"`
		}{Body: s}, nil
	})
}

func registerApplications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-application",
		Method:        http.MethodPost,
		Path:          "/shifts/{shift_id}/applications",
		Summary:       "Apply to an open shift",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ShiftID string                    `path:"shift_id"`
		Body    *SubmitApplicationRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SubmitApplicationOptions{ShiftID: input.ShiftID, CandidateID: actorID}
		if input.Body != nil {
			opts.ID = stringOrEmpty(input.Body.ID)
			opts.Message = input.Body.Message
		}
		app, err := e.SubmitApplication(ctx, opts)
		if err != nil {
			return nil, failed(ctx, "submit-application", err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/shifts/{shift_id}/applications",
		Summary:     "List applications; candidates only see their own",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ShiftID string `path:"shift_id"`
		Status  string `query:"status" enum:"pending,accepted,rejected"`
	}) (*struct {
		Body []domain.Application `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.GetShift(ctx, input.ShiftID)
		if err != nil {
			return nil, failed(ctx, "list-applications", err)
		}
		items, err := e.ListApplications(ctx, input.ShiftID, input.Status)
		if err != nil {
			return nil, failed(ctx, "list-applications", err)
		}
		if s.RequesterID != actorID {
			own := items[:0]
			for _, app := range items {
				if app.CandidateID == actorID {
					own = append(own, app)
				}
			}
			items = own
		}
		return &struct {
			Body []domain.Application `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-application",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/withdraw",
		Summary:     "Withdraw a pending application",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ApplicationID string `path:"application_id"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := e.WithdrawApplication(ctx, input.ApplicationID, actorID)
		if err != nil {
			return nil, failed(ctx, "withdraw-application", err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})
}

func registerAdmission(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "admit",
		Method:      http.MethodPost,
		Path:        "/shifts/{shift_id}/admission",
		Summary:     "Accept or reject a pending application",
		Description: "Accepting is capacity safe. A 409 shift_full carries details.retryable and the caller should re-read the shift.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ShiftID string           `path:"shift_id"`
		Body    AdmissionRequest `json:"body"`
	}) (*struct {
		Body AdmissionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		decision := engine.DecisionReject
		if input.Body.Approved {
			decision = engine.DecisionAccept
		}
		res, err := e.Admit(ctx, engine.AdmitOptions{
			ShiftID:       input.ShiftID,
			ApplicationID: input.Body.ApplicationID,
			CallerID:      actorID,
			Decision:      decision,
		})
		if err != nil {
			return nil, failed(ctx, "admit", err)
		}
		return &struct {
			Body AdmissionResponse `json:"body"`
		}{Body: admissionResponse(res)}, nil
	})
}

func registerCompletion(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "confirm-completion",
		Method:      http.MethodPost,
		Path:        "/shifts/{shift_id}/completion",
		Summary:     "Confirm completion for the caller's side of a shift",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ShiftID string            `path:"shift_id"`
		Body    CompletionRequest `json:"body"`
	}) (*struct {
		Body CompletionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Confirm(ctx, engine.ConfirmOptions{
			ShiftID:  input.ShiftID,
			CallerID: actorID,
			Role:     input.Body.CallerRole,
		})
		if err != nil {
			return nil, failed(ctx, "confirm-completion", err)
		}
		return &struct {
			Body CompletionResponse `json:"body"`
		}{Body: completionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-shift-record",
		Method:      http.MethodGet,
		Path:        "/shifts/{shift_id}/record",
		Summary:     "Completion record of a shift",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ShiftID string `path:"shift_id"`
	}) (*struct {
		Body domain.CompletionRecord `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.GetCompletionRecordForShift(ctx, input.ShiftID, actorID)
		if err != nil {
			return nil, failed(ctx, "get-shift-record", err)
		}
		return &struct {
			Body domain.CompletionRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerRatings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-rating",
		Method:      http.MethodPost,
		Path:        "/shifts/{shift_id}/ratings",
		Summary:     "Rate the counterpart of a completed shift",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ShiftID string        `path:"shift_id"`
		Body    RatingRequest `json:"body"`
	}) (*struct {
		Body RatingResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SubmitRating(ctx, engine.RatingOptions{
			ShiftID: input.ShiftID,
			RaterID: actorID,
			RatedID: input.Body.RatedPartyID,
			Score:   input.Body.Score,
			Comment: input.Body.Comment,
		})
		if err != nil {
			return nil, failed(ctx, "submit-rating", err)
		}
		return &struct {
			Body RatingResponse `json:"body"`
		}{Body: ratingResponse(res)}, nil
	})
}

func registerRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{record_id}",
		Summary:     "Get completion record",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecordID string `path:"record_id"`
	}) (*struct {
		Body domain.CompletionRecord `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.GetCompletionRecord(ctx, input.RecordID, actorID)
		if err != nil {
			return nil, failed(ctx, "get-record", err)
		}
		return &struct {
			Body domain.CompletionRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	type userPath struct {
		UserID string `path:"user_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-user-records",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/records",
		Summary:     "Completion records naming the user",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *userPath) (*struct {
		Body []domain.CompletionRecord `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actorID != input.UserID {
			return nil, handleError(fmt.Errorf("%w: records of %s", engine.ErrUnauthorizedParty, input.UserID))
		}
		items, err := e.ListCompletionRecords(ctx, input.UserID)
		if err != nil {
			return nil, failed(ctx, "list-user-records", err)
		}
		return &struct {
			Body []domain.CompletionRecord `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reputation",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/reputation",
		Summary:     "Aggregate reputation",
	}, func(ctx context.Context, input *userPath) (*struct {
		Body domain.UserReputation `json:"body"`
	}, error) {
		rep, err := e.GetReputation(ctx, input.UserID)
		if err != nil {
			return nil, failed(ctx, "get-reputation", err)
		}
		return &struct {
			Body domain.UserReputation `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ratings",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/ratings",
		Summary:     "Ratings received by the user",
	}, func(ctx context.Context, input *userPath) (*struct {
		Body []domain.Rating `json:"body"`
	}, error) {
		items, err := e.ListRatings(ctx, input.UserID)
		if err != nil {
			return nil, failed(ctx, "list-ratings", err)
		}
		return &struct {
			Body []domain.Rating `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"shift,application,rating,user"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      limit + 1,
			Cursor:     cursorID,
		})
		if err != nil {
			return nil, failed(ctx, "list-events", err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: principal.ActorID, Source: principal.Source}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-notifications",
		Method:      http.MethodGet,
		Path:        "/me/notifications",
		Summary:     "Notifications queued for the caller",
	}, func(ctx context.Context, input *struct {
		PendingOnly bool  `query:"pending"`
		After       int64 `query:"after"`
		Limit       int   `query:"limit" default:"50"`
	}) (*struct {
		Body []NotificationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListNotifications(ctx, repo.NotificationFilters{
			UserID:      actorID,
			PendingOnly: input.PendingOnly,
			AfterID:     input.After,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, failed(ctx, "my-notifications", err)
		}
		out := make([]NotificationResponse, 0, len(items))
		for _, n := range items {
			out = append(out, notificationResponse(n))
		}
		return &struct {
			Body []NotificationResponse `json:"body"`
		}{Body: out}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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
