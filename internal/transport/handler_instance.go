package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medlar/approvals/internal/definition"
	"github.com/medlar/approvals/internal/notify"
	"github.com/medlar/approvals/internal/observability"
	"github.com/medlar/approvals/internal/verification"
	"github.com/medlar/approvals/internal/workflow"
	"github.com/medlar/approvals/model"
)

// maxBodyBytes limits request bodies to 1 MiB.
const maxBodyBytes = 1 << 20

// Handlers holds the dependencies shared by all API handlers.
type Handlers struct {
	registry *definition.Registry
	engine   *workflow.Engine
	executor *workflow.IdempotentExecutor
	gate     *verification.Gate
	notifier notify.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewHandlers wires the API handlers. The notifier and metrics may be nil,
// in which case dispatch and recording are skipped.
func NewHandlers(
	registry *definition.Registry,
	engine *workflow.Engine,
	executor *workflow.IdempotentExecutor,
	gate *verification.Gate,
	notifier notify.Notifier,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		registry: registry,
		engine:   engine,
		executor: executor,
		gate:     gate,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
	}
}

type createInstanceRequest struct {
	Payload map[string]any `json:"payload"`
}

// HandleCreateInstance handles POST /v1/workflows/{kind}/instances.
func (h *Handlers) HandleCreateInstance(w http.ResponseWriter, r *http.Request) {
	actor := model.MustActorContext(r.Context())
	kind := chi.URLParam(r, "kind")

	var req createInstanceRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}

	inst, err := h.engine.CreateInstance(r.Context(), actor, kind, req.Payload)
	if err != nil {
		WriteError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordInstanceCreation(kind)
	}
	WriteJSON(w, http.StatusCreated, inst)
}

type executeActionRequest struct {
	Params map[string]any `json:"params"`
	Notes  string         `json:"notes"`
}

type executeActionResponse struct {
	Instance model.WorkflowInstance `json:"instance"`
	Events   []model.Event          `json:"events,omitempty"`
}

// HandleExecuteAction handles POST /v1/instances/{instanceId}/actions/{action}.
// An X-Idempotency-Key header makes the request safely retryable.
func (h *Handlers) HandleExecuteAction(w http.ResponseWriter, r *http.Request) {
	actor := model.MustActorContext(r.Context())
	instanceID := chi.URLParam(r, "instanceId")
	action := chi.URLParam(r, "action")
	idemKey := r.Header.Get("X-Idempotency-Key")

	var req executeActionRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}

	start := time.Now()
	inst, events, err := h.executor.Execute(
		r.Context(), actor, instanceID, action, req.Params, req.Notes, idemKey,
	)
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordTransitionFailure("unknown", action, model.CodeOf(err))
		}
		WriteError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordTransition(inst.Kind, action, time.Since(start))
		if outcome, terminal := h.terminalOutcome(inst.Kind, inst.State); terminal {
			h.metrics.RecordCompletion(inst.Kind, outcome)
		}
	}
	h.dispatch(r, events)

	WriteJSON(w, http.StatusOK, executeActionResponse{Instance: inst, Events: events})
}

// HandleGetInstance handles GET /v1/instances/{instanceId}.
func (h *Handlers) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	actor := model.MustActorContext(r.Context())
	instanceID := chi.URLParam(r, "instanceId")

	detail, err := h.engine.GetInstance(r.Context(), actor, instanceID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, detail)
}

type listInstancesResponse struct {
	Items    []model.WorkflowInstance `json:"items"`
	Total    int                      `json:"total"`
	Page     int                      `json:"page"`
	PageSize int                      `json:"page_size"`
}

// HandleListInstances handles GET /v1/instances.
func (h *Handlers) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	actor := model.MustActorContext(r.Context())

	filters, err := parseInstanceFilters(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	items, total, err := h.engine.ListInstances(r.Context(), actor, filters)
	if err != nil {
		WriteError(w, err)
		return
	}
	if items == nil {
		items = []model.WorkflowInstance{}
	}

	if filters.PageSize <= 0 {
		filters.PageSize = 20
	}
	if filters.Page <= 0 {
		filters.Page = 1
	}
	WriteJSON(w, http.StatusOK, listInstancesResponse{
		Items:    items,
		Total:    total,
		Page:     filters.Page,
		PageSize: filters.PageSize,
	})
}

// dispatch delivers notification events best-effort. A dead notifier never
// fails the request.
func (h *Handlers) dispatch(r *http.Request, events []model.Event) {
	if h.notifier == nil || len(events) == 0 {
		return
	}
	if err := h.notifier.Dispatch(r.Context(), events); err != nil {
		observability.RequestLogger(r.Context(), h.logger).Warn(
			"notification dispatch failed",
			zap.Int("events", len(events)),
			zap.Error(err),
		)
		if h.metrics != nil {
			h.metrics.RecordNotificationDispatch("failed", len(events))
		}
		return
	}
	if h.metrics != nil {
		h.metrics.RecordNotificationDispatch("delivered", len(events))
	}
}

// terminalOutcome reports whether the state is terminal for the kind and, if
// so, its outcome classification.
func (h *Handlers) terminalOutcome(kind, state string) (string, bool) {
	if h.registry == nil {
		return "", false
	}
	def, ok := h.registry.Kind(kind)
	if !ok {
		return "", false
	}
	for _, s := range def.States {
		if s.ID == state && s.Terminal {
			outcome := s.Outcome
			if outcome == "" {
				outcome = model.OutcomeSuccess
			}
			return outcome, true
		}
	}
	return "", false
}

// decodeBody parses a JSON request body. An empty body is allowed and leaves
// dst zeroed.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if err.Error() == "EOF" {
			return nil
		}
		return model.NewBadRequestError("Request body is not valid JSON")
	}
	return nil
}

// parseInstanceFilters builds InstanceFilters from query parameters.
func parseInstanceFilters(r *http.Request) (model.InstanceFilters, error) {
	q := r.URL.Query()
	filters := model.InstanceFilters{
		Kind:      q.Get("kind"),
		State:     q.Get("state"),
		CreatedBy: q.Get("created_by"),
		EntityID:  q.Get("entity_id"),
	}

	if v := q.Get("created_from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, model.NewValidationError([]model.FieldError{{
				Field: "created_from", Code: "INVALID",
				Message: "must be an RFC 3339 timestamp",
			}})
		}
		filters.CreatedFrom = ts
	}
	if v := q.Get("created_to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, model.NewValidationError([]model.FieldError{{
				Field: "created_to", Code: "INVALID",
				Message: "must be an RFC 3339 timestamp",
			}})
		}
		filters.CreatedTo = ts
	}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filters, model.NewValidationError([]model.FieldError{{
				Field: "page", Code: "INVALID",
				Message: "must be a positive integer",
			}})
		}
		filters.Page = n
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return filters, model.NewValidationError([]model.FieldError{{
				Field: "page_size", Code: "INVALID",
				Message: "must be an integer between 1 and 100",
			}})
		}
		filters.PageSize = n
	}

	return filters, nil
}
