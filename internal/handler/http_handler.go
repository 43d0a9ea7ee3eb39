package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pesio-ai/be-commissions/internal/money"
	"github.com/pesio-ai/be-commissions/internal/platform/errors"
	"github.com/pesio-ai/be-commissions/internal/platform/logger"
	"github.com/pesio-ai/be-commissions/internal/repository"
	"github.com/pesio-ai/be-commissions/internal/service"
	"github.com/pesio-ai/be-commissions/internal/workflow"
)

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	commissions *service.CommissionService
	compliance  *service.ComplianceService
	store       Pinger
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	commissions *service.CommissionService,
	compliance *service.ComplianceService,
	store Pinger,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		commissions: commissions,
		compliance:  compliance,
		store:       store,
		log:         log,
	}
}

// Routes builds the chi router. requestTimeout bounds every API call.
func (h *HTTPHandler) Routes(requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		if requestTimeout > 0 {
			r.Use(middleware.Timeout(requestTimeout))
		}
		r.Use(ActorMiddleware)

		r.Route("/commissions", func(r chi.Router) {
			r.Post("/", h.CreateCommission)
			r.Get("/", h.ListCommissions)
			r.Post("/preview", h.PreviewCommission)
			r.Post("/preview/itemized", h.PreviewItemized)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCommission)
				r.Put("/", h.UpdateCommission)
				r.Delete("/", h.DeleteCommission)
				r.Post("/transitions", h.TransitionCommission)
				r.Get("/history", h.GetHistory)
				r.Get("/changes", h.GetChanges)
			})
		})

		r.Get("/jobs/{jobID}/denied", h.CheckJobDenied)

		r.Route("/compliance", func(r chi.Router) {
			r.Post("/violations", h.ReportViolation)
			r.Get("/violations", h.ListViolations)
			r.Get("/violations/{id}", h.GetViolation)
			r.Post("/violations/{id}/resolve", h.ResolveViolation)
			r.Post("/violations/{id}/escalate", h.EscalateViolation)

			r.Post("/holds", h.PlaceHold)
			r.Get("/holds", h.ListHolds)
			r.Get("/holds/active", h.FindActiveHold)
			r.Get("/holds/{id}", h.GetHold)
			r.Post("/holds/{id}/release", h.ReleaseHold)

			r.Get("/escalations/{id}", h.GetEscalation)
			r.Post("/escalations/{id}/decision", h.DecideEscalation)
		})
	})

	return r
}

// Health reports liveness and store connectivity.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Commissions ───────────────────────────────────────────────────────────────

// CreateCommission handles create commission HTTP requests
func (h *HTTPHandler) CreateCommission(w http.ResponseWriter, r *http.Request) {
	var body createCommissionBody
	if !decodeBody(w, r, &body) {
		return
	}

	rec, err := h.commissions.CreateCommission(r.Context(), body.toService(mustActor(r)))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetCommission handles get commission HTTP requests
func (h *HTTPHandler) GetCommission(w http.ResponseWriter, r *http.Request) {
	rec, err := h.commissions.GetCommission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListCommissions handles list commissions HTTP requests
func (h *HTTPHandler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.CommissionFilter{
		Stage:       optString(q.Get("approval_stage")),
		SubmittedBy: optString(q.Get("submitted_by")),
		JobID:       optString(q.Get("job_id")),
	}
	if s := q.Get("status"); s != "" {
		st := workflow.Status(s)
		filter.Status = &st
	}
	if s := q.Get("is_draw"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, r, errors.InvalidInput("is_draw", "must be true or false"))
			return
		}
		filter.IsDraw = &b
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	records, total, err := h.commissions.ListCommissions(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commissions": records,
		"total":       total,
		"limit":       filter.Limit,
		"offset":      filter.Offset,
	})
}

// UpdateCommission handles edits of drafts and reopened records
func (h *HTTPHandler) UpdateCommission(w http.ResponseWriter, r *http.Request) {
	var body commissionFieldsBody
	if !decodeBody(w, r, &body) {
		return
	}

	rec, err := h.commissions.UpdateCommission(r.Context(), &service.UpdateCommissionRequest{
		ID:     chi.URLParam(r, "id"),
		Actor:  mustActor(r),
		Fields: *body.toService(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteCommission handles delete commission HTTP requests
func (h *HTTPHandler) DeleteCommission(w http.ResponseWriter, r *http.Request) {
	if err := h.commissions.DeleteCommission(r.Context(), chi.URLParam(r, "id"), mustActor(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TransitionCommission applies one workflow action
func (h *HTTPHandler) TransitionCommission(w http.ResponseWriter, r *http.Request) {
	var body transitionBody
	if !decodeBody(w, r, &body) {
		return
	}

	rec, err := transition(r.Context(), h.commissions, chi.URLParam(r, "id"), mustActor(r), &body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func transition(ctx context.Context, svc *service.CommissionService, id string, actor workflow.Actor, body *transitionBody) (*repository.CommissionRecord, error) {
	if body.Action == actionApprove {
		return svc.Approve(ctx, id, actor, body.Notes)
	}
	action, ok := workflow.ParseAction(body.Action)
	if !ok {
		return nil, errors.InvalidInput("action", "unknown action")
	}
	return svc.Transition(ctx, &service.TransitionRequest{
		ID:     id,
		Actor:  actor,
		Action: action,
		Reason: body.Reason,
		Notes:  body.Notes,
		Fields: body.Fields.toService(),
	})
}

// GetHistory returns the status log
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.commissions.GetHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// GetChanges returns the resubmission diff
func (h *HTTPHandler) GetChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := h.commissions.GetChanges(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

// PreviewCommission calculates derived fields for an in-progress record
func (h *HTTPHandler) PreviewCommission(w http.ResponseWriter, r *http.Request) {
	var body previewBody
	if !decodeBody(w, r, &body) {
		return
	}

	res, err := h.commissions.Preview(&service.PreviewRequest{
		Inputs:              body.Inputs,
		IsDraw:              body.IsDraw,
		RequestedDrawAmount: body.RequestedDrawAmount,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PreviewItemized runs the itemized job-costing calculation
func (h *HTTPHandler) PreviewItemized(w http.ResponseWriter, r *http.Request) {
	var body money.ItemizedInputs
	if !decodeBody(w, r, &body) {
		return
	}

	res, err := h.commissions.PreviewItemized(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CheckJobDenied reports whether a job id is on the deny list
func (h *HTTPHandler) CheckJobDenied(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	denied, err := h.commissions.IsJobDenied(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "denied": denied})
}

// ── Compliance ────────────────────────────────────────────────────────────────

// ReportViolation records a new violation
func (h *HTTPHandler) ReportViolation(w http.ResponseWriter, r *http.Request) {
	var body reportViolationBody
	if !decodeBody(w, r, &body) {
		return
	}

	v, err := h.compliance.ReportViolation(r.Context(), &service.ReportViolationRequest{
		Actor:        mustActor(r),
		UserID:       body.UserID,
		JobID:        body.JobID,
		Severity:     body.Severity,
		SOPReference: body.SOPReference,
		Description:  body.Description,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// ListViolations lists violations
func (h *HTTPHandler) ListViolations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.ViolationFilter{
		JobID:  optString(q.Get("job_id")),
		UserID: optString(q.Get("user_id")),
	}
	if s := q.Get("status"); s != "" {
		st := repository.ViolationStatus(s)
		filter.Status = &st
	}
	if s := q.Get("severity"); s != "" {
		sev := repository.Severity(s)
		filter.Severity = &sev
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	violations, err := h.compliance.ListViolations(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"violations": violations})
}

// GetViolation returns one violation
func (h *HTTPHandler) GetViolation(w http.ResponseWriter, r *http.Request) {
	v, err := h.compliance.GetViolation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ResolveViolation closes a violation and releases its holds
func (h *HTTPHandler) ResolveViolation(w http.ResponseWriter, r *http.Request) {
	var body notesBody
	if !decodeBody(w, r, &body) {
		return
	}

	v, err := h.compliance.ResolveViolation(r.Context(), chi.URLParam(r, "id"), mustActor(r), body.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// EscalateViolation requests an admin decision
func (h *HTTPHandler) EscalateViolation(w http.ResponseWriter, r *http.Request) {
	var body escalateBody
	if !decodeBody(w, r, &body) {
		return
	}

	e, err := h.compliance.EscalateViolation(r.Context(), chi.URLParam(r, "id"), mustActor(r), body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// PlaceHold places a compliance hold
func (h *HTTPHandler) PlaceHold(w http.ResponseWriter, r *http.Request) {
	var body placeHoldBody
	if !decodeBody(w, r, &body) {
		return
	}

	hold, err := h.compliance.PlaceHold(r.Context(), &service.PlaceHoldRequest{
		Actor:       mustActor(r),
		HoldType:    body.HoldType,
		TargetType:  body.TargetType,
		TargetID:    body.TargetID,
		ViolationID: body.ViolationID,
		Reason:      body.Reason,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, hold)
}

// ListHolds lists holds
func (h *HTTPHandler) ListHolds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.HoldFilter{TargetID: optString(q.Get("target_id"))}
	if s := q.Get("status"); s != "" {
		st := repository.HoldStatus(s)
		filter.Status = &st
	}
	if s := q.Get("target_type"); s != "" {
		tt := repository.HoldTargetType(s)
		filter.TargetType = &tt
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	holds, err := h.compliance.ListHolds(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"holds": holds})
}

// FindActiveHold returns the hold blocking a job or user, if any
func (h *HTTPHandler) FindActiveHold(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hold, err := h.compliance.FindActiveHold(r.Context(), q.Get("job_id"), q.Get("user_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": hold != nil, "hold": hold})
}

// GetHold returns one hold
func (h *HTTPHandler) GetHold(w http.ResponseWriter, r *http.Request) {
	hold, err := h.compliance.GetHold(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

// ReleaseHold releases an active hold
func (h *HTTPHandler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	hold, err := h.compliance.ReleaseHold(r.Context(), chi.URLParam(r, "id"), mustActor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

// GetEscalation returns one escalation
func (h *HTTPHandler) GetEscalation(w http.ResponseWriter, r *http.Request) {
	e, err := h.compliance.GetEscalation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// DecideEscalation records an admin decision
func (h *HTTPHandler) DecideEscalation(w http.ResponseWriter, r *http.Request) {
	var body decisionBody
	if !decodeBody(w, r, &body) {
		return
	}

	e, v, err := h.compliance.DecideEscalation(r.Context(), &service.DecideEscalationRequest{
		Actor:        mustActor(r),
		EscalationID: chi.URLParam(r, "id"),
		Approve:      body.Approve,
		Note:         body.Note,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{Escalation: e, Violation: v})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error *errors.AppError `json:"error"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, errors.InvalidInput("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *errors.AppError
	if !errors.As(err, &appErr) {
		appErr = errors.Wrap(err, errors.ErrCodeInternal, "internal error")
	}
	status := errors.HTTPStatus(appErr.Code)
	if status >= http.StatusInternalServerError {
		if l, ok := r.Context().Value(loggerKey{}).(*logger.Logger); ok {
			l.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		}
		if appErr.Code == errors.ErrCodeInternal {
			appErr = errors.New(errors.ErrCodeInternal, "internal error")
		}
	}
	writeJSON(w, status, errorResponse{Error: appErr})
}

func mustActor(r *http.Request) workflow.Actor {
	a, _ := ActorFromContext(r.Context())
	return a
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
