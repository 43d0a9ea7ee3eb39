package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-commissions/internal/eligibility"
	"github.com/pesio-ai/be-commissions/internal/money"
	"github.com/pesio-ai/be-commissions/internal/platform/errors"
	"github.com/pesio-ai/be-commissions/internal/platform/logger"
	"github.com/pesio-ai/be-commissions/internal/repository"
	"github.com/pesio-ai/be-commissions/internal/workflow"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200

	// actionEdit marks an admin edit of a record under review in the status log.
	actionEdit = "edit"
)

// CommissionService runs the approval workflow: it evaluates workflow.Apply,
// the deny list, draw rules and compliance holds, then persists the
// transition atomically.
type CommissionService struct {
	store      CommissionStore
	compliance ComplianceStore
	notifier   Notifier
	opts       CommissionOptions
	log        *logger.Logger
}

// NewCommissionService creates a new commission service
func NewCommissionService(
	store CommissionStore,
	compliance ComplianceStore,
	notifier Notifier,
	opts CommissionOptions,
	log *logger.Logger,
) *CommissionService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &CommissionService{
		store:      store,
		compliance: compliance,
		notifier:   notifier,
		opts:       opts,
		log:        log,
	}
}

// CommissionFields are the fields a submitter may set or edit.
type CommissionFields struct {
	AcculynxJobID       string
	CustomerName        string
	JobAddress          *string
	Inputs              money.Inputs
	RequestedDrawAmount decimal.Decimal
	Eligibility         eligibility.Checklist
}

// CreateCommissionRequest represents a create commission request
type CreateCommissionRequest struct {
	Actor               workflow.Actor
	SubmissionKind      repository.SubmissionKind
	IsManagerSubmission bool
	IsDraw              bool
	Fields              CommissionFields
	// Submit sends the new record straight into review.
	Submit bool
	Notes  *string
}

// UpdateCommissionRequest represents an edit of an unlocked record
type UpdateCommissionRequest struct {
	ID     string
	Actor  workflow.Actor
	Fields CommissionFields
}

// TransitionRequest asks for one workflow action on a record.
type TransitionRequest struct {
	ID     string
	Actor  workflow.Actor
	Action workflow.Action
	// Reason is required for reject and deny.
	Reason string
	Notes  *string
	// Fields carries edits for resubmit and the final figures for close_out.
	Fields *CommissionFields
}

// ChangeSet is what a reviewer sees for a resubmitted record.
type ChangeSet struct {
	CommissionID       string                         `json:"commission_id"`
	WasRejected        bool                           `json:"was_rejected"`
	PreviousSubmission *repository.SubmissionSnapshot `json:"previous_submission_snapshot,omitempty"`
	Changes            []repository.FieldChange       `json:"changes"`
}

// PreviewRequest is an in-progress record's money fields.
type PreviewRequest struct {
	Inputs              money.Inputs
	IsDraw              bool
	RequestedDrawAmount decimal.Decimal
}

// PreviewResult is the live calculation for an in-progress record.
type PreviewResult struct {
	money.Result
	EstimatedCommission decimal.Decimal  `json:"estimated_commission"`
	MaxDraw             decimal.Decimal  `json:"max_draw"`
	DrawAllowed         *bool            `json:"draw_allowed,omitempty"`
	DrawError           *errors.AppError `json:"draw_error,omitempty"`
}

// ── Create / edit ─────────────────────────────────────────────────────────────

// CreateCommission stores a new draft, or a submitted record when
// req.Submit is set. A submit that fails its guards stores nothing.
func (s *CommissionService) CreateCommission(ctx context.Context, req *CreateCommissionRequest) (*repository.CommissionRecord, error) {
	if err := checkActor(req.Actor); err != nil {
		return nil, err
	}

	kind := req.SubmissionKind
	if kind == "" {
		kind = repository.KindEmployee
		if req.Actor.Role == workflow.RoleSubcontractor {
			kind = repository.KindSubcontractor
		}
	}
	if kind != repository.KindEmployee && kind != repository.KindSubcontractor {
		return nil, errors.InvalidInput("submission_kind", "must be employee or subcontractor")
	}
	if req.IsManagerSubmission {
		if err := requireRole(req.Actor, "submit manager commissions", workflow.RoleManager, workflow.RoleAdmin); err != nil {
			return nil, err
		}
	}

	rec := &repository.CommissionRecord{
		SubmissionKind:      kind,
		SubmittedBy:         req.Actor.ID,
		IsManagerSubmission: req.IsManagerSubmission,
		IsDraw:              req.IsDraw,
		State:               workflow.Draft(),
		ReviewerNotes:       []repository.ReviewerNote{},
	}
	applyFields(rec, req.Fields)
	if err := validateFields(rec); err != nil {
		return nil, err
	}

	entry := &repository.StatusLogEntry{
		Action:    "create",
		ToStatus:  string(workflow.StatusDraft),
		ActorID:   req.Actor.ID,
		ActorRole: string(req.Actor.Role),
		Notes:     req.Notes,
	}

	var submitted *workflow.Transition
	if req.Submit {
		t, err := workflow.Apply(rec.Subject(), req.Actor, workflow.ActionSubmit)
		if err != nil {
			return nil, err
		}
		w, err := s.prepare(ctx, rec, t, &TransitionRequest{Actor: req.Actor, Action: workflow.ActionSubmit, Notes: req.Notes})
		if err != nil {
			return nil, err
		}
		rec, entry = w.Record, w.Entry
		entry.Metadata["created"] = true
		submitted = &t
	}

	if err := s.store.Create(ctx, rec, entry); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("commission_id", rec.ID).
		Str("acculynx_job_id", rec.AcculynxJobID).
		Str("submitted_by", rec.SubmittedBy).
		Str("state", rec.State.String()).
		Bool("is_draw", rec.IsDraw).
		Msg("Commission created")

	if submitted != nil {
		s.notifyTransition(ctx, rec, *submitted, req.Actor, "")
	}
	return rec, nil
}

// UpdateCommission edits a draft (by its submitter) or a record under
// review (by an admin). Rejected records are edited through resubmit so
// the pre-edit snapshot is captured.
func (s *CommissionService) UpdateCommission(ctx context.Context, req *UpdateCommissionRequest) (*repository.CommissionRecord, error) {
	if err := checkActor(req.Actor); err != nil {
		return nil, err
	}

	rec, err := s.store.GetByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	switch rec.State.Status() {
	case workflow.StatusDraft:
		if req.Actor.ID != rec.SubmittedBy {
			return nil, errors.Forbidden("only the original submitter can edit a draft")
		}
	case workflow.StatusPendingReview:
		if err := requireRole(req.Actor, "edit a commission under review", workflow.RoleAdmin); err != nil {
			return nil, err
		}
		return s.editUnderReview(ctx, rec, req)
	case workflow.StatusRejected:
		return nil, errors.Conflict("rejected commissions are edited by resubmitting them")
	default:
		return nil, errors.Conflict(fmt.Sprintf("a commission in state %s cannot be edited", rec.State)).
			WithDetail("state", rec.State.String())
	}

	expected := rec.State
	applyFields(rec, req.Fields)
	if err := validateFields(rec); err != nil {
		return nil, err
	}

	if err := s.store.UpdateInputs(ctx, rec, expected); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("commission_id", rec.ID).
		Str("actor_id", req.Actor.ID).
		Str("state", rec.State.String()).
		Msg("Commission updated")

	return rec, nil
}

// editUnderReview applies an admin edit to a pending record. The edit runs
// the same guards as a submission and is written together with an "edit"
// status log entry listing the changed fields. The review stage is kept.
func (s *CommissionService) editUnderReview(
	ctx context.Context,
	rec *repository.CommissionRecord,
	req *UpdateCommissionRequest,
) (*repository.CommissionRecord, error) {
	before := rec.Snapshot(s.opts.Now())
	next := rec.Clone()
	applyFields(next, req.Fields)

	if err := validateFields(next); err != nil {
		return nil, err
	}
	if err := s.checkJobNotDenied(ctx, next.AcculynxJobID); err != nil {
		return nil, err
	}
	if next.IsDraw && !next.DrawClosedOut {
		if err := s.checkDrawRequest(ctx, next); err != nil {
			return nil, err
		}
	}
	if err := s.checkHolds(ctx, next); err != nil {
		return nil, err
	}

	changed := []string{}
	for _, c := range repository.ChangedFields(before, next) {
		changed = append(changed, c.Field)
	}

	entry := &repository.StatusLogEntry{
		CommissionID: rec.ID,
		Action:       actionEdit,
		FromStatus:   string(rec.State.Status()),
		FromStage:    rec.State.ApprovalStage(),
		ToStatus:     string(rec.State.Status()),
		ToStage:      rec.State.ApprovalStage(),
		ActorID:      req.Actor.ID,
		ActorRole:    string(req.Actor.Role),
		Metadata:     map[string]any{"changed_fields": changed},
	}
	w := &repository.TransitionWrite{Record: next, Expected: rec.State, Entry: entry}
	if err := s.store.ApplyTransition(ctx, w); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("commission_id", rec.ID).
		Str("actor_id", req.Actor.ID).
		Str("state", rec.State.String()).
		Strs("changed_fields", changed).
		Msg("Commission edited under review")

	return next, nil
}

// ── Workflow actions ──────────────────────────────────────────────────────────

// Submit sends a draft into review.
func (s *CommissionService) Submit(ctx context.Context, id string, actor workflow.Actor) (*repository.CommissionRecord, error) {
	return s.Transition(ctx, &TransitionRequest{ID: id, Actor: actor, Action: workflow.ActionSubmit})
}

// Resubmit applies the submitter's edits to a rejected record and restarts
// review at pending_manager.
func (s *CommissionService) Resubmit(ctx context.Context, id string, actor workflow.Actor, fields *CommissionFields) (*repository.CommissionRecord, error) {
	return s.Transition(ctx, &TransitionRequest{ID: id, Actor: actor, Action: workflow.ActionResubmit, Fields: fields})
}

// Approve applies the approve action of the record's current review stage.
func (s *CommissionService) Approve(ctx context.Context, id string, actor workflow.Actor, notes *string) (*repository.CommissionRecord, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stage, pending := rec.State.Stage()
	if !pending {
		return nil, errors.Conflict(fmt.Sprintf("commission in state %s is not awaiting approval", rec.State)).
			WithDetail("state", rec.State.String())
	}
	action, _ := workflow.ApproveActionFor(stage)
	return s.Transition(ctx, &TransitionRequest{ID: id, Actor: actor, Action: action, Notes: notes})
}

// Reject sends a pending record back to its submitter.
func (s *CommissionService) Reject(ctx context.Context, id string, actor workflow.Actor, reason string) (*repository.CommissionRecord, error) {
	return s.Transition(ctx, &TransitionRequest{ID: id, Actor: actor, Action: workflow.ActionReject, Reason: reason})
}

// Deny refuses a pending record and permanently denies its job id.
func (s *CommissionService) Deny(ctx context.Context, id string, actor workflow.Actor, reason string) (*repository.CommissionRecord, error) {
	return s.Transition(ctx, &TransitionRequest{ID: id, Actor: actor, Action: workflow.ActionDeny, Reason: reason})
}

// MarkPaid records payout of an approved record.
func (s *CommissionService) MarkPaid(ctx context.Context, id string, actor workflow.Actor) (*repository.CommissionRecord, error) {
	return s.Transition(ctx, &TransitionRequest{ID: id, Actor: actor, Action: workflow.ActionMarkPaid})
}

// CloseOut converts a paid draw into a final commission request.
func (s *CommissionService) CloseOut(ctx context.Context, id string, actor workflow.Actor, fields *CommissionFields) (*repository.CommissionRecord, error) {
	return s.Transition(ctx, &TransitionRequest{ID: id, Actor: actor, Action: workflow.ActionCloseOut, Fields: fields})
}

// Revert moves a record one step back.
func (s *CommissionService) Revert(ctx context.Context, id string, actor workflow.Actor, notes *string) (*repository.CommissionRecord, error) {
	return s.Transition(ctx, &TransitionRequest{ID: id, Actor: actor, Action: workflow.ActionRevert, Notes: notes})
}

// Transition reads the record, evaluates every guard against that read and
// writes the result only if the record still holds the state that was read.
// A concurrent change triggers a fresh read and full re-evaluation, up to
// ConflictRetry times.
func (s *CommissionService) Transition(ctx context.Context, req *TransitionRequest) (*repository.CommissionRecord, error) {
	if err := checkActor(req.Actor); err != nil {
		return nil, err
	}
	if _, ok := workflow.ParseAction(string(req.Action)); !ok {
		return nil, errors.InvalidInput("action", fmt.Sprintf("unknown action %q", req.Action))
	}

	for attempt := 0; ; attempt++ {
		rec, err := s.store.GetByID(ctx, req.ID)
		if err != nil {
			return nil, err
		}

		t, err := workflow.Apply(rec.Subject(), req.Actor, req.Action)
		if err != nil {
			if attempt > 0 && !errors.IsCode(err, errors.ErrCodeConflict) {
				return nil, errors.Conflict("commission changed while the action was in flight").
					WithDetail("state", rec.State.String())
			}
			return nil, err
		}

		w, err := s.prepare(ctx, rec, t, req)
		if err != nil {
			return nil, err
		}

		err = s.store.ApplyTransition(ctx, w)
		if err == nil {
			s.log.Info().
				Str("commission_id", rec.ID).
				Str("action", string(t.Action)).
				Str("actor_id", req.Actor.ID).
				Str("actor_role", string(req.Actor.Role)).
				Str("from", t.From.String()).
				Str("to", t.To.String()).
				Msg("Commission transitioned")

			s.notifyTransition(ctx, w.Record, t, req.Actor, strings.TrimSpace(req.Reason))
			return w.Record, nil
		}
		if !errors.Is(err, repository.ErrStaleState) || attempt >= s.opts.ConflictRetry {
			return nil, err
		}

		s.log.Debug().
			Str("commission_id", rec.ID).
			Str("action", string(t.Action)).
			Int("attempt", attempt+1).
			Msg("Commission changed concurrently, re-evaluating")
	}
}

// prepare runs the guards for an accepted transition and builds the write.
// Guard order: input validation, deny list, draw rules, compliance holds.
func (s *CommissionService) prepare(
	ctx context.Context,
	rec *repository.CommissionRecord,
	t workflow.Transition,
	req *TransitionRequest,
) (*repository.TransitionWrite, error) {
	now := s.opts.Now()
	reason := strings.TrimSpace(req.Reason)

	if t.RequiresReason && reason == "" {
		return nil, errors.InvalidInput("reason", fmt.Sprintf("a reason is required to %s", t.Action))
	}
	if req.Fields != nil && !t.Submission {
		return nil, errors.InvalidInput("fields", fmt.Sprintf("fields cannot change on %s", t.Action))
	}
	if t.CloseOutDraw && req.Fields == nil {
		return nil, errors.InvalidInput("fields", "close-out requires the final contract and commission figures")
	}

	next := rec.Clone()
	if t.SnapshotPrevious {
		next.PreviousSubmission = rec.Snapshot(now)
	}
	if req.Fields != nil {
		applyFields(next, *req.Fields)
	}
	if t.CloseOutDraw {
		next.DrawClosedOut = true
	}

	if t.Submission {
		if err := validateFields(next); err != nil {
			return nil, err
		}
		if err := s.checkJobNotDenied(ctx, next.AcculynxJobID); err != nil {
			return nil, err
		}
		if next.IsDraw && !next.DrawClosedOut {
			if err := s.checkDrawRequest(ctx, next); err != nil {
				return nil, err
			}
		}
	}
	if t.Forward {
		if err := s.checkHolds(ctx, next); err != nil {
			return nil, err
		}
	}

	next.State = t.To
	applyEffects(next, t, reason, s.opts.PaySchedule, now)

	if req.Notes != nil && strings.TrimSpace(*req.Notes) != "" {
		next.ReviewerNotes = append(next.ReviewerNotes, repository.ReviewerNote{
			ActorID: req.Actor.ID,
			Role:    string(req.Actor.Role),
			Stage:   t.From.String(),
			Note:    strings.TrimSpace(*req.Notes),
			At:      now,
		})
	}

	entry := &repository.StatusLogEntry{
		CommissionID: rec.ID,
		Action:       string(t.Action),
		FromStatus:   string(t.From.Status()),
		FromStage:    t.From.ApprovalStage(),
		ToStatus:     string(t.To.Status()),
		ToStage:      t.To.ApprovalStage(),
		ActorID:      req.Actor.ID,
		ActorRole:    string(req.Actor.Role),
		Notes:        req.Notes,
		Metadata:     map[string]any{},
	}
	if reason != "" {
		entry.Metadata["reason"] = reason
		if entry.Notes == nil {
			entry.Notes = &reason
		}
	}
	if t.SnapshotPrevious {
		changed := []string{}
		for _, c := range repository.ChangedFields(next.PreviousSubmission, next) {
			changed = append(changed, c.Field)
		}
		entry.Metadata["changed_fields"] = changed
	}

	w := &repository.TransitionWrite{Record: next, Expected: rec.State, Entry: entry}
	if t.DenyJob {
		w.DenyJob = &repository.DeniedJob{
			JobID:        next.AcculynxJobID,
			CommissionID: next.ID,
			DeniedBy:     req.Actor.ID,
			Reason:       reason,
		}
	}
	return w, nil
}

func applyEffects(rec *repository.CommissionRecord, t workflow.Transition, reason string, pay PaySchedule, now time.Time) {
	if t.AssignPayDate {
		payDate := pay.NextPayDate(now)
		rec.SubmittedAt = &now
		rec.ScheduledPayDate = &payDate
		rec.ApprovedAt, rec.PaidAt = nil, nil
	}
	if t.MarkRejected {
		rec.WasRejected = true
		rec.RejectionReason = &reason
	}
	if t.DenyJob {
		rec.RejectionReason = &reason
	}

	switch t.Action {
	case workflow.ActionAccountingApprove:
		rec.ApprovedAt = &now
	case workflow.ActionMarkPaid:
		rec.PaidAt = &now
		if rec.IsDraw && !rec.DrawClosedOut {
			rec.DrawAmountPaid = rec.RequestedDrawAmount
		}
	case workflow.ActionRevert:
		switch t.From.Status() {
		case workflow.StatusPaid:
			rec.PaidAt = nil
			if rec.IsDraw && !rec.DrawClosedOut {
				rec.DrawAmountPaid = decimal.Zero
			}
		case workflow.StatusApproved:
			rec.ApprovedAt = nil
		}
	}
}

// ── Guards ────────────────────────────────────────────────────────────────────

func (s *CommissionService) checkJobNotDenied(ctx context.Context, jobID string) error {
	denied, err := s.store.IsJobDenied(ctx, jobID)
	if err != nil {
		return err
	}
	if denied {
		return errors.New(errors.ErrCodeJobDenied, fmt.Sprintf("job %s has been permanently denied", jobID)).
			WithDetail("job_id", jobID)
	}
	return nil
}

func (s *CommissionService) checkDrawRequest(ctx context.Context, rec *repository.CommissionRecord) error {
	if missing := eligibility.Missing(rec.Eligibility); len(missing) > 0 {
		return errors.InvalidInput("eligibility", "every eligibility item must be checked before requesting a draw").
			WithDetail("missing", missing)
	}

	if err := s.opts.DrawPolicy.CheckDrawAmount(rec.RequestedDrawAmount, money.EstimatedCommission(rec.Inputs)); err != nil {
		return err
	}

	status, target := repository.HoldActive, repository.TargetUser
	holds, err := s.compliance.ListHolds(ctx, repository.HoldFilter{
		Status:     &status,
		TargetType: &target,
		TargetID:   &rec.SubmittedBy,
	})
	if err != nil {
		return err
	}
	for _, h := range holds {
		if h.HoldType == repository.HoldTypeCommission {
			return holdError(h)
		}
	}
	return nil
}

func (s *CommissionService) checkHolds(ctx context.Context, rec *repository.CommissionRecord) error {
	hold, err := s.compliance.FindActiveHold(ctx, rec.AcculynxJobID, rec.SubmittedBy)
	if err != nil {
		return err
	}
	if hold != nil {
		return holdError(hold)
	}
	return nil
}

func holdError(h *repository.ComplianceHold) error {
	return errors.New(errors.ErrCodeComplianceBlocked,
		fmt.Sprintf("blocked by compliance hold on %s %s", h.TargetType, h.TargetID)).
		WithDetail("hold_id", h.ID).
		WithDetail("hold_type", h.HoldType)
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// GetCommission retrieves a commission by ID
func (s *CommissionService) GetCommission(ctx context.Context, id string) (*repository.CommissionRecord, error) {
	return s.store.GetByID(ctx, id)
}

// ListCommissions lists commissions with filters
func (s *CommissionService) ListCommissions(ctx context.Context, filter repository.CommissionFilter) ([]*repository.CommissionRecord, int64, error) {
	filter.Limit, filter.Offset = pageWindow(filter.Limit, filter.Offset)
	return s.store.List(ctx, filter)
}

// GetHistory returns the status log of a commission, oldest first.
func (s *CommissionService) GetHistory(ctx context.Context, id string) ([]*repository.StatusLogEntry, error) {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id)
}

// GetChanges diffs a resubmitted record against the snapshot taken before
// the submitter's edits.
func (s *CommissionService) GetChanges(ctx context.Context, id string) (*ChangeSet, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	changes := repository.ChangedFields(rec.PreviousSubmission, rec)
	if changes == nil {
		changes = []repository.FieldChange{}
	}
	return &ChangeSet{
		CommissionID:       rec.ID,
		WasRejected:        rec.WasRejected,
		PreviousSubmission: rec.PreviousSubmission,
		Changes:            changes,
	}, nil
}

// IsJobDenied reports whether a job id is permanently denied.
func (s *CommissionService) IsJobDenied(ctx context.Context, jobID string) (bool, error) {
	if !eligibility.ValidJobID(jobID) {
		return false, errors.InvalidInput("job_id", "must be exactly 4 digits")
	}
	return s.store.IsJobDenied(ctx, jobID)
}

// Preview calculates the derived fields of an in-progress record without
// storing anything.
func (s *CommissionService) Preview(req *PreviewRequest) (*PreviewResult, error) {
	res, err := money.Calculate(req.Inputs)
	if err != nil {
		return nil, err
	}

	estimated := money.EstimatedCommission(req.Inputs)
	out := &PreviewResult{
		Result:              res,
		EstimatedCommission: estimated,
		MaxDraw:             s.opts.DrawPolicy.MaxDraw(estimated),
	}
	if req.IsDraw {
		allowed := true
		if err := s.opts.DrawPolicy.CheckDrawAmount(req.RequestedDrawAmount, estimated); err != nil {
			allowed = false
			var appErr *errors.AppError
			if errors.As(err, &appErr) {
				out.DrawError = appErr
			}
		}
		out.DrawAllowed = &allowed
	}
	return out, nil
}

// PreviewItemized runs the itemized job-costing calculation.
func (s *CommissionService) PreviewItemized(in money.ItemizedInputs) (money.ItemizedResult, error) {
	return money.Itemized(in)
}

// DeleteCommission removes a record. Admin only; the deny list is untouched.
func (s *CommissionService) DeleteCommission(ctx context.Context, id string, actor workflow.Actor) error {
	if err := checkActor(actor); err != nil {
		return err
	}
	if err := requireRole(actor, "delete commissions", workflow.RoleAdmin); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.log.Info().
		Str("commission_id", id).
		Str("actor_id", actor.ID).
		Msg("Commission deleted")
	return nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func applyFields(rec *repository.CommissionRecord, f CommissionFields) {
	rec.AcculynxJobID = strings.TrimSpace(f.AcculynxJobID)
	rec.CustomerName = strings.TrimSpace(f.CustomerName)
	rec.JobAddress = f.JobAddress
	rec.Inputs = f.Inputs
	rec.RequestedDrawAmount = f.RequestedDrawAmount
	rec.Eligibility = f.Eligibility
}

func validateFields(rec *repository.CommissionRecord) error {
	if !eligibility.ValidJobID(rec.AcculynxJobID) {
		return errors.InvalidInput("acculynx_job_id", "must be exactly 4 digits")
	}
	if rec.CustomerName == "" {
		return errors.InvalidInput("customer_name", "customer name is required")
	}
	if err := money.ValidAmount("requested_draw_amount", rec.RequestedDrawAmount); err != nil {
		return err
	}
	return rec.Recalculate()
}

// pageWindow defaults a missing limit and caps an oversized one.
func pageWindow(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func checkActor(a workflow.Actor) error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New(errors.ErrCodeUnauthorized, "actor id is required")
	}
	if _, ok := workflow.ParseRole(string(a.Role)); !ok {
		return errors.New(errors.ErrCodeUnauthorized, fmt.Sprintf("unknown role %q", a.Role))
	}
	return nil
}

func requireRole(a workflow.Actor, what string, allowed ...workflow.Role) error {
	if slices.Contains(allowed, a.Role) {
		return nil
	}
	return errors.Forbidden(fmt.Sprintf("role %q cannot %s", a.Role, what)).
		WithDetail("allowed_roles", allowed)
}

// ── Notifications ─────────────────────────────────────────────────────────────

func transitionEvent(t workflow.Transition) string {
	switch t.Action {
	case workflow.ActionSubmit:
		return "commission_submitted"
	case workflow.ActionResubmit:
		return "commission_resubmitted"
	case workflow.ActionComplianceApprove, workflow.ActionAdminApprove, workflow.ActionAccountingApprove:
		if t.To.Status() == workflow.StatusApproved {
			return "commission_approved"
		}
		return "commission_stage_approved"
	case workflow.ActionReject:
		return "commission_rejected"
	case workflow.ActionDeny:
		return "commission_denied"
	case workflow.ActionMarkPaid:
		return "commission_paid"
	case workflow.ActionCloseOut:
		return "draw_closed_out"
	case workflow.ActionRevert:
		return "commission_reverted"
	}
	return "commission_" + string(t.Action)
}

func (s *CommissionService) notifyTransition(ctx context.Context, rec *repository.CommissionRecord, t workflow.Transition, actor workflow.Actor, reason string) {
	payload := map[string]any{
		"commission_id":   rec.ID,
		"acculynx_job_id": rec.AcculynxJobID,
		"submitted_by":    rec.SubmittedBy,
		"actor_id":        actor.ID,
		"actor_role":      string(actor.Role),
		"action":          string(t.Action),
		"from":            t.From.String(),
		"to":              t.To.String(),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	dispatch(ctx, s.notifier, s.log, transitionEvent(t), payload)
}
