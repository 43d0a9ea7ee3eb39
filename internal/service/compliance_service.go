package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-commissions/internal/eligibility"
	"github.com/pesio-ai/be-commissions/internal/platform/errors"
	"github.com/pesio-ai/be-commissions/internal/platform/logger"
	"github.com/pesio-ai/be-commissions/internal/repository"
	"github.com/pesio-ai/be-commissions/internal/workflow"
)

// ComplianceService manages SOP violations, the holds that enforce them and
// the admin escalations that settle them.
type ComplianceService struct {
	store    ComplianceStore
	notifier Notifier
	now      func() time.Time
	log      *logger.Logger
}

// NewComplianceService creates a new compliance service
func NewComplianceService(store ComplianceStore, notifier Notifier, now func() time.Time, log *logger.Logger) *ComplianceService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if now == nil {
		now = time.Now
	}
	return &ComplianceService{store: store, notifier: notifier, now: now, log: log}
}

var (
	complianceOfficers = []workflow.Role{workflow.RoleAdmin, workflow.RoleCompliance}
	violationReporters = []workflow.Role{workflow.RoleAdmin, workflow.RoleCompliance, workflow.RoleManager}
)

// ReportViolationRequest represents a report violation request
type ReportViolationRequest struct {
	Actor        workflow.Actor
	UserID       *string
	JobID        *string
	Severity     repository.Severity
	SOPReference *string
	Description  string
}

// PlaceHoldRequest represents a place hold request
type PlaceHoldRequest struct {
	Actor      workflow.Actor
	HoldType   string
	TargetType repository.HoldTargetType
	TargetID   string
	// ViolationID links the hold to the violation it enforces.
	ViolationID *string
	Reason      string
}

// DecideEscalationRequest represents an admin decision on an escalation
type DecideEscalationRequest struct {
	Actor        workflow.Actor
	EscalationID string
	Approve      bool
	Note         *string
}

// ── Violations ────────────────────────────────────────────────────────────────

// ReportViolation records a new open violation. Severe violations always
// require escalation.
func (s *ComplianceService) ReportViolation(ctx context.Context, req *ReportViolationRequest) (*repository.ComplianceViolation, error) {
	if err := checkActor(req.Actor); err != nil {
		return nil, err
	}
	if err := requireRole(req.Actor, "report violations", violationReporters...); err != nil {
		return nil, err
	}

	switch req.Severity {
	case repository.SeverityMinor, repository.SeverityMajor, repository.SeveritySevere:
	default:
		return nil, errors.InvalidInput("severity", "must be minor, major or severe")
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return nil, errors.InvalidInput("description", "description is required")
	}
	if req.JobID != nil && !eligibility.ValidJobID(*req.JobID) {
		return nil, errors.InvalidInput("job_id", "must be exactly 4 digits")
	}

	v := &repository.ComplianceViolation{
		UserID:             req.UserID,
		JobID:              req.JobID,
		Severity:           req.Severity,
		Status:             repository.ViolationOpen,
		SOPReference:       req.SOPReference,
		Description:        description,
		EscalationRequired: req.Severity == repository.SeveritySevere,
		ReportedBy:         req.Actor.ID,
	}
	if err := s.store.CreateViolation(ctx, v); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("violation_id", v.ID).
		Str("severity", string(v.Severity)).
		Bool("escalation_required", v.EscalationRequired).
		Str("reported_by", v.ReportedBy).
		Msg("Compliance violation reported")

	dispatch(ctx, s.notifier, s.log, "compliance_violation_reported", map[string]any{
		"violation_id":        v.ID,
		"severity":            string(v.Severity),
		"escalation_required": v.EscalationRequired,
		"actor_id":            req.Actor.ID,
	})
	return v, nil
}

// GetViolation retrieves a violation by ID
func (s *ComplianceService) GetViolation(ctx context.Context, id string) (*repository.ComplianceViolation, error) {
	return s.store.GetViolation(ctx, id)
}

// ListViolations lists violations with filters
func (s *ComplianceService) ListViolations(ctx context.Context, filter repository.ViolationFilter) ([]*repository.ComplianceViolation, error) {
	filter.Limit, filter.Offset = pageWindow(filter.Limit, filter.Offset)
	return s.store.ListViolations(ctx, filter)
}

// ResolveViolation closes a violation directly and releases the holds that
// enforce it. Escalated violations are settled through DecideEscalation.
func (s *ComplianceService) ResolveViolation(ctx context.Context, id string, actor workflow.Actor, notes *string) (*repository.ComplianceViolation, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := requireRole(actor, "resolve violations", complianceOfficers...); err != nil {
		return nil, err
	}

	v, err := s.store.GetViolation(ctx, id)
	if err != nil {
		return nil, err
	}
	switch v.Status {
	case repository.ViolationResolved:
		return nil, errors.Conflict("violation is already resolved")
	case repository.ViolationEscalated:
		return nil, errors.Conflict("violation is awaiting an escalation decision")
	}

	now := s.now()
	v.Status = repository.ViolationResolved
	v.ResolvedBy = &actor.ID
	v.ResolvedAt = &now
	v.ResolutionNotes = notes

	released, err := s.store.ApplyViolationUpdate(ctx, &repository.ViolationUpdate{
		Violation:      v,
		ReleaseRelated: true,
		ReleasedBy:     actor.ID,
		At:             now,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("violation_id", v.ID).
		Str("actor_id", actor.ID).
		Int("holds_released", released).
		Msg("Compliance violation resolved")

	dispatch(ctx, s.notifier, s.log, "compliance_violation_resolved", map[string]any{
		"violation_id":   v.ID,
		"actor_id":       actor.ID,
		"holds_released": released,
	})
	return v, nil
}

// ── Holds ─────────────────────────────────────────────────────────────────────

// PlaceHold blocks a job, user or entity. A hold linked to an open
// violation moves that violation to blocked.
func (s *ComplianceService) PlaceHold(ctx context.Context, req *PlaceHoldRequest) (*repository.ComplianceHold, error) {
	if err := checkActor(req.Actor); err != nil {
		return nil, err
	}
	if err := requireRole(req.Actor, "place holds", complianceOfficers...); err != nil {
		return nil, err
	}

	targetID := strings.TrimSpace(req.TargetID)
	switch req.TargetType {
	case repository.TargetJob:
		if !eligibility.ValidJobID(targetID) {
			return nil, errors.InvalidInput("target_id", "job holds target a 4-digit job id")
		}
	case repository.TargetUser, repository.TargetEntity:
		if targetID == "" {
			return nil, errors.InvalidInput("target_id", "target id is required")
		}
	default:
		return nil, errors.InvalidInput("target_type", "must be job, user or entity")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, errors.InvalidInput("reason", "reason is required")
	}
	holdType := strings.TrimSpace(req.HoldType)
	if holdType == "" {
		holdType = repository.HoldTypeCommission
	}

	if req.ViolationID != nil {
		v, err := s.store.GetViolation(ctx, *req.ViolationID)
		if err != nil {
			return nil, err
		}
		if v.Status == repository.ViolationResolved {
			return nil, errors.Conflict("cannot place a hold for a resolved violation")
		}
	}

	h := &repository.ComplianceHold{
		HoldType:        holdType,
		TargetType:      req.TargetType,
		TargetID:        targetID,
		RelatedEntityID: req.ViolationID,
		Status:          repository.HoldActive,
		Reason:          reason,
		PlacedBy:        req.Actor.ID,
	}
	if err := s.store.CreateHold(ctx, h, req.ViolationID != nil); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("hold_id", h.ID).
		Str("hold_type", h.HoldType).
		Str("target_type", string(h.TargetType)).
		Str("target_id", h.TargetID).
		Str("placed_by", h.PlacedBy).
		Msg("Compliance hold placed")

	dispatch(ctx, s.notifier, s.log, "compliance_hold_placed", map[string]any{
		"hold_id":     h.ID,
		"hold_type":   h.HoldType,
		"target_type": string(h.TargetType),
		"target_id":   h.TargetID,
		"actor_id":    req.Actor.ID,
	})
	return h, nil
}

// ReleaseHold lifts an active hold.
func (s *ComplianceService) ReleaseHold(ctx context.Context, id string, actor workflow.Actor) (*repository.ComplianceHold, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := requireRole(actor, "release holds", complianceOfficers...); err != nil {
		return nil, err
	}

	h, err := s.store.GetHold(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.Status != repository.HoldActive {
		return nil, errors.Conflict("hold is not active")
	}

	now := s.now()
	h.ReleasedBy = &actor.ID
	h.ReleasedAt = &now
	if err := s.store.ReleaseHold(ctx, h); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("hold_id", h.ID).
		Str("released_by", actor.ID).
		Msg("Compliance hold released")

	dispatch(ctx, s.notifier, s.log, "compliance_hold_released", map[string]any{
		"hold_id":   h.ID,
		"target_id": h.TargetID,
		"actor_id":  actor.ID,
	})
	return h, nil
}

// GetHold retrieves a hold by ID
func (s *ComplianceService) GetHold(ctx context.Context, id string) (*repository.ComplianceHold, error) {
	return s.store.GetHold(ctx, id)
}

// ListHolds lists holds with filters
func (s *ComplianceService) ListHolds(ctx context.Context, filter repository.HoldFilter) ([]*repository.ComplianceHold, error) {
	filter.Limit, filter.Offset = pageWindow(filter.Limit, filter.Offset)
	return s.store.ListHolds(ctx, filter)
}

// FindActiveHold returns the hold currently blocking a job or user, if any.
func (s *ComplianceService) FindActiveHold(ctx context.Context, jobID, userID string) (*repository.ComplianceHold, error) {
	if jobID == "" && userID == "" {
		return nil, errors.InvalidInput("job_id", "a job id or user id is required")
	}
	return s.store.FindActiveHold(ctx, jobID, userID)
}

// ── Escalations ───────────────────────────────────────────────────────────────

// EscalateViolation asks an admin to decide a violation. A violation has at
// most one escalation.
func (s *ComplianceService) EscalateViolation(ctx context.Context, violationID string, actor workflow.Actor, reason string) (*repository.Escalation, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := requireRole(actor, "escalate violations", violationReporters...); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.InvalidInput("reason", "reason is required")
	}

	v, err := s.store.GetViolation(ctx, violationID)
	if err != nil {
		return nil, err
	}
	if v.Status == repository.ViolationResolved {
		return nil, errors.Conflict("violation is already resolved")
	}

	e := &repository.Escalation{
		ViolationID: v.ID,
		Status:      repository.EscalationPending,
		RequestedBy: actor.ID,
		Reason:      reason,
	}
	if err := s.store.CreateEscalation(ctx, e); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("escalation_id", e.ID).
		Str("violation_id", v.ID).
		Str("requested_by", actor.ID).
		Msg("Compliance violation escalated")

	dispatch(ctx, s.notifier, s.log, "compliance_escalation_requested", map[string]any{
		"escalation_id": e.ID,
		"violation_id":  v.ID,
		"actor_id":      actor.ID,
	})
	return e, nil
}

// GetEscalation retrieves an escalation by ID
func (s *ComplianceService) GetEscalation(ctx context.Context, id string) (*repository.Escalation, error) {
	return s.store.GetEscalation(ctx, id)
}

// DecideEscalation records the admin decision. Approval resolves the
// violation and releases every hold linked to it. Denial returns the
// violation to open and leaves its holds in force.
func (s *ComplianceService) DecideEscalation(ctx context.Context, req *DecideEscalationRequest) (*repository.Escalation, *repository.ComplianceViolation, error) {
	if err := checkActor(req.Actor); err != nil {
		return nil, nil, err
	}
	if err := requireRole(req.Actor, "decide escalations", workflow.RoleAdmin); err != nil {
		return nil, nil, err
	}

	e, err := s.store.GetEscalation(ctx, req.EscalationID)
	if err != nil {
		return nil, nil, err
	}
	if e.Status != repository.EscalationPending {
		return nil, nil, errors.Conflict(fmt.Sprintf("escalation is already %s", e.Status))
	}
	v, err := s.store.GetViolation(ctx, e.ViolationID)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	e.DecidedBy = &req.Actor.ID
	e.DecidedAt = &now
	e.DecisionNote = req.Note

	update := &repository.ViolationUpdate{Violation: v, Escalation: e, ReleasedBy: req.Actor.ID, At: now}
	if req.Approve {
		e.Status = repository.EscalationApproved
		v.Status = repository.ViolationResolved
		v.ResolvedBy = &req.Actor.ID
		v.ResolvedAt = &now
		v.ResolutionNotes = req.Note
		update.ReleaseRelated = true
	} else {
		e.Status = repository.EscalationDenied
		v.Status = repository.ViolationOpen
	}

	released, err := s.store.ApplyViolationUpdate(ctx, update)
	if err != nil {
		return nil, nil, err
	}

	s.log.Info().
		Str("escalation_id", e.ID).
		Str("violation_id", v.ID).
		Str("decision", string(e.Status)).
		Str("decided_by", req.Actor.ID).
		Int("holds_released", released).
		Msg("Escalation decided")

	dispatch(ctx, s.notifier, s.log, "compliance_escalation_"+string(e.Status), map[string]any{
		"escalation_id":  e.ID,
		"violation_id":   v.ID,
		"actor_id":       req.Actor.ID,
		"holds_released": released,
	})
	return e, v, nil
}

// dispatch publishes an event on a context detached from the request so a
// cancelled caller does not drop it. Failures are logged and ignored.
func dispatch(ctx context.Context, n Notifier, log *logger.Logger, event string, payload map[string]any) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := n.Notify(nctx, event, payload); err != nil {
		log.Warn().Err(err).
			Str("event", event).
			Msg("Failed to publish notification")
	}
}

const notifyTimeout = 3 * time.Second
