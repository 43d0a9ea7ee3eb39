package repository

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-commissions/internal/eligibility"
	"github.com/pesio-ai/be-commissions/internal/money"
	"github.com/pesio-ai/be-commissions/internal/platform/errors"
	"github.com/pesio-ai/be-commissions/internal/workflow"
)

// ErrStaleState is returned by ApplyTransition when the record no longer
// holds the expected state.
var ErrStaleState = errors.Conflict("commission state changed since it was read")

// SubmissionKind distinguishes employee reps from subcontractors.
type SubmissionKind string

const (
	KindEmployee      SubmissionKind = "employee"
	KindSubcontractor SubmissionKind = "subcontractor"
)

// CommissionRecord is one commission submission for one job or payment event.
type CommissionRecord struct {
	ID                  string                `json:"id"`
	SubmissionKind      SubmissionKind        `json:"submission_kind"`
	SubmittedBy         string                `json:"submitted_by"`
	IsManagerSubmission bool                  `json:"is_manager_submission"`
	IsDraw              bool                  `json:"is_draw"`
	DrawClosedOut       bool                  `json:"draw_closed_out"`
	AcculynxJobID       string                `json:"acculynx_job_id"`
	CustomerName        string                `json:"customer_name"`
	JobAddress          *string               `json:"job_address,omitempty"`
	Inputs              money.Inputs          `json:"inputs"`
	Derived             money.Result          `json:"derived"`
	RequestedDrawAmount decimal.Decimal       `json:"requested_draw_amount"`
	DrawAmountPaid      decimal.Decimal       `json:"draw_amount_paid"`
	Eligibility         eligibility.Checklist `json:"eligibility"`
	State               workflow.State        `json:"state"`
	WasRejected         bool                  `json:"was_rejected"`
	RejectionReason     *string               `json:"rejection_reason,omitempty"`
	ReviewerNotes       []ReviewerNote        `json:"reviewer_notes"`
	PreviousSubmission  *SubmissionSnapshot   `json:"previous_submission_snapshot,omitempty"`
	ScheduledPayDate    *time.Time            `json:"scheduled_pay_date,omitempty"`
	SubmittedAt         *time.Time            `json:"submitted_at,omitempty"`
	ApprovedAt          *time.Time            `json:"approved_at,omitempty"`
	PaidAt              *time.Time            `json:"paid_at,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// ReviewerNote is one note left by an approver.
type ReviewerNote struct {
	ActorID string    `json:"actor_id"`
	Role    string    `json:"role"`
	Stage   string    `json:"stage"`
	Note    string    `json:"note"`
	At      time.Time `json:"at"`
}

// Subject projects the record onto what the state machine inspects.
func (c *CommissionRecord) Subject() workflow.Subject {
	return workflow.Subject{
		State:               c.State,
		SubmittedBy:         c.SubmittedBy,
		IsManagerSubmission: c.IsManagerSubmission,
		IsDraw:              c.IsDraw,
		DrawClosedOut:       c.DrawClosedOut,
	}
}

// Recalculate derives the money fields from the current inputs.
func (c *CommissionRecord) Recalculate() error {
	res, err := money.Calculate(c.Inputs)
	if err != nil {
		return err
	}
	c.Derived = res
	return nil
}

// Clone returns a deep copy.
func (c *CommissionRecord) Clone() *CommissionRecord {
	cp := *c
	cp.ReviewerNotes = append([]ReviewerNote(nil), c.ReviewerNotes...)
	if c.PreviousSubmission != nil {
		snap := *c.PreviousSubmission
		cp.PreviousSubmission = &snap
	}
	cp.JobAddress = clonePtr(c.JobAddress)
	cp.RejectionReason = clonePtr(c.RejectionReason)
	cp.ScheduledPayDate = clonePtr(c.ScheduledPayDate)
	cp.SubmittedAt = clonePtr(c.SubmittedAt)
	cp.ApprovedAt = clonePtr(c.ApprovedAt)
	cp.PaidAt = clonePtr(c.PaidAt)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// StatusLogEntry is an immutable audit record of one transition.
type StatusLogEntry struct {
	ID           string         `json:"id"`
	CommissionID string         `json:"commission_id"`
	Action       string         `json:"action"`
	FromStatus   string         `json:"from_status"`
	FromStage    *string        `json:"from_stage,omitempty"`
	ToStatus     string         `json:"to_status"`
	ToStage      *string        `json:"to_stage,omitempty"`
	ActorID      string         `json:"actor_id"`
	ActorRole    string         `json:"actor_role"`
	Notes        *string        `json:"notes,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// DeniedJob is a permanent deny-list entry.
type DeniedJob struct {
	JobID        string    `json:"job_id"`
	CommissionID string    `json:"commission_id"`
	DeniedBy     string    `json:"denied_by"`
	Reason       string    `json:"reason"`
	DeniedAt     time.Time `json:"denied_at"`
}

// TransitionWrite is everything persisted atomically for one transition.
type TransitionWrite struct {
	Record   *CommissionRecord
	Expected workflow.State
	Entry    *StatusLogEntry
	DenyJob  *DeniedJob
}

// CommissionFilter narrows List.
type CommissionFilter struct {
	Status      *workflow.Status
	Stage       *string
	SubmittedBy *string
	JobID       *string
	IsDraw      *bool
	Limit       int
	Offset      int
}
