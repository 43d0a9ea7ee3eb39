package repository

import "time"

// Severity of a compliance violation.
type Severity string

const (
	SeverityMinor  Severity = "minor"
	SeverityMajor  Severity = "major"
	SeveritySevere Severity = "severe"
)

// ViolationStatus: open → blocked → escalated → resolved.
type ViolationStatus string

const (
	ViolationOpen      ViolationStatus = "open"
	ViolationBlocked   ViolationStatus = "blocked"
	ViolationEscalated ViolationStatus = "escalated"
	ViolationResolved  ViolationStatus = "resolved"
)

// ComplianceViolation is a flagged SOP breach.
type ComplianceViolation struct {
	ID                 string          `json:"id"`
	UserID             *string         `json:"user_id,omitempty"`
	JobID              *string         `json:"job_id,omitempty"`
	Severity           Severity        `json:"severity"`
	Status             ViolationStatus `json:"status"`
	SOPReference       *string         `json:"sop_reference,omitempty"`
	Description        string          `json:"description"`
	EscalationRequired bool            `json:"escalation_required"`
	ReportedBy         string          `json:"reported_by"`
	ResolvedBy         *string         `json:"resolved_by,omitempty"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
	ResolutionNotes    *string         `json:"resolution_notes,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// HoldTargetType is what a hold blocks.
type HoldTargetType string

const (
	TargetJob    HoldTargetType = "job"
	TargetUser   HoldTargetType = "user"
	TargetEntity HoldTargetType = "entity"
)

// HoldStatus of a compliance hold.
type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldReleased HoldStatus = "released"
)

// HoldTypeCommission blocks a user's new draw requests and any forward
// commission transition.
const HoldTypeCommission = "commission_hold"

// ComplianceHold blocks progress on a job, user or entity.
type ComplianceHold struct {
	ID              string         `json:"id"`
	HoldType        string         `json:"hold_type"`
	TargetType      HoldTargetType `json:"target_type"`
	TargetID        string         `json:"target_id"`
	RelatedEntityID *string        `json:"related_entity_id,omitempty"`
	Status          HoldStatus     `json:"status"`
	Reason          string         `json:"reason"`
	PlacedBy        string         `json:"placed_by"`
	ReleasedBy      *string        `json:"released_by,omitempty"`
	ReleasedAt      *time.Time     `json:"released_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// EscalationStatus of an admin decision request.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationApproved EscalationStatus = "approved"
	EscalationDenied   EscalationStatus = "denied"
)

// Escalation is tied 1:1 to a violation.
type Escalation struct {
	ID           string           `json:"id"`
	ViolationID  string           `json:"violation_id"`
	Status       EscalationStatus `json:"status"`
	RequestedBy  string           `json:"requested_by"`
	Reason       string           `json:"reason"`
	DecidedBy    *string          `json:"decided_by,omitempty"`
	DecidedAt    *time.Time       `json:"decided_at,omitempty"`
	DecisionNote *string          `json:"decision_note,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// HoldFilter narrows ListHolds.
type HoldFilter struct {
	Status     *HoldStatus
	TargetType *HoldTargetType
	TargetID   *string
	Limit      int
	Offset     int
}

// ViolationFilter narrows ListViolations.
type ViolationFilter struct {
	Status   *ViolationStatus
	Severity *Severity
	JobID    *string
	UserID   *string
	Limit    int
	Offset   int
}

// ViolationUpdate is persisted atomically: the violation, its escalation when
// one was decided, and the release of every active hold whose
// related_entity_id is the violation id.
type ViolationUpdate struct {
	Violation      *ComplianceViolation
	Escalation     *Escalation
	ReleaseRelated bool
	ReleasedBy     string
	At             time.Time
}
