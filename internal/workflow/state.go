// Package workflow is the commission approval state machine. It has no
// dependencies on storage or transport: Apply maps a record's current state,
// an actor and an action to the transition that should be persisted.
package workflow

import (
	"encoding/json"
	"fmt"
)

// Status is the top-level lifecycle status of a commission record.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusDenied        Status = "denied"
	StatusPaid          Status = "paid"
)

// ReviewStage is the approver queue of a pending_review record. The zero
// value means "not under review".
type ReviewStage uint8

const (
	StageManager ReviewStage = iota + 1
	StageAccounting
	StageAdmin
)

// StageCompleted is the persisted approval_stage of an approved record.
const StageCompleted = "completed"

func (r ReviewStage) String() string {
	switch r {
	case StageManager:
		return "pending_manager"
	case StageAccounting:
		return "pending_accounting"
	case StageAdmin:
		return "pending_admin"
	}
	return ""
}

// ParseReviewStage parses a persisted pending stage.
func ParseReviewStage(s string) (ReviewStage, error) {
	switch s {
	case "pending_manager":
		return StageManager, nil
	case "pending_accounting":
		return StageAccounting, nil
	case "pending_admin":
		return StageAdmin, nil
	}
	return 0, fmt.Errorf("unknown review stage %q", s)
}

// State pairs a status with its review stage. Only pending_review states
// carry a stage; the constructors are the only way to build one.
type State struct {
	status Status
	stage  ReviewStage
}

func Draft() State    { return State{status: StatusDraft} }
func Approved() State { return State{status: StatusApproved} }
func Rejected() State { return State{status: StatusRejected} }
func Denied() State   { return State{status: StatusDenied} }
func Paid() State     { return State{status: StatusPaid} }

// Pending returns a pending_review state in the given stage.
func Pending(stage ReviewStage) State {
	if stage < StageManager || stage > StageAdmin {
		panic(fmt.Sprintf("workflow: invalid review stage %d", stage))
	}
	return State{status: StatusPendingReview, stage: stage}
}

func (s State) Status() Status { return s.status }

// Stage returns the review stage and whether the state is pending review.
func (s State) Stage() (ReviewStage, bool) {
	return s.stage, s.status == StatusPendingReview
}

// IsZero reports an unset state.
func (s State) IsZero() bool { return s.status == "" }

// ApprovalStage is the persisted approval_stage column: the review stage
// while pending, "completed" once approved, nil otherwise.
func (s State) ApprovalStage() *string {
	var v string
	switch s.status {
	case StatusPendingReview:
		v = s.stage.String()
	case StatusApproved:
		v = StageCompleted
	default:
		return nil
	}
	return &v
}

// ParseState rebuilds a State from its persisted columns and rejects
// combinations the type cannot represent.
func ParseState(status string, approvalStage *string) (State, error) {
	st := Status(status)
	switch st {
	case StatusPendingReview:
		if approvalStage == nil {
			return State{}, fmt.Errorf("pending_review without approval_stage")
		}
		stage, err := ParseReviewStage(*approvalStage)
		if err != nil {
			return State{}, err
		}
		return Pending(stage), nil
	case StatusApproved:
		if approvalStage != nil && *approvalStage != StageCompleted {
			return State{}, fmt.Errorf("approved with approval_stage %q", *approvalStage)
		}
		return Approved(), nil
	case StatusDraft, StatusRejected, StatusDenied, StatusPaid:
		if approvalStage != nil && *approvalStage != "" {
			return State{}, fmt.Errorf("%s with approval_stage %q", st, *approvalStage)
		}
		return State{status: st}, nil
	}
	return State{}, fmt.Errorf("unknown status %q", status)
}

func (s State) String() string {
	if stage := s.ApprovalStage(); stage != nil {
		return string(s.status) + "/" + *stage
	}
	return string(s.status)
}

// Rank orders states along the forward path. Entry stages share a rank
// because a record enters review at exactly one of them.
func (s State) Rank() int {
	switch s.status {
	case StatusDraft, StatusRejected:
		return 0
	case StatusPendingReview:
		if s.stage == StageAccounting {
			return 2
		}
		return 1
	case StatusApproved:
		return 3
	case StatusPaid:
		return 4
	}
	return -1
}

type stateJSON struct {
	Status        Status  `json:"status"`
	ApprovalStage *string `json:"approval_stage"`
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{Status: s.status, ApprovalStage: s.ApprovalStage()})
}

func (s *State) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseState(string(raw.Status), raw.ApprovalStage)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
