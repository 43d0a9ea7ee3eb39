package workflow

import (
	"fmt"
	"slices"

	"github.com/pesio-ai/be-commissions/internal/platform/errors"
)

// Role is an actor's portal role.
type Role string

const (
	RoleAdmin         Role = "admin"
	RoleCompliance    Role = "compliance"
	RoleManager       Role = "manager"
	RoleAccounting    Role = "accounting"
	RolePayroll       Role = "payroll"
	RoleSalesRep      Role = "sales_rep"
	RoleSubcontractor Role = "subcontractor"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	switch r {
	case RoleAdmin, RoleCompliance, RoleManager, RoleAccounting, RolePayroll, RoleSalesRep, RoleSubcontractor:
		return r, true
	}
	return "", false
}

// Actor is the user performing an action.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Action is a requested transition.
type Action string

const (
	ActionSubmit            Action = "submit"
	ActionResubmit          Action = "resubmit"
	ActionComplianceApprove Action = "compliance_approve"
	ActionAdminApprove      Action = "admin_approve"
	ActionAccountingApprove Action = "accounting_approve"
	ActionReject            Action = "reject"
	ActionDeny              Action = "deny"
	ActionMarkPaid          Action = "mark_paid"
	ActionCloseOut          Action = "close_out"
	ActionRevert            Action = "revert"
)

// ParseAction validates an action string.
func ParseAction(s string) (Action, bool) {
	a := Action(s)
	switch a {
	case ActionSubmit, ActionResubmit, ActionComplianceApprove, ActionAdminApprove,
		ActionAccountingApprove, ActionReject, ActionDeny, ActionMarkPaid,
		ActionCloseOut, ActionRevert:
		return a, true
	}
	return "", false
}

var stageApprovers = map[ReviewStage][]Role{
	StageManager:    {RoleAdmin, RoleCompliance},
	StageAdmin:      {RoleAdmin},
	StageAccounting: {RoleAccounting, RoleAdmin},
}

var stageApproveAction = map[ReviewStage]Action{
	StageManager:    ActionComplianceApprove,
	StageAdmin:      ActionAdminApprove,
	StageAccounting: ActionAccountingApprove,
}

var payoutRoles = []Role{RoleAccounting, RolePayroll, RoleAdmin}

// Approvers returns the roles allowed to approve, reject or deny in stage.
func Approvers(stage ReviewStage) []Role {
	return slices.Clone(stageApprovers[stage])
}

// ApproveActionFor returns the approve action that applies in stage.
func ApproveActionFor(stage ReviewStage) (Action, bool) {
	a, ok := stageApproveAction[stage]
	return a, ok
}

// Subject is the part of a commission record the machine inspects.
type Subject struct {
	State               State
	SubmittedBy         string
	IsManagerSubmission bool
	IsDraw              bool
	DrawClosedOut       bool
}

// EntryStage is where a submission first lands.
func (s Subject) EntryStage() ReviewStage {
	if s.IsManagerSubmission {
		return StageAdmin
	}
	return StageManager
}

// Transition describes the effects a caller must apply for an accepted
// action.
type Transition struct {
	Action Action
	From   State
	To     State

	// Forward transitions are subject to the compliance hold guard.
	Forward bool
	// Submission transitions check the denied job list and recompute money.
	Submission bool
	// RequiresReason is set for reject and deny.
	RequiresReason bool
	MarkRejected   bool
	DenyJob        bool
	// SnapshotPrevious captures pre-edit inputs on resubmission.
	SnapshotPrevious bool
	CloseOutDraw     bool
	AssignPayDate    bool
}

// Apply validates action against the subject's state and the actor's role.
// Illegal transitions are CONFLICT; legal transitions by the wrong actor are
// FORBIDDEN.
func Apply(subj Subject, actor Actor, action Action) (Transition, error) {
	if subj.State.IsZero() {
		return Transition{}, errors.New(errors.ErrCodeInternal, "record has no state")
	}
	t := Transition{Action: action, From: subj.State}
	status := subj.State.Status()
	stage, pending := subj.State.Stage()

	switch action {
	case ActionSubmit:
		if status != StatusDraft {
			return illegal(subj.State, action)
		}
		if err := requireSubmitter(subj, actor); err != nil {
			return Transition{}, err
		}
		t.To = Pending(subj.EntryStage())
		t.Forward, t.Submission, t.AssignPayDate = true, true, true

	case ActionResubmit:
		if status != StatusRejected {
			return illegal(subj.State, action)
		}
		if err := requireSubmitter(subj, actor); err != nil {
			return Transition{}, err
		}
		t.To = Pending(StageManager)
		t.Forward, t.Submission, t.SnapshotPrevious, t.AssignPayDate = true, true, true, true

	case ActionComplianceApprove, ActionAdminApprove, ActionAccountingApprove:
		if !pending || stageApproveAction[stage] != action {
			return illegal(subj.State, action)
		}
		if err := requireRole(actor, stageApprovers[stage], action); err != nil {
			return Transition{}, err
		}
		if stage == StageAccounting {
			t.To = Approved()
		} else {
			t.To = Pending(StageAccounting)
		}
		t.Forward = true

	case ActionReject, ActionDeny:
		if !pending {
			return illegal(subj.State, action)
		}
		if err := requireRole(actor, stageApprovers[stage], action); err != nil {
			return Transition{}, err
		}
		t.RequiresReason = true
		if action == ActionReject {
			t.To = Rejected()
			t.MarkRejected = true
		} else {
			t.To = Denied()
			t.DenyJob = true
		}

	case ActionMarkPaid:
		if status != StatusApproved {
			return illegal(subj.State, action)
		}
		if err := requireRole(actor, payoutRoles, action); err != nil {
			return Transition{}, err
		}
		t.To = Paid()
		t.Forward = true

	case ActionCloseOut:
		if status != StatusPaid || !subj.IsDraw || subj.DrawClosedOut {
			return illegal(subj.State, action)
		}
		if err := requireSubmitter(subj, actor); err != nil {
			return Transition{}, err
		}
		t.To = Pending(StageManager)
		t.Forward, t.Submission, t.CloseOutDraw, t.AssignPayDate = true, true, true, true

	case ActionRevert:
		to, ok := revertTarget(subj)
		if !ok {
			return illegal(subj.State, action)
		}
		if err := requireRole(actor, []Role{RoleAdmin}, action); err != nil {
			return Transition{}, err
		}
		t.To = to

	default:
		return Transition{}, errors.InvalidInput("action", fmt.Sprintf("unknown action %q", action))
	}

	return t, nil
}

func revertTarget(subj Subject) (State, bool) {
	switch subj.State.Status() {
	case StatusPaid:
		return Approved(), true
	case StatusApproved:
		return Pending(StageAccounting), true
	case StatusPendingReview:
		if stage, _ := subj.State.Stage(); stage == StageAccounting {
			return Pending(subj.EntryStage()), true
		}
	}
	return State{}, false
}

func illegal(from State, action Action) (Transition, error) {
	return Transition{}, errors.Conflict(fmt.Sprintf("cannot %s a commission in state %s", action, from)).
		WithDetail("state", from.String())
}

func requireSubmitter(subj Subject, actor Actor) error {
	if actor.ID == "" || actor.ID != subj.SubmittedBy {
		return errors.Forbidden("only the original submitter can perform this action")
	}
	return nil
}

func requireRole(actor Actor, allowed []Role, action Action) error {
	if slices.Contains(allowed, actor.Role) {
		return nil
	}
	return errors.Forbidden(fmt.Sprintf("role %q cannot %s at this stage", actor.Role, action)).
		WithDetail("allowed_roles", allowed)
}
