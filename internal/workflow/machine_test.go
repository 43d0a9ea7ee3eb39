package workflow

import (
	"encoding/json"
	"testing"

	"github.com/pesio-ai/be-commissions/internal/platform/errors"
)

var (
	rep        = Actor{ID: "rep-1", Role: RoleSalesRep}
	otherRep   = Actor{ID: "rep-2", Role: RoleSalesRep}
	admin      = Actor{ID: "admin-1", Role: RoleAdmin}
	compliance = Actor{ID: "comp-1", Role: RoleCompliance}
	accounting = Actor{ID: "acct-1", Role: RoleAccounting}
	payroll    = Actor{ID: "pay-1", Role: RolePayroll}
)

func subject(s State) Subject {
	return Subject{State: s, SubmittedBy: rep.ID}
}

func TestApply_TransitionTable(t *testing.T) {
	tests := []struct {
		name   string
		subj   Subject
		actor  Actor
		action Action
		to     State
	}{
		{"submit rep", subject(Draft()), rep, ActionSubmit, Pending(StageManager)},
		{"submit manager submission", Subject{State: Draft(), SubmittedBy: rep.ID, IsManagerSubmission: true}, rep, ActionSubmit, Pending(StageAdmin)},
		{"compliance approve", subject(Pending(StageManager)), compliance, ActionComplianceApprove, Pending(StageAccounting)},
		{"admin approves manager stage", subject(Pending(StageManager)), admin, ActionComplianceApprove, Pending(StageAccounting)},
		{"admin approve", subject(Pending(StageAdmin)), admin, ActionAdminApprove, Pending(StageAccounting)},
		{"accounting approve", subject(Pending(StageAccounting)), accounting, ActionAccountingApprove, Approved()},
		{"reject at manager", subject(Pending(StageManager)), compliance, ActionReject, Rejected()},
		{"deny at accounting", subject(Pending(StageAccounting)), accounting, ActionDeny, Denied()},
		{"resubmit", subject(Rejected()), rep, ActionResubmit, Pending(StageManager)},
		{"mark paid", subject(Approved()), payroll, ActionMarkPaid, Paid()},
		{"close out draw", Subject{State: Paid(), SubmittedBy: rep.ID, IsDraw: true}, rep, ActionCloseOut, Pending(StageManager)},
		{"revert paid", subject(Paid()), admin, ActionRevert, Approved()},
		{"revert approved", subject(Approved()), admin, ActionRevert, Pending(StageAccounting)},
		{"revert accounting", subject(Pending(StageAccounting)), admin, ActionRevert, Pending(StageManager)},
		{"revert accounting manager submission", Subject{State: Pending(StageAccounting), IsManagerSubmission: true}, admin, ActionRevert, Pending(StageAdmin)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := Apply(tt.subj, tt.actor, tt.action)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if tr.To != tt.to {
				t.Errorf("To = %s, want %s", tr.To, tt.to)
			}
			if tr.From != tt.subj.State {
				t.Errorf("From = %s, want %s", tr.From, tt.subj.State)
			}
		})
	}
}

func TestApply_Refusals(t *testing.T) {
	tests := []struct {
		name   string
		subj   Subject
		actor  Actor
		action Action
		code   errors.ErrorCode
	}{
		{"submit by someone else", subject(Draft()), otherRep, ActionSubmit, errors.ErrCodeForbidden},
		{"accounting cannot approve manager stage", subject(Pending(StageManager)), accounting, ActionComplianceApprove, errors.ErrCodeForbidden},
		{"compliance cannot approve admin stage", subject(Pending(StageAdmin)), compliance, ActionAdminApprove, errors.ErrCodeForbidden},
		{"wrong approve action for stage", subject(Pending(StageManager)), admin, ActionAccountingApprove, errors.ErrCodeConflict},
		{"rep cannot reject", subject(Pending(StageManager)), rep, ActionReject, errors.ErrCodeForbidden},
		{"deny outside review", subject(Approved()), admin, ActionDeny, errors.ErrCodeConflict},
		{"denied is terminal", subject(Denied()), rep, ActionResubmit, errors.ErrCodeConflict},
		{"denied cannot revert", subject(Denied()), admin, ActionRevert, errors.ErrCodeConflict},
		{"pay unapproved", subject(Pending(StageAccounting)), accounting, ActionMarkPaid, errors.ErrCodeConflict},
		{"rep cannot pay", subject(Approved()), rep, ActionMarkPaid, errors.ErrCodeForbidden},
		{"close out non-draw", subject(Paid()), rep, ActionCloseOut, errors.ErrCodeConflict},
		{"close out twice", Subject{State: Paid(), SubmittedBy: rep.ID, IsDraw: true, DrawClosedOut: true}, rep, ActionCloseOut, errors.ErrCodeConflict},
		{"close out by other", Subject{State: Paid(), SubmittedBy: rep.ID, IsDraw: true}, otherRep, ActionCloseOut, errors.ErrCodeForbidden},
		{"revert requires admin", subject(Paid()), accounting, ActionRevert, errors.ErrCodeForbidden},
		{"revert manager stage", subject(Pending(StageManager)), admin, ActionRevert, errors.ErrCodeConflict},
		{"unknown action", subject(Draft()), rep, Action("escalate"), errors.ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(tt.subj, tt.actor, tt.action)
			if !errors.IsCode(err, tt.code) {
				t.Fatalf("Apply() error = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestApply_Flags(t *testing.T) {
	tr, _ := Apply(subject(Pending(StageManager)), compliance, ActionReject)
	if !tr.RequiresReason || !tr.MarkRejected || tr.Forward {
		t.Errorf("reject flags = %+v", tr)
	}

	tr, _ = Apply(subject(Pending(StageManager)), compliance, ActionDeny)
	if !tr.RequiresReason || !tr.DenyJob || tr.Forward {
		t.Errorf("deny flags = %+v", tr)
	}

	tr, _ = Apply(subject(Rejected()), rep, ActionResubmit)
	if !tr.SnapshotPrevious || !tr.Submission || !tr.Forward {
		t.Errorf("resubmit flags = %+v", tr)
	}

	tr, _ = Apply(subject(Paid()), admin, ActionRevert)
	if tr.Forward {
		t.Error("revert must not be a forward transition")
	}
}

// Walks every legal forward path and checks the rank never decreases except
// through rejection.
func TestApply_MonotonicStageProgression(t *testing.T) {
	paths := map[string][]struct {
		actor  Actor
		action Action
	}{
		"rep": {
			{rep, ActionSubmit},
			{compliance, ActionComplianceApprove},
			{accounting, ActionAccountingApprove},
			{payroll, ActionMarkPaid},
		},
		"manager": {
			{rep, ActionSubmit},
			{admin, ActionAdminApprove},
			{accounting, ActionAccountingApprove},
			{accounting, ActionMarkPaid},
		},
	}

	for name, steps := range paths {
		t.Run(name, func(t *testing.T) {
			subj := Subject{State: Draft(), SubmittedBy: rep.ID, IsManagerSubmission: name == "manager"}
			seenAccounting := false
			for _, step := range steps {
				tr, err := Apply(subj, step.actor, step.action)
				if err != nil {
					t.Fatalf("%s: %v", step.action, err)
				}
				if tr.To.Rank() <= tr.From.Rank() {
					t.Fatalf("%s moved %s -> %s", step.action, tr.From, tr.To)
				}
				if tr.To.Rank()-tr.From.Rank() > 1 {
					t.Fatalf("%s skipped a stage: %s -> %s", step.action, tr.From, tr.To)
				}
				if stage, ok := tr.To.Stage(); ok && stage == StageAccounting {
					seenAccounting = true
				}
				subj.State = tr.To
			}
			if !seenAccounting {
				t.Error("path never passed through pending_accounting")
			}
			if subj.State != Paid() {
				t.Errorf("final state = %s, want paid", subj.State)
			}
		})
	}
}

func TestState_ApprovalStageInvariant(t *testing.T) {
	for _, s := range []State{Draft(), Rejected(), Denied(), Paid()} {
		if s.ApprovalStage() != nil {
			t.Errorf("%s has approval stage", s)
		}
	}
	if got := Approved().ApprovalStage(); got == nil || *got != StageCompleted {
		t.Errorf("approved stage = %v, want completed", got)
	}
	for _, stage := range []ReviewStage{StageManager, StageAccounting, StageAdmin} {
		got := Pending(stage).ApprovalStage()
		if got == nil || *got != stage.String() {
			t.Errorf("Pending(%s).ApprovalStage() = %v", stage, got)
		}
	}
}

func TestParseState(t *testing.T) {
	str := func(s string) *string { return &s }

	if _, err := ParseState("pending_review", nil); err == nil {
		t.Error("pending_review without stage should fail")
	}
	if _, err := ParseState("draft", str("pending_manager")); err == nil {
		t.Error("draft with stage should fail")
	}
	if _, err := ParseState("approved", str("pending_admin")); err == nil {
		t.Error("approved with pending stage should fail")
	}
	s, err := ParseState("pending_review", str("pending_admin"))
	if err != nil || s != Pending(StageAdmin) {
		t.Errorf("ParseState() = %s, %v", s, err)
	}
}

func TestState_JSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(Pending(StageAccounting))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"status":"pending_review","approval_stage":"pending_accounting"}` {
		t.Errorf("Marshal = %s", data)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	if s != Pending(StageAccounting) {
		t.Errorf("Unmarshal = %s", s)
	}
}
