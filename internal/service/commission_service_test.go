package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-commissions/internal/eligibility"
	"github.com/pesio-ai/be-commissions/internal/money"
	"github.com/pesio-ai/be-commissions/internal/platform/config"
	"github.com/pesio-ai/be-commissions/internal/platform/errors"
	"github.com/pesio-ai/be-commissions/internal/platform/logger"
	"github.com/pesio-ai/be-commissions/internal/repository"
	"github.com/pesio-ai/be-commissions/internal/workflow"
)

// Monday.
var testNow = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

var (
	rep        = workflow.Actor{ID: "rep-1", Role: workflow.RoleSalesRep}
	otherRep   = workflow.Actor{ID: "rep-2", Role: workflow.RoleSalesRep}
	manager    = workflow.Actor{ID: "mgr-1", Role: workflow.RoleManager}
	compliance = workflow.Actor{ID: "comp-1", Role: workflow.RoleCompliance}
	accounting = workflow.Actor{ID: "acct-1", Role: workflow.RoleAccounting}
	payroll    = workflow.Actor{ID: "pay-1", Role: workflow.RolePayroll}
	admin      = workflow.Actor{ID: "admin-1", Role: workflow.RoleAdmin}
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, event string, _ map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type fixture struct {
	store       *repository.MemoryStore
	commissions *CommissionService
	compliance  *ComplianceService
	notifier    *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	n := &recordingNotifier{}
	opts := DefaultCommissionOptions()
	opts.Now = func() time.Time { return testNow }
	return &fixture{
		store:       store,
		commissions: NewCommissionService(store, store, n, opts, logger.Nop()),
		compliance:  NewComplianceService(store, n, func() time.Time { return testNow }, logger.Nop()),
		notifier:    n,
	}
}

func jobFields(jobID string) CommissionFields {
	return CommissionFields{
		AcculynxJobID: jobID,
		CustomerName:  "Dana Whitfield",
		Inputs: money.Inputs{
			ContractAmount:       d("10000"),
			CommissionPercentage: d("15"),
		},
	}
}

func allChecked() eligibility.Checklist {
	return eligibility.Checklist{
		SignedContractReceived: true,
		InsuranceApproved:      true,
		MaterialsOrdered:       true,
		InstallScheduled:       true,
		DepositCollected:       true,
		CustomerPortalActive:   true,
	}
}

func (f *fixture) submit(t *testing.T, actor workflow.Actor, fields CommissionFields) *repository.CommissionRecord {
	t.Helper()
	rec, err := f.commissions.CreateCommission(context.Background(), &CreateCommissionRequest{
		Actor:  actor,
		Fields: fields,
		Submit: true,
	})
	if err != nil {
		t.Fatalf("CreateCommission: %v", err)
	}
	return rec
}

// toAccounting drives a fresh submission to pending_accounting.
func (f *fixture) toAccounting(t *testing.T, jobID string) *repository.CommissionRecord {
	t.Helper()
	rec := f.submit(t, rep, jobFields(jobID))
	rec, err := f.commissions.Approve(context.Background(), rec.ID, compliance, nil)
	if err != nil {
		t.Fatalf("compliance approve: %v", err)
	}
	return rec
}

func assertCode(t *testing.T, err error, want errors.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := errors.CodeOf(err); got != want {
		t.Fatalf("error code = %s, want %s (%v)", got, want, err)
	}
}

func assertState(t *testing.T, rec *repository.CommissionRecord, want workflow.State) {
	t.Helper()
	if rec.State != want {
		t.Fatalf("state = %s, want %s", rec.State, want)
	}
}

func TestCommissionLifecycleToPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.submit(t, rep, jobFields("4821"))
	assertState(t, rec, workflow.Pending(workflow.StageManager))
	if !rec.Derived.NetCommissionOwed.Equal(d("1500")) {
		t.Errorf("net commission = %s, want 1500", rec.Derived.NetCommissionOwed)
	}
	wantPay := time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)
	if rec.ScheduledPayDate == nil || !rec.ScheduledPayDate.Equal(wantPay) {
		t.Errorf("scheduled pay date = %v, want %v", rec.ScheduledPayDate, wantPay)
	}

	note := "numbers check out"
	rec, err := f.commissions.Approve(ctx, rec.ID, compliance, &note)
	if err != nil {
		t.Fatalf("compliance approve: %v", err)
	}
	assertState(t, rec, workflow.Pending(workflow.StageAccounting))
	if len(rec.ReviewerNotes) != 1 || rec.ReviewerNotes[0].Note != note {
		t.Errorf("reviewer notes = %+v", rec.ReviewerNotes)
	}

	rec, err = f.commissions.Approve(ctx, rec.ID, accounting, nil)
	if err != nil {
		t.Fatalf("accounting approve: %v", err)
	}
	assertState(t, rec, workflow.Approved())
	if rec.ApprovedAt == nil {
		t.Error("approved_at not set")
	}

	if _, err := f.commissions.MarkPaid(ctx, rec.ID, rep); err == nil {
		t.Fatal("sales rep marked a commission paid")
	}
	rec, err = f.commissions.MarkPaid(ctx, rec.ID, payroll)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	assertState(t, rec, workflow.Paid())

	history, err := f.commissions.GetHistory(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	wantActions := []string{"submit", "compliance_approve", "accounting_approve", "mark_paid"}
	if len(history) != len(wantActions) {
		t.Fatalf("history has %d entries, want %d", len(history), len(wantActions))
	}
	for i, a := range wantActions {
		if history[i].Action != a {
			t.Errorf("history[%d].Action = %s, want %s", i, history[i].Action, a)
		}
	}

	wantEvents := []string{"commission_submitted", "commission_stage_approved", "commission_approved", "commission_paid"}
	events := f.notifier.Events()
	if len(events) != len(wantEvents) {
		t.Fatalf("events = %v, want %v", events, wantEvents)
	}
	for i := range wantEvents {
		if events[i] != wantEvents[i] {
			t.Errorf("events[%d] = %s, want %s", i, events[i], wantEvents[i])
		}
	}
}

func TestManagerSubmissionStartsAtAdminStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.commissions.CreateCommission(ctx, &CreateCommissionRequest{
		Actor:               manager,
		IsManagerSubmission: true,
		Fields:              jobFields("1200"),
		Submit:              true,
	})
	if err != nil {
		t.Fatalf("CreateCommission: %v", err)
	}
	assertState(t, rec, workflow.Pending(workflow.StageAdmin))

	_, err = f.commissions.Approve(ctx, rec.ID, compliance, nil)
	assertCode(t, err, errors.ErrCodeForbidden)

	rec, err = f.commissions.Approve(ctx, rec.ID, admin, nil)
	if err != nil {
		t.Fatalf("admin approve: %v", err)
	}
	assertState(t, rec, workflow.Pending(workflow.StageAccounting))

	_, err = f.commissions.CreateCommission(ctx, &CreateCommissionRequest{
		Actor:               rep,
		IsManagerSubmission: true,
		Fields:              jobFields("1201"),
	})
	assertCode(t, err, errors.ErrCodeForbidden)
}

func TestRejectAndResubmitCapturesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.submit(t, rep, jobFields("3300"))

	_, err := f.commissions.Reject(ctx, rec.ID, compliance, "   ")
	assertCode(t, err, errors.ErrCodeInvalidInput)

	rec, err = f.commissions.Reject(ctx, rec.ID, compliance, "missing supplement paperwork")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	assertState(t, rec, workflow.Rejected())
	if !rec.WasRejected {
		t.Error("was_rejected not set")
	}
	if rec.RejectionReason == nil || *rec.RejectionReason != "missing supplement paperwork" {
		t.Errorf("rejection reason = %v", rec.RejectionReason)
	}

	edited := jobFields("3300")
	edited.Inputs.ContractAmount = d("12000")

	_, err = f.commissions.Resubmit(ctx, rec.ID, otherRep, &edited)
	assertCode(t, err, errors.ErrCodeForbidden)

	rec, err = f.commissions.Resubmit(ctx, rec.ID, rep, &edited)
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	assertState(t, rec, workflow.Pending(workflow.StageManager))
	if !rec.WasRejected {
		t.Error("was_rejected cleared by resubmission")
	}
	if rec.PreviousSubmission == nil {
		t.Fatal("previous submission snapshot not captured")
	}
	if !rec.PreviousSubmission.Inputs.ContractAmount.Equal(d("10000")) {
		t.Errorf("snapshot contract amount = %s, want 10000", rec.PreviousSubmission.Inputs.ContractAmount)
	}
	if !rec.Derived.GrossCommission.Equal(d("1800")) {
		t.Errorf("gross commission = %s, want 1800", rec.Derived.GrossCommission)
	}

	changes, err := f.commissions.GetChanges(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	got := map[string]repository.FieldChange{}
	for _, c := range changes.Changes {
		got[c.Field] = c
	}
	for _, field := range []string{"contract_amount", "total_revenue", "gross_commission", "net_commission_owed"} {
		if _, ok := got[field]; !ok {
			t.Errorf("change set missing %s", field)
		}
	}
	if len(got) != 4 {
		t.Errorf("change set has %d fields, want 4: %+v", len(got), changes.Changes)
	}
	if c := got["contract_amount"]; c.Previous != "10000.00" || c.Current != "12000.00" {
		t.Errorf("contract_amount change = %+v", c)
	}

	history, _ := f.commissions.GetHistory(ctx, rec.ID)
	last := history[len(history)-1]
	if last.Action != "resubmit" {
		t.Fatalf("last history action = %s", last.Action)
	}
	if fields, ok := last.Metadata["changed_fields"].([]string); !ok || len(fields) != 4 {
		t.Errorf("changed_fields metadata = %v", last.Metadata["changed_fields"])
	}
}

func TestDenyIsPermanentForJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.submit(t, rep, jobFields("7777"))

	_, err := f.commissions.Deny(ctx, rec.ID, compliance, "")
	assertCode(t, err, errors.ErrCodeInvalidInput)

	rec, err = f.commissions.Deny(ctx, rec.ID, compliance, "fraudulent contract")
	if err != nil {
		t.Fatalf("Deny: %v", err)
	}
	assertState(t, rec, workflow.Denied())

	denied, err := f.commissions.IsJobDenied(ctx, "7777")
	if err != nil || !denied {
		t.Fatalf("IsJobDenied = %v, %v", denied, err)
	}

	_, err = f.commissions.CreateCommission(ctx, &CreateCommissionRequest{Actor: otherRep, Fields: jobFields("7777"), Submit: true})
	assertCode(t, err, errors.ErrCodeJobDenied)

	for range 3 {
		draft, err := f.commissions.CreateCommission(ctx, &CreateCommissionRequest{Actor: rep, Fields: jobFields("7777")})
		if err != nil {
			t.Fatalf("draft create: %v", err)
		}
		_, err = f.commissions.Submit(ctx, draft.ID, rep)
		assertCode(t, err, errors.ErrCodeJobDenied)
	}

	_, err = f.commissions.Revert(ctx, rec.ID, admin, nil)
	assertCode(t, err, errors.ErrCodeConflict)

	if err := f.commissions.DeleteCommission(ctx, rec.ID, rep); err == nil {
		t.Fatal("sales rep deleted a commission")
	}
	if err := f.commissions.DeleteCommission(ctx, rec.ID, admin); err != nil {
		t.Fatalf("DeleteCommission: %v", err)
	}
	if denied, _ := f.commissions.IsJobDenied(ctx, "7777"); !denied {
		t.Fatal("deny list entry removed with the record")
	}

	other := f.submit(t, rep, jobFields("7778"))
	assertState(t, other, workflow.Pending(workflow.StageManager))
}

func TestDrawRequestRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draw := func(amount string, checklist eligibility.Checklist, inputs money.Inputs) CommissionFields {
		return CommissionFields{
			AcculynxJobID:       "5150",
			CustomerName:        "Ortega Residence",
			Inputs:              inputs,
			RequestedDrawAmount: d(amount),
			Eligibility:         checklist,
		}
	}
	// Estimated commission of 1000 caps draws at 500.
	estimated := money.Inputs{ContractAmount: d("10000"), CommissionPercentage: d("10")}

	tests := []struct {
		name   string
		fields CommissionFields
		want   errors.ErrorCode
	}{
		{"at cap", draw("500", allChecked(), estimated), ""},
		{"over cap", draw("501", allChecked(), estimated), errors.ErrCodeCapExceeded},
		{"checklist incomplete", draw("100", eligibility.Checklist{SignedContractReceived: true}, estimated), errors.ErrCodeInvalidInput},
		{"no estimate under ceiling", draw("1500", allChecked(), money.Inputs{}), ""},
		{"no estimate over ceiling", draw("1500.01", allChecked(), money.Inputs{}), errors.ErrCodeNeedsEstimate},
		{"zero draw", draw("0", allChecked(), estimated), errors.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := f.commissions.CreateCommission(ctx, &CreateCommissionRequest{
				Actor:  rep,
				IsDraw: true,
				Fields: tt.fields,
				Submit: true,
			})
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				assertState(t, rec, workflow.Pending(workflow.StageManager))
				return
			}
			assertCode(t, err, tt.want)
		})
	}
}

func TestCommissionHoldBlocksDrawRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hold, err := f.compliance.PlaceHold(ctx, &PlaceHoldRequest{
		Actor:      compliance,
		HoldType:   repository.HoldTypeCommission,
		TargetType: repository.TargetUser,
		TargetID:   rep.ID,
		Reason:     "unreported advances",
	})
	if err != nil {
		t.Fatalf("PlaceHold: %v", err)
	}

	fields := CommissionFields{
		AcculynxJobID:       "6001",
		CustomerName:        "Lee",
		Inputs:              money.Inputs{ContractAmount: d("10000"), CommissionPercentage: d("10")},
		RequestedDrawAmount: d("200"),
		Eligibility:         allChecked(),
	}
	_, err = f.commissions.CreateCommission(ctx, &CreateCommissionRequest{Actor: rep, IsDraw: true, Fields: fields, Submit: true})
	assertCode(t, err, errors.ErrCodeComplianceBlocked)

	var appErr *errors.AppError
	if !errors.As(err, &appErr) || appErr.Details["hold_id"] != hold.ID {
		t.Fatalf("error does not reference the hold: %v", err)
	}

	if _, err := f.compliance.ReleaseHold(ctx, hold.ID, compliance); err != nil {
		t.Fatalf("ReleaseHold: %v", err)
	}
	if _, err := f.commissions.CreateCommission(ctx, &CreateCommissionRequest{Actor: rep, IsDraw: true, Fields: fields, Submit: true}); err != nil {
		t.Fatalf("draw after release: %v", err)
	}
}

func TestHoldBlocksForwardTransitionsUntilReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.submit(t, rep, jobFields("2468"))

	hold, err := f.compliance.PlaceHold(ctx, &PlaceHoldRequest{
		Actor:      compliance,
		HoldType:   "job_hold",
		TargetType: repository.TargetJob,
		TargetID:   "2468",
		Reason:     "permit dispute",
	})
	if err != nil {
		t.Fatalf("PlaceHold: %v", err)
	}

	_, err = f.commissions.Approve(ctx, rec.ID, compliance, nil)
	assertCode(t, err, errors.ErrCodeComplianceBlocked)
	var appErr *errors.AppError
	if !errors.As(err, &appErr) || appErr.Details["hold_id"] != hold.ID {
		t.Fatalf("error does not reference the hold: %v", err)
	}

	unchanged, _ := f.commissions.GetCommission(ctx, rec.ID)
	assertState(t, unchanged, workflow.Pending(workflow.StageManager))

	if _, err := f.compliance.ReleaseHold(ctx, hold.ID, compliance); err != nil {
		t.Fatalf("ReleaseHold: %v", err)
	}

	rec, err = f.commissions.Approve(ctx, rec.ID, compliance, nil)
	if err != nil {
		t.Fatalf("approve after release: %v", err)
	}
	assertState(t, rec, workflow.Pending(workflow.StageAccounting))
}

func TestSecondAccountingApproveConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.toAccounting(t, "9001")
	if _, err := f.commissions.Transition(ctx, &TransitionRequest{ID: rec.ID, Actor: accounting, Action: workflow.ActionAccountingApprove}); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	_, err := f.commissions.Transition(ctx, &TransitionRequest{ID: rec.ID, Actor: admin, Action: workflow.ActionAccountingApprove})
	assertCode(t, err, errors.ErrCodeConflict)
}

func TestConcurrentAccountingApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.toAccounting(t, "9002")

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, 2)
	for i, actor := range []workflow.Actor{accounting, admin} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = f.commissions.Transition(ctx, &TransitionRequest{
				ID:     rec.ID,
				Actor:  actor,
				Action: workflow.ActionAccountingApprove,
			})
		}()
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assertCode(t, err, errors.ErrCodeConflict)
	}
	if succeeded != 1 {
		t.Fatalf("%d approvals succeeded, want exactly 1", succeeded)
	}

	history, _ := f.commissions.GetHistory(ctx, rec.ID)
	approvals := 0
	for _, e := range history {
		if e.Action == string(workflow.ActionAccountingApprove) {
			approvals++
		}
	}
	if approvals != 1 {
		t.Fatalf("history has %d accounting approvals, want 1", approvals)
	}
}

// racingStore lets another writer commit between the service's read and its
// write.
type racingStore struct {
	*repository.MemoryStore
	once sync.Once
	race func()
}

func (r *racingStore) ApplyTransition(ctx context.Context, w *repository.TransitionWrite) error {
	r.once.Do(r.race)
	return r.MemoryStore.ApplyTransition(ctx, w)
}

func TestStaleWriteIsReevaluatedFromFreshRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.toAccounting(t, "9003")

	racing := &racingStore{MemoryStore: f.store, race: func() {
		if _, err := f.commissions.Approve(ctx, rec.ID, admin, nil); err != nil {
			t.Errorf("racing approve: %v", err)
		}
	}}
	svc := NewCommissionService(racing, f.store, nil, DefaultCommissionOptions(), logger.Nop())

	_, err := svc.Approve(ctx, rec.ID, accounting, nil)
	assertCode(t, err, errors.ErrCodeConflict)

	final, _ := f.commissions.GetCommission(ctx, rec.ID)
	assertState(t, final, workflow.Approved())
}

func TestNotifierFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New(errors.ErrCodeUnavailable, "nats down")
	ctx := context.Background()

	rec := f.submit(t, rep, jobFields("1357"))
	rec, err := f.commissions.Approve(ctx, rec.ID, compliance, nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}

	stored, err := f.commissions.GetCommission(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetCommission: %v", err)
	}
	assertState(t, stored, workflow.Pending(workflow.StageAccounting))
	if len(f.notifier.Events()) != 2 {
		t.Fatalf("events = %v", f.notifier.Events())
	}
}

func TestDrawCloseOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	drawFields := CommissionFields{
		AcculynxJobID:       "8080",
		CustomerName:        "Brennan",
		Inputs:              money.Inputs{ContractAmount: d("10000"), CommissionPercentage: d("10")},
		RequestedDrawAmount: d("500"),
		Eligibility:         allChecked(),
	}
	rec, err := f.commissions.CreateCommission(ctx, &CreateCommissionRequest{Actor: rep, IsDraw: true, Fields: drawFields, Submit: true})
	if err != nil {
		t.Fatalf("create draw: %v", err)
	}
	for _, actor := range []workflow.Actor{compliance, accounting} {
		if rec, err = f.commissions.Approve(ctx, rec.ID, actor, nil); err != nil {
			t.Fatalf("approve by %s: %v", actor.Role, err)
		}
	}
	if rec, err = f.commissions.MarkPaid(ctx, rec.ID, accounting); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if !rec.DrawAmountPaid.Equal(d("500")) {
		t.Fatalf("draw_amount_paid = %s, want 500", rec.DrawAmountPaid)
	}

	_, err = f.commissions.CloseOut(ctx, rec.ID, rep, nil)
	assertCode(t, err, errors.ErrCodeInvalidInput)

	final := drawFields
	final.Inputs = money.Inputs{ContractAmount: d("12000"), CommissionPercentage: d("10"), AdvancesPaid: d("500")}
	final.RequestedDrawAmount = decimal.Zero

	_, err = f.commissions.CloseOut(ctx, rec.ID, otherRep, &final)
	assertCode(t, err, errors.ErrCodeForbidden)

	rec, err = f.commissions.CloseOut(ctx, rec.ID, rep, &final)
	if err != nil {
		t.Fatalf("CloseOut: %v", err)
	}
	assertState(t, rec, workflow.Pending(workflow.StageManager))
	if !rec.DrawClosedOut {
		t.Error("draw_closed_out not set")
	}
	if !rec.DrawAmountPaid.Equal(d("500")) {
		t.Errorf("draw_amount_paid = %s, want 500 retained", rec.DrawAmountPaid)
	}
	if !rec.Derived.NetCommissionOwed.Equal(d("700")) {
		t.Errorf("net commission = %s, want 700", rec.Derived.NetCommissionOwed)
	}
	if rec.PaidAt != nil {
		t.Error("paid_at carried into the close-out request")
	}

	for _, actor := range []workflow.Actor{compliance, accounting} {
		if rec, err = f.commissions.Approve(ctx, rec.ID, actor, nil); err != nil {
			t.Fatalf("approve close-out by %s: %v", actor.Role, err)
		}
	}
	if rec, err = f.commissions.MarkPaid(ctx, rec.ID, payroll); err != nil {
		t.Fatalf("MarkPaid close-out: %v", err)
	}
	_, err = f.commissions.CloseOut(ctx, rec.ID, rep, &final)
	assertCode(t, err, errors.ErrCodeConflict)
}

func TestRevertStepsBackOneStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.toAccounting(t, "4242")
	rec, _ = f.commissions.Approve(ctx, rec.ID, accounting, nil)
	rec, _ = f.commissions.MarkPaid(ctx, rec.ID, accounting)
	assertState(t, rec, workflow.Paid())

	_, err := f.commissions.Revert(ctx, rec.ID, accounting, nil)
	assertCode(t, err, errors.ErrCodeForbidden)

	steps := []workflow.State{
		workflow.Approved(),
		workflow.Pending(workflow.StageAccounting),
		workflow.Pending(workflow.StageManager),
	}
	for _, want := range steps {
		rec, err = f.commissions.Revert(ctx, rec.ID, admin, nil)
		if err != nil {
			t.Fatalf("revert to %s: %v", want, err)
		}
		assertState(t, rec, want)
	}
	if rec.PaidAt != nil || rec.ApprovedAt != nil {
		t.Error("payout timestamps survived revert")
	}

	_, err = f.commissions.Revert(ctx, rec.ID, admin, nil)
	assertCode(t, err, errors.ErrCodeConflict)

	history, _ := f.commissions.GetHistory(ctx, rec.ID)
	if len(history) != 7 {
		t.Fatalf("history has %d entries, want 7", len(history))
	}
}

func TestUpdateCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.commissions.CreateCommission(ctx, &CreateCommissionRequest{Actor: rep, Fields: jobFields("1010")})
	if err != nil {
		t.Fatalf("CreateCommission: %v", err)
	}
	assertState(t, draft, workflow.Draft())

	edited := jobFields("1010")
	edited.Inputs.AdvancesPaid = d("2000")

	_, err = f.commissions.UpdateCommission(ctx, &UpdateCommissionRequest{ID: draft.ID, Actor: otherRep, Fields: edited})
	assertCode(t, err, errors.ErrCodeForbidden)

	updated, err := f.commissions.UpdateCommission(ctx, &UpdateCommissionRequest{ID: draft.ID, Actor: rep, Fields: edited})
	if err != nil {
		t.Fatalf("UpdateCommission: %v", err)
	}
	if !updated.Derived.NetCommissionOwed.Equal(d("-500")) {
		t.Errorf("net commission = %s, want -500", updated.Derived.NetCommissionOwed)
	}

	bad := jobFields("10100")
	_, err = f.commissions.UpdateCommission(ctx, &UpdateCommissionRequest{ID: draft.ID, Actor: rep, Fields: bad})
	assertCode(t, err, errors.ErrCodeInvalidInput)

	if _, err := f.commissions.Submit(ctx, draft.ID, rep); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rejected, err := f.commissions.Reject(ctx, draft.ID, admin, "wrong customer")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	_, err = f.commissions.UpdateCommission(ctx, &UpdateCommissionRequest{ID: rejected.ID, Actor: rep, Fields: edited})
	assertCode(t, err, errors.ErrCodeConflict)
}

func TestAdminEditUnderReviewRunsGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Estimated commission of 1000 caps draws at 500.
	fields := CommissionFields{
		AcculynxJobID:       "5151",
		CustomerName:        "Ortega Residence",
		Inputs:              money.Inputs{ContractAmount: d("10000"), CommissionPercentage: d("10")},
		RequestedDrawAmount: d("500"),
		Eligibility:         allChecked(),
	}
	rec, err := f.commissions.CreateCommission(ctx, &CreateCommissionRequest{Actor: rep, IsDraw: true, Fields: fields, Submit: true})
	if err != nil {
		t.Fatalf("CreateCommission: %v", err)
	}
	before, _ := f.commissions.GetHistory(ctx, rec.ID)

	denied := f.submit(t, otherRep, jobFields("5152"))
	if _, err := f.commissions.Deny(ctx, denied.ID, compliance, "duplicate claim"); err != nil {
		t.Fatalf("Deny: %v", err)
	}

	edit := func(actor workflow.Actor, mutate func(*CommissionFields)) (*repository.CommissionRecord, error) {
		edited := fields
		mutate(&edited)
		return f.commissions.UpdateCommission(ctx, &UpdateCommissionRequest{ID: rec.ID, Actor: actor, Fields: edited})
	}

	tests := []struct {
		name   string
		actor  workflow.Actor
		mutate func(*CommissionFields)
		want   errors.ErrorCode
	}{
		{"submitter cannot edit", rep, func(c *CommissionFields) { c.RequestedDrawAmount = d("400") }, errors.ErrCodeForbidden},
		{"over cap", admin, func(c *CommissionFields) { c.RequestedDrawAmount = d("5000") }, errors.ErrCodeCapExceeded},
		{"fractional cent draw", admin, func(c *CommissionFields) { c.RequestedDrawAmount = d("400.005") }, errors.ErrCodeInvalidInput},
		{"checklist cleared", admin, func(c *CommissionFields) { c.Eligibility.DepositCollected = false }, errors.ErrCodeInvalidInput},
		{"denied job", admin, func(c *CommissionFields) { c.AcculynxJobID = "5152" }, errors.ErrCodeJobDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := edit(tt.actor, tt.mutate)
			assertCode(t, err, tt.want)
		})
	}

	hold, err := f.compliance.PlaceHold(ctx, &PlaceHoldRequest{
		Actor:      compliance,
		HoldType:   "job_hold",
		TargetType: repository.TargetJob,
		TargetID:   "5151",
		Reason:     "permit dispute",
	})
	if err != nil {
		t.Fatalf("PlaceHold: %v", err)
	}
	_, err = edit(admin, func(c *CommissionFields) { c.RequestedDrawAmount = d("400") })
	assertCode(t, err, errors.ErrCodeComplianceBlocked)

	unchanged, _ := f.commissions.GetCommission(ctx, rec.ID)
	if !unchanged.RequestedDrawAmount.Equal(d("500")) {
		t.Fatalf("rejected edits changed the draw to %s", unchanged.RequestedDrawAmount)
	}
	if history, _ := f.commissions.GetHistory(ctx, rec.ID); len(history) != len(before) {
		t.Fatalf("rejected edits wrote history: %d entries, want %d", len(history), len(before))
	}

	if _, err := f.compliance.ReleaseHold(ctx, hold.ID, compliance); err != nil {
		t.Fatalf("ReleaseHold: %v", err)
	}
	edited, err := edit(admin, func(c *CommissionFields) { c.RequestedDrawAmount = d("400") })
	if err != nil {
		t.Fatalf("UpdateCommission: %v", err)
	}
	assertState(t, edited, workflow.Pending(workflow.StageManager))
	if !edited.RequestedDrawAmount.Equal(d("400")) {
		t.Errorf("draw = %s, want 400", edited.RequestedDrawAmount)
	}

	history, _ := f.commissions.GetHistory(ctx, rec.ID)
	if len(history) != len(before)+1 {
		t.Fatalf("history has %d entries, want %d", len(history), len(before)+1)
	}
	last := history[len(history)-1]
	if last.Action != "edit" || last.ActorID != admin.ID {
		t.Errorf("last entry = %s by %s, want edit by %s", last.Action, last.ActorID, admin.ID)
	}
	if last.FromStatus != last.ToStatus || last.FromStage == nil || last.ToStage == nil || *last.FromStage != *last.ToStage {
		t.Errorf("edit moved the record: %+v", last)
	}
	changed, ok := last.Metadata["changed_fields"].([]string)
	if !ok || len(changed) != 1 || changed[0] != "requested_draw_amount" {
		t.Errorf("changed_fields = %v", last.Metadata["changed_fields"])
	}
}

func TestResubmitDetectsSmallPercentageChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fields := CommissionFields{
		AcculynxJobID: "3400",
		CustomerName:  "Hale Residence",
		Inputs:        money.Inputs{ContractAmount: d("100"), CommissionPercentage: d("15.121")},
	}
	rec := f.submit(t, rep, fields)
	if _, err := f.commissions.Reject(ctx, rec.ID, compliance, "confirm the rate"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	fields.Inputs.CommissionPercentage = d("15.124")
	if _, err := f.commissions.Resubmit(ctx, rec.ID, rep, &fields); err != nil {
		t.Fatalf("Resubmit: %v", err)
	}

	changes, err := f.commissions.GetChanges(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	if len(changes.Changes) != 1 {
		t.Fatalf("changes = %+v, want only commission_percentage", changes.Changes)
	}
	c := changes.Changes[0]
	if c.Field != "commission_percentage" || c.Previous != "15.1210" || c.Current != "15.1240" {
		t.Errorf("change = %+v", c)
	}
}

func TestTransitionRequiresKnownActor(t *testing.T) {
	f := newFixture(t)
	rec := f.submit(t, rep, jobFields("3131"))

	_, err := f.commissions.Approve(context.Background(), rec.ID, workflow.Actor{Role: workflow.RoleAdmin}, nil)
	assertCode(t, err, errors.ErrCodeUnauthorized)

	_, err = f.commissions.Transition(context.Background(), &TransitionRequest{ID: rec.ID, Actor: admin, Action: "escalate"})
	assertCode(t, err, errors.ErrCodeInvalidInput)

	_, err = f.commissions.GetCommission(context.Background(), "missing")
	assertCode(t, err, errors.ErrCodeNotFound)
}

func TestPreview(t *testing.T) {
	f := newFixture(t)

	res, err := f.commissions.Preview(&PreviewRequest{
		Inputs:              money.Inputs{ContractAmount: d("10000"), CommissionPercentage: d("10")},
		IsDraw:              true,
		RequestedDrawAmount: d("600"),
	})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if !res.GrossCommission.Equal(d("1000")) || !res.MaxDraw.Equal(d("500")) {
		t.Errorf("gross = %s, max draw = %s", res.GrossCommission, res.MaxDraw)
	}
	if res.DrawAllowed == nil || *res.DrawAllowed {
		t.Error("draw over the cap reported as allowed")
	}
	if res.DrawError == nil || res.DrawError.Code != errors.ErrCodeCapExceeded {
		t.Errorf("draw error = %v", res.DrawError)
	}

	_, err = f.commissions.Preview(&PreviewRequest{Inputs: money.Inputs{ContractAmount: d("-1")}})
	assertCode(t, err, errors.ErrCodeInvalidInput)
}

func TestNextPayDate(t *testing.T) {
	schedule := PaySchedule{Weekday: time.Friday, LeadDays: 7}
	tests := []struct {
		submitted time.Time
		want      time.Time
	}{
		{time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 6, 23, 0, 0, 0, time.UTC), time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := schedule.NextPayDate(tt.submitted); !got.Equal(tt.want) {
			t.Errorf("NextPayDate(%s) = %s, want %s", tt.submitted, got, tt.want)
		}
	}
}

func TestCommissionOptionsFromConfig(t *testing.T) {
	base := config.Default().Commission

	tests := []struct {
		name      string
		mutate    func(*config.CommissionConfig)
		wantErr   bool
		wantRetry int
	}{
		{"defaults", func(*config.CommissionConfig) {}, false, 1},
		{"several retries", func(c *config.CommissionConfig) { c.ConflictRetry = 3 }, false, 3},
		{"no retry", func(c *config.CommissionConfig) { c.ConflictRetry = 0 }, true, 0},
		{"negative retry", func(c *config.CommissionConfig) { c.ConflictRetry = -2 }, true, 0},
		{"bad ratio", func(c *config.CommissionConfig) { c.DrawCapRatio = "half" }, true, 0},
		{"negative ceiling", func(c *config.CommissionConfig) { c.DrawCeiling = "-1" }, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			opts, err := CommissionOptionsFromConfig(cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("CommissionOptionsFromConfig: %v", err)
			}
			if opts.ConflictRetry != tt.wantRetry {
				t.Errorf("ConflictRetry = %d, want %d", opts.ConflictRetry, tt.wantRetry)
			}
		})
	}
}

func TestPageWindow(t *testing.T) {
	tests := []struct {
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{0, 0, defaultPageSize, 0},
		{-5, -1, defaultPageSize, 0},
		{25, 10, 25, 10},
		{maxPageSize, 0, maxPageSize, 0},
		{500, 0, maxPageSize, 0},
	}
	for _, tt := range tests {
		limit, offset := pageWindow(tt.limit, tt.offset)
		if limit != tt.wantLimit || offset != tt.wantOffset {
			t.Errorf("pageWindow(%d, %d) = %d, %d, want %d, %d",
				tt.limit, tt.offset, limit, offset, tt.wantLimit, tt.wantOffset)
		}
	}
}
