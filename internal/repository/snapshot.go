package repository

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-commissions/internal/eligibility"
	"github.com/pesio-ai/be-commissions/internal/money"
)

// SubmissionSnapshot is the commission-relevant field set captured before a
// resubmission so reviewers can see exactly what changed.
type SubmissionSnapshot struct {
	AcculynxJobID       string                `json:"acculynx_job_id"`
	CustomerName        string                `json:"customer_name"`
	JobAddress          *string               `json:"job_address,omitempty"`
	SubmissionKind      SubmissionKind        `json:"submission_kind"`
	IsDraw              bool                  `json:"is_draw"`
	Inputs              money.Inputs          `json:"inputs"`
	Derived             money.Result          `json:"derived"`
	RequestedDrawAmount decimal.Decimal       `json:"requested_draw_amount"`
	Eligibility         eligibility.Checklist `json:"eligibility"`
	RejectionReason     *string               `json:"rejection_reason,omitempty"`
	CapturedAt          time.Time             `json:"captured_at"`
}

// FieldChange is one differing field between a snapshot and the live record.
type FieldChange struct {
	Field    string `json:"field"`
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// Snapshot captures the record's commission-relevant fields.
func (c *CommissionRecord) Snapshot(at time.Time) *SubmissionSnapshot {
	return &SubmissionSnapshot{
		AcculynxJobID:       c.AcculynxJobID,
		CustomerName:        c.CustomerName,
		JobAddress:          clonePtr(c.JobAddress),
		SubmissionKind:      c.SubmissionKind,
		IsDraw:              c.IsDraw,
		Inputs:              c.Inputs,
		Derived:             c.Derived,
		RequestedDrawAmount: c.RequestedDrawAmount,
		Eligibility:         c.Eligibility,
		RejectionReason:     clonePtr(c.RejectionReason),
		CapturedAt:          at,
	}
}

// ChangedFields compares a snapshot with the record's current values and
// returns every field that differs, in a stable order. A nil snapshot has no
// changes.
func ChangedFields(prev *SubmissionSnapshot, cur *CommissionRecord) []FieldChange {
	if prev == nil || cur == nil {
		return nil
	}
	now := cur.Snapshot(prev.CapturedAt)
	before, after := prev.fields(), now.fields()

	var changes []FieldChange
	for i := range before {
		if !before[i].same(after[i]) {
			changes = append(changes, FieldChange{
				Field:    before[i].name,
				Previous: before[i].value,
				Current:  after[i].value,
			})
		}
	}
	return changes
}

// namedValue is one field rendered for display. Decimal fields compare by
// value, everything else by its rendering.
type namedValue struct {
	name  string
	value string
	num   *decimal.Decimal
}

func (v namedValue) same(o namedValue) bool {
	if v.num != nil && o.num != nil {
		return v.num.Equal(*o.num)
	}
	return v.value == o.value
}

func (s *SubmissionSnapshot) fields() []namedValue {
	amount := func(name string, d decimal.Decimal) namedValue {
		return namedValue{name, d.StringFixed(money.AmountPlaces), &d}
	}
	percent := func(name string, d decimal.Decimal) namedValue {
		return namedValue{name, d.StringFixed(money.PercentPlaces), &d}
	}
	str := func(name string, p *string) namedValue {
		if p == nil {
			return namedValue{name: name}
		}
		return namedValue{name: name, value: *p}
	}
	b := func(name string, v bool) namedValue { return namedValue{name: name, value: strconv.FormatBool(v)} }
	in, out, el := s.Inputs, s.Derived, s.Eligibility

	return []namedValue{
		{name: "acculynx_job_id", value: s.AcculynxJobID},
		{name: "customer_name", value: s.CustomerName},
		str("job_address", s.JobAddress),
		{name: "submission_kind", value: string(s.SubmissionKind)},
		b("is_draw", s.IsDraw),
		amount("contract_amount", in.ContractAmount),
		amount("supplements_approved", in.SupplementsApproved),
		percent("commission_percentage", in.CommissionPercentage),
		b("is_flat_fee", in.IsFlatFee),
		amount("flat_fee_amount", in.FlatFeeAmount),
		amount("advances_paid", in.AdvancesPaid),
		percent("override_percentage", in.OverridePercentage),
		amount("total_revenue", out.TotalRevenue),
		amount("gross_commission", out.GrossCommission),
		amount("net_commission_owed", out.NetCommissionOwed),
		amount("override_amount", out.OverrideAmount),
		amount("requested_draw_amount", s.RequestedDrawAmount),
		b("signed_contract_received", el.SignedContractReceived),
		b("insurance_approved", el.InsuranceApproved),
		b("materials_ordered", el.MaterialsOrdered),
		b("install_scheduled", el.InstallScheduled),
		b("deposit_collected", el.DepositCollected),
		b("customer_portal_active", el.CustomerPortalActive),
	}
}
