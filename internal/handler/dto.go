package handler

import (
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-commissions/internal/eligibility"
	"github.com/pesio-ai/be-commissions/internal/money"
	"github.com/pesio-ai/be-commissions/internal/repository"
	"github.com/pesio-ai/be-commissions/internal/service"
	"github.com/pesio-ai/be-commissions/internal/workflow"
)

// Request bodies shared by the HTTP and gRPC surfaces. Money accepts JSON
// strings or numbers.

type commissionFieldsBody struct {
	AcculynxJobID       string                `json:"acculynx_job_id"`
	CustomerName        string                `json:"customer_name"`
	JobAddress          *string               `json:"job_address"`
	Inputs              money.Inputs          `json:"inputs"`
	RequestedDrawAmount decimal.Decimal       `json:"requested_draw_amount"`
	Eligibility         eligibility.Checklist `json:"eligibility"`
}

func (b *commissionFieldsBody) toService() *service.CommissionFields {
	if b == nil {
		return nil
	}
	return &service.CommissionFields{
		AcculynxJobID:       b.AcculynxJobID,
		CustomerName:        b.CustomerName,
		JobAddress:          b.JobAddress,
		Inputs:              b.Inputs,
		RequestedDrawAmount: b.RequestedDrawAmount,
		Eligibility:         b.Eligibility,
	}
}

type createCommissionBody struct {
	commissionFieldsBody
	SubmissionKind      repository.SubmissionKind `json:"submission_kind"`
	IsManagerSubmission bool                      `json:"is_manager_submission"`
	IsDraw              bool                      `json:"is_draw"`
	Submit              bool                      `json:"submit"`
	Notes               *string                   `json:"notes"`
}

func (b *createCommissionBody) toService(actor workflow.Actor) *service.CreateCommissionRequest {
	return &service.CreateCommissionRequest{
		Actor:               actor,
		SubmissionKind:      b.SubmissionKind,
		IsManagerSubmission: b.IsManagerSubmission,
		IsDraw:              b.IsDraw,
		Fields:              *b.commissionFieldsBody.toService(),
		Submit:              b.Submit,
		Notes:               b.Notes,
	}
}

// transitionBody requests a workflow action. Action "approve" applies the
// approve action of the record's current stage.
type transitionBody struct {
	Action string                `json:"action"`
	Reason string                `json:"reason"`
	Notes  *string               `json:"notes"`
	Fields *commissionFieldsBody `json:"fields"`
}

const actionApprove = "approve"

type previewBody struct {
	Inputs              money.Inputs    `json:"inputs"`
	IsDraw              bool            `json:"is_draw"`
	RequestedDrawAmount decimal.Decimal `json:"requested_draw_amount"`
}

type reportViolationBody struct {
	UserID       *string             `json:"user_id"`
	JobID        *string             `json:"job_id"`
	Severity     repository.Severity `json:"severity"`
	SOPReference *string             `json:"sop_reference"`
	Description  string              `json:"description"`
}

type placeHoldBody struct {
	HoldType    string                    `json:"hold_type"`
	TargetType  repository.HoldTargetType `json:"target_type"`
	TargetID    string                    `json:"target_id"`
	ViolationID *string                   `json:"violation_id"`
	Reason      string                    `json:"reason"`
}

type escalateBody struct {
	Reason string `json:"reason"`
}

type decisionBody struct {
	Approve bool    `json:"approve"`
	Note    *string `json:"note"`
}

type notesBody struct {
	Notes *string `json:"notes"`
}

type decisionResponse struct {
	Escalation *repository.Escalation          `json:"escalation"`
	Violation  *repository.ComplianceViolation `json:"violation"`
}
