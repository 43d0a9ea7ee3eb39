package service

import (
	"context"

	"github.com/pesio-ai/be-commissions/internal/repository"
	"github.com/pesio-ai/be-commissions/internal/workflow"
)

// CommissionStore persists commission records, their status log and the
// permanent job deny list. Implemented by repository.CommissionRepository
// (Postgres) and repository.MemoryStore.
type CommissionStore interface {
	Create(ctx context.Context, rec *repository.CommissionRecord, entry *repository.StatusLogEntry) error
	GetByID(ctx context.Context, id string) (*repository.CommissionRecord, error)
	List(ctx context.Context, filter repository.CommissionFilter) ([]*repository.CommissionRecord, int64, error)
	UpdateInputs(ctx context.Context, rec *repository.CommissionRecord, expected workflow.State) error
	ApplyTransition(ctx context.Context, w *repository.TransitionWrite) error
	IsJobDenied(ctx context.Context, jobID string) (bool, error)
	History(ctx context.Context, commissionID string) ([]*repository.StatusLogEntry, error)
	Delete(ctx context.Context, id string) error
}

// ComplianceStore persists violations, holds and escalations.
type ComplianceStore interface {
	CreateViolation(ctx context.Context, v *repository.ComplianceViolation) error
	GetViolation(ctx context.Context, id string) (*repository.ComplianceViolation, error)
	ListViolations(ctx context.Context, filter repository.ViolationFilter) ([]*repository.ComplianceViolation, error)
	ApplyViolationUpdate(ctx context.Context, u *repository.ViolationUpdate) (int, error)

	CreateHold(ctx context.Context, h *repository.ComplianceHold, blockViolation bool) error
	GetHold(ctx context.Context, id string) (*repository.ComplianceHold, error)
	ReleaseHold(ctx context.Context, h *repository.ComplianceHold) error
	ListHolds(ctx context.Context, filter repository.HoldFilter) ([]*repository.ComplianceHold, error)
	// FindActiveHold returns the oldest active hold targeting the job or the
	// user, or nil when there is none.
	FindActiveHold(ctx context.Context, jobID, userID string) (*repository.ComplianceHold, error)

	CreateEscalation(ctx context.Context, e *repository.Escalation) error
	GetEscalation(ctx context.Context, id string) (*repository.Escalation, error)
	GetEscalationByViolation(ctx context.Context, violationID string) (*repository.Escalation, error)
}

// Notifier dispatches lifecycle events. Callers log and drop its errors.
type Notifier interface {
	Notify(ctx context.Context, event string, payload map[string]any) error
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, map[string]any) error { return nil }

var (
	_ CommissionStore = (*repository.CommissionRepository)(nil)
	_ CommissionStore = (*repository.MemoryStore)(nil)
	_ ComplianceStore = (*repository.ComplianceRepository)(nil)
	_ ComplianceStore = (*repository.MemoryStore)(nil)
)
