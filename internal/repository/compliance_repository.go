package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-commissions/internal/platform/database"
	"github.com/pesio-ai/be-commissions/internal/platform/errors"
)

// ComplianceRepository handles violations, holds and escalations.
type ComplianceRepository struct {
	db *database.DB
}

// NewComplianceRepository creates a new ComplianceRepository.
func NewComplianceRepository(db *database.DB) *ComplianceRepository {
	return &ComplianceRepository{db: db}
}

// ── Violations ────────────────────────────────────────────────────────────────

const violationColumns = `
	id, user_id, job_id, severity, status, sop_reference, description,
	escalation_required, reported_by, resolved_by, resolved_at, resolution_notes,
	created_at, updated_at`

// CreateViolation inserts a new violation.
func (r *ComplianceRepository) CreateViolation(ctx context.Context, v *ComplianceViolation) error {
	query := `
		INSERT INTO compliance_violations
		    (user_id, job_id, severity, status, sop_reference, description,
		     escalation_required, reported_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		v.UserID, v.JobID, v.Severity, v.Status, v.SOPReference, v.Description,
		v.EscalationRequired, v.ReportedBy,
	).Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return storeError(err, "failed to create violation")
	}
	return nil
}

// GetViolation retrieves a violation by primary key.
func (r *ComplianceRepository) GetViolation(ctx context.Context, id string) (*ComplianceViolation, error) {
	query := `SELECT ` + violationColumns + ` FROM compliance_violations WHERE id = $1`
	v, err := scanViolation(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("violation", id)
	}
	if err != nil {
		return nil, storeError(err, "failed to get violation")
	}
	return v, nil
}

// ListViolations returns violations matching the filter, newest first.
func (r *ComplianceRepository) ListViolations(ctx context.Context, f ViolationFilter) ([]*ComplianceViolation, error) {
	query := `SELECT ` + violationColumns + ` FROM compliance_violations WHERE 1=1`
	args := []interface{}{}
	n := 1
	if f.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, *f.Status)
		n++
	}
	if f.Severity != nil {
		query += fmt.Sprintf(" AND severity = $%d", n)
		args = append(args, *f.Severity)
		n++
	}
	if f.JobID != nil {
		query += fmt.Sprintf(" AND job_id = $%d", n)
		args = append(args, *f.JobID)
		n++
	}
	if f.UserID != nil {
		query += fmt.Sprintf(" AND user_id = $%d", n)
		args = append(args, *f.UserID)
		n++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError(err, "failed to list violations")
	}
	defer rows.Close()

	out := make([]*ComplianceViolation, 0)
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, storeError(err, "failed to scan violation")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ApplyViolationUpdate persists a violation status change together with its
// escalation decision and the release of related holds. It returns the
// number of holds released.
func (r *ComplianceRepository) ApplyViolationUpdate(ctx context.Context, u *ViolationUpdate) (int, error) {
	released := 0
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		v := u.Violation
		err := tx.QueryRow(ctx, `
			UPDATE compliance_violations
			SET status = $2, resolved_by = $3, resolved_at = $4, resolution_notes = $5,
			    updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at
		`, v.ID, v.Status, v.ResolvedBy, v.ResolvedAt, v.ResolutionNotes).Scan(&v.UpdatedAt)
		if err == pgx.ErrNoRows {
			return errors.NotFound("violation", v.ID)
		}
		if err != nil {
			return err
		}

		if e := u.Escalation; e != nil {
			tag, err := tx.Exec(ctx, `
				UPDATE compliance_escalations
				SET status = $2, decided_by = $3, decided_at = $4, decision_note = $5,
				    updated_at = NOW()
				WHERE id = $1 AND status = 'pending'
			`, e.ID, e.Status, e.DecidedBy, e.DecidedAt, e.DecisionNote)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return errors.Conflict("escalation has already been decided")
			}
		}

		if u.ReleaseRelated {
			tag, err := tx.Exec(ctx, `
				UPDATE compliance_holds
				SET status = 'released', released_by = $2, released_at = $3, updated_at = NOW()
				WHERE related_entity_id = $1 AND status = 'active'
			`, v.ID, u.ReleasedBy, u.At)
			if err != nil {
				return err
			}
			released = int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, storeError(err, "failed to update violation")
	}
	return released, nil
}

// ── Holds ─────────────────────────────────────────────────────────────────────

const holdColumns = `
	id, hold_type, target_type, target_id, related_entity_id, status, reason,
	placed_by, released_by, released_at, created_at, updated_at`

// CreateHold inserts a hold. When blockViolation is set and the hold
// references a violation, an open violation moves to blocked in the same
// transaction.
func (r *ComplianceRepository) CreateHold(ctx context.Context, h *ComplianceHold, blockViolation bool) error {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO compliance_holds
			    (hold_type, target_type, target_id, related_entity_id, status, reason, placed_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at, updated_at
		`, h.HoldType, h.TargetType, h.TargetID, h.RelatedEntityID, h.Status, h.Reason, h.PlacedBy,
		).Scan(&h.ID, &h.CreatedAt, &h.UpdatedAt)
		if err != nil {
			return err
		}

		if blockViolation && h.RelatedEntityID != nil {
			_, err = tx.Exec(ctx, `
				UPDATE compliance_violations
				SET status = 'blocked', updated_at = NOW()
				WHERE id = $1 AND status = 'open'
			`, *h.RelatedEntityID)
		}
		return err
	})
	if err != nil {
		return storeError(err, "failed to create hold")
	}
	return nil
}

// GetHold retrieves a hold by primary key.
func (r *ComplianceRepository) GetHold(ctx context.Context, id string) (*ComplianceHold, error) {
	query := `SELECT ` + holdColumns + ` FROM compliance_holds WHERE id = $1`
	h, err := scanHold(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("hold", id)
	}
	if err != nil {
		return nil, storeError(err, "failed to get hold")
	}
	return h, nil
}

// ReleaseHold marks an active hold released.
func (r *ComplianceRepository) ReleaseHold(ctx context.Context, h *ComplianceHold) error {
	err := r.db.QueryRow(ctx, `
		UPDATE compliance_holds
		SET status = 'released', released_by = $2, released_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING updated_at
	`, h.ID, h.ReleasedBy, h.ReleasedAt).Scan(&h.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.Conflict("hold is not active")
	}
	if err != nil {
		return storeError(err, "failed to release hold")
	}
	h.Status = HoldReleased
	return nil
}

// ListHolds returns holds matching the filter, newest first.
func (r *ComplianceRepository) ListHolds(ctx context.Context, f HoldFilter) ([]*ComplianceHold, error) {
	query := `SELECT ` + holdColumns + ` FROM compliance_holds WHERE 1=1`
	args := []interface{}{}
	n := 1
	if f.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, *f.Status)
		n++
	}
	if f.TargetType != nil {
		query += fmt.Sprintf(" AND target_type = $%d", n)
		args = append(args, *f.TargetType)
		n++
	}
	if f.TargetID != nil {
		query += fmt.Sprintf(" AND target_id = $%d", n)
		args = append(args, *f.TargetID)
		n++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError(err, "failed to list holds")
	}
	defer rows.Close()

	out := make([]*ComplianceHold, 0)
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, storeError(err, "failed to scan hold")
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// FindActiveHold returns the oldest active hold targeting the job or the
// user, or nil when neither is held.
func (r *ComplianceRepository) FindActiveHold(ctx context.Context, jobID, userID string) (*ComplianceHold, error) {
	query := `SELECT ` + holdColumns + `
		FROM compliance_holds
		WHERE status = 'active'
		  AND ((target_type = 'job' AND target_id = $1) OR (target_type = 'user' AND target_id = $2))
		ORDER BY created_at ASC
		LIMIT 1`
	h, err := scanHold(r.db.QueryRow(ctx, query, jobID, userID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err, "failed to find active hold")
	}
	return h, nil
}

// ── Escalations ───────────────────────────────────────────────────────────────

const escalationColumns = `
	id, violation_id, status, requested_by, reason, decided_by, decided_at,
	decision_note, created_at, updated_at`

// CreateEscalation inserts the escalation for a violation and moves the
// violation to escalated. The unique index on violation_id enforces 1:1.
func (r *ComplianceRepository) CreateEscalation(ctx context.Context, e *Escalation) error {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO compliance_escalations (violation_id, status, requested_by, reason)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (violation_id) DO NOTHING
			RETURNING id, created_at, updated_at
		`, e.ViolationID, e.Status, e.RequestedBy, e.Reason).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
		if err == pgx.ErrNoRows {
			return errors.Conflict("violation already has an escalation")
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE compliance_violations
			SET status = 'escalated', updated_at = NOW()
			WHERE id = $1
		`, e.ViolationID)
		return err
	})
	if err != nil {
		return storeError(err, "failed to create escalation")
	}
	return nil
}

// GetEscalation retrieves an escalation by primary key.
func (r *ComplianceRepository) GetEscalation(ctx context.Context, id string) (*Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM compliance_escalations WHERE id = $1`
	e, err := scanEscalation(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("escalation", id)
	}
	if err != nil {
		return nil, storeError(err, "failed to get escalation")
	}
	return e, nil
}

// GetEscalationByViolation returns the escalation for a violation, or nil.
func (r *ComplianceRepository) GetEscalationByViolation(ctx context.Context, violationID string) (*Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM compliance_escalations WHERE violation_id = $1`
	e, err := scanEscalation(r.db.QueryRow(ctx, query, violationID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err, "failed to get escalation")
	}
	return e, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanViolation(row rowScanner) (*ComplianceViolation, error) {
	v := &ComplianceViolation{}
	err := row.Scan(
		&v.ID, &v.UserID, &v.JobID, &v.Severity, &v.Status, &v.SOPReference, &v.Description,
		&v.EscalationRequired, &v.ReportedBy, &v.ResolvedBy, &v.ResolvedAt, &v.ResolutionNotes,
		&v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func scanHold(row rowScanner) (*ComplianceHold, error) {
	h := &ComplianceHold{}
	err := row.Scan(
		&h.ID, &h.HoldType, &h.TargetType, &h.TargetID, &h.RelatedEntityID, &h.Status, &h.Reason,
		&h.PlacedBy, &h.ReleasedBy, &h.ReleasedAt, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func scanEscalation(row rowScanner) (*Escalation, error) {
	e := &Escalation{}
	err := row.Scan(
		&e.ID, &e.ViolationID, &e.Status, &e.RequestedBy, &e.Reason, &e.DecidedBy, &e.DecidedAt,
		&e.DecisionNote, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}
