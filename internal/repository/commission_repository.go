package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-commissions/internal/platform/database"
	"github.com/pesio-ai/be-commissions/internal/platform/errors"
	"github.com/pesio-ai/be-commissions/internal/workflow"
)

// CommissionRepository persists commission records, their status log and
// the denied job list.
type CommissionRepository struct {
	db *database.DB
}

// NewCommissionRepository creates a new commission repository
func NewCommissionRepository(db *database.DB) *CommissionRepository {
	return &CommissionRepository{db: db}
}

const commissionColumns = `
	id, submission_kind, submitted_by, is_manager_submission, is_draw, draw_closed_out,
	acculynx_job_id, customer_name, job_address,
	contract_amount, supplements_approved, commission_percentage, is_flat_fee,
	flat_fee_amount, advances_paid, override_percentage,
	total_revenue, gross_commission, net_commission_owed, override_amount,
	requested_draw_amount, draw_amount_paid, eligibility,
	status, approval_stage, was_rejected, rejection_reason, reviewer_notes,
	previous_submission_snapshot, scheduled_pay_date,
	submitted_at, approved_at, paid_at, created_at, updated_at`

// Create inserts a record and its first status log entry.
func (r *CommissionRepository) Create(ctx context.Context, rec *CommissionRecord, entry *StatusLogEntry) error {
	eligibilityJSON, notesJSON, snapshotJSON, err := marshalCommissionJSON(rec)
	if err != nil {
		return err
	}

	err = r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO commissions (
			    submission_kind, submitted_by, is_manager_submission, is_draw, draw_closed_out,
			    acculynx_job_id, customer_name, job_address,
			    contract_amount, supplements_approved, commission_percentage, is_flat_fee,
			    flat_fee_amount, advances_paid, override_percentage,
			    total_revenue, gross_commission, net_commission_owed, override_amount,
			    requested_draw_amount, draw_amount_paid, eligibility,
			    status, approval_stage, was_rejected, rejection_reason, reviewer_notes,
			    previous_submission_snapshot, scheduled_pay_date, submitted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			        $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)
			RETURNING id, created_at, updated_at
		`
		in, out := rec.Inputs, rec.Derived
		err := tx.QueryRow(ctx, query,
			rec.SubmissionKind, rec.SubmittedBy, rec.IsManagerSubmission, rec.IsDraw, rec.DrawClosedOut,
			rec.AcculynxJobID, rec.CustomerName, rec.JobAddress,
			in.ContractAmount, in.SupplementsApproved, in.CommissionPercentage, in.IsFlatFee,
			in.FlatFeeAmount, in.AdvancesPaid, in.OverridePercentage,
			out.TotalRevenue, out.GrossCommission, out.NetCommissionOwed, out.OverrideAmount,
			rec.RequestedDrawAmount, rec.DrawAmountPaid, eligibilityJSON,
			string(rec.State.Status()), rec.State.ApprovalStage(), rec.WasRejected, rec.RejectionReason, notesJSON,
			snapshotJSON, rec.ScheduledPayDate, rec.SubmittedAt,
		).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return err
		}

		entry.CommissionID = rec.ID
		return appendStatusLog(ctx, tx, entry)
	})
	if err != nil {
		return storeError(err, "failed to create commission")
	}
	return nil
}

// GetByID retrieves a commission by ID
func (r *CommissionRepository) GetByID(ctx context.Context, id string) (*CommissionRecord, error) {
	query := `SELECT ` + commissionColumns + ` FROM commissions WHERE id = $1`

	rec, err := scanCommission(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("commission", id)
	}
	if err != nil {
		return nil, storeError(err, "failed to get commission")
	}
	return rec, nil
}

// List retrieves commissions with filtering and pagination
func (r *CommissionRepository) List(ctx context.Context, f CommissionFilter) ([]*CommissionRecord, int64, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if f.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, string(*f.Status))
		argCount++
	}
	if f.Stage != nil {
		where += fmt.Sprintf(" AND approval_stage = $%d", argCount)
		args = append(args, *f.Stage)
		argCount++
	}
	if f.SubmittedBy != nil {
		where += fmt.Sprintf(" AND submitted_by = $%d", argCount)
		args = append(args, *f.SubmittedBy)
		argCount++
	}
	if f.JobID != nil {
		where += fmt.Sprintf(" AND acculynx_job_id = $%d", argCount)
		args = append(args, *f.JobID)
		argCount++
	}
	if f.IsDraw != nil {
		where += fmt.Sprintf(" AND is_draw = $%d", argCount)
		args = append(args, *f.IsDraw)
		argCount++
	}

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM commissions`+where, args...).Scan(&total); err != nil {
		return nil, 0, storeError(err, "failed to count commissions")
	}

	query := `SELECT ` + commissionColumns + ` FROM commissions` + where +
		" ORDER BY created_at DESC" +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCount, argCount+1)

	rows, err := r.db.Query(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, storeError(err, "failed to list commissions")
	}
	defer rows.Close()

	records := make([]*CommissionRecord, 0)
	for rows.Next() {
		rec, err := scanCommission(rows)
		if err != nil {
			return nil, 0, storeError(err, "failed to scan commission")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storeError(err, "failed to list commissions")
	}

	return records, total, nil
}

// UpdateInputs rewrites the editable fields of a draft record.
func (r *CommissionRepository) UpdateInputs(ctx context.Context, rec *CommissionRecord, expected workflow.State) error {
	eligibilityJSON, _, _, err := marshalCommissionJSON(rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE commissions
		SET acculynx_job_id = $2, customer_name = $3, job_address = $4,
		    contract_amount = $5, supplements_approved = $6, commission_percentage = $7,
		    is_flat_fee = $8, flat_fee_amount = $9, advances_paid = $10, override_percentage = $11,
		    total_revenue = $12, gross_commission = $13, net_commission_owed = $14, override_amount = $15,
		    requested_draw_amount = $16, eligibility = $17,
		    updated_at = NOW()
		WHERE id = $1 AND status = $18 AND approval_stage IS NOT DISTINCT FROM $19
		RETURNING updated_at
	`
	in, out := rec.Inputs, rec.Derived
	err = r.db.QueryRow(ctx, query,
		rec.ID, rec.AcculynxJobID, rec.CustomerName, rec.JobAddress,
		in.ContractAmount, in.SupplementsApproved, in.CommissionPercentage,
		in.IsFlatFee, in.FlatFeeAmount, in.AdvancesPaid, in.OverridePercentage,
		out.TotalRevenue, out.GrossCommission, out.NetCommissionOwed, out.OverrideAmount,
		rec.RequestedDrawAmount, eligibilityJSON,
		string(expected.Status()), expected.ApprovalStage(),
	).Scan(&rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return ErrStaleState
	}
	if err != nil {
		return storeError(err, "failed to update commission")
	}
	return nil
}

// ApplyTransition writes the new record state, its status log entry and,
// for denials, the deny-list row in one transaction. The update only
// matches while the row still holds w.Expected; otherwise ErrStaleState.
func (r *CommissionRepository) ApplyTransition(ctx context.Context, w *TransitionWrite) error {
	rec := w.Record
	eligibilityJSON, notesJSON, snapshotJSON, err := marshalCommissionJSON(rec)
	if err != nil {
		return err
	}

	err = r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE commissions
			SET status = $2, approval_stage = $3,
			    was_rejected = $4, rejection_reason = $5, reviewer_notes = $6,
			    previous_submission_snapshot = $7, draw_closed_out = $8,
			    acculynx_job_id = $9, customer_name = $10, job_address = $11,
			    contract_amount = $12, supplements_approved = $13, commission_percentage = $14,
			    is_flat_fee = $15, flat_fee_amount = $16, advances_paid = $17, override_percentage = $18,
			    total_revenue = $19, gross_commission = $20, net_commission_owed = $21, override_amount = $22,
			    requested_draw_amount = $23, draw_amount_paid = $24, eligibility = $25,
			    scheduled_pay_date = $26, submitted_at = $27, approved_at = $28, paid_at = $29,
			    updated_at = NOW()
			WHERE id = $1 AND status = $30 AND approval_stage IS NOT DISTINCT FROM $31
			RETURNING updated_at
		`
		in, out := rec.Inputs, rec.Derived
		err := tx.QueryRow(ctx, query,
			rec.ID, string(rec.State.Status()), rec.State.ApprovalStage(),
			rec.WasRejected, rec.RejectionReason, notesJSON,
			snapshotJSON, rec.DrawClosedOut,
			rec.AcculynxJobID, rec.CustomerName, rec.JobAddress,
			in.ContractAmount, in.SupplementsApproved, in.CommissionPercentage,
			in.IsFlatFee, in.FlatFeeAmount, in.AdvancesPaid, in.OverridePercentage,
			out.TotalRevenue, out.GrossCommission, out.NetCommissionOwed, out.OverrideAmount,
			rec.RequestedDrawAmount, rec.DrawAmountPaid, eligibilityJSON,
			rec.ScheduledPayDate, rec.SubmittedAt, rec.ApprovedAt, rec.PaidAt,
			string(w.Expected.Status()), w.Expected.ApprovalStage(),
		).Scan(&rec.UpdatedAt)
		if err == pgx.ErrNoRows {
			return ErrStaleState
		}
		if err != nil {
			return err
		}

		if w.DenyJob != nil {
			_, err := tx.Exec(ctx, `
				INSERT INTO denied_job_numbers (job_id, commission_id, denied_by, reason)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (job_id) DO NOTHING
			`, w.DenyJob.JobID, w.DenyJob.CommissionID, w.DenyJob.DeniedBy, w.DenyJob.Reason)
			if err != nil {
				return err
			}
		}

		return appendStatusLog(ctx, tx, w.Entry)
	})
	if err == ErrStaleState {
		return ErrStaleState
	}
	if err != nil {
		return storeError(err, "failed to apply commission transition")
	}
	return nil
}

// IsJobDenied reports whether a job id is on the permanent deny list.
func (r *CommissionRepository) IsJobDenied(ctx context.Context, jobID string) (bool, error) {
	var denied bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM denied_job_numbers WHERE job_id = $1)`, jobID,
	).Scan(&denied)
	if err != nil {
		return false, storeError(err, "failed to check denied job list")
	}
	return denied, nil
}

// History returns the status log for a commission, oldest first.
func (r *CommissionRepository) History(ctx context.Context, commissionID string) ([]*StatusLogEntry, error) {
	query := `
		SELECT id, commission_id, action, from_status, from_stage, to_status, to_stage,
		       actor_id, actor_role, notes, metadata, created_at
		FROM commission_status_log
		WHERE commission_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, commissionID)
	if err != nil {
		return nil, storeError(err, "failed to get status log")
	}
	defer rows.Close()

	entries := make([]*StatusLogEntry, 0)
	for rows.Next() {
		entry := &StatusLogEntry{}
		var metadataJSON []byte
		err := rows.Scan(
			&entry.ID,
			&entry.CommissionID,
			&entry.Action,
			&entry.FromStatus,
			&entry.FromStage,
			&entry.ToStatus,
			&entry.ToStage,
			&entry.ActorID,
			&entry.ActorRole,
			&entry.Notes,
			&metadataJSON,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, storeError(err, "failed to scan status log entry")
		}
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal status log metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Delete removes a commission. The status log and deny list are kept.
func (r *CommissionRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM commissions WHERE id = $1`, id)
	if err != nil {
		return storeError(err, "failed to delete commission")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("commission", id)
	}
	return nil
}

// Ping checks store connectivity.
func (r *CommissionRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// appendStatusLog inserts one audit entry. The table has no update or
// delete path.
func appendStatusLog(ctx context.Context, tx pgx.Tx, entry *StatusLogEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal status log metadata")
		}
	}

	query := `
		INSERT INTO commission_status_log
		    (commission_id, action, from_status, from_stage, to_status, to_stage,
		     actor_id, actor_role, notes, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	return tx.QueryRow(ctx, query,
		entry.CommissionID,
		entry.Action,
		entry.FromStatus,
		entry.FromStage,
		entry.ToStatus,
		entry.ToStage,
		entry.ActorID,
		entry.ActorRole,
		entry.Notes,
		metadataJSON,
	).Scan(&entry.ID, &entry.CreatedAt)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommission(row rowScanner) (*CommissionRecord, error) {
	rec := &CommissionRecord{}
	var (
		status                               string
		approvalStage                        *string
		eligibilityJSON, notesJSON, snapJSON []byte
		payDate                              *time.Time
	)
	err := row.Scan(
		&rec.ID,
		&rec.SubmissionKind,
		&rec.SubmittedBy,
		&rec.IsManagerSubmission,
		&rec.IsDraw,
		&rec.DrawClosedOut,
		&rec.AcculynxJobID,
		&rec.CustomerName,
		&rec.JobAddress,
		&rec.Inputs.ContractAmount,
		&rec.Inputs.SupplementsApproved,
		&rec.Inputs.CommissionPercentage,
		&rec.Inputs.IsFlatFee,
		&rec.Inputs.FlatFeeAmount,
		&rec.Inputs.AdvancesPaid,
		&rec.Inputs.OverridePercentage,
		&rec.Derived.TotalRevenue,
		&rec.Derived.GrossCommission,
		&rec.Derived.NetCommissionOwed,
		&rec.Derived.OverrideAmount,
		&rec.RequestedDrawAmount,
		&rec.DrawAmountPaid,
		&eligibilityJSON,
		&status,
		&approvalStage,
		&rec.WasRejected,
		&rec.RejectionReason,
		&notesJSON,
		&snapJSON,
		&payDate,
		&rec.SubmittedAt,
		&rec.ApprovedAt,
		&rec.PaidAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.State, err = workflow.ParseState(status, approvalStage)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "corrupt commission state")
	}
	rec.ScheduledPayDate = payDate

	if len(eligibilityJSON) > 0 {
		if err := json.Unmarshal(eligibilityJSON, &rec.Eligibility); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal eligibility")
		}
	}
	if len(notesJSON) > 0 {
		if err := json.Unmarshal(notesJSON, &rec.ReviewerNotes); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal reviewer notes")
		}
	}
	if len(snapJSON) > 0 {
		rec.PreviousSubmission = &SubmissionSnapshot{}
		if err := json.Unmarshal(snapJSON, rec.PreviousSubmission); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal submission snapshot")
		}
	}
	return rec, nil
}

func marshalCommissionJSON(rec *CommissionRecord) (eligibilityJSON, notesJSON, snapshotJSON []byte, err error) {
	eligibilityJSON, err = json.Marshal(rec.Eligibility)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal eligibility")
	}
	notes := rec.ReviewerNotes
	if notes == nil {
		notes = []ReviewerNote{}
	}
	notesJSON, err = json.Marshal(notes)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal reviewer notes")
	}
	if rec.PreviousSubmission != nil {
		snapshotJSON, err = json.Marshal(rec.PreviousSubmission)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal submission snapshot")
		}
	}
	return eligibilityJSON, notesJSON, snapshotJSON, nil
}

// storeError classifies a database error: connection-level failures are
// retryable UNAVAILABLE, app errors pass through, everything else is
// INTERNAL.
func storeError(err error, message string) error {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if database.IsTransient(err) {
		return errors.Unavailable(err, message)
	}
	return errors.Wrap(err, errors.ErrCodeInternal, message)
}
