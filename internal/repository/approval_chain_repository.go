package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-po-approvals/internal/database"
	"github.com/pesio-ai/be-po-approvals/internal/errors"
)

// ApprovalChainRepository manages the per-level approval records of requests.
// Chain creation and the request's move to pending_approval always happen in
// a single transaction.
type ApprovalChainRepository struct {
	db *database.DB
}

// NewApprovalChainRepository creates a new ApprovalChainRepository.
func NewApprovalChainRepository(db *database.DB) *ApprovalChainRepository {
	return &ApprovalChainRepository{db: db}
}

const recordColumns = `
		id, request_id, level, approver_role, approver_user,
		status, acted_by, comments, decided_at, created_at`

// CreateChain moves the request from none to pending_approval and inserts all
// records in one transaction. If the request is not in none, nothing is
// written and ErrAlreadyInitiated is returned.
func (r *ApprovalChainRepository) CreateChain(ctx context.Context, requestID string, records []*ApprovalRecord) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var status RequestStatus
		err := tx.QueryRow(ctx, `
			SELECT status FROM po_approval_requests
			WHERE id = $1
			FOR UPDATE
		`, requestID).Scan(&status)
		if isNotFound(err) {
			return errors.NotFound("approval_request", requestID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock approval request")
		}
		if status != RequestStatusNone {
			return errors.ErrAlreadyInitiated
		}

		if _, err := tx.Exec(ctx, `
			UPDATE po_approval_requests
			SET status     = 'pending_approval'::approval_request_status,
			    updated_at = NOW()
			WHERE id = $1
		`, requestID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark request pending approval")
		}

		insert := `
			INSERT INTO po_approval_records
			    (request_id, level, approver_role, approver_user, status)
			VALUES ($1, $2, $3, $4, 'pending'::approval_record_status)
			RETURNING id, status, created_at
		`
		for _, rec := range records {
			rec.RequestID = requestID
			err := tx.QueryRow(ctx, insert,
				requestID,
				rec.Level,
				nullIfEmpty(rec.Approver.Role),
				nullIfEmpty(rec.Approver.UserID),
			).Scan(&rec.ID, &rec.Status, &rec.CreatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval record")
			}
		}
		return nil
	})
}

// ListRecords returns all records of a request ordered by level.
func (r *ApprovalChainRepository) ListRecords(ctx context.Context, requestID string) ([]*ApprovalRecord, error) {
	query := `SELECT` + recordColumns + `
		FROM po_approval_records
		WHERE request_id = $1
		ORDER BY level ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval records")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListPendingRecords returns the pending records of every request that is
// still pending_approval, ordered by request then level.
func (r *ApprovalChainRepository) ListPendingRecords(ctx context.Context) ([]*ApprovalRecord, error) {
	query := `
		SELECT c.id, c.request_id, c.level, c.approver_role, c.approver_user,
		       c.status, c.acted_by, c.comments, c.decided_at, c.created_at
		FROM po_approval_records c
		JOIN po_approval_requests q ON q.id = c.request_id
		WHERE c.status = 'pending'
		  AND q.status = 'pending_approval'
		ORDER BY q.created_at ASC, c.request_id, c.level ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approval records")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// DecideRecord transitions a record from pending to d.Status. The status
// check and the write are one statement, so among concurrent callers at most
// one observes true.
func (r *ApprovalChainRepository) DecideRecord(ctx context.Context, recordID string, d RecordDecision) (bool, error) {
	query := `
		UPDATE po_approval_records
		SET status     = $2::approval_record_status,
		    acted_by   = $3,
		    comments   = $4,
		    decided_at = $5
		WHERE id = $1
		  AND status = 'pending'
	`

	tag, err := r.db.Exec(ctx, query,
		recordID,
		string(d.Status),
		d.ActedBy,
		nullIfEmpty(d.Comments),
		d.DecidedAt,
	)
	if isNotFound(err) {
		return false, errors.NotFound("approval_record", recordID)
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to record approval decision")
	}
	return tag.RowsAffected() == 1, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalChainRepository) scanRows(rows pgx.Rows) ([]*ApprovalRecord, error) {
	var records []*ApprovalRecord
	for rows.Next() {
		rec := &ApprovalRecord{}
		var role, user *string
		err := rows.Scan(
			&rec.ID,
			&rec.RequestID,
			&rec.Level,
			&role,
			&user,
			&rec.Status,
			&rec.ActedBy,
			&rec.Comments,
			&rec.DecidedAt,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval record")
		}
		if role != nil {
			rec.Approver.Role = *role
		}
		if user != nil {
			rec.Approver.UserID = *user
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval records")
	}
	return records, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
