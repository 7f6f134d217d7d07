package repository

import (
	"context"

	"github.com/pesio-ai/be-po-approvals/internal/database"
	"github.com/pesio-ai/be-po-approvals/internal/errors"
)

// ApprovalRequestRepository handles po_approval_requests. The engine only
// reads the amount and writes the status; registration exists so the service
// can run on its own.
type ApprovalRequestRepository struct {
	db *database.DB
}

// NewApprovalRequestRepository creates a new ApprovalRequestRepository.
func NewApprovalRequestRepository(db *database.DB) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{db: db}
}

// CreateRequest registers a request with status none.
func (r *ApprovalRequestRepository) CreateRequest(ctx context.Context, req *ApprovalRequest) error {
	query := `
		INSERT INTO po_approval_requests (reference, amount, status, requested_by)
		VALUES ($1, $2, 'none', $3)
		RETURNING id, status, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		req.Reference,
		req.Amount,
		req.RequestedBy,
	).Scan(&req.ID, &req.Status, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// GetRequest retrieves a request by primary key.
func (r *ApprovalRequestRepository) GetRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `
		SELECT id, reference, amount, status, requested_by, created_at, updated_at
		FROM po_approval_requests
		WHERE id = $1
	`

	req := &ApprovalRequest{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&req.ID,
		&req.Reference,
		&req.Amount,
		&req.Status,
		&req.RequestedBy,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if isNotFound(err) {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	return req, nil
}

// SetRequestStatus moves a request from one status to another only when it is
// currently in from. Reports whether this call made the transition.
func (r *ApprovalRequestRepository) SetRequestStatus(ctx context.Context, id string, from, to RequestStatus) (bool, error) {
	query := `
		UPDATE po_approval_requests
		SET status     = $3::approval_request_status,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = $2::approval_request_status
	`

	tag, err := r.db.Exec(ctx, query, id, string(from), string(to))
	if isNotFound(err) {
		return false, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request status")
	}
	return tag.RowsAffected() == 1, nil
}
