package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-po-approvals/internal/database"
	"github.com/pesio-ai/be-po-approvals/internal/errors"
)

// ApprovalRulesRepository handles CRUD for po_approval_rules.
type ApprovalRulesRepository struct {
	db *database.DB
}

// NewApprovalRulesRepository creates a new ApprovalRulesRepository.
func NewApprovalRulesRepository(db *database.DB) *ApprovalRulesRepository {
	return &ApprovalRulesRepository{db: db}
}

const ruleColumns = `
		id, rule_name, min_amount, max_amount, levels,
		auto_approve_below, is_active, created_at, updated_at`

// CreateRule inserts a new approval rule.
func (r *ApprovalRulesRepository) CreateRule(ctx context.Context, rule *ApprovalRule) error {
	return r.insert(ctx, r.db, rule)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *ApprovalRulesRepository) insert(ctx context.Context, q queryRower, rule *ApprovalRule) error {
	levelsJSON, err := json.Marshal(rule.Levels)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval levels")
	}

	query := `
		INSERT INTO po_approval_rules
		    (rule_name, min_amount, max_amount, levels,
		     auto_approve_below, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	err = q.QueryRow(ctx, query,
		rule.Name,
		rule.MinAmount,
		rule.MaxAmount,
		levelsJSON,
		rule.AutoApproveBelow,
		rule.IsActive,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval rule")
	}
	return nil
}

// GetRule retrieves a rule by primary key.
func (r *ApprovalRulesRepository) GetRule(ctx context.Context, id string) (*ApprovalRule, error) {
	query := `SELECT` + ruleColumns + `
		FROM po_approval_rules
		WHERE id = $1
	`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id))
	if isNotFound(err) {
		return nil, errors.NotFound("approval_rule", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval rule")
	}
	return rule, nil
}

// ListRules returns all rules, optionally only active ones, ordered by
// band start then creation time.
func (r *ApprovalRulesRepository) ListRules(ctx context.Context, activeOnly bool) ([]*ApprovalRule, error) {
	query := `SELECT` + ruleColumns + `
		FROM po_approval_rules
	`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY min_amount ASC, created_at ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*ApprovalRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval rules")
	}
	return rules, nil
}

// ActiveRules returns every active rule. Band matching happens in the
// resolver to keep SQL simple.
func (r *ApprovalRulesRepository) ActiveRules(ctx context.Context) ([]*ApprovalRule, error) {
	return r.ListRules(ctx, true)
}

// UpdateRule persists changes to an existing rule. Materialized chains keep
// their own snapshot of the levels and are unaffected.
func (r *ApprovalRulesRepository) UpdateRule(ctx context.Context, rule *ApprovalRule) error {
	levelsJSON, err := json.Marshal(rule.Levels)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval levels")
	}

	query := `
		UPDATE po_approval_rules
		SET rule_name          = $2,
		    min_amount         = $3,
		    max_amount         = $4,
		    levels             = $5,
		    auto_approve_below = $6,
		    is_active          = $7,
		    updated_at         = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		rule.ID,
		rule.Name,
		rule.MinAmount,
		rule.MaxAmount,
		levelsJSON,
		rule.AutoApproveBelow,
		rule.IsActive,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)

	if isNotFound(err) {
		return errors.NotFound("approval_rule", rule.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval rule")
	}
	return nil
}

// DeleteRule removes an approval rule.
func (r *ApprovalRulesRepository) DeleteRule(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM po_approval_rules WHERE id = $1`, id)
	if isNotFound(err) {
		return errors.NotFound("approval_rule", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval rule")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_rule", id)
	}
	return nil
}

// SeedRules inserts rules only when the table is empty. The emptiness check
// and inserts share one transaction guarded by a table lock so concurrent
// replicas seed at most once. Reports whether anything was inserted.
func (r *ApprovalRulesRepository) SeedRules(ctx context.Context, rules []*ApprovalRule) (bool, error) {
	seeded := false
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE po_approval_rules IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock approval rules")
		}
		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM po_approval_rules`).Scan(&count); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to count approval rules")
		}
		if count > 0 {
			return nil
		}
		for _, rule := range rules {
			if err := r.insert(ctx, tx, rule); err != nil {
				return err
			}
		}
		seeded = true
		return nil
	})
	return seeded, err
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRulesRepository) scanRule(row rowScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	var levelsJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.MinAmount,
		&rule.MaxAmount,
		&levelsJSON,
		&rule.AutoApproveBelow,
		&rule.IsActive,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(levelsJSON, &rule.Levels); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approval levels")
	}
	return rule, nil
}
