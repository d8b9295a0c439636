package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"nest/internal/escrow/models"
	platformpg "nest/internal/platform/postgres"
	id "nest/pkg/domain"
	"nest/pkg/platform/sentinel"
)

type RuleStore struct {
	base
}

const ruleColumns = `
	id, escrow_id, trigger_type, amount, beneficiary, status, due_date,
	transaction_id, replaces_rule_id, void_reason, created_at, updated_at`

func (s *RuleStore) Create(ctx context.Context, r *models.ReleaseRule) error {
	_, err := s.execer(ctx).ExecContext(ctx, `INSERT INTO release_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.EscrowID, string(r.TriggerType), r.Amount, string(r.Beneficiary), string(r.Status), r.DueDate,
		r.TransactionID, r.ReplacesRuleID, r.VoidReason, r.CreatedAt, r.UpdatedAt,
	)
	if platformpg.IsUniqueViolation(err) {
		return fmt.Errorf("rule %s: %w", r.ID, sentinel.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (s *RuleStore) FindByID(ctx context.Context, ruleID id.RuleID) (*models.ReleaseRule, error) {
	r, err := scanRule(s.execer(ctx).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM release_rules WHERE id = $1`, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find rule: %w", err)
	}
	return r, nil
}

func (s *RuleStore) ListByEscrow(ctx context.Context, escrowID id.EscrowID) ([]*models.ReleaseRule, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `SELECT `+ruleColumns+`
		FROM release_rules WHERE escrow_id = $1 ORDER BY seq`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	out, err := collect(rows, scanRule)
	if err != nil {
		return nil, fmt.Errorf("scan rules: %w", err)
	}
	return out, nil
}

// Update writes status, execution and void fields. The trigger, amount and
// beneficiary are fixed at creation.
func (s *RuleStore) Update(ctx context.Context, r *models.ReleaseRule) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE release_rules SET
			status = $2,
			transaction_id = $3,
			void_reason = $4,
			updated_at = $5
		WHERE id = $1`,
		r.ID, string(r.Status), r.TransactionID, r.VoidReason, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func scanRule(row rowScanner) (*models.ReleaseRule, error) {
	var (
		r                          models.ReleaseRule
		trigger, benefited, status string
		due                        sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.EscrowID, &trigger, &r.Amount, &benefited, &status, &due,
		&r.TransactionID, &r.ReplacesRuleID, &r.VoidReason, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.TriggerType = models.TriggerType(trigger)
	r.Beneficiary = models.Beneficiary(benefited)
	r.Status = models.RuleStatus(status)
	r.DueDate = timePtr(due)
	return &r, nil
}
