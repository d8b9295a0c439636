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

type ProposalStore struct {
	base
}

const proposalColumns = `
	id, escrow_id, type, amount, reason, proposed_by, status,
	transaction_id, replaces_id, created_at, updated_at`

func (s *ProposalStore) Create(ctx context.Context, p *models.TransactionProposal) error {
	_, err := s.execer(ctx).ExecContext(ctx, `INSERT INTO transaction_proposals (`+proposalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.EscrowID, string(p.Type), p.Amount, p.Reason, p.ProposedBy, string(p.Status),
		p.TransactionID, p.ReplacesID, p.CreatedAt, p.UpdatedAt,
	)
	if platformpg.IsUniqueViolation(err) {
		return fmt.Errorf("proposal %s: %w", p.ID, sentinel.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (s *ProposalStore) FindByID(ctx context.Context, proposalID id.ProposalID) (*models.TransactionProposal, error) {
	p, err := scanProposal(s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM transaction_proposals WHERE id = $1`, proposalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find proposal: %w", err)
	}
	return p, nil
}

func (s *ProposalStore) ListByEscrow(ctx context.Context, escrowID id.EscrowID) ([]*models.TransactionProposal, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `SELECT `+proposalColumns+`
		FROM transaction_proposals WHERE escrow_id = $1 ORDER BY seq`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	out, err := collect(rows, scanProposal)
	if err != nil {
		return nil, fmt.Errorf("scan proposals: %w", err)
	}
	return out, nil
}

func (s *ProposalStore) Update(ctx context.Context, p *models.TransactionProposal) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE transaction_proposals SET status = $2, transaction_id = $3, updated_at = $4
		WHERE id = $1`,
		p.ID, string(p.Status), p.TransactionID, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func scanProposal(row rowScanner) (*models.TransactionProposal, error) {
	var (
		p              models.TransactionProposal
		txType, status string
	)
	err := row.Scan(
		&p.ID, &p.EscrowID, &txType, &p.Amount, &p.Reason, &p.ProposedBy, &status,
		&p.TransactionID, &p.ReplacesID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Type = models.TransactionType(txType)
	p.Status = models.ProposalStatus(status)
	return &p, nil
}
