package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"nest/internal/escrow/models"
	platformpg "nest/internal/platform/postgres"
	id "nest/pkg/domain"
	"nest/pkg/platform/sentinel"
)

// EscrowStore persists escrow accounts. Accounts are never deleted.
type EscrowStore struct {
	base
}

const escrowColumns = `
	id, landlord_id, tenant_id, deposit_amount, first_month_amount, utilities_amount,
	total_amount, status, pre_dispute_status, integrity_hold, dispute_resolved_at,
	landlord_payout_cipher, landlord_payout_hash, tenant_payout_cipher, tenant_payout_hash,
	created_at, updated_at`

func (s *EscrowStore) Create(ctx context.Context, a *models.EscrowAccount) error {
	query := `INSERT INTO escrow_accounts (` + escrowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		a.ID, a.LandlordID, a.TenantID, a.DepositAmount, a.FirstMonthAmount, a.UtilitiesAmount,
		a.TotalAmount, string(a.Status), string(a.PreDisputeStatus), a.IntegrityHold, a.DisputeResolvedAt,
		a.LandlordPayout.Ciphertext, a.LandlordPayout.Hash, a.TenantPayout.Ciphertext, a.TenantPayout.Hash,
		a.CreatedAt, a.UpdatedAt,
	)
	if platformpg.IsUniqueViolation(err) {
		return fmt.Errorf("escrow %s: %w", a.ID, sentinel.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (s *EscrowStore) FindByID(ctx context.Context, escrowID id.EscrowID) (*models.EscrowAccount, error) {
	return s.find(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE id = $1`, escrowID)
}

// FindForUpdate reads the account with a row lock held until the surrounding
// transaction ends.
func (s *EscrowStore) FindForUpdate(ctx context.Context, escrowID id.EscrowID) (*models.EscrowAccount, error) {
	return s.find(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE id = $1 FOR UPDATE`, escrowID)
}

func (s *EscrowStore) find(ctx context.Context, query string, escrowID id.EscrowID) (*models.EscrowAccount, error) {
	a, err := scanEscrow(s.execer(ctx).QueryRowContext(ctx, query, escrowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find escrow: %w", err)
	}
	return a, nil
}

func (s *EscrowStore) Update(ctx context.Context, a *models.EscrowAccount) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE escrow_accounts SET
			status = $2,
			pre_dispute_status = $3,
			integrity_hold = $4,
			dispute_resolved_at = $5,
			landlord_payout_cipher = $6,
			landlord_payout_hash = $7,
			tenant_payout_cipher = $8,
			tenant_payout_hash = $9,
			updated_at = $10
		WHERE id = $1`,
		a.ID, string(a.Status), string(a.PreDisputeStatus), a.IntegrityHold, a.DisputeResolvedAt,
		a.LandlordPayout.Ciphertext, a.LandlordPayout.Hash, a.TenantPayout.Ciphertext, a.TenantPayout.Hash,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *EscrowStore) FindByPayoutHash(ctx context.Context, hash string) ([]*models.EscrowAccount, error) {
	if hash == "" {
		return nil, nil
	}
	rows, err := s.execer(ctx).QueryContext(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts
		WHERE landlord_payout_hash = $1 OR tenant_payout_hash = $1
		ORDER BY created_at`, hash)
	if err != nil {
		return nil, fmt.Errorf("search escrows by payout hash: %w", err)
	}
	out, err := collect(rows, scanEscrow)
	if err != nil {
		return nil, fmt.Errorf("scan escrows: %w", err)
	}
	return out, nil
}

func scanEscrow(row rowScanner) (*models.EscrowAccount, error) {
	var (
		a                 models.EscrowAccount
		status, preStatus string
		resolvedAt        sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.LandlordID, &a.TenantID, &a.DepositAmount, &a.FirstMonthAmount, &a.UtilitiesAmount,
		&a.TotalAmount, &status, &preStatus, &a.IntegrityHold, &resolvedAt,
		&a.LandlordPayout.Ciphertext, &a.LandlordPayout.Hash, &a.TenantPayout.Ciphertext, &a.TenantPayout.Hash,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = models.EscrowStatus(status)
	a.PreDisputeStatus = models.EscrowStatus(preStatus)
	a.DisputeResolvedAt = timePtr(resolvedAt)
	return &a, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
