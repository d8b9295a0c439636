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

type ApprovalStore struct {
	base
}

const approvalColumns = `
	id, escrow_id, approver_role, subject_type, subject_id, deadline,
	decision, decided_at, decided_by, created_at`

func (s *ApprovalStore) Create(ctx context.Context, r *models.ApprovalRequest) error {
	_, err := s.execer(ctx).ExecContext(ctx, `INSERT INTO approval_requests (`+approvalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.EscrowID, string(r.ApproverRole), string(r.SubjectType), r.SubjectID, r.Deadline,
		string(r.Decision), r.DecidedAt, r.DecidedBy, r.CreatedAt,
	)
	if platformpg.IsUniqueViolation(err) {
		return fmt.Errorf("approval %s: %w", r.ID, sentinel.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *ApprovalStore) FindByID(ctx context.Context, approvalID id.ApprovalID) (*models.ApprovalRequest, error) {
	r, err := scanApproval(s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, approvalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find approval: %w", err)
	}
	return r, nil
}

func (s *ApprovalStore) ListBySubject(ctx context.Context, subjectType models.SubjectType, subjectID string) ([]*models.ApprovalRequest, error) {
	return s.list(ctx, `SELECT `+approvalColumns+` FROM approval_requests
		WHERE subject_type = $1 AND subject_id = $2 ORDER BY seq`, string(subjectType), subjectID)
}

func (s *ApprovalStore) ListByEscrow(ctx context.Context, escrowID id.EscrowID) ([]*models.ApprovalRequest, error) {
	return s.list(ctx, `SELECT `+approvalColumns+` FROM approval_requests
		WHERE escrow_id = $1 ORDER BY seq`, escrowID)
}

// ListOverdue returns PENDING requests past their deadline, oldest deadline first.
func (s *ApprovalStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.ApprovalRequest, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.list(ctx, `SELECT `+approvalColumns+` FROM approval_requests
		WHERE decision = 'PENDING' AND deadline < $1
		ORDER BY deadline, seq
		LIMIT $2`, now, limit)
}

// UpdateDecision writes a decision only while the stored row is still
// PENDING. A lost race surfaces as sentinel.ErrConflict.
func (s *ApprovalStore) UpdateDecision(ctx context.Context, r *models.ApprovalRequest) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE approval_requests SET decision = $2, decided_at = $3, decided_by = $4
		WHERE id = $1 AND decision = 'PENDING'`,
		r.ID, string(r.Decision), r.DecidedAt, r.DecidedBy,
	)
	if err != nil {
		return fmt.Errorf("update approval decision: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.FindByID(ctx, r.ID); err != nil {
		return err
	}
	return fmt.Errorf("approval %s already decided: %w", r.ID, sentinel.ErrConflict)
}

func (s *ApprovalStore) list(ctx context.Context, query string, args ...any) ([]*models.ApprovalRequest, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	out, err := collect(rows, scanApproval)
	if err != nil {
		return nil, fmt.Errorf("scan approvals: %w", err)
	}
	return out, nil
}

func scanApproval(row rowScanner) (*models.ApprovalRequest, error) {
	var (
		r                       models.ApprovalRequest
		role, subject, decision string
		decidedAt               sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.EscrowID, &role, &subject, &r.SubjectID, &r.Deadline,
		&decision, &decidedAt, &r.DecidedBy, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ApproverRole = models.Role(role)
	r.SubjectType = models.SubjectType(subject)
	r.Decision = models.Decision(decision)
	r.DecidedAt = timePtr(decidedAt)
	r.Deadline = r.Deadline.UTC()
	return &r, nil
}
