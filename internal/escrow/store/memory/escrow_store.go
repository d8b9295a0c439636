// Package memory holds in-process escrow stores for tests and single-node runs.
// Every write registers an undo step with the surrounding memory transaction so
// a failed operation leaves no trace.
package memory

import (
	"context"
	"fmt"
	"sync"

	"nest/internal/escrow/models"
	id "nest/pkg/domain"
	"nest/pkg/platform/sentinel"
	"nest/pkg/platform/tx"
)

// EscrowStore keeps escrow accounts keyed by id.
type EscrowStore struct {
	mu       sync.RWMutex
	accounts map[id.EscrowID]*models.EscrowAccount
}

func NewEscrowStore() *EscrowStore {
	return &EscrowStore{accounts: make(map[id.EscrowID]*models.EscrowAccount)}
}

func (s *EscrowStore) Create(ctx context.Context, account *models.EscrowAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.ID]; exists {
		return fmt.Errorf("escrow %s: %w", account.ID, sentinel.ErrConflict)
	}
	s.accounts[account.ID] = account.Clone()
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.accounts, account.ID)
	})
	return nil
}

func (s *EscrowStore) FindByID(_ context.Context, escrowID id.EscrowID) (*models.EscrowAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[escrowID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return a.Clone(), nil
}

// FindForUpdate is FindByID; callers already hold the account lock.
func (s *EscrowStore) FindForUpdate(ctx context.Context, escrowID id.EscrowID) (*models.EscrowAccount, error) {
	return s.FindByID(ctx, escrowID)
}

func (s *EscrowStore) Update(ctx context.Context, account *models.EscrowAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.accounts[account.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	s.accounts[account.ID] = account.Clone()
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.accounts[account.ID] = prev
	})
	return nil
}

func (s *EscrowStore) FindByPayoutHash(_ context.Context, hash string) ([]*models.EscrowAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.EscrowAccount
	for _, a := range s.accounts {
		if hash != "" && (a.LandlordPayout.Hash == hash || a.TenantPayout.Hash == hash) {
			out = append(out, a.Clone())
		}
	}
	sortAccounts(out)
	return out, nil
}
