package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"nest/internal/escrow/models"
	id "nest/pkg/domain"
	"nest/pkg/platform/sentinel"
	"nest/pkg/platform/tx"
)

// TransactionStore is the append-only ledger. Totals are summed from the rows
// on every call.
type TransactionStore struct {
	mu   sync.RWMutex
	rows map[id.EscrowID][]*models.Transaction
	ids  map[id.TransactionID]struct{}
}

func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		rows: make(map[id.EscrowID][]*models.Transaction),
		ids:  make(map[id.TransactionID]struct{}),
	}
}

func (s *TransactionStore) Append(ctx context.Context, txn *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ids[txn.ID]; exists {
		return fmt.Errorf("transaction %s: %w", txn.ID, sentinel.ErrConflict)
	}
	c := *txn
	s.rows[txn.EscrowID] = append(s.rows[txn.EscrowID], &c)
	s.ids[txn.ID] = struct{}{}
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		rows := s.rows[txn.EscrowID]
		for i := len(rows) - 1; i >= 0; i-- {
			if rows[i].ID == txn.ID {
				s.rows[txn.EscrowID] = append(rows[:i:i], rows[i+1:]...)
				break
			}
		}
		delete(s.ids, txn.ID)
	})
	return nil
}

func (s *TransactionStore) ListByEscrow(_ context.Context, escrowID id.EscrowID) ([]*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.rows[escrowID]
	out := make([]*models.Transaction, 0, len(rows))
	for _, r := range rows {
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

func (s *TransactionStore) Totals(_ context.Context, escrowID id.EscrowID) (models.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var t models.Totals
	for _, r := range s.rows[escrowID] {
		switch r.Type {
		case models.TransactionFund:
			t.Funded += r.Amount
		case models.TransactionRelease:
			t.Released += r.Amount
		case models.TransactionRefund:
			t.Refunded += r.Amount
		case models.TransactionAdjustment:
			t.Adjusted += r.Amount
		}
	}
	return t, nil
}

func removeID[T comparable](ids []T, target T) []T {
	for i, v := range ids {
		if v == target {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

func sortAccounts(accounts []*models.EscrowAccount) {
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
}
