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

// ProposalStore keeps transaction proposals in creation order.
type ProposalStore struct {
	mu        sync.RWMutex
	proposals map[id.ProposalID]*models.TransactionProposal
	order     []id.ProposalID
}

func NewProposalStore() *ProposalStore {
	return &ProposalStore{proposals: make(map[id.ProposalID]*models.TransactionProposal)}
}

func (s *ProposalStore) Create(ctx context.Context, p *models.TransactionProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.proposals[p.ID]; exists {
		return fmt.Errorf("proposal %s: %w", p.ID, sentinel.ErrConflict)
	}
	s.proposals[p.ID] = p.Clone()
	s.order = append(s.order, p.ID)
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.proposals, p.ID)
		s.order = removeID(s.order, p.ID)
	})
	return nil
}

func (s *ProposalStore) FindByID(_ context.Context, proposalID id.ProposalID) (*models.TransactionProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[proposalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *ProposalStore) ListByEscrow(_ context.Context, escrowID id.EscrowID) ([]*models.TransactionProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.TransactionProposal
	for _, proposalID := range s.order {
		if p := s.proposals[proposalID]; p.EscrowID == escrowID {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *ProposalStore) Update(ctx context.Context, p *models.TransactionProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.proposals[p.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	s.proposals[p.ID] = p.Clone()
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.proposals[p.ID] = prev
	})
	return nil
}
