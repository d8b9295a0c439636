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

// RuleStore keeps release rules in creation order.
type RuleStore struct {
	mu    sync.RWMutex
	rules map[id.RuleID]*models.ReleaseRule
	order []id.RuleID
}

func NewRuleStore() *RuleStore {
	return &RuleStore{rules: make(map[id.RuleID]*models.ReleaseRule)}
}

func (s *RuleStore) Create(ctx context.Context, rule *models.ReleaseRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule %s: %w", rule.ID, sentinel.ErrConflict)
	}
	s.rules[rule.ID] = rule.Clone()
	s.order = append(s.order, rule.ID)
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.rules, rule.ID)
		s.order = removeID(s.order, rule.ID)
	})
	return nil
}

func (s *RuleStore) FindByID(_ context.Context, ruleID id.RuleID) (*models.ReleaseRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *RuleStore) ListByEscrow(_ context.Context, escrowID id.EscrowID) ([]*models.ReleaseRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ReleaseRule
	for _, ruleID := range s.order {
		if r := s.rules[ruleID]; r.EscrowID == escrowID {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (s *RuleStore) Update(ctx context.Context, rule *models.ReleaseRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.rules[rule.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	s.rules[rule.ID] = rule.Clone()
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.rules[rule.ID] = prev
	})
	return nil
}
