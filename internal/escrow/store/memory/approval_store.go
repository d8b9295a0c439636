package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"nest/internal/escrow/models"
	id "nest/pkg/domain"
	"nest/pkg/platform/sentinel"
	"nest/pkg/platform/tx"
)

// ApprovalStore keeps approval requests in creation order.
type ApprovalStore struct {
	mu       sync.RWMutex
	requests map[id.ApprovalID]*models.ApprovalRequest
	order    []id.ApprovalID
}

func NewApprovalStore() *ApprovalStore {
	return &ApprovalStore{requests: make(map[id.ApprovalID]*models.ApprovalRequest)}
}

func (s *ApprovalStore) Create(ctx context.Context, req *models.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("approval %s: %w", req.ID, sentinel.ErrConflict)
	}
	s.requests[req.ID] = req.Clone()
	s.order = append(s.order, req.ID)
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.requests, req.ID)
		s.order = removeID(s.order, req.ID)
	})
	return nil
}

func (s *ApprovalStore) FindByID(_ context.Context, approvalID id.ApprovalID) (*models.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[approvalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *ApprovalStore) ListBySubject(_ context.Context, subjectType models.SubjectType, subjectID string) ([]*models.ApprovalRequest, error) {
	return s.filter(func(r *models.ApprovalRequest) bool {
		return r.SubjectType == subjectType && r.SubjectID == subjectID
	}), nil
}

func (s *ApprovalStore) ListByEscrow(_ context.Context, escrowID id.EscrowID) ([]*models.ApprovalRequest, error) {
	return s.filter(func(r *models.ApprovalRequest) bool { return r.EscrowID == escrowID }), nil
}

// ListOverdue returns PENDING requests past their deadline, oldest deadline first.
func (s *ApprovalStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]*models.ApprovalRequest, error) {
	out := s.filter(func(r *models.ApprovalRequest) bool { return r.IsOverdue(now) })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateDecision writes a decision only while the stored request is still
// PENDING; otherwise it returns sentinel.ErrConflict and changes nothing.
func (s *ApprovalStore) UpdateDecision(ctx context.Context, req *models.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.requests[req.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if !prev.IsPending() {
		return fmt.Errorf("approval %s already %s: %w", req.ID, prev.Decision, sentinel.ErrConflict)
	}
	s.requests[req.ID] = req.Clone()
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.requests[req.ID] = prev
	})
	return nil
}

func (s *ApprovalStore) filter(keep func(*models.ApprovalRequest) bool) []*models.ApprovalRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ApprovalRequest
	for _, approvalID := range s.order {
		if r := s.requests[approvalID]; keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}
