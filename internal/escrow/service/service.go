// Package service is the escrow state machine's entry point. Every mutator
// takes the per-account lock, checks capability, and runs its ledger, rule,
// approval, status and audit writes in one transaction. Refused attempts are
// audited in their own transaction after the rollback; domain events are
// published after commit.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nest/internal/escrow/events"
	"nest/internal/escrow/ledger"
	"nest/internal/escrow/lock"
	"nest/internal/escrow/models"
	"nest/internal/escrow/rules"
	"nest/internal/platform/metrics"
	"nest/internal/policy"
	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
	"nest/pkg/platform/audit"
	"nest/pkg/platform/privacy"
	"nest/pkg/platform/sentinel"
	"nest/pkg/platform/tx"
	"nest/pkg/requestcontext"
)

type EscrowStore interface {
	Create(ctx context.Context, account *models.EscrowAccount) error
	FindByID(ctx context.Context, escrowID id.EscrowID) (*models.EscrowAccount, error)
	FindForUpdate(ctx context.Context, escrowID id.EscrowID) (*models.EscrowAccount, error)
	Update(ctx context.Context, account *models.EscrowAccount) error
	FindByPayoutHash(ctx context.Context, hash string) ([]*models.EscrowAccount, error)
}

type RuleStore interface {
	Create(ctx context.Context, rule *models.ReleaseRule) error
	FindByID(ctx context.Context, ruleID id.RuleID) (*models.ReleaseRule, error)
	ListByEscrow(ctx context.Context, escrowID id.EscrowID) ([]*models.ReleaseRule, error)
	Update(ctx context.Context, rule *models.ReleaseRule) error
}

type ApprovalStore interface {
	Create(ctx context.Context, req *models.ApprovalRequest) error
	FindByID(ctx context.Context, approvalID id.ApprovalID) (*models.ApprovalRequest, error)
	ListBySubject(ctx context.Context, subjectType models.SubjectType, subjectID string) ([]*models.ApprovalRequest, error)
	ListByEscrow(ctx context.Context, escrowID id.EscrowID) ([]*models.ApprovalRequest, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.ApprovalRequest, error)
	UpdateDecision(ctx context.Context, req *models.ApprovalRequest) error
}

type ProposalStore interface {
	Create(ctx context.Context, p *models.TransactionProposal) error
	FindByID(ctx context.Context, proposalID id.ProposalID) (*models.TransactionProposal, error)
	ListByEscrow(ctx context.Context, escrowID id.EscrowID) ([]*models.TransactionProposal, error)
	Update(ctx context.Context, p *models.TransactionProposal) error
}

// AuditChain is the hash-linked audit log. Append joins the transaction in ctx.
type AuditChain interface {
	Append(ctx context.Context, rec audit.Record) (*audit.Entry, error)
	Verify(ctx context.Context, rng audit.Range) (*audit.VerifyReport, error)
	History(ctx context.Context, escrowID string) ([]*audit.Entry, error)
}

// Stores groups the persistence ports the service needs.
type Stores struct {
	Escrows      EscrowStore
	Rules        RuleStore
	Approvals    ApprovalStore
	Proposals    ProposalStore
	Transactions ledger.Store
}

// Service orchestrates the escrow lifecycle.
type Service struct {
	escrows   EscrowStore
	rules     RuleStore
	approvals ApprovalStore
	proposals ProposalStore
	ledger    *ledger.Ledger
	chain     AuditChain
	runner    tx.Runner
	locker    lock.Locker

	matrix            rules.Matrix
	proposalApprovers []models.Role
	window            time.Duration
	sweepBatch        int

	protector *privacy.Protector
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithLocker(l lock.Locker) Option {
	return func(s *Service) {
		s.locker = l
	}
}

// WithApproverMatrix overrides the required approvers per trigger type.
func WithApproverMatrix(m rules.Matrix) Option {
	return func(s *Service) {
		s.matrix = m
	}
}

// WithApprovalWindow sets how long approvers have to decide.
func WithApprovalWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

func WithSweepBatch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sweepBatch = n
		}
	}
}

// WithProtector enables encrypted payout accounts and search by account hash.
func WithProtector(p *privacy.Protector) Option {
	return func(s *Service) {
		s.protector = p
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// New constructs a Service. All stores, the audit chain and the runner are required.
func New(stores Stores, chain AuditChain, runner tx.Runner, opts ...Option) (*Service, error) {
	switch {
	case stores.Escrows == nil:
		return nil, errors.New("escrow store is required")
	case stores.Rules == nil:
		return nil, errors.New("rule store is required")
	case stores.Approvals == nil:
		return nil, errors.New("approval store is required")
	case stores.Proposals == nil:
		return nil, errors.New("proposal store is required")
	case stores.Transactions == nil:
		return nil, errors.New("transaction store is required")
	case chain == nil:
		return nil, errors.New("audit chain is required")
	case runner == nil:
		return nil, errors.New("transaction runner is required")
	}
	s := &Service{
		escrows:           stores.Escrows,
		rules:             stores.Rules,
		approvals:         stores.Approvals,
		proposals:         stores.Proposals,
		ledger:            ledger.New(stores.Transactions),
		chain:             chain,
		runner:            runner,
		locker:            lock.NewKeyedMutex(),
		matrix:            rules.DefaultMatrix(),
		proposalApprovers: []models.Role{models.RoleLandlord, models.RoleTenant},
		window:            7 * 24 * time.Hour,
		sweepBatch:        100,
		logger:            slog.Default(),
		tracer:            otel.Tracer("nest/escrow"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// work is the state of one mutation in flight.
type work struct {
	op       policy.Operation
	actor    models.Actor
	now      time.Time
	escrowID string
	entity   string
	entityID string
	events   []events.Event
	// kept is returned to the caller after the transaction commits.
	kept error
}

// emit queues an event for publication after commit.
func (w *work) emit(e events.Event) {
	w.events = append(w.events, e)
}

// keep commits what fn has written so far and still reports err to the
// caller. Used where a refusal leaves a record behind, such as a rule
// persisted as VOID.
func (w *work) keep(err error) error {
	w.kept = err
	return nil
}

// target names the entity an operation acts on, for audit and tracing.
type target struct {
	escrowID string
	entity   string
	entityID string
}

func escrowTarget(escrowID id.EscrowID) target {
	return target{escrowID: escrowID.String(), entity: "escrow", entityID: escrowID.String()}
}

// mutate runs fn under the account lock inside one transaction.
func (s *Service) mutate(ctx context.Context, op policy.Operation, t target, fn func(ctx context.Context, w *work) error) (err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "escrow."+string(op), trace.WithAttributes(
		attribute.String("escrow.id", t.escrowID),
		attribute.String("entity.type", t.entity),
		attribute.String("entity.id", t.entityID),
	))
	defer span.End()

	w := &work{
		op:       op,
		actor:    actorFrom(ctx),
		now:      requestcontext.Now(ctx).UTC(),
		escrowID: t.escrowID,
		entity:   t.entity,
		entityID: t.entityID,
	}
	ctx = requestcontext.WithTime(ctx, w.now)

	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if s.metrics != nil {
			s.metrics.IncOperation(string(op), outcome)
			s.metrics.ObserveOperation(string(op), start)
		}
	}()

	lockKey := t.escrowID
	if lockKey == "" {
		lockKey = t.entity + ":" + t.entityID
	}
	lockStart := time.Now()
	unlock, err := s.locker.Lock(ctx, lockKey)
	if s.metrics != nil {
		s.metrics.ObserveLockWait(lockStart)
	}
	if err != nil {
		s.auditFailure(ctx, w, err)
		return err
	}
	defer unlock()

	if err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		return fn(ctx, w)
	}); err != nil {
		s.auditFailure(ctx, w, err)
		return err
	}
	s.publish(ctx, w.events)
	if w.kept != nil {
		s.auditFailure(ctx, w, w.kept)
		return w.kept
	}
	return nil
}

// refuse audits an attempt turned away before any lock or transaction.
func (s *Service) refuse(ctx context.Context, op policy.Operation, t target, cause error) {
	w := &work{
		op:       op,
		actor:    actorFrom(ctx),
		now:      requestcontext.Now(ctx).UTC(),
		escrowID: t.escrowID,
		entity:   t.entity,
		entityID: t.entityID,
	}
	s.auditFailure(ctx, w, cause)
	if s.metrics != nil {
		s.metrics.IncOperation(string(op), "failure")
	}
}

// auditFailure records a refused or failed attempt in its own transaction.
func (s *Service) auditFailure(ctx context.Context, w *work, cause error) {
	code := dErrors.CodeOf(cause)
	_, err := s.chain.Append(ctx, audit.Record{
		Operation:  string(w.op),
		Outcome:    audit.OutcomeFailure,
		ErrorCode:  string(code),
		EntityType: w.entity,
		EntityID:   w.entityID,
		EscrowID:   w.escrowID,
		ActorID:    w.actor.ID,
		ActorRole:  string(w.actor.Role),
		Timestamp:  w.now,
		After:      map[string]string{"error": errorMessage(cause)},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "CRITICAL: failed to audit refused operation",
			"operation", string(w.op),
			"escrow_id", w.escrowID,
			"error_code", string(code),
			"error", err,
		)
		return
	}
	s.logger.InfoContext(ctx, "escrow operation refused",
		"log_type", "audit",
		"operation", string(w.op),
		"escrow_id", w.escrowID,
		"actor_id", w.actor.ID,
		"actor_role", string(w.actor.Role),
		"error_code", string(code),
	)
}

// record appends a success entry inside the current transaction.
func (s *Service) record(ctx context.Context, w *work, operation, entity, entityID string, before, after any) error {
	_, err := s.chain.Append(ctx, audit.Record{
		Operation:  operation,
		Outcome:    audit.OutcomeSuccess,
		EntityType: entity,
		EntityID:   entityID,
		EscrowID:   w.escrowID,
		ActorID:    w.actor.ID,
		ActorRole:  string(w.actor.Role),
		Timestamp:  w.now,
		Before:     before,
		After:      after,
	})
	if err != nil {
		return fmt.Errorf("audit %s: %w", operation, err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, evs []events.Event) {
	if s.publisher == nil || len(evs) == 0 {
		return
	}
	requestID := requestcontext.RequestID(ctx)
	for i := range evs {
		evs[i].RequestID = requestID
	}
	if err := s.publisher.Publish(ctx, evs...); err != nil {
		if s.metrics != nil {
			s.metrics.IncPublishFailures()
		}
		s.logger.ErrorContext(ctx, "failed to publish escrow events",
			"count", len(evs),
			"error", err,
		)
	}
}

// loadAccount reads the account for update and checks the actor may run op on it.
func (s *Service) loadAccount(ctx context.Context, w *work, escrowID id.EscrowID) (*models.EscrowAccount, error) {
	account, err := s.escrows.FindForUpdate(ctx, escrowID)
	if err != nil {
		return nil, translate(err, "escrow")
	}
	if err := policy.Require(w.actor, w.op, account.IsParty(w.actor)); err != nil {
		return nil, err
	}
	return account, nil
}

func actorFrom(ctx context.Context) models.Actor {
	a := requestcontext.ActorFrom(ctx)
	return models.Actor{ID: a.ID, Role: models.Role(a.Role)}
}

// translate maps store sentinels to domain errors.
func translate(err error, what string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Newf(dErrors.CodeNotFound, "%s not found", what)
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, what+" was modified concurrently")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to access "+what)
	}
}

func errorMessage(err error) string {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}
