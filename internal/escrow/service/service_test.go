package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"nest/internal/escrow/approval"
	"nest/internal/escrow/events"
	"nest/internal/escrow/events/mocks"
	"nest/internal/escrow/models"
	"nest/internal/escrow/service"
	"nest/internal/escrow/store/memory"
	"nest/internal/platform/metrics"
	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
	"nest/pkg/platform/audit"
	auditmem "nest/pkg/platform/audit/store/memory"
	"nest/pkg/platform/privacy"
	"nest/pkg/platform/tx"
	"nest/pkg/requestcontext"
)

const (
	landlordID = "landlord-1"
	tenantID   = "tenant-1"
	arbiterID  = "arbiter-1"
)

// failingEscrows lets a test break account updates mid-transaction.
type failingEscrows struct {
	*memory.EscrowStore
	failUpdate bool
}

func (f *failingEscrows) Update(ctx context.Context, account *models.EscrowAccount) error {
	if f.failUpdate {
		return errors.New("disk full")
	}
	return f.EscrowStore.Update(ctx, account)
}

type ServiceSuite struct {
	suite.Suite
	svc        *service.Service
	escrows    *failingEscrows
	approvals  *memory.ApprovalStore
	auditStore *auditmem.InMemoryStore
	recorder   *events.Recorder
	protector  *privacy.Protector
	now        time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.escrows = &failingEscrows{EscrowStore: memory.NewEscrowStore()}
	s.approvals = memory.NewApprovalStore()
	s.auditStore = auditmem.NewInMemoryStore()
	s.recorder = events.NewRecorder()

	var err error
	s.protector, err = privacy.New([]byte(strings.Repeat("k", 32)), []byte(strings.Repeat("h", 32)))
	s.Require().NoError(err)

	s.svc = s.build(s.recorder)
}

func (s *ServiceSuite) build(publisher events.Publisher) *service.Service {
	runner := tx.NewMemoryRunner()
	chain := audit.NewChain(s.auditStore, runner)
	svc, err := service.New(service.Stores{
		Escrows:      s.escrows,
		Rules:        memory.NewRuleStore(),
		Approvals:    s.approvals,
		Proposals:    memory.NewProposalStore(),
		Transactions: memory.NewTransactionStore(),
	}, chain, runner,
		service.WithPublisher(publisher),
		service.WithProtector(s.protector),
		service.WithMetrics(metrics.New(prometheus.NewRegistry())),
	)
	s.Require().NoError(err)
	return svc
}

func (s *ServiceSuite) as(role models.Role, actorID string) context.Context {
	ctx := requestcontext.WithActor(context.Background(), requestcontext.Actor{ID: actorID, Role: string(role)})
	return requestcontext.WithTime(ctx, s.now)
}

func (s *ServiceSuite) landlord() context.Context { return s.as(models.RoleLandlord, landlordID) }
func (s *ServiceSuite) tenant() context.Context   { return s.as(models.RoleTenant, tenantID) }
func (s *ServiceSuite) arbiter() context.Context  { return s.as(models.RoleArbiter, arbiterID) }
func (s *ServiceSuite) system() context.Context   { return s.as(models.RoleSystem, "system") }

func (s *ServiceSuite) createEscrow(total int64) id.EscrowID {
	account, err := s.svc.CreateEscrow(s.landlord(), service.CreateEscrowRequest{
		LandlordID:    landlordID,
		TenantID:      tenantID,
		DepositAmount: total,
	})
	s.Require().NoError(err)
	return account.ID
}

func (s *ServiceSuite) fundedEscrow(total, funded int64) id.EscrowID {
	escrowID := s.createEscrow(total)
	_, err := s.svc.Fund(s.tenant(), escrowID, funded, "bank transfer")
	s.Require().NoError(err)
	return escrowID
}

func (s *ServiceSuite) view(escrowID id.EscrowID) *models.EscrowView {
	v, err := s.svc.GetEscrow(s.arbiter(), escrowID)
	s.Require().NoError(err)
	return v
}

func (s *ServiceSuite) requireCode(err error, code dErrors.Code) {
	s.Require().Error(err)
	s.Require().True(dErrors.HasCode(err, code), "want %s, got %v", code, err)
}

// mutualRule adds a MUTUAL_AGREEMENT rule and raises its approvals.
func (s *ServiceSuite) mutualRule(escrowID id.EscrowID, amount int64) (*models.ReleaseRule, map[models.Role]*models.ApprovalRequest) {
	rule, err := s.svc.AddRule(s.landlord(), escrowID, service.AddRuleRequest{
		TriggerType: models.TriggerMutualAgreement,
		Amount:      amount,
	})
	s.Require().NoError(err)
	res, err := s.svc.RequestRelease(s.landlord(), escrowID, rule.ID, service.ReleaseRequest{})
	s.Require().NoError(err)
	s.Require().Nil(res.Transaction)
	s.Require().Equal(models.RuleStatusSatisfied, res.Rule.Status)
	s.Require().Len(res.Approvals, 2)
	return res.Rule, approval.Latest(res.Approvals)
}

func (s *ServiceSuite) failures(operation string) []*audit.Entry {
	entries, err := s.auditStore.List(context.Background(), audit.Range{})
	s.Require().NoError(err)
	var out []*audit.Entry
	for _, e := range entries {
		if e.Outcome == audit.OutcomeFailure && e.Operation == operation {
			out = append(out, e)
		}
	}
	return out
}

func (s *ServiceSuite) TestScenarioA_Fund() {
	escrowID := s.fundedEscrow(100000, 100000)

	v := s.view(escrowID)
	s.Equal(int64(100000), v.Balance)
	s.Equal(models.StatusActive, v.Status)

	changes := s.recorder.OfType(events.EscrowStatusChanged)
	s.Require().Len(changes, 2)
	s.Equal(string(models.StatusPending), changes[1].FromStatus)
	s.Equal(string(models.StatusActive), changes[1].ToStatus)
}

func (s *ServiceSuite) TestScenarioB_ApprovedRelease() {
	escrowID := s.fundedEscrow(100000, 100000)
	rule, reqs := s.mutualRule(escrowID, 50000)

	_, err := s.svc.Decide(s.landlord(), reqs[models.RoleLandlord].ID, models.DecisionApproved)
	s.Require().NoError(err)
	_, err = s.svc.Decide(s.tenant(), reqs[models.RoleTenant].ID, models.DecisionApproved)
	s.Require().NoError(err)

	list, err := s.svc.ListApprovals(s.tenant(), escrowID)
	s.Require().NoError(err)
	s.True(approval.IsSubjectActionable(list, []models.Role{models.RoleLandlord, models.RoleTenant}))

	res, err := s.svc.RequestRelease(s.tenant(), escrowID, rule.ID, service.ReleaseRequest{})
	s.Require().NoError(err)
	s.Require().NotNil(res.Transaction)
	s.Equal(models.TransactionRelease, res.Transaction.Type)
	s.Equal(int64(50000), res.Transaction.Amount)
	s.Equal(rule.ID, *res.Transaction.RuleID)
	s.NotNil(res.Transaction.InitiatingApprovalID)

	v := s.view(escrowID)
	s.Equal(int64(50000), v.Balance)
	s.Equal(models.StatusPartialReleased, v.Status)
	s.Len(s.recorder.OfType(events.ReleaseExecuted), 1)
	s.Len(s.recorder.OfType(events.ApprovalRequested), 2)

	_, err = s.svc.RequestRelease(s.tenant(), escrowID, rule.ID, service.ReleaseRequest{})
	s.requireCode(err, dErrors.CodeIllegalTransition)
}

func (s *ServiceSuite) TestScenarioC_VetoBlocksRelease() {
	escrowID := s.fundedEscrow(100000, 100000)
	rule, reqs := s.mutualRule(escrowID, 50000)

	_, err := s.svc.Decide(s.landlord(), reqs[models.RoleLandlord].ID, models.DecisionApproved)
	s.Require().NoError(err)
	_, err = s.svc.Decide(s.tenant(), reqs[models.RoleTenant].ID, models.DecisionRejected)
	s.Require().NoError(err)

	_, err = s.svc.RequestRelease(s.landlord(), escrowID, rule.ID, service.ReleaseRequest{})
	s.requireCode(err, dErrors.CodeInsufficientApproval)

	v := s.view(escrowID)
	s.Equal(int64(100000), v.Balance)
	s.Equal(models.StatusActive, v.Status)

	refused := s.failures("request_release")
	s.Require().Len(refused, 1)
	s.Equal(string(dErrors.CodeInsufficientApproval), refused[0].ErrorCode)

	s.Run("the vetoed rule no longer holds funds back", func() {
		stored, err := s.svc.ListRules(s.landlord(), escrowID)
		s.Require().NoError(err)
		s.Require().Len(stored, 1)
		s.Equal(models.RuleStatusVoid, stored[0].Status)
		s.Equal("vetoed by TENANT", stored[0].VoidReason)

		_, err = s.svc.ProposeTransaction(s.tenant(), escrowID, service.ProposeRequest{
			Type: models.TransactionRefund, Amount: 100000, Reason: "full refund",
		})
		s.Require().NoError(err)
		_, err = s.svc.AddRule(s.landlord(), escrowID, service.AddRuleRequest{
			TriggerType: models.TriggerMutualAgreement,
			Amount:      100000,
		})
		s.Require().NoError(err)
	})
}

func (s *ServiceSuite) TestScenarioD_OverAllocation() {
	escrowID := s.fundedEscrow(100000, 100000)
	rule, reqs := s.mutualRule(escrowID, 50000)
	_, err := s.svc.Decide(s.landlord(), reqs[models.RoleLandlord].ID, models.DecisionApproved)
	s.Require().NoError(err)
	_, err = s.svc.Decide(s.tenant(), reqs[models.RoleTenant].ID, models.DecisionApproved)
	s.Require().NoError(err)
	_, err = s.svc.RequestRelease(s.tenant(), escrowID, rule.ID, service.ReleaseRequest{})
	s.Require().NoError(err)

	second, err := s.svc.AddRule(s.landlord(), escrowID, service.AddRuleRequest{
		TriggerType: models.TriggerMutualAgreement,
		Amount:      60000,
	})
	s.requireCode(err, dErrors.CodeOverAllocation)
	s.Require().NotNil(second)
	s.Equal(models.RuleStatusVoid, second.Status)

	stored, err := s.svc.ListRules(s.landlord(), escrowID)
	s.Require().NoError(err)
	s.Require().Len(stored, 2)
	s.Equal(models.RuleStatusVoid, stored[1].Status)
	s.Equal(int64(50000), s.view(escrowID).Balance)
}

func (s *ServiceSuite) TestScenarioE_DeadlinePassed() {
	escrowID := s.fundedEscrow(100000, 100000)
	_, reqs := s.mutualRule(escrowID, 50000)

	s.now = s.now.Add(8 * 24 * time.Hour)
	_, err := s.svc.Decide(s.landlord(), reqs[models.RoleLandlord].ID, models.DecisionApproved)
	s.requireCode(err, dErrors.CodeDeadlineExpired)

	first, err := s.svc.ExpireOverdue(s.system())
	s.Require().NoError(err)
	s.Len(first.Expired, 2)

	second, err := s.svc.ExpireOverdue(s.system())
	s.Require().NoError(err)
	s.Empty(second.Expired)

	list, err := s.svc.ListApprovals(s.landlord(), escrowID)
	s.Require().NoError(err)
	for _, r := range list {
		s.Equal(models.DecisionExpired, r.Decision)
	}
	s.Len(s.recorder.OfType(events.DeadlineExpired), 2)
}

func (s *ServiceSuite) TestSweepRequiresSystemOrArbiter() {
	_, err := s.svc.ExpireOverdue(s.tenant())
	s.requireCode(err, dErrors.CodeNotAuthorized)
	s.Len(s.failures("expire_overdue"), 1)
}

func (s *ServiceSuite) TestDecisionIsWriteOnce() {
	escrowID := s.fundedEscrow(100000, 100000)
	_, reqs := s.mutualRule(escrowID, 50000)
	landlordReq := reqs[models.RoleLandlord].ID

	_, err := s.svc.Decide(s.landlord(), landlordReq, models.DecisionApproved)
	s.Require().NoError(err)
	_, err = s.svc.Decide(s.landlord(), landlordReq, models.DecisionRejected)
	s.requireCode(err, dErrors.CodeAlreadyDecided)

	_, err = s.svc.Decide(s.tenant(), landlordReq, models.DecisionApproved)
	s.requireCode(err, dErrors.CodeNotAuthorized)
}

func (s *ServiceSuite) TestDateRuleExecutesWithoutApprovals() {
	escrowID := s.fundedEscrow(100000, 100000)
	due := s.now.Add(-time.Hour)
	rule, err := s.svc.AddRule(s.tenant(), escrowID, service.AddRuleRequest{
		TriggerType: models.TriggerDateReached,
		Amount:      100000,
		Beneficiary: models.BeneficiaryTenant,
		DueDate:     &due,
	})
	s.Require().NoError(err)

	res, err := s.svc.RequestRelease(s.system(), escrowID, rule.ID, service.ReleaseRequest{})
	s.Require().NoError(err)
	s.Require().NotNil(res.Transaction)
	s.Equal(models.TransactionRefund, res.Transaction.Type)
	s.Empty(res.Approvals)

	v := s.view(escrowID)
	s.Zero(v.Balance)
	s.Equal(models.StatusFullyReleased, v.Status)

	_, err = s.svc.Fund(s.tenant(), escrowID, 1, "late")
	s.requireCode(err, dErrors.CodeIllegalTransition)
}

func (s *ServiceSuite) TestDateRuleNotYetDue() {
	escrowID := s.fundedEscrow(100000, 100000)
	due := s.now.Add(24 * time.Hour)
	rule, err := s.svc.AddRule(s.landlord(), escrowID, service.AddRuleRequest{
		TriggerType: models.TriggerDateReached,
		Amount:      10000,
		DueDate:     &due,
	})
	s.Require().NoError(err)

	_, err = s.svc.RequestRelease(s.system(), escrowID, rule.ID, service.ReleaseRequest{})
	s.requireCode(err, dErrors.CodeIllegalTransition)
}

func (s *ServiceSuite) TestSatisfactionRespectsReservations() {
	escrowID := s.fundedEscrow(100000, 50000)
	s.mutualRule(escrowID, 40000)

	due := s.now.Add(-time.Minute)
	late, err := s.svc.AddRule(s.landlord(), escrowID, service.AddRuleRequest{
		TriggerType: models.TriggerDateReached,
		Amount:      20000,
		DueDate:     &due,
	})
	s.Require().NoError(err)

	res, err := s.svc.RequestRelease(s.system(), escrowID, late.ID, service.ReleaseRequest{})
	s.requireCode(err, dErrors.CodeOverAllocation)
	s.Require().NotNil(res)
	s.Equal(models.RuleStatusVoid, res.Rule.Status)
	s.Equal(int64(50000), s.view(escrowID).Balance)
}

func (s *ServiceSuite) TestFundingCap() {
	escrowID := s.fundedEscrow(100000, 60000)
	_, err := s.svc.Fund(s.tenant(), escrowID, 40001, "too much")
	s.requireCode(err, dErrors.CodeInvalidAmount)

	_, err = s.svc.Fund(s.tenant(), escrowID, 0, "nothing")
	s.requireCode(err, dErrors.CodeInvalidAmount)

	_, err = s.svc.Fund(s.tenant(), escrowID, 40000, "rest")
	s.Require().NoError(err)
	s.Equal(int64(100000), s.view(escrowID).Balance)
}

func (s *ServiceSuite) TestOutsiderIsRefused() {
	escrowID := s.createEscrow(100000)
	_, err := s.svc.Fund(s.as(models.RoleTenant, "someone-else"), escrowID, 100, "x")
	s.requireCode(err, dErrors.CodeNotAuthorized)

	refused := s.failures("fund")
	s.Require().Len(refused, 1)
	s.Equal("someone-else", refused[0].ActorID)
	s.Equal(escrowID.String(), refused[0].EscrowID)

	_, err = s.svc.GetEscrow(s.as(models.RoleLandlord, "other-landlord"), escrowID)
	s.requireCode(err, dErrors.CodeNotAuthorized)
}

func (s *ServiceSuite) TestDispute() {
	escrowID := s.fundedEscrow(100000, 100000)
	rule, _ := s.mutualRule(escrowID, 50000)

	_, err := s.svc.RaiseDispute(s.tenant(), escrowID, "")
	s.requireCode(err, dErrors.CodeValidation)
	account, err := s.svc.RaiseDispute(s.tenant(), escrowID, "apartment not as described")
	s.Require().NoError(err)
	s.Equal(models.StatusDisputed, account.Status)
	s.Equal(models.StatusActive, account.PreDisputeStatus)

	_, err = s.svc.RequestRelease(s.landlord(), escrowID, rule.ID, service.ReleaseRequest{})
	s.requireCode(err, dErrors.CodeInsufficientApproval)
	_, err = s.svc.Fund(s.tenant(), escrowID, 1, "x")
	s.requireCode(err, dErrors.CodeIllegalTransition)

	decision := models.ArbiterDecision{ReleaseToLandlord: 30000, RefundToTenant: 20000, Reason: "partial damage"}
	_, err = s.svc.ResolveDispute(s.landlord(), escrowID, decision)
	s.requireCode(err, dErrors.CodeNotAuthorized)

	res, err := s.svc.ResolveDispute(s.arbiter(), escrowID, decision)
	s.Require().NoError(err)
	s.Len(res.Transactions, 2)
	s.Equal(models.StatusPartialReleased, res.Account.Status)
	s.NotNil(res.Account.DisputeResolvedAt)
	s.Equal(int64(50000), s.view(escrowID).Balance)

	_, err = s.svc.ResolveDispute(s.arbiter(), escrowID, decision)
	s.requireCode(err, dErrors.CodeIllegalTransition)
}

func (s *ServiceSuite) TestDisputeResolutionRule() {
	escrowID := s.fundedEscrow(100000, 100000)
	rule, err := s.svc.AddRule(s.landlord(), escrowID, service.AddRuleRequest{
		TriggerType: models.TriggerDisputeResolution,
		Amount:      10000,
	})
	s.Require().NoError(err)

	_, err = s.svc.RequestRelease(s.landlord(), escrowID, rule.ID, service.ReleaseRequest{})
	s.requireCode(err, dErrors.CodeIllegalTransition)

	_, err = s.svc.RaiseDispute(s.landlord(), escrowID, "unpaid damage")
	s.Require().NoError(err)
	_, err = s.svc.ResolveDispute(s.arbiter(), escrowID, models.ArbiterDecision{Reason: "no payout now"})
	s.Require().NoError(err)

	res, err := s.svc.RequestRelease(s.landlord(), escrowID, rule.ID, service.ReleaseRequest{})
	s.Require().NoError(err)
	s.Require().Len(res.Approvals, 1)
	s.Equal(models.RoleArbiter, res.Approvals[0].ApproverRole)

	_, err = s.svc.Decide(s.arbiter(), res.Approvals[0].ID, models.DecisionApproved)
	s.Require().NoError(err)
	res, err = s.svc.RequestRelease(s.arbiter(), escrowID, rule.ID, service.ReleaseRequest{})
	s.Require().NoError(err)
	s.Require().NotNil(res.Transaction)
	s.Equal(int64(90000), s.view(escrowID).Balance)
}

func (s *ServiceSuite) TestReraiseAfterVeto() {
	escrowID := s.fundedEscrow(100000, 100000)
	rule, reqs := s.mutualRule(escrowID, 50000)
	_, err := s.svc.Decide(s.tenant(), reqs[models.RoleTenant].ID, models.DecisionRejected)
	s.Require().NoError(err)

	res, err := s.svc.ReraiseApprovals(s.landlord(), escrowID, models.SubjectReleaseRule, rule.ID.String())
	s.Require().NoError(err)
	s.Equal(rule.ID.String(), res.Replaced)
	s.NotEqual(rule.ID.String(), res.SubjectID)
	s.Len(res.Approvals, 2)

	_, err = s.svc.ReraiseApprovals(s.landlord(), escrowID, models.SubjectReleaseRule, rule.ID.String())
	s.requireCode(err, dErrors.CodeIllegalTransition)

	for _, r := range res.Approvals {
		ctx := s.landlord()
		if r.ApproverRole == models.RoleTenant {
			ctx = s.tenant()
		}
		_, err := s.svc.Decide(ctx, r.ID, models.DecisionApproved)
		s.Require().NoError(err)
	}

	replacementID, err := id.ParseRuleID(res.SubjectID)
	s.Require().NoError(err)
	out, err := s.svc.RequestRelease(s.landlord(), escrowID, replacementID, service.ReleaseRequest{})
	s.Require().NoError(err)
	s.NotNil(out.Transaction)
	s.Equal(int64(50000), s.view(escrowID).Balance)

	_, err = s.svc.RequestRelease(s.landlord(), escrowID, rule.ID, service.ReleaseRequest{})
	s.requireCode(err, dErrors.CodeInsufficientApproval)
}

func (s *ServiceSuite) TestVetoedProposalIsVoidedAndReraised() {
	escrowID := s.fundedEscrow(100000, 100000)
	prop, err := s.svc.ProposeTransaction(s.tenant(), escrowID, service.ProposeRequest{
		Type: models.TransactionRefund, Amount: 60000, Reason: "early move-out",
	})
	s.Require().NoError(err)

	var landlordReq *models.ApprovalRequest
	for _, r := range prop.Approvals {
		if r.ApproverRole == models.RoleLandlord {
			landlordReq = r
		}
	}
	s.Require().NotNil(landlordReq)
	_, err = s.svc.Decide(s.landlord(), landlordReq.ID, models.DecisionRejected)
	s.Require().NoError(err)

	_, err = s.svc.ExecuteProposal(s.tenant(), prop.Proposal.ID)
	s.requireCode(err, dErrors.CodeInsufficientApproval)

	proposals, err := s.svc.ListProposals(s.tenant(), escrowID)
	s.Require().NoError(err)
	s.Require().Len(proposals, 1)
	s.Equal(models.ProposalVoid, proposals[0].Status)

	res, err := s.svc.ReraiseApprovals(s.tenant(), escrowID, models.SubjectTransaction, prop.Proposal.ID.String())
	s.Require().NoError(err)
	s.Equal(prop.Proposal.ID.String(), res.Replaced)
	s.Len(res.Approvals, 2)

	_, err = s.svc.ReraiseApprovals(s.tenant(), escrowID, models.SubjectTransaction, prop.Proposal.ID.String())
	s.requireCode(err, dErrors.CodeIllegalTransition)
	s.Equal(int64(100000), s.view(escrowID).Balance)
}

func (s *ServiceSuite) TestReraiseAfterExpiry() {
	escrowID := s.fundedEscrow(100000, 100000)
	rule, reqs := s.mutualRule(escrowID, 50000)
	_, err := s.svc.Decide(s.landlord(), reqs[models.RoleLandlord].ID, models.DecisionApproved)
	s.Require().NoError(err)

	s.now = s.now.Add(8 * 24 * time.Hour)
	sweep, err := s.svc.ExpireOverdue(s.system())
	s.Require().NoError(err)
	s.Require().Len(sweep.Expired, 1)

	_, err = s.svc.RequestRelease(s.landlord(), escrowID, rule.ID, service.ReleaseRequest{})
	s.requireCode(err, dErrors.CodeInsufficientApproval)

	res, err := s.svc.ReraiseApprovals(s.tenant(), escrowID, models.SubjectReleaseRule, rule.ID.String())
	s.Require().NoError(err)
	s.Equal(rule.ID.String(), res.SubjectID)
	s.Require().Len(res.Approvals, 1)
	s.Equal(models.RoleTenant, res.Approvals[0].ApproverRole)

	_, err = s.svc.Decide(s.tenant(), res.Approvals[0].ID, models.DecisionApproved)
	s.Require().NoError(err)
	out, err := s.svc.RequestRelease(s.landlord(), escrowID, rule.ID, service.ReleaseRequest{})
	s.Require().NoError(err)
	s.NotNil(out.Transaction)
}

func (s *ServiceSuite) TestProposals() {
	escrowID := s.fundedEscrow(100000, 100000)

	_, err := s.svc.ProposeTransaction(s.tenant(), escrowID, service.ProposeRequest{
		Type: models.TransactionRefund, Amount: 200000, Reason: "everything",
	})
	s.requireCode(err, dErrors.CodeOverAllocation)

	prop, err := s.svc.ProposeTransaction(s.tenant(), escrowID, service.ProposeRequest{
		Type: models.TransactionRefund, Amount: 20000, Reason: "early move-out",
	})
	s.Require().NoError(err)
	s.Len(prop.Approvals, 2)

	_, err = s.svc.ExecuteProposal(s.tenant(), prop.Proposal.ID)
	s.requireCode(err, dErrors.CodeInsufficientApproval)

	for _, r := range prop.Approvals {
		ctx := s.landlord()
		if r.ApproverRole == models.RoleTenant {
			ctx = s.tenant()
		}
		_, err := s.svc.Decide(ctx, r.ID, models.DecisionApproved)
		s.Require().NoError(err)
	}
	txn, err := s.svc.ExecuteProposal(s.tenant(), prop.Proposal.ID)
	s.Require().NoError(err)
	s.Equal(models.TransactionRefund, txn.Type)
	s.Equal(models.BeneficiaryTenant, txn.Beneficiary)

	v := s.view(escrowID)
	s.Equal(int64(80000), v.Balance)
	s.Equal(models.StatusPartialReleased, v.Status)

	_, err = s.svc.ExecuteProposal(s.tenant(), prop.Proposal.ID)
	s.requireCode(err, dErrors.CodeIllegalTransition)
}

func (s *ServiceSuite) TestSignedAdjustment() {
	escrowID := s.fundedEscrow(100000, 100000)
	prop, err := s.svc.ProposeTransaction(s.landlord(), escrowID, service.ProposeRequest{
		Type: models.TransactionAdjustment, Amount: -5000, Reason: "bank fee",
	})
	s.Require().NoError(err)
	for _, r := range prop.Approvals {
		ctx := s.landlord()
		if r.ApproverRole == models.RoleTenant {
			ctx = s.tenant()
		}
		_, err := s.svc.Decide(ctx, r.ID, models.DecisionApproved)
		s.Require().NoError(err)
	}
	_, err = s.svc.ExecuteProposal(s.landlord(), prop.Proposal.ID)
	s.Require().NoError(err)

	v := s.view(escrowID)
	s.Equal(int64(95000), v.Balance)
	s.Equal(int64(-5000), v.Totals.Adjusted)
	s.Equal(models.StatusActive, v.Status)
}

func (s *ServiceSuite) TestAuditChain() {
	escrowID := s.fundedEscrow(100000, 100000)
	s.mutualRule(escrowID, 50000)

	report, err := s.svc.VerifyAudit(s.arbiter(), audit.Range{})
	s.Require().NoError(err)
	s.True(report.Valid)
	s.Equal(s.auditStore.Len(), report.Checked)

	s.Run("one entry per transition", func() {
		history, err := s.svc.AuditHistory(s.landlord(), escrowID)
		s.Require().NoError(err)
		var transitions []string
		for _, e := range history {
			if strings.HasPrefix(e.Operation, "transition.") {
				transitions = append(transitions, e.Operation)
			}
		}
		s.Equal([]string{"transition.FUNDED"}, transitions)
	})

	s.Run("tampering places the escrow on hold", func() {
		s.Require().NoError(s.auditStore.Overwrite(3, func(e *audit.Entry) {
			e.AfterValue = `{"amount":1}`
		}))
		report, err := s.svc.VerifyAudit(s.system(), audit.Range{})
		s.requireCode(err, dErrors.CodeAuditChainMismatch)
		s.False(report.Valid)
		s.Equal(int64(3), report.Mismatch.Sequence)
		s.Contains(report.AffectedEscrows, escrowID.String())
		s.True(s.view(escrowID).IntegrityHold)
		s.Len(s.recorder.OfType(events.IntegrityViolation), 1)

		_, err = s.svc.ProposeTransaction(s.tenant(), escrowID, service.ProposeRequest{
			Type: models.TransactionRefund, Amount: 100, Reason: "x",
		})
		s.requireCode(err, dErrors.CodeIntegrityHold)

		_, err = s.svc.ClearIntegrityHold(s.landlord(), escrowID, "reviewed")
		s.requireCode(err, dErrors.CodeNotAuthorized)
		account, err := s.svc.ClearIntegrityHold(s.arbiter(), escrowID, "restored from backup")
		s.Require().NoError(err)
		s.False(account.IntegrityHold)
		_, err = s.svc.ClearIntegrityHold(s.arbiter(), escrowID, "again")
		s.requireCode(err, dErrors.CodeIllegalTransition)
	})
}

func (s *ServiceSuite) TestFailedTransitionLeavesNoTrace() {
	escrowID := s.createEscrow(100000)
	entriesBefore := s.auditStore.Len()

	s.escrows.failUpdate = true
	_, err := s.svc.Fund(s.tenant(), escrowID, 100000, "bank transfer")
	s.Require().Error(err)
	s.escrows.failUpdate = false

	v := s.view(escrowID)
	s.Zero(v.Balance)
	s.Equal(models.StatusPending, v.Status)
	txns, err := s.svc.ListTransactions(s.tenant(), escrowID)
	s.Require().NoError(err)
	s.Empty(txns)
	// Only the failure entry survives the rollback.
	s.Equal(entriesBefore+1, s.auditStore.Len())
	s.Len(s.failures("fund"), 1)
}

func (s *ServiceSuite) TestPublishFailureKeepsLedger() {
	ctrl := gomock.NewController(s.T())
	publisher := mocks.NewMockPublisher(ctrl)
	publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker down")).AnyTimes()
	s.svc = s.build(publisher)

	escrowID := s.fundedEscrow(100000, 100000)
	s.Equal(int64(100000), s.view(escrowID).Balance)
}

func (s *ServiceSuite) TestPayoutAccounts() {
	const account = "1234-5678901234"
	created, err := s.svc.CreateEscrow(s.landlord(), service.CreateEscrowRequest{
		LandlordID:            landlordID,
		TenantID:              tenantID,
		DepositAmount:         100000,
		LandlordPayoutAccount: account,
	})
	s.Require().NoError(err)
	s.NotEmpty(created.LandlordPayout.Ciphertext)
	s.NotContains(created.LandlordPayout.Ciphertext, account)
	s.True(created.TenantPayout.IsZero())

	history, err := s.svc.AuditHistory(s.landlord(), created.ID)
	s.Require().NoError(err)
	for _, e := range history {
		s.NotContains(e.AfterValue, created.LandlordPayout.Ciphertext)
	}

	found, err := s.svc.SearchByPayoutAccount(s.arbiter(), account)
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Equal(created.ID, found[0].ID)

	_, err = s.svc.SearchByPayoutAccount(s.landlord(), account)
	s.requireCode(err, dErrors.CodeNotAuthorized)

	plain, err := s.svc.RevealPayoutAccount(s.arbiter(), created.ID, models.RoleLandlord)
	s.Require().NoError(err)
	s.Equal(account, plain)
}

func (s *ServiceSuite) TestCreateEscrowOnlyForOwnLandlord() {
	_, err := s.svc.CreateEscrow(s.as(models.RoleLandlord, "impostor"), service.CreateEscrowRequest{
		LandlordID:    landlordID,
		TenantID:      tenantID,
		DepositAmount: 100,
	})
	s.requireCode(err, dErrors.CodeNotAuthorized)

	_, err = s.svc.CreateEscrow(s.tenant(), service.CreateEscrowRequest{
		LandlordID:    landlordID,
		TenantID:      tenantID,
		DepositAmount: 100,
	})
	s.requireCode(err, dErrors.CodeNotAuthorized)
}

func (s *ServiceSuite) TestConcurrentMutationsStayConsistent() {
	first := s.fundedEscrow(105000, 100000)
	second := s.fundedEscrow(165000, 105000)
	due := s.now.Add(-time.Hour)

	var ruleIDs []id.RuleID
	for range 7 {
		rule, err := s.svc.AddRule(s.landlord(), first, service.AddRuleRequest{
			TriggerType: models.TriggerDateReached,
			Amount:      15000,
			DueDate:     &due,
		})
		s.Require().NoError(err)
		ruleIDs = append(ruleIDs, rule.ID)
	}

	var wg sync.WaitGroup
	releaseErrs := make(chan error, len(ruleIDs))
	fundErrs := make(chan error, len(ruleIDs))
	for _, ruleID := range ruleIDs {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.svc.RequestRelease(s.system(), first, ruleID, service.ReleaseRequest{})
			releaseErrs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := s.svc.Fund(s.tenant(), second, 8000, "instalment")
			fundErrs <- err
		}()
	}
	wg.Wait()
	close(releaseErrs)
	close(fundErrs)

	var released, refused int
	for err := range releaseErrs {
		if err == nil {
			released++
			continue
		}
		s.requireCode(err, dErrors.CodeOverAllocation)
		refused++
	}
	s.Equal(6, released)
	s.Equal(1, refused)
	for err := range fundErrs {
		s.Require().NoError(err)
	}

	v := s.view(first)
	s.Equal(int64(10000), v.Balance)
	s.Equal(models.StatusPartialReleased, v.Status)
	txns, err := s.svc.ListTransactions(s.tenant(), first)
	s.Require().NoError(err)
	s.Len(txns, 1+released)
	s.Equal(int64(105000+7*8000), s.view(second).Balance)

	report, err := s.svc.VerifyAudit(s.arbiter(), audit.Range{})
	s.Require().NoError(err)
	s.True(report.Valid)
}

func (s *ServiceSuite) TestConcurrentSweepsExpireOneSet() {
	escrowID := s.fundedEscrow(100000, 100000)
	_, reqs := s.mutualRule(escrowID, 50000)
	s.now = s.now.Add(8 * 24 * time.Hour)

	results := make([]*service.SweepResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.svc.ExpireOverdue(s.system())
			if err == nil {
				results[i] = res
			}
		}()
	}
	wg.Wait()

	seen := map[id.ApprovalID]int{}
	for _, res := range results {
		s.Require().NotNil(res)
		s.Zero(res.Failed)
		for _, r := range res.Expired {
			seen[r.ID]++
		}
	}
	s.Len(seen, len(reqs))
	for _, r := range reqs {
		s.Equal(1, seen[r.ID], "request %s expired more than once", r.ID)
	}
	s.Len(s.recorder.OfType(events.DeadlineExpired), len(reqs))

	report, err := s.svc.VerifyAudit(s.arbiter(), audit.Range{})
	s.Require().NoError(err)
	s.True(report.Valid)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := service.New(service.Stores{}, nil, nil)
	if err == nil {
		t.Fatal("expected error for missing stores")
	}
}
