// Package handler exposes the escrow service over HTTP. Handlers decode,
// call the service and encode; authorization and every state rule stay in the
// service.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"nest/internal/escrow/models"
	"nest/internal/escrow/service"
	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
	"nest/pkg/platform/audit"
	"nest/pkg/platform/httputil"
	"nest/pkg/requestcontext"
)

// Service is the escrow API the handler needs.
type Service interface {
	CreateEscrow(ctx context.Context, req service.CreateEscrowRequest) (*models.EscrowAccount, error)
	Fund(ctx context.Context, escrowID id.EscrowID, amount int64, reason string) (*models.Transaction, error)
	GetEscrow(ctx context.Context, escrowID id.EscrowID) (*models.EscrowView, error)
	ListTransactions(ctx context.Context, escrowID id.EscrowID) ([]*models.Transaction, error)
	ListRules(ctx context.Context, escrowID id.EscrowID) ([]*models.ReleaseRule, error)
	ListApprovals(ctx context.Context, escrowID id.EscrowID) ([]*models.ApprovalRequest, error)
	ListProposals(ctx context.Context, escrowID id.EscrowID) ([]*models.TransactionProposal, error)
	AuditHistory(ctx context.Context, escrowID id.EscrowID) ([]*audit.Entry, error)
	SearchByPayoutAccount(ctx context.Context, number string) ([]*models.EscrowAccount, error)
	RevealPayoutAccount(ctx context.Context, escrowID id.EscrowID, role models.Role) (string, error)

	AddRule(ctx context.Context, escrowID id.EscrowID, req service.AddRuleRequest) (*models.ReleaseRule, error)
	RequestRelease(ctx context.Context, escrowID id.EscrowID, ruleID id.RuleID, req service.ReleaseRequest) (*service.ReleaseResult, error)
	ReraiseApprovals(ctx context.Context, escrowID id.EscrowID, subject models.SubjectType, subjectID string) (*service.ReraiseResult, error)

	ProposeTransaction(ctx context.Context, escrowID id.EscrowID, req service.ProposeRequest) (*service.ProposalResult, error)
	ExecuteProposal(ctx context.Context, proposalID id.ProposalID) (*models.Transaction, error)

	RaiseDispute(ctx context.Context, escrowID id.EscrowID, reason string) (*models.EscrowAccount, error)
	ResolveDispute(ctx context.Context, escrowID id.EscrowID, decision models.ArbiterDecision) (*service.DisputeResult, error)

	Decide(ctx context.Context, approvalID id.ApprovalID, decision models.Decision) (*models.ApprovalRequest, error)
	Overdue(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error)

	VerifyAudit(ctx context.Context, rng audit.Range) (*audit.VerifyReport, error)
	ClearIntegrityHold(ctx context.Context, escrowID id.EscrowID, reason string) (*models.EscrowAccount, error)
}

// Handler serves the escrow routes.
type Handler struct {
	logger *slog.Logger
	svc    Service
}

func New(svc Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, svc: svc}
}

// Register mounts the escrow routes on r. r is expected to carry the auth
// middleware already.
func (h *Handler) Register(r chi.Router) {
	r.Route("/escrows", func(r chi.Router) {
		r.Post("/", h.handleCreateEscrow)
		r.Get("/search", h.handleSearch)
		r.Route("/{escrowID}", func(r chi.Router) {
			r.Get("/", h.handleGetEscrow)
			r.Post("/fund", h.handleFund)
			r.Get("/transactions", h.handleListTransactions)
			r.Get("/approvals", h.handleListApprovals)
			r.Get("/history", h.handleHistory)
			r.Get("/payout-accounts/{role}", h.handleRevealPayout)

			r.Get("/rules", h.handleListRules)
			r.Post("/rules", h.handleAddRule)
			r.Post("/rules/{ruleID}/release", h.handleRequestRelease)
			r.Post("/rules/{ruleID}/reraise", h.handleReraiseRule)

			r.Get("/proposals", h.handleListProposals)
			r.Post("/proposals", h.handlePropose)
			r.Post("/proposals/{proposalID}/reraise", h.handleReraiseProposal)

			r.Post("/disputes", h.handleRaiseDispute)
			r.Post("/disputes/resolve", h.handleResolveDispute)

			r.Post("/integrity-hold/clear", h.handleClearHold)
		})
	})
	r.Post("/proposals/{proposalID}/execute", h.handleExecuteProposal)
	r.Get("/approvals/overdue", h.handleOverdue)
	r.Post("/approvals/{approvalID}/decision", h.handleDecide)
	r.Post("/audit/verify", h.handleVerifyAudit)
}

// fail logs server-side failures with the request id and writes the error.
// Client errors are logged at debug; the service has already audited them.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	} else {
		h.logger.DebugContext(ctx, msg,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	httputil.WriteError(w, err)
}

func escrowParam(r *http.Request) (id.EscrowID, error) {
	return id.ParseEscrowID(chi.URLParam(r, "escrowID"))
}

type fundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type decisionRequest struct {
	Decision models.Decision `json:"decision"`
}

type verifyRequest struct {
	From int64 `json:"from,omitempty"`
	To   int64 `json:"to,omitempty"`
}

type mismatchResponse struct {
	EntryID  string `json:"entry_id"`
	Sequence int64  `json:"sequence"`
	Reason   string `json:"reason"`
}

type verifyResponse struct {
	Valid           bool              `json:"valid"`
	Checked         int               `json:"checked"`
	LastSequence    int64             `json:"last_sequence"`
	LastHash        string            `json:"last_hash,omitempty"`
	Mismatch        *mismatchResponse `json:"mismatch,omitempty"`
	AffectedEscrows []string          `json:"affected_escrows,omitempty"`
}

type historyEntry struct {
	Sequence      int64     `json:"sequence"`
	Operation     string    `json:"operation"`
	Outcome       string    `json:"outcome"`
	ErrorCode     string    `json:"error_code,omitempty"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	ActorID       string    `json:"actor_id"`
	ActorRole     string    `json:"actor_role"`
	Timestamp     time.Time `json:"timestamp"`
	ChangedFields []string  `json:"changed_fields,omitempty"`
	PreviousHash  string    `json:"previous_hash"`
	Hash          string    `json:"hash"`
}

func (h *Handler) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req service.CreateEscrowRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	account, err := h.svc.CreateEscrow(r.Context(), req)
	if err != nil {
		h.fail(w, r, "failed to create escrow", err)
		return
	}
	w.Header().Set("Location", "/escrows/"+account.ID.String())
	httputil.WriteJSON(w, http.StatusCreated, account)
}

func (h *Handler) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	escrowID, err := escrowParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	view, err := h.svc.GetEscrow(r.Context(), escrowID)
	if err != nil {
		h.fail(w, r, "failed to load escrow", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) handleFund(w http.ResponseWriter, r *http.Request) {
	escrowID, err := escrowParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req fundRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	txn, err := h.svc.Fund(r.Context(), escrowID, req.Amount, req.Reason)
	if err != nil {
		h.fail(w, r, "failed to fund escrow", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, txn)
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	escrowID, err := escrowParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	list, err := h.svc.ListTransactions(r.Context(), escrowID)
	if err != nil {
		h.fail(w, r, "failed to list transactions", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"transactions": list})
}

func (h *Handler) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	escrowID, err := escrowParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	list, err := h.svc.ListApprovals(r.Context(), escrowID)
	if err != nil {
		h.fail(w, r, "failed to list approvals", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"approvals": list})
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	escrowID, err := escrowParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	list, err := h.svc.ListRules(r.Context(), escrowID)
	if err != nil {
		h.fail(w, r, "failed to list rules", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"rules": list})
}

func (h *Handler) handleListProposals(w http.ResponseWriter, r *http.Request) {
	escrowID, err := escrowParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	list, err := h.svc.ListProposals(r.Context(), escrowID)
	if err != nil {
		h.fail(w, r, "failed to list proposals", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"proposals": list})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	escrowID, err := escrowParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	entries, err := h.svc.AuditHistory(r.Context(), escrowID)
	if err != nil {
		h.fail(w, r, "failed to load audit history", err)
		return
	}
	out := make([]historyEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntry{
			Sequence:      e.Sequence,
			Operation:     e.Operation,
			Outcome:       string(e.Outcome),
			ErrorCode:     e.ErrorCode,
			EntityType:    e.EntityType,
			EntityID:      e.EntityID,
			ActorID:       e.ActorID,
			ActorRole:     e.ActorRole,
			Timestamp:     e.Timestamp,
			ChangedFields: e.ChangedFields,
			PreviousHash:  e.PreviousHash,
			Hash:          e.EntryHash,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(r.URL.Query().Get("payout_account"))
	if number == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "payout_account query parameter is required"))
		return
	}
	list, err := h.svc.SearchByPayoutAccount(r.Context(), number)
	if err != nil {
		h.fail(w, r, "failed to search escrows", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"escrows": list})
}

func (h *Handler) handleRevealPayout(w http.ResponseWriter, r *http.Request) {
	escrowID, err := escrowParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	role, err := models.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	number, err := h.svc.RevealPayoutAccount(r.Context(), escrowID, role)
	if err != nil {
		h.fail(w, r, "failed to reveal payout account", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"role": string(role), "account": number})
}

func (h *Handler) handleAddRule(w http.ResponseWriter, r *http.Request) {
	escrowID, err := escrowParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req service.AddRuleRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	rule, err := h.svc.AddRule(r.Context(), escrowID, req)
	if err != nil {
		h.fail(w, r, "failed to add rule", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, rule)
}

func (h *Handler) handleRequestRelease(w http.ResponseWriter, r *http.Request) {
	escrowID, err := escrowParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	ruleID, err := id.ParseRuleID(chi.URLParam(r, "ruleID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req service.ReleaseRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	result, err := h.svc.RequestRelease(r.Context(), escrowID, ruleID, req)
	if err != nil {
		h.fail(w, r, "failed to request release", err)
		return
	}
	status := http.StatusAccepted
	if result.Transaction != nil {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, result)
}

func (h *Handler) handleReraiseRule(w http.ResponseWriter, r *http.Request) {
	h.reraise(w, r, models.SubjectReleaseRule, "ruleID")
}

func (h *Handler) handleReraiseProposal(w http.ResponseWriter, r *http.Request) {
	h.reraise(w, r, models.SubjectTransaction, "proposalID")
}

func (h *Handler) reraise(w http.ResponseWriter, r *http.Request, subject models.SubjectType, param string) {
	escrowID, err := escrowParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	subjectID := chi.URLParam(r, param)
	result, err := h.svc.ReraiseApprovals(r.Context(), escrowID, subject, subjectID)
	if err != nil {
		h.fail(w, r, "failed to re-raise approvals", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, result)
}

func (h *Handler) handlePropose(w http.ResponseWriter, r *http.Request) {
	escrowID, err := escrowParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req service.ProposeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	result, err := h.svc.ProposeTransaction(r.Context(), escrowID, req)
	if err != nil {
		h.fail(w, r, "failed to propose transaction", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleExecuteProposal(w http.ResponseWriter, r *http.Request) {
	proposalID, err := id.ParseProposalID(chi.URLParam(r, "proposalID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	txn, err := h.svc.ExecuteProposal(r.Context(), proposalID)
	if err != nil {
		h.fail(w, r, "failed to execute proposal", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, txn)
}

func (h *Handler) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	escrowID, err := escrowParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req reasonRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	account, err := h.svc.RaiseDispute(r.Context(), escrowID, req.Reason)
	if err != nil {
		h.fail(w, r, "failed to raise dispute", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, account)
}

func (h *Handler) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	escrowID, err := escrowParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req models.ArbiterDecision
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	result, err := h.svc.ResolveDispute(r.Context(), escrowID, req)
	if err != nil {
		h.fail(w, r, "failed to resolve dispute", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleClearHold(w http.ResponseWriter, r *http.Request) {
	escrowID, err := escrowParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req reasonRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	account, err := h.svc.ClearIntegrityHold(r.Context(), escrowID, req.Reason)
	if err != nil {
		h.fail(w, r, "failed to clear integrity hold", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, account)
}

func (h *Handler) handleDecide(w http.ResponseWriter, r *http.Request) {
	approvalID, err := id.ParseApprovalID(chi.URLParam(r, "approvalID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req decisionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	decision := models.Decision(strings.ToUpper(strings.TrimSpace(string(req.Decision))))
	updated, err := h.svc.Decide(r.Context(), approvalID, decision)
	if err != nil {
		h.fail(w, r, "failed to record decision", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleOverdue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := h.svc.Overdue(ctx, requestcontext.Now(ctx))
	if err != nil {
		h.fail(w, r, "failed to list overdue approvals", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"approvals": list})
}

// handleVerifyAudit answers 200 for an intact chain and 409 with the report
// when a link is broken.
func (h *Handler) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	report, err := h.svc.VerifyAudit(r.Context(), audit.Range{From: req.From, To: req.To})
	if report == nil {
		h.fail(w, r, "failed to verify audit chain", err)
		return
	}
	resp := verifyResponse{
		Valid:           report.Valid,
		Checked:         report.Checked,
		LastSequence:    report.LastSequence,
		LastHash:        report.LastHash,
		AffectedEscrows: report.AffectedEscrows,
	}
	status := http.StatusOK
	if report.Mismatch != nil {
		resp.Mismatch = &mismatchResponse{
			EntryID:  report.Mismatch.EntryID.String(),
			Sequence: report.Mismatch.Sequence,
			Reason:   report.Mismatch.Reason,
		}
		status = http.StatusConflict
		h.logger.WarnContext(r.Context(), "audit chain mismatch reported",
			"sequence", report.Mismatch.Sequence,
			"affected_escrows", len(report.AffectedEscrows),
			"request_id", requestcontext.RequestID(r.Context()),
		)
	}
	httputil.WriteJSON(w, status, resp)
}
