package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	billingdomain "github.com/aradsms/sms_dispatch/internal/billing_service/domain"
	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/aradsms/sms_dispatch/internal/public_api_service/middleware"
	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
)

// CreditAccounts is the part of the credit ledger the credit routes use.
type CreditAccounts interface {
	GetBalance(ctx context.Context, tenantID string) (*billingdomain.CreditBalance, error)
	TopUp(ctx context.Context, tenantID string, amount int64, reference string) (*billingdomain.CreditBalance, error)
	ListTransactions(ctx context.Context, tenantID string, limit, offset int) ([]billingdomain.Transaction, error)
}

type CreditHandler struct {
	ledger CreditAccounts
	logger *slog.Logger
}

func NewCreditHandler(ledger CreditAccounts, logger *slog.Logger) *CreditHandler {
	return &CreditHandler{ledger: ledger, logger: logger.With("handler", "credit")}
}

// RegisterRoutes mounts the tenant-facing balance routes.
func (h *CreditHandler) RegisterRoutes(r chi.Router) {
	r.Get("/credits", h.handleGetBalance)
	r.Get("/credits/transactions", h.handleListTransactions)
}

// RegisterInternalRoutes mounts the top-up route used by the billing collaborator.
func (h *CreditHandler) RegisterInternalRoutes(r chi.Router) {
	r.With(middleware.RequirePermission(middleware.PermissionCreditsTopUp, h.logger)).
		Post("/credits/top-up", h.handleTopUp)
}

func (h *CreditHandler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))
	authUser, ok := middleware.UserFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}

	balance, err := h.ledger.GetBalance(ctx, authUser.TenantID)
	if err != nil {
		writeDomainError(ctx, w, logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, CreditBalanceResponse{TenantID: balance.TenantID, Credits: balance.Credits, UpdatedAt: balance.UpdatedAt})
}

func (h *CreditHandler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))
	authUser, ok := middleware.UserFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}

	limit, err := queryInt(r, "limit", 50)
	if err != nil || limit <= 0 || limit > 500 {
		writeDomainError(ctx, w, logger, coredomain.NewValidationError("limit", "must be between 1 and 500"), nil)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeDomainError(ctx, w, logger, coredomain.NewValidationError("offset", "must not be negative"), nil)
		return
	}

	txs, err := h.ledger.ListTransactions(ctx, authUser.TenantID, limit, offset)
	if err != nil {
		writeDomainError(ctx, w, logger, err, nil)
		return
	}
	if txs == nil {
		txs = []billingdomain.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *CreditHandler) handleTopUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	var req TopUpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(ctx, w, logger, err, nil)
		return
	}
	balance, err := h.ledger.TopUp(ctx, req.TenantID, req.Amount, req.Reference)
	if err != nil {
		writeDomainError(ctx, w, logger, err, nil)
		return
	}
	logger.InfoContext(ctx, "Credits topped up", "tenant_id", req.TenantID, "amount", req.Amount, "reference", req.Reference)
	writeJSON(w, http.StatusOK, CreditBalanceResponse{TenantID: balance.TenantID, Credits: balance.Credits, UpdatedAt: balance.UpdatedAt})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
