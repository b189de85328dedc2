package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/aradsms/sms_dispatch/internal/billing_service/domain"
	"github.com/aradsms/sms_dispatch/internal/billing_service/repository"
	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
)

// CreditLedger is the only component that mutates tenant credit.
type CreditLedger struct {
	repo   repository.LedgerRepository
	logger *slog.Logger
}

func NewCreditLedger(repo repository.LedgerRepository, logger *slog.Logger) *CreditLedger {
	return &CreditLedger{
		repo:   repo,
		logger: logger.With("service", "billing"),
	}
}

func (l *CreditLedger) GetBalance(ctx context.Context, tenantID string) (*domain.CreditBalance, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, coredomain.NewValidationError("tenant_id", "must not be empty")
	}
	return l.repo.GetBalance(ctx, tenantID)
}

// ProvisionAccount creates a zero balance for a tenant if none exists.
func (l *CreditLedger) ProvisionAccount(ctx context.Context, tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return coredomain.NewValidationError("tenant_id", "must not be empty")
	}
	return l.repo.EnsureAccount(ctx, tenantID)
}

// Reserve moves amount credits out of the tenant's balance into a held reservation.
// The balance row is locked only while the reservation is written.
func (l *CreditLedger) Reserve(ctx context.Context, tenantID string, amount int64, reference string) (*domain.Reservation, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, coredomain.NewValidationError("tenant_id", "must not be empty")
	}
	if amount <= 0 {
		return nil, coredomain.NewValidationError("amount", "must be positive")
	}

	res, err := l.repo.Reserve(ctx, tenantID, amount, reference)
	if err != nil {
		if errors.Is(err, coredomain.ErrInsufficientCredit) {
			ledgerOperationsCounter.WithLabelValues("reserve", "insufficient").Inc()
			l.logger.InfoContext(ctx, "Reservation refused, insufficient credit", "tenant_id", tenantID, "amount", amount, "reference", reference)
			return nil, err
		}
		ledgerOperationsCounter.WithLabelValues("reserve", "error").Inc()
		l.logger.ErrorContext(ctx, "Failed to reserve credit", "error", err, "tenant_id", tenantID, "amount", amount)
		return nil, err
	}

	ledgerOperationsCounter.WithLabelValues("reserve", "success").Inc()
	creditsReservedCounter.Add(float64(amount))
	l.logger.DebugContext(ctx, "Credit reserved", "tenant_id", tenantID, "reservation_id", res.ID, "amount", amount)
	return res, nil
}

// Commit makes a reservation final. Committing an already committed reservation is a no-op.
func (l *CreditLedger) Commit(ctx context.Context, reservationID string) error {
	res, err := l.repo.Commit(ctx, reservationID)
	if err != nil {
		ledgerOperationsCounter.WithLabelValues("commit", "error").Inc()
		l.logger.ErrorContext(ctx, "Failed to commit reservation", "error", err, "reservation_id", reservationID)
		return err
	}
	ledgerOperationsCounter.WithLabelValues("commit", "success").Inc()
	l.logger.DebugContext(ctx, "Reservation committed", "reservation_id", reservationID, "tenant_id", res.TenantID, "amount", res.Amount)
	return nil
}

// Release returns a held reservation to the balance. Releasing twice is a no-op;
// releasing a committed reservation fails with ErrReservationClosed.
func (l *CreditLedger) Release(ctx context.Context, reservationID string) error {
	res, err := l.repo.Release(ctx, reservationID)
	if err != nil {
		ledgerOperationsCounter.WithLabelValues("release", "error").Inc()
		l.logger.ErrorContext(ctx, "Failed to release reservation", "error", err, "reservation_id", reservationID)
		return err
	}
	ledgerOperationsCounter.WithLabelValues("release", "success").Inc()
	l.logger.InfoContext(ctx, "Reservation released", "reservation_id", reservationID, "tenant_id", res.TenantID, "amount", res.Amount)
	return nil
}

// TopUp credits a tenant. It is the billing collaborator's only entry point.
func (l *CreditLedger) TopUp(ctx context.Context, tenantID string, amount int64, reference string) (*domain.CreditBalance, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, coredomain.NewValidationError("tenant_id", "must not be empty")
	}
	if amount <= 0 {
		return nil, coredomain.NewValidationError("amount", "must be positive")
	}

	balance, err := l.repo.Credit(ctx, tenantID, amount, reference)
	if err != nil {
		ledgerOperationsCounter.WithLabelValues("top_up", "error").Inc()
		l.logger.ErrorContext(ctx, "Failed to top up credit", "error", err, "tenant_id", tenantID, "amount", amount)
		return nil, err
	}
	ledgerOperationsCounter.WithLabelValues("top_up", "success").Inc()
	creditsToppedUpCounter.Add(float64(amount))
	l.logger.InfoContext(ctx, "Credit topped up", "tenant_id", tenantID, "amount", amount, "balance", balance.Credits, "reference", reference)
	return balance, nil
}

func (l *CreditLedger) ListTransactions(ctx context.Context, tenantID string, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return l.repo.ListTransactions(ctx, tenantID, limit, offset)
}
