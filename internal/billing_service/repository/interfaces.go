package repository

import (
	"context"

	"github.com/aradsms/sms_dispatch/internal/billing_service/domain"
)

// LedgerRepository persists balances, reservations and the transaction log.
// Every mutating method is atomic: the balance row is locked only for the
// duration of the call.
type LedgerRepository interface {
	EnsureAccount(ctx context.Context, tenantID string) error
	GetBalance(ctx context.Context, tenantID string) (*domain.CreditBalance, error)
	// Reserve decrements the balance by amount and records a held reservation.
	// Returns *domain.InsufficientCreditError when the balance is too low.
	Reserve(ctx context.Context, tenantID string, amount int64, reference string) (*domain.Reservation, error)
	// Commit marks a held reservation spent. Committing twice is a no-op.
	Commit(ctx context.Context, reservationID string) (*domain.Reservation, error)
	// Release returns a held reservation to the balance. Releasing twice is a no-op.
	Release(ctx context.Context, reservationID string) (*domain.Reservation, error)
	Credit(ctx context.Context, tenantID string, amount int64, reference string) (*domain.CreditBalance, error)
	GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error)
	ListTransactions(ctx context.Context, tenantID string, limit, offset int) ([]domain.Transaction, error)
}
