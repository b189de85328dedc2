// Package memory holds an in-process LedgerRepository for STORAGE_DRIVER=memory
// and for tests that exercise concurrent reservations.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aradsms/sms_dispatch/internal/billing_service/domain"
	"github.com/aradsms/sms_dispatch/internal/billing_service/repository"
	"github.com/google/uuid"
)

type ledgerRepository struct {
	mu           sync.Mutex
	balances     map[string]*domain.CreditBalance
	reservations map[string]*domain.Reservation
	transactions []domain.Transaction
}

func NewLedgerRepository() repository.LedgerRepository {
	return &ledgerRepository{
		balances:     make(map[string]*domain.CreditBalance),
		reservations: make(map[string]*domain.Reservation),
	}
}

func (r *ledgerRepository) EnsureAccount(_ context.Context, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.account(tenantID)
	return nil
}

func (r *ledgerRepository) GetBalance(_ context.Context, tenantID string) (*domain.CreditBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.balances[tenantID]; ok {
		cp := *b
		return &cp, nil
	}
	return &domain.CreditBalance{TenantID: tenantID}, nil
}

func (r *ledgerRepository) Reserve(_ context.Context, tenantID string, amount int64, reference string) (*domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.balances[tenantID]
	if !ok || b.Credits < amount {
		var have int64
		if ok {
			have = b.Credits
		}
		return nil, &domain.InsufficientCreditError{TenantID: tenantID, Balance: have, Requested: amount}
	}

	now := time.Now().UTC()
	b.Credits -= amount
	b.UpdatedAt = now
	res := &domain.Reservation{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Amount:    amount,
		State:     domain.ReservationStateHeld,
		Reference: reference,
		CreatedAt: now,
	}
	r.reservations[res.ID] = res
	r.appendTransaction(tenantID, domain.TransactionTypeReservationHold, -amount, b.Credits, &res.ID, reference, now)

	cp := *res
	return &cp, nil
}

func (r *ledgerRepository) Commit(_ context.Context, reservationID string) (*domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[reservationID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	switch res.State {
	case domain.ReservationStateReleased:
		return nil, fmt.Errorf("%w: reservation %s was released", domain.ErrReservationClosed, reservationID)
	case domain.ReservationStateHeld:
		now := time.Now().UTC()
		res.State = domain.ReservationStateCommitted
		res.ClosedAt = &now
	}
	cp := *res
	return &cp, nil
}

func (r *ledgerRepository) Release(_ context.Context, reservationID string) (*domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[reservationID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	switch res.State {
	case domain.ReservationStateCommitted:
		return nil, fmt.Errorf("%w: reservation %s was committed", domain.ErrReservationClosed, reservationID)
	case domain.ReservationStateHeld:
		now := time.Now().UTC()
		b := r.account(res.TenantID)
		b.Credits += res.Amount
		b.UpdatedAt = now
		res.State = domain.ReservationStateReleased
		res.ClosedAt = &now
		r.appendTransaction(res.TenantID, domain.TransactionTypeReservationRelease, res.Amount, b.Credits, &res.ID, res.Reference, now)
	}
	cp := *res
	return &cp, nil
}

func (r *ledgerRepository) Credit(_ context.Context, tenantID string, amount int64, reference string) (*domain.CreditBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	b := r.account(tenantID)
	b.Credits += amount
	b.UpdatedAt = now
	r.appendTransaction(tenantID, domain.TransactionTypeCreditPurchase, amount, b.Credits, nil, reference, now)

	cp := *b
	return &cp, nil
}

func (r *ledgerRepository) GetReservation(_ context.Context, reservationID string) (*domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[reservationID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	cp := *res
	return &cp, nil
}

func (r *ledgerRepository) ListTransactions(_ context.Context, tenantID string, limit, offset int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Transaction
	for _, t := range r.transactions {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	// newest first, like the SQL listing
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// account must be called with mu held.
func (r *ledgerRepository) account(tenantID string) *domain.CreditBalance {
	b, ok := r.balances[tenantID]
	if !ok {
		b = &domain.CreditBalance{TenantID: tenantID, UpdatedAt: time.Now().UTC()}
		r.balances[tenantID] = b
	}
	return b
}

func (r *ledgerRepository) appendTransaction(tenantID string, typ domain.TransactionType, amount, balanceAfter int64, reservationID *string, reference string, at time.Time) {
	t := domain.Transaction{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Type:          typ,
		Amount:        amount,
		BalanceAfter:  balanceAfter,
		ReservationID: reservationID,
		CreatedAt:     at,
	}
	if reference != "" {
		ref := reference
		t.Reference = &ref
	}
	r.transactions = append(r.transactions, t)
}
