package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aradsms/sms_dispatch/internal/billing_service/domain"
	"github.com/aradsms/sms_dispatch/internal/billing_service/repository"
	"github.com/aradsms/sms_dispatch/internal/platform/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	lockBalanceSQL       = `SELECT credits FROM credit_balances WHERE tenant_id = $1 FOR UPDATE`
	debitBalanceSQL      = `UPDATE credit_balances SET credits = $2, updated_at = $3 WHERE tenant_id = $1`
	refundBalanceSQL     = `UPDATE credit_balances SET credits = credits + $2, updated_at = $3 WHERE tenant_id = $1 RETURNING credits`
	insertReservationSQL = `INSERT INTO credit_reservations (id, tenant_id, amount, state, reference, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	closeReservationSQL  = `UPDATE credit_reservations SET state = $2, closed_at = $3 WHERE id = $1`
	selectReservationSQL = `SELECT id, tenant_id, amount, state, reference, created_at, closed_at FROM credit_reservations WHERE id = $1`
	insertTransactionSQL = `INSERT INTO credit_transactions (id, tenant_id, type, amount, balance_after, reservation_id, reference, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	upsertCreditSQL      = `INSERT INTO credit_balances (tenant_id, credits, updated_at) VALUES ($1, $2, $3) ON CONFLICT (tenant_id) DO UPDATE SET credits = credit_balances.credits + EXCLUDED.credits, updated_at = EXCLUDED.updated_at RETURNING credits`
	ensureAccountSQL     = `INSERT INTO credit_balances (tenant_id, credits, updated_at) VALUES ($1, 0, $2) ON CONFLICT (tenant_id) DO NOTHING`
	selectBalanceSQL     = `SELECT tenant_id, credits, updated_at FROM credit_balances WHERE tenant_id = $1`
	listTransactionsSQL  = `SELECT id, tenant_id, type, amount, balance_after, reservation_id, reference, created_at FROM credit_transactions WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
)

type pgLedgerRepository struct {
	db     database.DB
	logger *slog.Logger
}

// NewPgLedgerRepository creates a LedgerRepository backed by PostgreSQL.
func NewPgLedgerRepository(db database.DB, logger *slog.Logger) repository.LedgerRepository {
	return &pgLedgerRepository{db: db, logger: logger.With("component", "ledger_repository_pg")}
}

func (r *pgLedgerRepository) EnsureAccount(ctx context.Context, tenantID string) error {
	if _, err := r.db.Exec(ctx, ensureAccountSQL, tenantID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to provision credit account: %w", err)
	}
	return nil
}

func (r *pgLedgerRepository) GetBalance(ctx context.Context, tenantID string) (*domain.CreditBalance, error) {
	balance := &domain.CreditBalance{}
	err := r.db.QueryRow(ctx, selectBalanceSQL, tenantID).Scan(&balance.TenantID, &balance.Credits, &balance.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// No account yet means nothing to spend.
			return &domain.CreditBalance{TenantID: tenantID}, nil
		}
		return nil, fmt.Errorf("failed to read credit balance: %w", err)
	}
	return balance, nil
}

func (r *pgLedgerRepository) Reserve(ctx context.Context, tenantID string, amount int64, reference string) (*domain.Reservation, error) {
	now := time.Now().UTC()
	reservation := &domain.Reservation{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Amount:    amount,
		State:     domain.ReservationStateHeld,
		Reference: reference,
		CreatedAt: now,
	}

	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var credits int64
		if err := tx.QueryRow(ctx, lockBalanceSQL, tenantID).Scan(&credits); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &domain.InsufficientCreditError{TenantID: tenantID, Balance: 0, Requested: amount}
			}
			return fmt.Errorf("failed to lock credit balance: %w", err)
		}
		if credits < amount {
			return &domain.InsufficientCreditError{TenantID: tenantID, Balance: credits, Requested: amount}
		}

		balanceAfter := credits - amount
		if _, err := tx.Exec(ctx, debitBalanceSQL, tenantID, balanceAfter, now); err != nil {
			return fmt.Errorf("failed to debit credit balance: %w", err)
		}
		if _, err := tx.Exec(ctx, insertReservationSQL,
			reservation.ID, tenantID, amount, reservation.State, reference, now,
		); err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}
		return r.insertTransaction(ctx, tx, &domain.Transaction{
			TenantID:      tenantID,
			Type:          domain.TransactionTypeReservationHold,
			Amount:        -amount,
			BalanceAfter:  balanceAfter,
			ReservationID: &reservation.ID,
			Reference:     optionalString(reference),
			CreatedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

func (r *pgLedgerRepository) Commit(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	var reservation *domain.Reservation
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		reservation, err = r.lockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		switch reservation.State {
		case domain.ReservationStateCommitted:
			return nil
		case domain.ReservationStateReleased:
			return fmt.Errorf("%w: reservation %s was released", domain.ErrReservationClosed, reservationID)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, closeReservationSQL, reservationID, domain.ReservationStateCommitted, now); err != nil {
			return fmt.Errorf("failed to commit reservation: %w", err)
		}
		reservation.State = domain.ReservationStateCommitted
		reservation.ClosedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

func (r *pgLedgerRepository) Release(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	var reservation *domain.Reservation
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		reservation, err = r.lockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		switch reservation.State {
		case domain.ReservationStateReleased:
			return nil
		case domain.ReservationStateCommitted:
			return fmt.Errorf("%w: reservation %s was committed", domain.ErrReservationClosed, reservationID)
		}

		now := time.Now().UTC()
		var balanceAfter int64
		if err := tx.QueryRow(ctx, refundBalanceSQL, reservation.TenantID, reservation.Amount, now).Scan(&balanceAfter); err != nil {
			return fmt.Errorf("failed to refund credit balance: %w", err)
		}
		if _, err := tx.Exec(ctx, closeReservationSQL, reservationID, domain.ReservationStateReleased, now); err != nil {
			return fmt.Errorf("failed to release reservation: %w", err)
		}
		reservation.State = domain.ReservationStateReleased
		reservation.ClosedAt = &now

		return r.insertTransaction(ctx, tx, &domain.Transaction{
			TenantID:      reservation.TenantID,
			Type:          domain.TransactionTypeReservationRelease,
			Amount:        reservation.Amount,
			BalanceAfter:  balanceAfter,
			ReservationID: &reservation.ID,
			Reference:     optionalString(reservation.Reference),
			CreatedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

func (r *pgLedgerRepository) Credit(ctx context.Context, tenantID string, amount int64, reference string) (*domain.CreditBalance, error) {
	now := time.Now().UTC()
	balance := &domain.CreditBalance{TenantID: tenantID, UpdatedAt: now}
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, upsertCreditSQL, tenantID, amount, now).Scan(&balance.Credits); err != nil {
			return fmt.Errorf("failed to credit balance: %w", err)
		}
		return r.insertTransaction(ctx, tx, &domain.Transaction{
			TenantID:     tenantID,
			Type:         domain.TransactionTypeCreditPurchase,
			Amount:       amount,
			BalanceAfter: balance.Credits,
			Reference:    optionalString(reference),
			CreatedAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

func (r *pgLedgerRepository) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	return scanReservation(r.db.QueryRow(ctx, selectReservationSQL, reservationID))
}

func (r *pgLedgerRepository) ListTransactions(ctx context.Context, tenantID string, limit, offset int) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, listTransactionsSQL, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit transactions: %w", err)
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(
			&t.ID, &t.TenantID, &t.Type, &t.Amount, &t.BalanceAfter, &t.ReservationID, &t.Reference, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transactions, nil
}

func (r *pgLedgerRepository) lockReservation(ctx context.Context, tx pgx.Tx, reservationID string) (*domain.Reservation, error) {
	return scanReservation(tx.QueryRow(ctx, selectReservationSQL+" FOR UPDATE", reservationID))
}

func (r *pgLedgerRepository) insertTransaction(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	t.ID = uuid.NewString()
	_, err := tx.Exec(ctx, insertTransactionSQL,
		t.ID, t.TenantID, t.Type, t.Amount, t.BalanceAfter, t.ReservationID, t.Reference, t.CreatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to append credit transaction", "error", err, "tenant_id", t.TenantID, "type", t.Type)
		return fmt.Errorf("failed to insert credit transaction: %w", err)
	}
	return nil
}

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	res := &domain.Reservation{}
	err := row.Scan(&res.ID, &res.TenantID, &res.Amount, &res.State, &res.Reference, &res.CreatedAt, &res.ClosedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to read reservation: %w", err)
	}
	return res, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
