package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/aradsms/sms_dispatch/internal/billing_service/domain"
	"github.com/aradsms/sms_dispatch/internal/billing_service/repository/memory"
	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

type MockLedgerRepository struct {
	mock.Mock
}

func (m *MockLedgerRepository) EnsureAccount(ctx context.Context, tenantID string) error {
	return m.Called(ctx, tenantID).Error(0)
}

func (m *MockLedgerRepository) GetBalance(ctx context.Context, tenantID string) (*domain.CreditBalance, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CreditBalance), args.Error(1)
}

func (m *MockLedgerRepository) Reserve(ctx context.Context, tenantID string, amount int64, reference string) (*domain.Reservation, error) {
	args := m.Called(ctx, tenantID, amount, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Reservation), args.Error(1)
}

func (m *MockLedgerRepository) Commit(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	args := m.Called(ctx, reservationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Reservation), args.Error(1)
}

func (m *MockLedgerRepository) Release(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	args := m.Called(ctx, reservationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Reservation), args.Error(1)
}

func (m *MockLedgerRepository) Credit(ctx context.Context, tenantID string, amount int64, reference string) (*domain.CreditBalance, error) {
	args := m.Called(ctx, tenantID, amount, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CreditBalance), args.Error(1)
}

func (m *MockLedgerRepository) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	args := m.Called(ctx, reservationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Reservation), args.Error(1)
}

func (m *MockLedgerRepository) ListTransactions(ctx context.Context, tenantID string, limit, offset int) ([]domain.Transaction, error) {
	args := m.Called(ctx, tenantID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Transaction), args.Error(1)
}

func newTestLedger() *CreditLedger {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCreditLedger(memory.NewLedgerRepository(), logger)
}

// --- Tests ---

func TestCreditLedger_Reserve_Validation(t *testing.T) {
	repo := new(MockLedgerRepository)
	ledger := NewCreditLedger(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, "tenant-1", 0, "")
	assert.ErrorIs(t, err, coredomain.ErrValidation)

	_, err = ledger.Reserve(ctx, "", 10, "")
	assert.ErrorIs(t, err, coredomain.ErrValidation)

	_, err = ledger.TopUp(ctx, "tenant-1", -5, "")
	assert.ErrorIs(t, err, coredomain.ErrValidation)

	repo.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "Credit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreditLedger_Reserve_RepositoryError(t *testing.T) {
	repo := new(MockLedgerRepository)
	ledger := NewCreditLedger(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	dbErr := errors.New("connection reset")
	repo.On("Reserve", ctx, "tenant-1", int64(10), "ref").Return(nil, dbErr).Once()

	_, err := ledger.Reserve(ctx, "tenant-1", 10, "ref")
	assert.ErrorIs(t, err, dbErr)
	repo.AssertExpectations(t)
}

func TestCreditLedger_NoOversell(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	_, err := ledger.TopUp(ctx, "tenant-1", 100, "seed")
	require.NoError(t, err)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Reserve(ctx, "tenant-1", 40, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, coredomain.ErrInsufficientCredit):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, insufficient)

	balance, err := ledger.GetBalance(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance.Credits)
}

func TestCreditLedger_ReservationLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("CommitIsIdempotentAndFinal", func(t *testing.T) {
		ledger := newTestLedger()
		_, err := ledger.TopUp(ctx, "tenant-1", 10, "")
		require.NoError(t, err)

		res, err := ledger.Reserve(ctx, "tenant-1", 4, "batch-1")
		require.NoError(t, err)

		require.NoError(t, ledger.Commit(ctx, res.ID))
		require.NoError(t, ledger.Commit(ctx, res.ID))

		err = ledger.Release(ctx, res.ID)
		assert.ErrorIs(t, err, domain.ErrReservationClosed)

		balance, err := ledger.GetBalance(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, int64(6), balance.Credits)
	})

	t.Run("ReleaseRestoresOnce", func(t *testing.T) {
		ledger := newTestLedger()
		_, err := ledger.TopUp(ctx, "tenant-1", 10, "")
		require.NoError(t, err)

		res, err := ledger.Reserve(ctx, "tenant-1", 4, "")
		require.NoError(t, err)

		require.NoError(t, ledger.Release(ctx, res.ID))
		require.NoError(t, ledger.Release(ctx, res.ID))

		err = ledger.Commit(ctx, res.ID)
		assert.ErrorIs(t, err, domain.ErrReservationClosed)

		balance, err := ledger.GetBalance(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), balance.Credits)
	})

	t.Run("UnknownReservation", func(t *testing.T) {
		ledger := newTestLedger()
		assert.ErrorIs(t, ledger.Commit(ctx, "nope"), domain.ErrReservationNotFound)
		assert.ErrorIs(t, ledger.Release(ctx, "nope"), domain.ErrReservationNotFound)
	})
}

func TestCreditLedger_ProvisionAndTransactions(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	require.NoError(t, ledger.ProvisionAccount(ctx, "tenant-9"))
	balance, err := ledger.GetBalance(ctx, "tenant-9")
	require.NoError(t, err)
	assert.Zero(t, balance.Credits)

	_, err = ledger.Reserve(ctx, "tenant-9", 1, "")
	assert.ErrorIs(t, err, coredomain.ErrInsufficientCredit)

	_, err = ledger.TopUp(ctx, "tenant-9", 5, "invoice-1")
	require.NoError(t, err)
	res, err := ledger.Reserve(ctx, "tenant-9", 2, "")
	require.NoError(t, err)
	require.NoError(t, ledger.Release(ctx, res.ID))

	txns, err := ledger.ListTransactions(ctx, "tenant-9", 0, 0)
	require.NoError(t, err)
	require.Len(t, txns, 3)

	var sum int64
	types := map[domain.TransactionType]int{}
	for _, txn := range txns {
		sum += txn.Amount
		types[txn.Type]++
	}
	assert.Equal(t, int64(5), sum)
	assert.Equal(t, 1, types[domain.TransactionTypeCreditPurchase])
	assert.Equal(t, 1, types[domain.TransactionTypeReservationHold])
	assert.Equal(t, 1, types[domain.TransactionTypeReservationRelease])
}
