package domain

import (
	"time"
)

// TransactionType defines the nature of a ledger entry.
type TransactionType string

const (
	TransactionTypeCreditPurchase     TransactionType = "credit_purchase"
	TransactionTypeReservationHold    TransactionType = "reservation_hold"
	TransactionTypeReservationRelease TransactionType = "reservation_release"
)

// Transaction is an append-only record of a balance mutation.
type Transaction struct {
	ID            string          `json:"id"` // UUID
	TenantID      string          `json:"tenant_id"`
	Type          TransactionType `json:"type"`
	Amount        int64           `json:"amount"` // Positive for credit, negative for debit.
	BalanceAfter  int64           `json:"balance_after"`
	ReservationID *string         `json:"reservation_id,omitempty"`
	Reference     *string         `json:"reference,omitempty"` // batch id, top-up reference etc.
	CreatedAt     time.Time       `json:"created_at"`
}
