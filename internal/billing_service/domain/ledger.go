package domain

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
)

var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationClosed   = errors.New("reservation already closed")
)

// CreditBalance is the spendable credit of one tenant. Credits never go below zero.
type CreditBalance struct {
	TenantID  string    `json:"tenant_id"`
	Credits   int64     `json:"credits"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ReservationState string

const (
	ReservationStateHeld      ReservationState = "held"
	ReservationStateCommitted ReservationState = "committed"
	ReservationStateReleased  ReservationState = "released"
)

func (s ReservationState) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *ReservationState) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		*s = ReservationState(v)
	case []byte:
		*s = ReservationState(v)
	case ReservationState:
		*s = v
	default:
		return fmt.Errorf("cannot scan %T into ReservationState", src)
	}
	switch *s {
	case ReservationStateHeld, ReservationStateCommitted, ReservationStateReleased:
		return nil
	}
	return fmt.Errorf("invalid reservation state %q", string(*s))
}

// Reservation is credit taken out of a balance on behalf of a pending dispatch.
// A held reservation ends either committed (spent) or released (returned), never both.
type Reservation struct {
	ID        string           `json:"id"`
	TenantID  string           `json:"tenant_id"`
	Amount    int64            `json:"amount"`
	State     ReservationState `json:"state"`
	Reference string           `json:"reference,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	ClosedAt  *time.Time       `json:"closed_at,omitempty"`
}

// InsufficientCreditError reports the balance seen under the row lock.
type InsufficientCreditError struct {
	TenantID  string
	Balance   int64
	Requested int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit for tenant %s: balance %d, requested %d", e.TenantID, e.Balance, e.Requested)
}

func (e *InsufficientCreditError) Unwrap() error { return coredomain.ErrInsufficientCredit }
