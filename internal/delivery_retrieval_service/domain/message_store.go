package domain

import (
	"context"
	"time"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
)

// MessageStore is the view of outbound messages the reconciler works against.
// Implementations return coredomain.ErrMessageNotFound for unknown ids.
type MessageStore interface {
	FindByID(ctx context.Context, messageID string) (*coredomain.OutboundMessage, error)
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*coredomain.OutboundMessage, error)

	// CompareAndSetStatus moves a message from `from` to `to` only if it is still
	// in `from`. It reports whether the row was updated.
	CompareAndSetStatus(ctx context.Context, messageID string, from, to coredomain.MessageStatus, at time.Time, errorCode *string) (bool, error)

	// ClaimStaleSubmitted returns up to limit submitted messages sent before cutoff
	// and not polled since cutoff, stamping them as polled at now. Concurrent
	// callers never receive the same message.
	ClaimStaleSubmitted(ctx context.Context, cutoff, now time.Time, limit int) ([]*coredomain.OutboundMessage, error)

	// AppendReceipt records an applied receipt for audit.
	AppendReceipt(ctx context.Context, receipt *coredomain.DeliveryReceipt) error
}
