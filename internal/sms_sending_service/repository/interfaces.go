package repository

import (
	"context"
	"errors"
	"time"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
)

var (
	ErrMessageNotFound = coredomain.ErrMessageNotFound
	ErrBatchNotFound   = errors.New("dispatch batch not found")
	// ErrStaleStatus is returned when a message is no longer in the state an update expects.
	ErrStaleStatus = errors.New("message status changed concurrently")
)

// IdempotencyKey is a client supplied batch key. It blocks reuse by the same
// tenant until ExpiresAt.
type IdempotencyKey struct {
	Key       string
	ExpiresAt time.Time
}

// MessageRepository persists dispatch batches and the outbound messages they own.
type MessageRepository interface {
	// CreateBatch stores the batch and its queued messages atomically. A key the
	// tenant used on a batch whose window is still open at batch.CreatedAt
	// yields ErrIdempotencyConflict.
	CreateBatch(ctx context.Context, batch *coredomain.DispatchBatch, key *IdempotencyKey, msgs []*coredomain.OutboundMessage) error
	// UpdateBatchOutcome records the final counts and rejections of a batch.
	UpdateBatchOutcome(ctx context.Context, batch *coredomain.DispatchBatch) error
	GetBatch(ctx context.Context, tenantID, batchID string) (*coredomain.DispatchBatch, error)

	GetMessage(ctx context.Context, tenantID, messageID string) (*coredomain.OutboundMessage, error)
	// MarkSubmitted moves a queued message to submitted.
	MarkSubmitted(ctx context.Context, messageID, providerMessageID string, at time.Time) error
	// MarkFailed moves a queued message to failed.
	MarkFailed(ctx context.Context, messageID, errorCode, errorMessage string, at time.Time) error
}
