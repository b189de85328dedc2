package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	billingdomain "github.com/aradsms/sms_dispatch/internal/billing_service/domain"
	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/aradsms/sms_dispatch/internal/core_sms/phonenumber"
	"github.com/aradsms/sms_dispatch/internal/platform/messagebroker"
	senderdomain "github.com/aradsms/sms_dispatch/internal/senderid_service/domain"
	"github.com/aradsms/sms_dispatch/internal/sms_sending_service/provider"
	"github.com/aradsms/sms_dispatch/internal/sms_sending_service/repository"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

// Rejection reasons reported for recipients that never reach the gateway.
const (
	RejectReasonInvalidNumber = "invalid_number"
	RejectReasonDuplicate     = "duplicate"
)

// Normalizer turns raw recipient input into an E.164 address.
type Normalizer interface {
	Normalize(raw string) (phonenumber.PhoneAddress, error)
}

// SenderResolver picks the sender identity a tenant dispatches under.
type SenderResolver interface {
	Resolve(ctx context.Context, tenantID, label string) (*senderdomain.SenderIdentity, error)
}

// Ledger holds credits for the duration of a dispatch.
type Ledger interface {
	Reserve(ctx context.Context, tenantID string, amount int64, reference string) (*billingdomain.Reservation, error)
	Commit(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID string) error
}

// EngineConfig carries the cost policy, fan-out limits and the idempotency window.
type EngineConfig struct {
	CreditsPerSegment int64
	MaxSegments       int
	Concurrency       int
	IdempotencyWindow time.Duration
	// SettleRetry bounds the attempts to commit or release a reservation.
	SettleRetry provider.RetryPolicy
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.CreditsPerSegment <= 0 {
		c.CreditsPerSegment = 1
	}
	if c.MaxSegments <= 0 {
		c.MaxSegments = 200
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.IdempotencyWindow <= 0 {
		c.IdempotencyWindow = 24 * time.Hour
	}
	if c.SettleRetry.MaxAttempts <= 0 {
		c.SettleRetry = provider.RetryPolicy{MaxAttempts: 5, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 3 * time.Second, Multiplier: 2}
	}
	if c.SettleRetry.Retryable == nil {
		c.SettleRetry.Retryable = settleRetryable
	}
	return c
}

type SendRequest struct {
	TenantID       string
	Recipient      string
	Body           string
	SenderLabel    string
	IdempotencyKey string
}

type BulkSendRequest struct {
	TenantID       string
	Recipients     []string
	Body           string
	SenderLabel    string
	IdempotencyKey string
}

// DispatchEngine validates, prices, reserves and submits outbound messages.
type DispatchEngine struct {
	normalizer  Normalizer
	senders     SenderResolver
	ledger      Ledger
	gateway     provider.Gateway
	messages    repository.MessageRepository
	idempotency IdempotencyStore
	publisher   messagebroker.Publisher // optional
	cfg         EngineConfig
	logger      *slog.Logger
	now         func() time.Time
}

func NewDispatchEngine(
	normalizer Normalizer,
	senders SenderResolver,
	ledger Ledger,
	gateway provider.Gateway,
	messages repository.MessageRepository,
	idempotency IdempotencyStore,
	publisher messagebroker.Publisher,
	cfg EngineConfig,
	logger *slog.Logger,
) *DispatchEngine {
	return &DispatchEngine{
		normalizer:  normalizer,
		senders:     senders,
		ledger:      ledger,
		gateway:     gateway,
		messages:    messages,
		idempotency: idempotency,
		publisher:   publisher,
		cfg:         cfg.withDefaults(),
		logger:      logger.With("service", "dispatch_engine"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// priceBody applies the cost policy: segments x credits per segment.
func (e *DispatchEngine) priceBody(body string) (provider.BodyInfo, int64, error) {
	if strings.TrimSpace(body) == "" {
		return provider.BodyInfo{}, 0, coredomain.NewValidationError("body", "must not be empty")
	}
	info := provider.Analyze(body)
	if info.Segments > e.cfg.MaxSegments {
		return provider.BodyInfo{}, 0, coredomain.NewValidationError("body",
			fmt.Sprintf("needs %d segments, at most %d allowed", info.Segments, e.cfg.MaxSegments))
	}
	return info, int64(info.Segments) * e.cfg.CreditsPerSegment, nil
}

// Send dispatches one message. On a gateway failure the failed message is
// returned together with the provider error.
func (e *DispatchEngine) Send(ctx context.Context, req SendRequest) (msg *coredomain.OutboundMessage, err error) {
	start := time.Now()
	defer func() { e.observe("send", start, err) }()

	info, unitCost, err := e.priceBody(req.Body)
	if err != nil {
		return nil, err
	}
	addr, err := e.normalizer.Normalize(req.Recipient)
	if err != nil {
		recipientsRejectedCounter.WithLabelValues(RejectReasonInvalidNumber).Inc()
		return nil, err
	}

	batch, msgs, release, err := e.prepare(ctx, req.TenantID, req.SenderLabel, req.IdempotencyKey, req.Body, info, unitCost, []string{addr.E164})
	if err != nil {
		return nil, err
	}
	msg = msgs[0]

	results, sendErr := e.gateway.SendBatch(ctx, msg.SenderLabel, []provider.Submission{{MessageID: msg.ID, Recipient: msg.Recipient, Body: msg.Body}})
	result := provider.SubmissionResult{MessageID: msg.ID, Recipient: msg.Recipient, Err: sendErr}
	switch {
	case sendErr != nil:
	case len(results) > 0:
		result = results[0]
	default:
		result.Err = coredomain.NewTransientProviderError(coredomain.ProviderCodeUnavailable, "no result for message", 0, nil)
	}

	// Bookkeeping must finish even if the caller goes away.
	bgCtx := context.WithoutCancel(ctx)
	e.applyResult(bgCtx, msg, result)
	if result.Err == nil {
		batch.Accepted = 1
		batch.MessageIDs = []string{msg.ID}
	} else {
		batch.RejectedProvider = 1
		batch.Rejections = []coredomain.Rejection{{Recipient: msg.Recipient, Reason: coredomain.ErrorCode(result.Err), MessageID: msg.ID}}
	}
	release(bgCtx, result.Err == nil)
	e.recordOutcome(bgCtx, batch)

	if result.Err != nil {
		return msg, result.Err
	}
	e.logger.InfoContext(ctx, "Message submitted", "tenant_id", req.TenantID, "message_id", msg.ID,
		"provider_message_id", derefString(msg.ProviderMessageID), "segments", msg.Segments)
	return msg, nil
}

// SendBulk dispatches one body to many recipients. Invalid and duplicate
// recipients are rejected up front and never priced. The reservation for the
// valid subset is committed as a unit when at least one message was submitted.
func (e *DispatchEngine) SendBulk(ctx context.Context, req BulkSendRequest) (batch *coredomain.DispatchBatch, err error) {
	start := time.Now()
	defer func() { e.observe("send_bulk", start, err) }()

	info, unitCost, err := e.priceBody(req.Body)
	if err != nil {
		return nil, err
	}
	if len(req.Recipients) == 0 {
		return nil, coredomain.NewValidationError("recipients", "at least one recipient is required")
	}

	var (
		valid      []string
		rejections []coredomain.Rejection
		seen       = make(map[string]struct{}, len(req.Recipients))
	)
	for _, raw := range req.Recipients {
		addr, nerr := e.normalizer.Normalize(raw)
		if nerr != nil {
			rejections = append(rejections, coredomain.Rejection{Recipient: raw, Reason: RejectReasonInvalidNumber})
			recipientsRejectedCounter.WithLabelValues(RejectReasonInvalidNumber).Inc()
			continue
		}
		if _, dup := seen[addr.E164]; dup {
			rejections = append(rejections, coredomain.Rejection{Recipient: raw, Reason: RejectReasonDuplicate})
			recipientsRejectedCounter.WithLabelValues(RejectReasonDuplicate).Inc()
			continue
		}
		seen[addr.E164] = struct{}{}
		valid = append(valid, addr.E164)
	}
	if len(valid) == 0 {
		rejected := &coredomain.DispatchBatch{
			TenantID:           req.TenantID,
			RejectedValidation: len(rejections),
			Rejections:         rejections,
			CreatedAt:          e.now(),
		}
		return rejected, coredomain.NewValidationError("recipients", "no valid recipients")
	}

	batch, msgs, release, err := e.prepare(ctx, req.TenantID, req.SenderLabel, req.IdempotencyKey, req.Body, info, unitCost, valid)
	if err != nil {
		return nil, err
	}
	batch.RejectedValidation = len(rejections)
	batch.Rejections = rejections

	bgCtx := context.WithoutCancel(ctx)
	results := e.dispatchChunks(ctx, msgs)

	var lastErr error
	for i, msg := range msgs {
		e.applyResult(bgCtx, msg, results[i])
		if results[i].Err != nil {
			lastErr = results[i].Err
			batch.RejectedProvider++
			batch.Rejections = append(batch.Rejections, coredomain.Rejection{
				Recipient: msg.Recipient, Reason: coredomain.ErrorCode(results[i].Err), MessageID: msg.ID,
			})
			continue
		}
		batch.Accepted++
		batch.MessageIDs = append(batch.MessageIDs, msg.ID)
	}
	release(bgCtx, batch.Accepted > 0)
	e.recordOutcome(bgCtx, batch)

	e.logger.InfoContext(ctx, "Bulk dispatch finished", "tenant_id", req.TenantID, "batch_id", batch.ID,
		"accepted", batch.Accepted, "rejected_validation", batch.RejectedValidation, "rejected_provider", batch.RejectedProvider)
	if batch.Accepted == 0 {
		return batch, lastErr
	}
	return batch, nil
}

// settleRetryable reports whether a failed commit or release may succeed later.
// A missing or already closed reservation is final.
func settleRetryable(err error) bool {
	return !errors.Is(err, billingdomain.ErrReservationNotFound) && !errors.Is(err, billingdomain.ErrReservationClosed)
}

// settleReservation runs a ledger settlement under the retry policy.
func (e *DispatchEngine) settleReservation(ctx context.Context, op string, fn func(context.Context, string) error, reservationID string) error {
	err := e.cfg.SettleRetry.Do(ctx, func(ctx context.Context) error { return fn(ctx, reservationID) })
	if err != nil {
		reservationSettleFailuresCounter.WithLabelValues(op).Inc()
	}
	return err
}

// settleFunc commits the batch reservation when keep is true and releases it otherwise.
type settleFunc func(ctx context.Context, keep bool)

// prepare runs the shared steps between validation and the gateway call:
// idempotency claim, sender resolution, reservation and persistence of the
// queued messages. Any failure undoes the earlier steps.
func (e *DispatchEngine) prepare(
	ctx context.Context,
	tenantID, senderLabel, idemKey, body string,
	info provider.BodyInfo,
	unitCost int64,
	recipients []string,
) (*coredomain.DispatchBatch, []*coredomain.OutboundMessage, settleFunc, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, nil, nil, coredomain.NewValidationError("tenant_id", "must not be empty")
	}

	now := e.now()
	var keyPtr *string
	var durableKey *repository.IdempotencyKey
	if idemKey != "" {
		claimed, err := e.idempotency.Claim(ctx, tenantID, idemKey)
		if err != nil {
			// The unique index on the batch row still guards the key.
			e.logger.WarnContext(ctx, "Idempotency store unavailable", "error", err, "tenant_id", tenantID)
		} else if !claimed {
			return nil, nil, nil, coredomain.ErrIdempotencyConflict
		}
		keyPtr = &idemKey
		durableKey = &repository.IdempotencyKey{Key: idemKey, ExpiresAt: now.Add(e.cfg.IdempotencyWindow)}
	}
	undoClaim := func() {
		if keyPtr == nil {
			return
		}
		if err := e.idempotency.Forget(context.WithoutCancel(ctx), tenantID, idemKey); err != nil {
			e.logger.WarnContext(ctx, "Failed to drop idempotency claim", "error", err, "tenant_id", tenantID)
		}
	}

	sender, err := e.senders.Resolve(ctx, tenantID, senderLabel)
	if err != nil {
		undoClaim()
		return nil, nil, nil, err
	}

	batch := &coredomain.DispatchBatch{
		ID:        ulid.Make().String(),
		TenantID:  tenantID,
		CreatedAt: now,
	}
	total := unitCost * int64(len(recipients))
	reservation, err := e.ledger.Reserve(ctx, tenantID, total, batch.ID)
	if err != nil {
		undoClaim()
		return nil, nil, nil, err
	}
	creditsReservedForDispatchCounter.Add(float64(total))

	msgs := make([]*coredomain.OutboundMessage, 0, len(recipients))
	for _, rcpt := range recipients {
		msgs = append(msgs, &coredomain.OutboundMessage{
			ID:               uuid.NewString(),
			TenantID:         tenantID,
			BatchID:          &batch.ID,
			SenderIdentityID: sender.ID,
			SenderLabel:      sender.Label,
			Recipient:        rcpt,
			Body:             body,
			Encoding:         info.Encoding,
			Segments:         info.Segments,
			Cost:             unitCost,
			Status:           coredomain.MessageStatusQueued,
			IdempotencyKey:   keyPtr,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}

	if err := e.messages.CreateBatch(ctx, batch, durableKey, msgs); err != nil {
		bg := context.WithoutCancel(ctx)
		if rerr := e.settleReservation(bg, "release", e.ledger.Release, reservation.ID); rerr != nil {
			e.logger.ErrorContext(ctx, "Failed to release reservation after persist error", "error", rerr, "reservation_id", reservation.ID)
		}
		if !errors.Is(err, coredomain.ErrIdempotencyConflict) {
			undoClaim()
		}
		return nil, nil, nil, err
	}

	settle := func(ctx context.Context, keep bool) {
		op, fn := "commit", e.ledger.Commit
		if !keep {
			op, fn = "release", e.ledger.Release
		}
		if err := e.settleReservation(ctx, op, fn, reservation.ID); err != nil {
			e.logger.ErrorContext(ctx, "Failed to settle reservation", "error", err, "operation", op,
				"reservation_id", reservation.ID, "batch_id", batch.ID, "tenant_id", tenantID)
		}
	}
	return batch, msgs, settle, nil
}

// dispatchChunks submits msgs in gateway-sized chunks with bounded concurrency.
// The returned results are aligned with msgs.
func (e *DispatchEngine) dispatchChunks(ctx context.Context, msgs []*coredomain.OutboundMessage) []provider.SubmissionResult {
	size := e.gateway.MaxRecipientsPerRequest()
	if size <= 0 {
		size = len(msgs)
	}
	results := make([]provider.SubmissionResult, len(msgs))
	sender := msgs[0].SenderLabel

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for start := 0; start < len(msgs); start += size {
		end := start + size
		if end > len(msgs) {
			end = len(msgs)
		}
		lo, hi := start, end
		g.Go(func() error {
			subs := make([]provider.Submission, 0, hi-lo)
			for _, m := range msgs[lo:hi] {
				subs = append(subs, provider.Submission{MessageID: m.ID, Recipient: m.Recipient, Body: m.Body})
			}
			out, err := e.gateway.SendBatch(ctx, sender, subs)
			byID := make(map[string]provider.SubmissionResult, len(out))
			for _, r := range out {
				byID[r.MessageID] = r
			}
			for i, m := range msgs[lo:hi] {
				r, ok := byID[m.ID]
				switch {
				case ok:
				case err != nil:
					r = provider.SubmissionResult{MessageID: m.ID, Recipient: m.Recipient, Err: err}
				default:
					r = provider.SubmissionResult{MessageID: m.ID, Recipient: m.Recipient,
						Err: coredomain.NewTransientProviderError(coredomain.ProviderCodeUnavailable, "no result for message", 0, nil)}
				}
				results[lo+i] = r
			}
			// Chunk failures are per message; never cancel sibling chunks.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// applyResult persists the gateway outcome of one message and publishes its status.
func (e *DispatchEngine) applyResult(ctx context.Context, msg *coredomain.OutboundMessage, r provider.SubmissionResult) {
	now := e.now()
	if r.Err == nil {
		if err := e.messages.MarkSubmitted(ctx, msg.ID, r.ProviderMessageID, now); err != nil {
			e.logger.ErrorContext(ctx, "Failed to mark message submitted", "error", err, "message_id", msg.ID)
		}
		pmid := r.ProviderMessageID
		msg.Status = coredomain.MessageStatusSubmitted
		msg.ProviderMessageID = &pmid
		msg.SubmittedAt = &now
		messagesDispatchedCounter.WithLabelValues("submitted").Inc()
	} else {
		code := coredomain.ErrorCode(r.Err)
		text := r.Err.Error()
		if err := e.messages.MarkFailed(ctx, msg.ID, code, text, now); err != nil {
			e.logger.ErrorContext(ctx, "Failed to mark message failed", "error", err, "message_id", msg.ID)
		}
		msg.Status = coredomain.MessageStatusFailed
		msg.ErrorCode = &code
		msg.ErrorMessage = &text
		msg.CompletedAt = &now
		messagesDispatchedCounter.WithLabelValues("failed").Inc()
		e.logger.WarnContext(ctx, "Gateway rejected message", "message_id", msg.ID, "tenant_id", msg.TenantID, "error_code", code, "error", r.Err)
	}
	msg.UpdatedAt = now
	e.publishStatus(ctx, msg, now)
}

func (e *DispatchEngine) recordOutcome(ctx context.Context, batch *coredomain.DispatchBatch) {
	if err := e.messages.UpdateBatchOutcome(ctx, batch); err != nil {
		e.logger.ErrorContext(ctx, "Failed to record batch outcome", "error", err, "batch_id", batch.ID)
	}
}

func (e *DispatchEngine) publishStatus(ctx context.Context, msg *coredomain.OutboundMessage, at time.Time) {
	if e.publisher == nil {
		return
	}
	event := coredomain.StatusEvent{
		MessageID:         msg.ID,
		TenantID:          msg.TenantID,
		BatchID:           msg.BatchID,
		Status:            msg.Status,
		ProviderMessageID: msg.ProviderMessageID,
		ErrorCode:         msg.ErrorCode,
		OccurredAt:        at,
	}
	data, err := json.Marshal(event)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to encode status event", "error", err, "message_id", msg.ID)
		return
	}
	if err := e.publisher.Publish(ctx, coredomain.StatusSubject(msg.Status), data); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish status event", "error", err, "message_id", msg.ID)
	}
}

// GetMessage returns a tenant's message.
func (e *DispatchEngine) GetMessage(ctx context.Context, tenantID, messageID string) (*coredomain.OutboundMessage, error) {
	return e.messages.GetMessage(ctx, tenantID, messageID)
}

// GetBatch returns a tenant's dispatch batch.
func (e *DispatchEngine) GetBatch(ctx context.Context, tenantID, batchID string) (*coredomain.DispatchBatch, error) {
	return e.messages.GetBatch(ctx, tenantID, batchID)
}

func (e *DispatchEngine) observe(op string, start time.Time, err error) {
	dispatchDurationHist.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = coredomain.ErrorCode(err)
	}
	dispatchRequestsCounter.WithLabelValues(op, result).Inc()
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
