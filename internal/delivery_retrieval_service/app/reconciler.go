package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/aradsms/sms_dispatch/internal/delivery_retrieval_service/domain"
	"github.com/aradsms/sms_dispatch/internal/platform/messagebroker"
	"github.com/aradsms/sms_dispatch/internal/sms_sending_service/provider"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	providerStatusMaxAge = "MAX_AGE_EXCEEDED"
	errorCodeMaxAge      = "max_age_exceeded"
	// Bound on re-reads after losing a compare-and-set race.
	maxApplyAttempts = 3
)

// ReconcilerConfig controls the polling fallback.
type ReconcilerConfig struct {
	PollThreshold   time.Duration // submitted messages younger than this are left to webhooks
	PollMaxAge      time.Duration // unresolved messages older than this expire
	PollBatchSize   int
	PollConcurrency int
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.PollThreshold <= 0 {
		c.PollThreshold = 10 * time.Minute
	}
	if c.PollMaxAge <= 0 {
		c.PollMaxAge = 72 * time.Hour
	}
	if c.PollBatchSize <= 0 {
		c.PollBatchSize = 200
	}
	if c.PollConcurrency <= 0 {
		c.PollConcurrency = 4
	}
	return c
}

// PollSummary counts what one PollPending run did.
type PollSummary struct {
	Claimed   int
	Applied   int
	Expired   int
	Unchanged int
	Errors    int
}

// Reconciler moves submitted messages to their final status from webhook
// callbacks, broker deliveries and status polling.
type Reconciler struct {
	store     domain.MessageStore
	gateway   provider.Gateway
	publisher messagebroker.Publisher // optional
	cfg       ReconcilerConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewReconciler(store domain.MessageStore, gateway provider.Gateway, publisher messagebroker.Publisher, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		gateway:   gateway,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("service", "delivery_reconciler"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// HandleWebhook parses a provider callback and applies it.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte) (bool, error) {
	receipt, err := r.gateway.ParseDeliveryCallback(payload)
	if err != nil {
		receiptsProcessedCounter.WithLabelValues(string(coredomain.ReceiptSourceWebhook), "invalid").Inc()
		return false, err
	}
	receipt.Source = coredomain.ReceiptSourceWebhook
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = r.now()
	}
	return r.ApplyReceipt(ctx, receipt)
}

// ApplyReceipt moves the receipt's message to the receipt's status. It reports
// whether the message changed; a repeated receipt is a no-op and returns false.
func (r *Reconciler) ApplyReceipt(ctx context.Context, receipt *coredomain.DeliveryReceipt) (applied bool, err error) {
	source := string(receipt.Source)
	timer := prometheus.NewTimer(receiptProcessingDurationHist.WithLabelValues(source))
	defer timer.ObserveDuration()
	defer func() { receiptsProcessedCounter.WithLabelValues(source, applyOutcome(applied, err)).Inc() }()

	if !receipt.Status.IsTerminal() {
		// Interim provider states carry nothing to apply.
		return false, nil
	}
	msg, err := r.locate(ctx, receipt)
	if err != nil {
		return false, err
	}

	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		apply, terr := domain.Transition(msg.Status, receipt.Status)
		if terr != nil {
			r.logger.WarnContext(ctx, "Receipt rejected", "error", terr, "message_id", msg.ID,
				"provider_message_id", receipt.ProviderMessageID, "current", msg.Status, "target", receipt.Status, "source", source)
			return false, terr
		}
		if !apply {
			r.logger.DebugContext(ctx, "Duplicate receipt ignored", "message_id", msg.ID, "status", msg.Status, "source", source)
			return false, nil
		}

		at := r.now()
		ok, cerr := r.store.CompareAndSetStatus(ctx, msg.ID, msg.Status, receipt.Status, at, receiptErrorCode(receipt))
		if cerr != nil {
			return false, cerr
		}
		if ok {
			receipt.MessageID = msg.ID
			if aerr := r.store.AppendReceipt(ctx, receipt); aerr != nil {
				// The status change stands; only the audit row is missing.
				r.logger.ErrorContext(ctx, "Failed to append delivery receipt", "error", aerr, "message_id", msg.ID)
			}
			r.publishStatus(ctx, msg, receipt, at)
			r.logger.InfoContext(ctx, "Delivery status applied", "message_id", msg.ID, "tenant_id", msg.TenantID,
				"provider_message_id", receipt.ProviderMessageID, "status", receipt.Status, "source", source)
			return true, nil
		}

		// Lost a race with another receipt; re-read and decide again.
		msg, err = r.store.FindByID(ctx, msg.ID)
		if err != nil {
			return false, err
		}
	}
	return false, fmt.Errorf("message %s kept changing while applying receipt", msg.ID)
}

func (r *Reconciler) locate(ctx context.Context, receipt *coredomain.DeliveryReceipt) (*coredomain.OutboundMessage, error) {
	if receipt.ProviderMessageID != "" {
		msg, err := r.store.FindByProviderMessageID(ctx, receipt.ProviderMessageID)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, coredomain.ErrMessageNotFound) || receipt.MessageID == "" {
			return nil, err
		}
	}
	if receipt.MessageID == "" {
		return nil, fmt.Errorf("%w: receipt carries no message reference", coredomain.ErrMessageNotFound)
	}
	return r.store.FindByID(ctx, receipt.MessageID)
}

// PollPending queries the gateway for submitted messages that received no
// callback within the poll threshold, and expires those past the max age.
func (r *Reconciler) PollPending(ctx context.Context) (PollSummary, error) {
	now := r.now()
	msgs, err := r.store.ClaimStaleSubmitted(ctx, now.Add(-r.cfg.PollThreshold), now, r.cfg.PollBatchSize)
	if err != nil {
		pollRunsCounter.WithLabelValues("error").Inc()
		return PollSummary{}, err
	}

	var (
		mu      sync.Mutex
		summary = PollSummary{Claimed: len(msgs)}
	)
	count := func(f func(s *PollSummary)) {
		mu.Lock()
		f(&summary)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.PollConcurrency)
	for _, msg := range msgs {
		msg := msg
		g.Go(func() error {
			outcome := r.pollOne(gctx, msg, now)
			count(func(s *PollSummary) {
				switch outcome {
				case pollApplied:
					s.Applied++
				case pollExpired:
					s.Expired++
				case pollUnchanged:
					s.Unchanged++
				default:
					s.Errors++
				}
			})
			return nil
		})
	}
	_ = g.Wait()

	pollRunsCounter.WithLabelValues("success").Inc()
	if summary.Claimed > 0 {
		r.logger.InfoContext(ctx, "Poll run finished", "claimed", summary.Claimed, "applied", summary.Applied,
			"expired", summary.Expired, "unchanged", summary.Unchanged, "errors", summary.Errors)
	}
	return summary, ctx.Err()
}

type pollOutcome int

const (
	pollUnchanged pollOutcome = iota
	pollApplied
	pollExpired
	pollError
)

func (r *Reconciler) pollOne(ctx context.Context, msg *coredomain.OutboundMessage, now time.Time) pollOutcome {
	pmid := ""
	if msg.ProviderMessageID != nil {
		pmid = *msg.ProviderMessageID
	}
	aged := msg.SubmittedAt != nil && now.Sub(*msg.SubmittedAt) > r.cfg.PollMaxAge

	if pmid != "" {
		report, err := r.gateway.QueryStatus(ctx, pmid)
		switch {
		case err != nil:
			r.logger.WarnContext(ctx, "Status query failed", "error", err, "message_id", msg.ID, "provider_message_id", pmid)
		case report != nil && report.Final():
			applied, aerr := r.ApplyReceipt(ctx, &coredomain.DeliveryReceipt{
				MessageID:         msg.ID,
				ProviderMessageID: pmid,
				ProviderStatus:    report.ProviderStatus,
				Status:            report.Status,
				ReceivedAt:        now,
				Source:            coredomain.ReceiptSourcePoll,
			})
			switch {
			case aerr != nil:
				return pollError
			case applied:
				return pollApplied
			default:
				return pollUnchanged
			}
		}
	}

	if !aged {
		return pollUnchanged
	}
	applied, err := r.ApplyReceipt(ctx, &coredomain.DeliveryReceipt{
		MessageID:         msg.ID,
		ProviderMessageID: pmid,
		ProviderStatus:    providerStatusMaxAge,
		Status:            coredomain.MessageStatusExpired,
		ReceivedAt:        now,
		Source:            coredomain.ReceiptSourcePoll,
	})
	if err != nil {
		return pollError
	}
	if !applied {
		return pollUnchanged
	}
	messagesExpiredCounter.Inc()
	return pollExpired
}

func (r *Reconciler) publishStatus(ctx context.Context, msg *coredomain.OutboundMessage, receipt *coredomain.DeliveryReceipt, at time.Time) {
	if r.publisher == nil {
		return
	}
	event := coredomain.StatusEvent{
		MessageID:         msg.ID,
		TenantID:          msg.TenantID,
		BatchID:           msg.BatchID,
		Status:            receipt.Status,
		ProviderMessageID: msg.ProviderMessageID,
		ErrorCode:         receiptErrorCode(receipt),
		OccurredAt:        at,
	}
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to encode status event", "error", err, "message_id", msg.ID)
		return
	}
	if err := r.publisher.Publish(ctx, coredomain.StatusSubject(receipt.Status), data); err != nil {
		r.logger.WarnContext(ctx, "Failed to publish status event", "error", err, "message_id", msg.ID)
	}
}

// receiptErrorCode gives the error code stored with a failed or expired message.
func receiptErrorCode(receipt *coredomain.DeliveryReceipt) *string {
	if receipt.Status == coredomain.MessageStatusDelivered {
		return nil
	}
	code := strings.ToLower(strings.TrimSpace(receipt.ProviderStatus))
	if receipt.ProviderStatus == providerStatusMaxAge {
		code = errorCodeMaxAge
	}
	if code == "" {
		code = string(receipt.Status)
	}
	return &code
}

func applyOutcome(applied bool, err error) string {
	switch {
	case err == nil && applied:
		return "applied"
	case err == nil:
		return "duplicate"
	case errors.Is(err, coredomain.ErrReconciliationInconsistency):
		return "inconsistent"
	case errors.Is(err, coredomain.ErrMessageNotFound):
		return "unknown_message"
	case errors.Is(err, coredomain.ErrReceiptTooEarly):
		return "too_early"
	default:
		return "error"
	}
}
