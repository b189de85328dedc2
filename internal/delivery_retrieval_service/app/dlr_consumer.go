package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/nats-io/nats.go"
)

// Subscriber is the part of the NATS client the consumer needs.
type Subscriber interface {
	Subscribe(ctx context.Context, subject, queueGroup string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// DLRConsumer feeds raw provider callbacks published on dlr.raw.<provider>
// through the reconciler.
type DLRConsumer struct {
	subscriber Subscriber
	reconciler *Reconciler
	provider   string
	logger     *slog.Logger
	timeout    time.Duration
}

// NewDLRConsumer creates a consumer for callbacks of the named provider.
// Callbacks published for other providers are dropped.
func NewDLRConsumer(subscriber Subscriber, reconciler *Reconciler, providerName string, logger *slog.Logger) *DLRConsumer {
	return &DLRConsumer{
		subscriber: subscriber,
		reconciler: reconciler,
		provider:   providerName,
		logger:     logger.With("component", "dlr_consumer"),
		timeout:    30 * time.Second,
	}
}

// Start subscribes to subject within queueGroup. The subscription drains when ctx ends.
func (c *DLRConsumer) Start(ctx context.Context, subject, queueGroup string) error {
	c.logger.InfoContext(ctx, "Starting NATS DLR subscription", "subject", subject, "queue_group", queueGroup)
	_, err := c.subscriber.Subscribe(ctx, subject, queueGroup, func(msg *nats.Msg) {
		natsMessagesReceivedCounter.WithLabelValues(subject).Inc()
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "NATS DLR subscription failed", "error", err, "subject", subject)
		return err
	}
	return nil
}

func (c *DLRConsumer) handleMessage(parent context.Context, msg *nats.Msg) {
	providerName, ok := providerFromSubject(msg.Subject)
	if !ok {
		c.logger.ErrorContext(parent, "Invalid NATS subject format for DLR", "subject", msg.Subject)
		return
	}
	if !strings.EqualFold(providerName, c.provider) {
		c.logger.WarnContext(parent, "DLR for a provider this service does not reconcile", "subject", msg.Subject, "provider_name", providerName)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.timeout)
	defer cancel()

	applied, err := c.reconciler.HandleWebhook(ctx, msg.Data)
	switch {
	case err == nil:
		c.logger.DebugContext(ctx, "DLR processed", "provider_name", providerName, "applied", applied)
	case errors.Is(err, coredomain.ErrReconciliationInconsistency), errors.Is(err, coredomain.ErrValidation),
		errors.Is(err, coredomain.ErrMessageNotFound):
		c.logger.WarnContext(ctx, "DLR discarded", "error", err, "provider_name", providerName)
	case errors.Is(err, coredomain.ErrReceiptTooEarly):
		c.logger.WarnContext(ctx, "DLR arrived before submission was recorded, polling will reconcile", "error", err, "provider_name", providerName)
	default:
		c.logger.ErrorContext(ctx, "Failed to process DLR", "error", err, "provider_name", providerName)
	}
}

// providerFromSubject extracts <provider> from dlr.raw.<provider>.
func providerFromSubject(subject string) (string, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "dlr" || parts[1] != "raw" {
		return "", false
	}
	name := parts[2]
	if name == "" || name == "*" || name == ">" {
		return "", false
	}
	return name, true
}
