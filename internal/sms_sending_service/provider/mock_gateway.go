package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// MockGateway accepts every submission without talking to a provider.
// It backs GATEWAY_DRIVER=mock for local runs.
type MockGateway struct {
	logger         *slog.Logger
	FailSend       bool          // Control whether SendBatch should simulate a permanent rejection
	SimulatedDelay time.Duration // To simulate network latency
	// DeliverAfter makes QueryStatus report delivered once this much time passed since submission.
	DeliverAfter time.Duration

	mu        sync.Mutex
	submitted map[string]time.Time
}

func NewMockGateway(logger *slog.Logger, failSend bool, delay time.Duration) *MockGateway {
	return &MockGateway{
		logger:         logger.With("provider", "mock"),
		FailSend:       failSend,
		SimulatedDelay: delay,
		submitted:      make(map[string]time.Time),
	}
}

func (p *MockGateway) Name() string { return "mock" }

func (p *MockGateway) MaxRecipientsPerRequest() int { return 100 }

func (p *MockGateway) SendBatch(ctx context.Context, sender string, subs []Submission) ([]SubmissionResult, error) {
	timer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(p.Name(), "send"))
	defer timer.ObserveDuration()

	if p.SimulatedDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.SimulatedDelay):
		}
	}

	results := make([]SubmissionResult, len(subs))
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range subs {
		results[i] = SubmissionResult{MessageID: s.MessageID, Recipient: s.Recipient}
		if p.FailSend {
			results[i].Err = coredomain.NewPermanentProviderError(coredomain.ProviderCodeRejected, "", "mock provider simulated send failure", 0)
			continue
		}
		pmid := "mock-" + uuid.NewString()
		results[i].ProviderMessageID = pmid
		p.submitted[pmid] = now
	}
	p.logger.InfoContext(ctx, "MockGateway: batch accepted (simulated)", "sender", sender, "count", len(subs), "failed", p.FailSend)
	return results, nil
}

func (p *MockGateway) QueryStatus(_ context.Context, providerMessageID string) (*StatusReport, error) {
	p.mu.Lock()
	at, ok := p.submitted[providerMessageID]
	p.mu.Unlock()

	report := &StatusReport{ProviderMessageID: providerMessageID, ProviderStatus: "PENDING", Status: coredomain.MessageStatusSubmitted}
	if ok && time.Since(at) >= p.DeliverAfter {
		report.ProviderStatus = "DELIVERED"
		report.Status = coredomain.MessageStatusDelivered
	}
	return report, nil
}

// ParseDeliveryCallback accepts the same payload shape as the Beem webhook.
func (p *MockGateway) ParseDeliveryCallback(payload []byte) (*coredomain.DeliveryReceipt, error) {
	return parseBeemCallback(payload)
}
