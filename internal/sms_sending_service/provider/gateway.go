package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
)

// Submission is one message handed to the gateway.
type Submission struct {
	MessageID string // internal id, echoed back by the provider as recipient_id
	Recipient string // E.164
	Body      string
}

// SubmissionResult is the per-message outcome of SendBatch. Err is nil on success
// and otherwise unwraps to ErrProviderTransient or ErrProviderPermanent.
type SubmissionResult struct {
	MessageID         string
	Recipient         string
	ProviderMessageID string
	Err               error
}

// StatusReport is the provider's current view of a submitted message.
type StatusReport struct {
	ProviderMessageID string
	ProviderStatus    string
	Status            coredomain.MessageStatus // submitted while the provider has no final answer
}

// Final reports whether the provider has a terminal outcome for the message.
func (r *StatusReport) Final() bool { return r.Status.IsTerminal() }

// Gateway submits messages to an upstream SMS provider.
type Gateway interface {
	Name() string
	MaxRecipientsPerRequest() int
	// SendBatch submits every submission under sender. Submissions sharing a body
	// are grouped and sent in chunks of MaxRecipientsPerRequest. A failing chunk
	// only fails its own submissions.
	SendBatch(ctx context.Context, sender string, subs []Submission) ([]SubmissionResult, error)
	QueryStatus(ctx context.Context, providerMessageID string) (*StatusReport, error)
	// ParseDeliveryCallback turns a provider webhook payload into a receipt.
	ParseDeliveryCallback(payload []byte) (*coredomain.DeliveryReceipt, error)
}

// New builds the gateway selected by driver: "beem" or "mock".
func New(driver string, cfg BeemConfig, logger *slog.Logger) (Gateway, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "beem":
		if cfg.APIKey == "" || cfg.SecretKey == "" {
			return nil, fmt.Errorf("beem gateway requires an api key and secret key")
		}
		return NewBeemGateway(logger, cfg, nil), nil
	case "mock":
		return NewMockGateway(logger, false, 0), nil
	default:
		return nil, fmt.Errorf("unknown gateway driver %q", driver)
	}
}

// MapProviderStatus maps a provider delivery status onto the message lifecycle.
// Unknown or in-flight statuses map to submitted.
func MapProviderStatus(status string) coredomain.MessageStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "DELIVERED", "DELIVRD":
		return coredomain.MessageStatusDelivered
	case "UNDELIVERED", "UNDELIV", "FAILED", "REJECTED", "REJECTD":
		return coredomain.MessageStatusFailed
	case "EXPIRED":
		return coredomain.MessageStatusExpired
	default:
		return coredomain.MessageStatusSubmitted
	}
}

type bodyGroup struct {
	body  string
	items []int // indexes into the original submissions
}

// groupByBody keeps first-seen order so results line up with the input.
func groupByBody(subs []Submission) []*bodyGroup {
	var groups []*bodyGroup
	index := make(map[string]*bodyGroup)
	for i, s := range subs {
		g, ok := index[s.Body]
		if !ok {
			g = &bodyGroup{body: s.Body}
			index[s.Body] = g
			groups = append(groups, g)
		}
		g.items = append(g.items, i)
	}
	return groups
}

func chunk(items []int, size int) [][]int {
	if size <= 0 {
		size = len(items)
	}
	var out [][]int
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
