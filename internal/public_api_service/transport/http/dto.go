package http

import (
	"time"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
)

// SendMessagesRequest is the body of POST /v1/messages.
type SendMessagesRequest struct {
	Recipients     []string `json:"recipients"`
	Body           string   `json:"body"`
	SenderLabel    string   `json:"sender_label,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

type RejectionResponse struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
	MessageID string `json:"message_id,omitempty"`
}

// SendMessagesResponse lists accepted message ids and rejected recipients.
// Error and Code are set when the provider refused every message of the batch.
type SendMessagesResponse struct {
	BatchID  string              `json:"batch_id"`
	Accepted []string            `json:"accepted"`
	Rejected []RejectionResponse `json:"rejected"`
	Error    string              `json:"error,omitempty"`
	Code     string              `json:"code,omitempty"`
}

// MessageStatusResponse DTO for GET /v1/messages/{messageID}
type MessageStatusResponse struct {
	ID                string                   `json:"id"`
	BatchID           *string                  `json:"batch_id,omitempty"`
	SenderLabel       string                   `json:"sender_label"`
	Recipient         string                   `json:"recipient"`
	Status            coredomain.MessageStatus `json:"status"`
	Encoding          coredomain.Encoding      `json:"encoding"`
	Segments          int                      `json:"segments"`
	Cost              int64                    `json:"cost"`
	ProviderMessageID *string                  `json:"provider_message_id,omitempty"`
	ErrorCode         *string                  `json:"error_code,omitempty"`
	ErrorMessage      *string                  `json:"error_message,omitempty"`
	SubmittedAt       *time.Time               `json:"submitted_at,omitempty"`
	CompletedAt       *time.Time               `json:"completed_at,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

type SenderIDRequest struct {
	Label         string `json:"label"`
	Justification string `json:"justification"`
	SampleContent string `json:"sample_content"`
}

type SenderIDDecisionRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

type CreditBalanceResponse struct {
	TenantID  string    `json:"tenant_id"`
	Credits   int64     `json:"credits"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TopUpRequest is sent by the billing collaborator after a successful purchase.
type TopUpRequest struct {
	TenantID  string `json:"tenant_id"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// GenericErrorResponse for API errors
type GenericErrorResponse struct {
	Error    string              `json:"error"`
	Code     string              `json:"code,omitempty"`
	Rejected []RejectionResponse `json:"rejected,omitempty"`
}

func toRejectionResponses(in []coredomain.Rejection) []RejectionResponse {
	out := make([]RejectionResponse, 0, len(in))
	for _, r := range in {
		out = append(out, RejectionResponse{Recipient: r.Recipient, Reason: r.Reason, MessageID: r.MessageID})
	}
	return out
}

func toSendMessagesResponse(b *coredomain.DispatchBatch) SendMessagesResponse {
	accepted := b.MessageIDs
	if accepted == nil {
		accepted = []string{}
	}
	return SendMessagesResponse{BatchID: b.ID, Accepted: accepted, Rejected: toRejectionResponses(b.Rejections)}
}

func toMessageStatusResponse(m *coredomain.OutboundMessage) MessageStatusResponse {
	return MessageStatusResponse{
		ID:                m.ID,
		BatchID:           m.BatchID,
		SenderLabel:       m.SenderLabel,
		Recipient:         m.Recipient,
		Status:            m.Status,
		Encoding:          m.Encoding,
		Segments:          m.Segments,
		Cost:              m.Cost,
		ProviderMessageID: m.ProviderMessageID,
		ErrorCode:         m.ErrorCode,
		ErrorMessage:      m.ErrorMessage,
		SubmittedAt:       m.SubmittedAt,
		CompletedAt:       m.CompletedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}
