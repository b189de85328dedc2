package domain

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// MessageStatus defines the possible states of an outbound message.
//
//	queued -> submitted -> delivered | failed | expired
//	queued -> failed
type MessageStatus string

const (
	MessageStatusQueued    MessageStatus = "queued"
	MessageStatusSubmitted MessageStatus = "submitted"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusExpired   MessageStatus = "expired"
)

// IsTerminal reports whether no further transition is allowed.
func (ms MessageStatus) IsTerminal() bool {
	switch ms {
	case MessageStatusFailed, MessageStatusDelivered, MessageStatusExpired:
		return true
	}
	return false
}

func (ms MessageStatus) Valid() bool {
	switch ms {
	case MessageStatusQueued, MessageStatusSubmitted, MessageStatusFailed, MessageStatusDelivered, MessageStatusExpired:
		return true
	}
	return false
}

// Value implements the driver.Valuer interface for MessageStatus.
func (ms MessageStatus) Value() (driver.Value, error) {
	return string(ms), nil
}

// Scan implements the sql.Scanner interface for MessageStatus.
func (ms *MessageStatus) Scan(value interface{}) error {
	var strVal string
	switch v := value.(type) {
	case string:
		strVal = v
	case []byte:
		strVal = string(v)
	case MessageStatus:
		strVal = string(v)
	default:
		return fmt.Errorf("failed to scan MessageStatus: value is not string or []byte, it is %T", value)
	}
	status := MessageStatus(strVal)
	if !status.Valid() {
		return fmt.Errorf("unknown MessageStatus value: %s", strVal)
	}
	*ms = status
	return nil
}

// Encoding is the character set a message body is sent with.
type Encoding string

const (
	EncodingGSM7 Encoding = "gsm7"
	EncodingUCS2 Encoding = "ucs2"
)

// OutboundMessage is one body sent to one recipient.
type OutboundMessage struct {
	ID                string        `json:"id"`
	TenantID          string        `json:"tenant_id"`
	BatchID           *string       `json:"batch_id,omitempty"`
	SenderIdentityID  string        `json:"sender_identity_id"`
	SenderLabel       string        `json:"sender_label"`
	Recipient         string        `json:"recipient"` // E.164
	Body              string        `json:"body"`
	Encoding          Encoding      `json:"encoding"`
	Segments          int           `json:"segments"`
	Cost              int64         `json:"cost"`
	ProviderMessageID *string       `json:"provider_message_id,omitempty"`
	Status            MessageStatus `json:"status"`
	ErrorCode         *string       `json:"error_code,omitempty"`
	ErrorMessage      *string       `json:"error_message,omitempty"`
	IdempotencyKey    *string       `json:"idempotency_key,omitempty"`
	SubmittedAt       *time.Time    `json:"submitted_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Rejection records a recipient that was not dispatched and why.
type Rejection struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
	// MessageID is set when the message was stored before the provider refused it.
	MessageID string `json:"message_id,omitempty"`
}

// DispatchBatch aggregates the outcome of one bulk dispatch.
type DispatchBatch struct {
	ID                 string      `json:"id"`
	TenantID           string      `json:"tenant_id"`
	Accepted           int         `json:"accepted"`
	RejectedValidation int         `json:"rejected_validation"`
	RejectedProvider   int         `json:"rejected_provider"`
	MessageIDs         []string    `json:"message_ids"`
	Rejections         []Rejection `json:"rejections"`
	CreatedAt          time.Time   `json:"created_at"`
}

// ReceiptSource says which reconciliation path produced a receipt.
type ReceiptSource string

const (
	ReceiptSourceWebhook ReceiptSource = "webhook"
	ReceiptSourcePoll    ReceiptSource = "poll"
)

// DeliveryReceipt is a provider status report in canonical form.
type DeliveryReceipt struct {
	MessageID         string        `json:"message_id,omitempty"`
	ProviderMessageID string        `json:"provider_message_id"`
	ProviderStatus    string        `json:"provider_status"`
	Status            MessageStatus `json:"status"`
	ReceivedAt        time.Time     `json:"received_at"`
	Source            ReceiptSource `json:"source"`
}

// StatusEvent is published on the broker whenever a message changes state.
type StatusEvent struct {
	MessageID         string        `json:"message_id"`
	TenantID          string        `json:"tenant_id"`
	BatchID           *string       `json:"batch_id,omitempty"`
	Status            MessageStatus `json:"status"`
	ProviderMessageID *string       `json:"provider_message_id,omitempty"`
	ErrorCode         *string       `json:"error_code,omitempty"`
	OccurredAt        time.Time     `json:"occurred_at"`
}

// StatusSubject is the broker subject for a status event.
func StatusSubject(status MessageStatus) string {
	return "sms.status." + string(status)
}
