package domain

import (
	"database/sql/driver"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

func (s Status) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *Status) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		*s = Status(v)
	case []byte:
		*s = Status(v)
	case Status:
		*s = v
	default:
		return fmt.Errorf("cannot scan %T into sender identity Status", src)
	}
	switch *s {
	case StatusPending, StatusApproved, StatusRejected:
		return nil
	}
	return fmt.Errorf("invalid sender identity status %q", string(*s))
}

// SenderIdentity is an alphanumeric originator label a tenant may send under.
// IsSystem marks the tenant's copy of the environment-wide default label.
type SenderIdentity struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Label          string     `json:"label"`
	Status         Status     `json:"status"`
	IsDefault      bool       `json:"is_default"`
	IsSystem       bool       `json:"is_system"`
	SampleContent  string     `json:"sample_content,omitempty"`
	Justification  string     `json:"justification,omitempty"`
	ReviewedBy     *string    `json:"reviewed_by,omitempty"`
	DecisionReason *string    `json:"decision_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
}

// Usable reports whether messages may be sent under this identity.
func (s *SenderIdentity) Usable() bool {
	return s.Status == StatusApproved
}

// Reviewer is the actor deciding a sender identity request.
type Reviewer struct {
	ID         string
	Privileged bool
}

// Decision is the outcome recorded on a pending request.
type Decision struct {
	Status     Status
	ReviewerID string
	Reason     string
	DecidedAt  time.Time
}
