package domain

import (
	"context"
)

// SenderIdentityRepository defines persistence for sender identities.
type SenderIdentityRepository interface {
	// Create stores a new request. A pending or approved identity with the same
	// label (case-insensitive) for the tenant yields core ErrDuplicateRequest.
	Create(ctx context.Context, identity *SenderIdentity) error
	GetByID(ctx context.Context, id string) (*SenderIdentity, error)
	// FindByLabel returns the tenant's pending or approved identity with the label.
	FindByLabel(ctx context.Context, tenantID, label string) (*SenderIdentity, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*SenderIdentity, error)
	// Decide moves a pending request to d.Status. ErrAlreadyDecided if it is no longer pending.
	Decide(ctx context.Context, id string, d Decision) (*SenderIdentity, error)
	GetDefault(ctx context.Context, tenantID string) (*SenderIdentity, error)
	// SetDefaultIfNone flags the identity as default when the tenant has none.
	SetDefaultIfNone(ctx context.Context, tenantID, id string) (bool, error)
	// ProvisionSystemDefault returns the tenant's system identity, creating it if missing.
	ProvisionSystemDefault(ctx context.Context, tenantID, label string) (*SenderIdentity, error)
}
