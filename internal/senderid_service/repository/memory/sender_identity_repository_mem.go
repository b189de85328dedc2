package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/aradsms/sms_dispatch/internal/senderid_service/domain"
	"github.com/google/uuid"
)

type SenderIdentityRepository struct {
	mu         sync.Mutex
	identities map[string]*domain.SenderIdentity
}

func NewSenderIdentityRepository() *SenderIdentityRepository {
	return &SenderIdentityRepository{identities: make(map[string]*domain.SenderIdentity)}
}

func (r *SenderIdentityRepository) Create(_ context.Context, identity *domain.SenderIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findActive(identity.TenantID, identity.Label) != nil {
		return fmt.Errorf("%w: label %q", coredomain.ErrDuplicateRequest, identity.Label)
	}
	cp := *identity
	r.identities[identity.ID] = &cp
	return nil
}

func (r *SenderIdentityRepository) GetByID(_ context.Context, id string) (*domain.SenderIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.identities[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *SenderIdentityRepository) FindByLabel(_ context.Context, tenantID, label string) (*domain.SenderIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.findActive(tenantID, label)
	if s == nil {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *SenderIdentityRepository) ListByTenant(_ context.Context, tenantID string) ([]*domain.SenderIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SenderIdentity
	for _, s := range r.identities {
		if s.TenantID == tenantID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *SenderIdentityRepository) Decide(_ context.Context, id string, d domain.Decision) (*domain.SenderIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.identities[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if s.Status != domain.StatusPending {
		return nil, domain.ErrAlreadyDecided
	}
	at := d.DecidedAt
	reviewer, reason := d.ReviewerID, d.Reason
	s.Status = d.Status
	s.ReviewedBy = &reviewer
	s.DecisionReason = &reason
	s.DecidedAt = &at
	s.UpdatedAt = at
	cp := *s
	return &cp, nil
}

func (r *SenderIdentityRepository) GetDefault(_ context.Context, tenantID string) (*domain.SenderIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.identities {
		if s.TenantID == tenantID && s.IsDefault {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *SenderIdentityRepository) SetDefaultIfNone(_ context.Context, tenantID, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.identities {
		if s.TenantID == tenantID && s.IsDefault {
			return false, nil
		}
	}
	s, ok := r.identities[id]
	if !ok || s.TenantID != tenantID {
		return false, domain.ErrNotFound
	}
	s.IsDefault = true
	s.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *SenderIdentityRepository) ProvisionSystemDefault(_ context.Context, tenantID, label string) (*domain.SenderIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.identities {
		if s.TenantID == tenantID && s.IsSystem {
			cp := *s
			return &cp, nil
		}
	}
	now := time.Now().UTC()
	s := &domain.SenderIdentity{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Label:     label,
		Status:    domain.StatusApproved,
		IsSystem:  true,
		CreatedAt: now,
		UpdatedAt: now,
		DecidedAt: &now,
	}
	r.identities[s.ID] = s
	cp := *s
	return &cp, nil
}

// findActive must be called with mu held.
func (r *SenderIdentityRepository) findActive(tenantID, label string) *domain.SenderIdentity {
	for _, s := range r.identities {
		if s.TenantID != tenantID || s.IsSystem || !strings.EqualFold(s.Label, label) {
			continue
		}
		if s.Status == domain.StatusPending || s.Status == domain.StatusApproved {
			return s
		}
	}
	return nil
}
