package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/aradsms/sms_dispatch/internal/senderid_service/domain"
	"github.com/google/uuid"
)

const (
	MaxLabelLength         = 11
	MaxSampleContentLength = 170
)

// Alphanumeric originators are limited by carriers to this character set.
var labelPattern = regexp.MustCompile(`^[A-Za-z0-9 .&-]+$`)

// Registry governs which sender identities a tenant may use.
type Registry struct {
	repo        domain.SenderIdentityRepository
	systemLabel string
	logger      *slog.Logger
}

func NewRegistry(repo domain.SenderIdentityRepository, systemLabel string, logger *slog.Logger) *Registry {
	return &Registry{
		repo:        repo,
		systemLabel: systemLabel,
		logger:      logger.With("service", "senderid"),
	}
}

// SystemLabel is the label every tenant can fall back to.
func (r *Registry) SystemLabel() string { return r.systemLabel }

// Submit files a new sender identity request in pending state.
func (r *Registry) Submit(ctx context.Context, tenantID, label, justification, sampleContent string) (*domain.SenderIdentity, error) {
	label = strings.TrimSpace(label)
	if err := validateLabel(label); err != nil {
		senderIDRequestsCounter.WithLabelValues("submit", "invalid").Inc()
		return nil, err
	}
	if utf8.RuneCountInString(sampleContent) > MaxSampleContentLength {
		senderIDRequestsCounter.WithLabelValues("submit", "invalid").Inc()
		return nil, coredomain.NewValidationError("sample_content", fmt.Sprintf("must be at most %d characters", MaxSampleContentLength))
	}
	if strings.EqualFold(label, r.systemLabel) {
		senderIDRequestsCounter.WithLabelValues("submit", "duplicate").Inc()
		return nil, fmt.Errorf("%w: %q is the system sender label", coredomain.ErrDuplicateRequest, label)
	}

	existing, err := r.repo.FindByLabel(ctx, tenantID, label)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		senderIDRequestsCounter.WithLabelValues("submit", "duplicate").Inc()
		return nil, fmt.Errorf("%w: label %q is already %s", coredomain.ErrDuplicateRequest, label, existing.Status)
	}

	now := time.Now().UTC()
	identity := &domain.SenderIdentity{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Label:         label,
		Status:        domain.StatusPending,
		SampleContent: sampleContent,
		Justification: strings.TrimSpace(justification),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.repo.Create(ctx, identity); err != nil {
		r.logger.ErrorContext(ctx, "Failed to create sender identity request", "error", err, "tenant_id", tenantID, "label", label)
		return nil, err
	}

	senderIDRequestsCounter.WithLabelValues("submit", "success").Inc()
	r.logger.InfoContext(ctx, "Sender identity requested", "tenant_id", tenantID, "sender_identity_id", identity.ID, "label", label)
	return identity, nil
}

// Decide approves or rejects a pending request. Only privileged reviewers may decide.
func (r *Registry) Decide(ctx context.Context, requestID string, reviewer domain.Reviewer, approve bool, reason string) (*domain.SenderIdentity, error) {
	if !reviewer.Privileged {
		senderIDRequestsCounter.WithLabelValues("decide", "forbidden").Inc()
		return nil, domain.ErrNotPrivileged
	}

	current, err := r.repo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.StatusPending {
		return nil, fmt.Errorf("%w: request is %s", domain.ErrAlreadyDecided, current.Status)
	}

	decision := domain.Decision{
		Status:     domain.StatusRejected,
		ReviewerID: reviewer.ID,
		Reason:     strings.TrimSpace(reason),
		DecidedAt:  time.Now().UTC(),
	}
	if approve {
		decision.Status = domain.StatusApproved
	}

	decided, err := r.repo.Decide(ctx, requestID, decision)
	if err != nil {
		if !errors.Is(err, domain.ErrAlreadyDecided) {
			r.logger.ErrorContext(ctx, "Failed to record sender identity decision", "error", err, "sender_identity_id", requestID)
		}
		return nil, err
	}

	if decided.Status == domain.StatusApproved {
		promoted, err := r.repo.SetDefaultIfNone(ctx, decided.TenantID, decided.ID)
		if err != nil {
			// The approval stands; the tenant keeps resolving to the system default.
			r.logger.WarnContext(ctx, "Failed to promote approved sender identity to default", "error", err, "sender_identity_id", decided.ID)
		} else if promoted {
			decided.IsDefault = true
		}
	}

	senderIDRequestsCounter.WithLabelValues("decide", string(decided.Status)).Inc()
	r.logger.InfoContext(ctx, "Sender identity decided",
		"sender_identity_id", decided.ID, "tenant_id", decided.TenantID, "status", decided.Status, "reviewer_id", reviewer.ID)
	return decided, nil
}

// ResolveDefault returns the tenant's approved default, provisioning the tenant's
// copy of the system default when the tenant has none.
func (r *Registry) ResolveDefault(ctx context.Context, tenantID string) (*domain.SenderIdentity, error) {
	def, err := r.repo.GetDefault(ctx, tenantID)
	if err == nil && def.Usable() {
		return def, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	sys, err := r.repo.ProvisionSystemDefault(ctx, tenantID, r.systemLabel)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to provision system sender identity", "error", err, "tenant_id", tenantID)
		return nil, err
	}
	return sys, nil
}

// ListAvailable returns every identity the tenant may currently send under.
func (r *Registry) ListAvailable(ctx context.Context, tenantID string) ([]*domain.SenderIdentity, error) {
	sys, err := r.repo.ProvisionSystemDefault(ctx, tenantID, r.systemLabel)
	if err != nil {
		return nil, err
	}
	all, err := r.repo.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	available := []*domain.SenderIdentity{sys}
	for _, s := range all {
		if s.Usable() && s.ID != sys.ID {
			available = append(available, s)
		}
	}
	return available, nil
}

// ListRequests returns the tenant's request history, decided or not.
func (r *Registry) ListRequests(ctx context.Context, tenantID string) ([]*domain.SenderIdentity, error) {
	return r.repo.ListByTenant(ctx, tenantID)
}

// Resolve returns the approved identity the tenant asked for by label.
// An empty label resolves to the tenant default.
func (r *Registry) Resolve(ctx context.Context, tenantID, label string) (*domain.SenderIdentity, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return r.ResolveDefault(ctx, tenantID)
	}
	if strings.EqualFold(label, r.systemLabel) {
		return r.repo.ProvisionSystemDefault(ctx, tenantID, r.systemLabel)
	}

	identity, err := r.repo.FindByLabel(ctx, tenantID, label)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q is not registered for this tenant", coredomain.ErrSenderNotAvailable, label)
		}
		return nil, err
	}
	if !identity.Usable() {
		return nil, fmt.Errorf("%w: %q is %s", coredomain.ErrSenderNotAvailable, label, identity.Status)
	}
	return identity, nil
}

func validateLabel(label string) error {
	if label == "" {
		return coredomain.NewValidationError("label", "must not be empty")
	}
	if utf8.RuneCountInString(label) > MaxLabelLength {
		return coredomain.NewValidationError("label", fmt.Sprintf("must be at most %d characters", MaxLabelLength))
	}
	if !labelPattern.MatchString(label) {
		return coredomain.NewValidationError("label", "may contain only letters, digits, spaces and - . &")
	}
	return nil
}
