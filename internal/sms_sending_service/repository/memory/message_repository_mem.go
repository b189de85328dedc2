// Package memory keeps dispatch batches and outbound messages in process memory.
// It backs STORAGE_DRIVER=memory and the engine and reconciler tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/aradsms/sms_dispatch/internal/sms_sending_service/repository"
)

type batchRecord struct {
	batch coredomain.DispatchBatch
}

type keyRecord struct {
	batchID   string
	expiresAt time.Time
}

type MessageRepository struct {
	mu          sync.Mutex
	batches     map[string]*batchRecord
	messages    map[string]*coredomain.OutboundMessage
	byProvider  map[string]string    // provider message id -> message id
	idempotency map[string]keyRecord // tenant + key
	lastPolled  map[string]time.Time
	receipts    []coredomain.DeliveryReceipt
}

func NewMessageRepository() *MessageRepository {
	return &MessageRepository{
		batches:     make(map[string]*batchRecord),
		messages:    make(map[string]*coredomain.OutboundMessage),
		byProvider:  make(map[string]string),
		idempotency: make(map[string]keyRecord),
		lastPolled:  make(map[string]time.Time),
	}
}

var _ repository.MessageRepository = (*MessageRepository)(nil)

func (r *MessageRepository) CreateBatch(_ context.Context, batch *coredomain.DispatchBatch, key *repository.IdempotencyKey, msgs []*coredomain.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key != nil {
		k := batch.TenantID + "\x00" + key.Key
		if prev, used := r.idempotency[k]; used && batch.CreatedAt.Before(prev.expiresAt) {
			return coredomain.ErrIdempotencyConflict
		}
		r.idempotency[k] = keyRecord{batchID: batch.ID, expiresAt: key.ExpiresAt}
	}
	r.batches[batch.ID] = &batchRecord{batch: copyBatch(batch)}
	for _, m := range msgs {
		cp := *m
		r.messages[m.ID] = &cp
	}
	return nil
}

func (r *MessageRepository) UpdateBatchOutcome(_ context.Context, batch *coredomain.DispatchBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.batches[batch.ID]
	if !ok {
		return repository.ErrBatchNotFound
	}
	rec.batch = copyBatch(batch)
	return nil
}

func (r *MessageRepository) GetBatch(_ context.Context, tenantID, batchID string) (*coredomain.DispatchBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.batches[batchID]
	if !ok || rec.batch.TenantID != tenantID {
		return nil, repository.ErrBatchNotFound
	}
	b := copyBatch(&rec.batch)
	return &b, nil
}

func (r *MessageRepository) GetMessage(_ context.Context, tenantID, messageID string) (*coredomain.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok || m.TenantID != tenantID {
		return nil, coredomain.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MessageRepository) MarkSubmitted(_ context.Context, messageID, providerMessageID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok {
		return coredomain.ErrMessageNotFound
	}
	if m.Status != coredomain.MessageStatusQueued {
		return repository.ErrStaleStatus
	}
	pmid := providerMessageID
	m.Status = coredomain.MessageStatusSubmitted
	m.ProviderMessageID = &pmid
	m.SubmittedAt = &at
	m.UpdatedAt = at
	r.byProvider[providerMessageID] = messageID
	return nil
}

func (r *MessageRepository) MarkFailed(_ context.Context, messageID, errorCode, errorMessage string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok {
		return coredomain.ErrMessageNotFound
	}
	if m.Status != coredomain.MessageStatusQueued {
		return repository.ErrStaleStatus
	}
	m.Status = coredomain.MessageStatusFailed
	m.ErrorCode = &errorCode
	m.ErrorMessage = &errorMessage
	m.CompletedAt = &at
	m.UpdatedAt = at
	return nil
}

// FindByID looks a message up without tenant scoping, for reconciliation.
func (r *MessageRepository) FindByID(_ context.Context, messageID string) (*coredomain.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok {
		return nil, coredomain.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MessageRepository) FindByProviderMessageID(_ context.Context, providerMessageID string) (*coredomain.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byProvider[providerMessageID]
	if !ok {
		return nil, coredomain.ErrMessageNotFound
	}
	cp := *r.messages[id]
	return &cp, nil
}

func (r *MessageRepository) CompareAndSetStatus(_ context.Context, messageID string, from, to coredomain.MessageStatus, at time.Time, errorCode *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok {
		return false, coredomain.ErrMessageNotFound
	}
	if m.Status != from {
		return false, nil
	}
	m.Status = to
	m.UpdatedAt = at
	if to.IsTerminal() {
		m.CompletedAt = &at
	}
	if errorCode != nil {
		code := *errorCode
		m.ErrorCode = &code
	}
	return true, nil
}

func (r *MessageRepository) ClaimStaleSubmitted(_ context.Context, cutoff, now time.Time, limit int) ([]*coredomain.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []*coredomain.OutboundMessage
	for _, m := range r.messages {
		if m.Status != coredomain.MessageStatusSubmitted || m.SubmittedAt == nil || !m.SubmittedAt.Before(cutoff) {
			continue
		}
		if polled, ok := r.lastPolled[m.ID]; ok && !polled.Before(cutoff) {
			continue
		}
		candidates = append(candidates, m)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].SubmittedAt.Before(*candidates[j].SubmittedAt) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*coredomain.OutboundMessage, 0, len(candidates))
	for _, m := range candidates {
		r.lastPolled[m.ID] = now
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MessageRepository) AppendReceipt(_ context.Context, receipt *coredomain.DeliveryReceipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, *receipt)
	return nil
}

// Receipts returns the receipts appended so far, oldest first.
func (r *MessageRepository) Receipts() []coredomain.DeliveryReceipt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]coredomain.DeliveryReceipt, len(r.receipts))
	copy(out, r.receipts)
	return out
}

// Messages returns every stored message of a batch.
func (r *MessageRepository) Messages(batchID string) []*coredomain.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*coredomain.OutboundMessage
	for _, m := range r.messages {
		if m.BatchID != nil && *m.BatchID == batchID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient < out[j].Recipient })
	return out
}

func copyBatch(b *coredomain.DispatchBatch) coredomain.DispatchBatch {
	cp := *b
	cp.MessageIDs = append([]string(nil), b.MessageIDs...)
	cp.Rejections = append([]coredomain.Rejection(nil), b.Rejections...)
	return cp
}
