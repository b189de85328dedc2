package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/aradsms/sms_dispatch/internal/platform/database"
	"github.com/aradsms/sms_dispatch/internal/sms_sending_service/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// MessageColumns is the outbound_messages select list ScanMessage expects.
const MessageColumns = `id, tenant_id, batch_id, sender_identity_id, sender_label, recipient, body, encoding, segments, cost,
	provider_message_id, status, error_code, error_message, idempotency_key, submitted_at, completed_at, created_at, updated_at`

const (
	// A key whose window closed no longer blocks reuse; the old batch gives it up.
	releaseExpiredKeySQL = `UPDATE dispatch_batches SET idempotency_key = NULL, idempotency_expires_at = NULL
		WHERE tenant_id = $1 AND idempotency_key = $2 AND idempotency_expires_at <= $3`
	insertBatchSQL = `INSERT INTO dispatch_batches (id, tenant_id, idempotency_key, idempotency_expires_at, accepted, rejected_validation, rejected_provider, accepted_message_ids, rejections, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`
	updateBatchSQL = `UPDATE dispatch_batches SET accepted = $2, rejected_validation = $3, rejected_provider = $4, accepted_message_ids = $5, rejections = $6, updated_at = $7
		WHERE id = $1`
	selectBatchSQL = `SELECT id, tenant_id, accepted, rejected_validation, rejected_provider, accepted_message_ids, rejections, created_at
		FROM dispatch_batches WHERE id = $1 AND tenant_id = $2`

	selectMessageSQL = `SELECT ` + MessageColumns + ` FROM outbound_messages WHERE id = $1 AND tenant_id = $2`
	markSubmittedSQL = `UPDATE outbound_messages SET status = 'submitted', provider_message_id = $2, submitted_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'queued'`
	markFailedSQL = `UPDATE outbound_messages SET status = 'failed', error_code = $2, error_message = $3, completed_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'queued'`
)

var messageCopyColumns = []string{
	"id", "tenant_id", "batch_id", "sender_identity_id", "sender_label", "recipient", "body", "encoding",
	"segments", "cost", "status", "idempotency_key", "created_at", "updated_at",
}

type PgMessageRepository struct {
	db     database.DB
	logger *slog.Logger
}

// NewPgMessageRepository creates a MessageRepository backed by PostgreSQL.
func NewPgMessageRepository(db database.DB, logger *slog.Logger) *PgMessageRepository {
	return &PgMessageRepository{db: db, logger: logger.With("component", "message_repository_pg")}
}

var _ repository.MessageRepository = (*PgMessageRepository)(nil)

func (r *PgMessageRepository) CreateBatch(ctx context.Context, batch *coredomain.DispatchBatch, key *repository.IdempotencyKey, msgs []*coredomain.OutboundMessage) error {
	rejections, err := json.Marshal(nonNilRejections(batch.Rejections))
	if err != nil {
		return fmt.Errorf("failed to encode rejections: %w", err)
	}
	var keyValue *string
	var keyExpiresAt *time.Time
	if key != nil {
		keyValue, keyExpiresAt = &key.Key, &key.ExpiresAt
	}

	return database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if key != nil {
			if _, err := tx.Exec(ctx, releaseExpiredKeySQL, batch.TenantID, key.Key, batch.CreatedAt); err != nil {
				return fmt.Errorf("failed to release expired idempotency key: %w", err)
			}
		}
		_, err := tx.Exec(ctx, insertBatchSQL,
			batch.ID, batch.TenantID, keyValue, keyExpiresAt, batch.Accepted, batch.RejectedValidation, batch.RejectedProvider,
			nonNilStrings(batch.MessageIDs), rejections, batch.CreatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return coredomain.ErrIdempotencyConflict
			}
			r.logger.ErrorContext(ctx, "Error creating dispatch batch", "error", err, "batch_id", batch.ID, "tenant_id", batch.TenantID)
			return fmt.Errorf("failed to insert dispatch batch: %w", err)
		}
		if len(msgs) == 0 {
			return nil
		}

		rows := make([][]any, 0, len(msgs))
		for _, m := range msgs {
			rows = append(rows, []any{
				m.ID, m.TenantID, m.BatchID, m.SenderIdentityID, m.SenderLabel, m.Recipient, m.Body, string(m.Encoding),
				m.Segments, m.Cost, string(m.Status), m.IdempotencyKey, m.CreatedAt, m.UpdatedAt,
			})
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"outbound_messages"}, messageCopyColumns, pgx.CopyFromRows(rows))
		if err != nil {
			r.logger.ErrorContext(ctx, "Error copying outbound messages", "error", err, "batch_id", batch.ID)
			return fmt.Errorf("failed to insert outbound messages: %w", err)
		}
		if int(n) != len(msgs) {
			return fmt.Errorf("inserted %d of %d outbound messages", n, len(msgs))
		}
		return nil
	})
}

func (r *PgMessageRepository) UpdateBatchOutcome(ctx context.Context, batch *coredomain.DispatchBatch) error {
	rejections, err := json.Marshal(nonNilRejections(batch.Rejections))
	if err != nil {
		return fmt.Errorf("failed to encode rejections: %w", err)
	}
	tag, err := r.db.Exec(ctx, updateBatchSQL,
		batch.ID, batch.Accepted, batch.RejectedValidation, batch.RejectedProvider,
		nonNilStrings(batch.MessageIDs), rejections, time.Now().UTC(),
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating dispatch batch", "error", err, "batch_id", batch.ID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrBatchNotFound
	}
	return nil
}

func (r *PgMessageRepository) GetBatch(ctx context.Context, tenantID, batchID string) (*coredomain.DispatchBatch, error) {
	batch := &coredomain.DispatchBatch{}
	var rejections []byte
	err := r.db.QueryRow(ctx, selectBatchSQL, batchID, tenantID).Scan(
		&batch.ID, &batch.TenantID, &batch.Accepted, &batch.RejectedValidation, &batch.RejectedProvider,
		&batch.MessageIDs, &rejections, &batch.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to read dispatch batch: %w", err)
	}
	if len(rejections) > 0 {
		if err := json.Unmarshal(rejections, &batch.Rejections); err != nil {
			return nil, fmt.Errorf("failed to decode rejections: %w", err)
		}
	}
	return batch, nil
}

func (r *PgMessageRepository) GetMessage(ctx context.Context, tenantID, messageID string) (*coredomain.OutboundMessage, error) {
	msg, err := ScanMessage(r.db.QueryRow(ctx, selectMessageSQL, messageID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrMessageNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting outbound message", "error", err, "message_id", messageID)
		return nil, err
	}
	return msg, nil
}

func (r *PgMessageRepository) MarkSubmitted(ctx context.Context, messageID, providerMessageID string, at time.Time) error {
	tag, err := r.db.Exec(ctx, markSubmittedSQL, messageID, providerMessageID, at)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking message submitted", "error", err, "message_id", messageID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrStaleStatus
	}
	return nil
}

func (r *PgMessageRepository) MarkFailed(ctx context.Context, messageID, errorCode, errorMessage string, at time.Time) error {
	tag, err := r.db.Exec(ctx, markFailedSQL, messageID, errorCode, errorMessage, at)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking message failed", "error", err, "message_id", messageID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrStaleStatus
	}
	return nil
}

// ScanMessage reads one outbound_messages row selected with MessageColumns.
func ScanMessage(row pgx.Row) (*coredomain.OutboundMessage, error) {
	m := &coredomain.OutboundMessage{}
	var encoding string
	err := row.Scan(
		&m.ID, &m.TenantID, &m.BatchID, &m.SenderIdentityID, &m.SenderLabel, &m.Recipient, &m.Body, &encoding,
		&m.Segments, &m.Cost, &m.ProviderMessageID, &m.Status, &m.ErrorCode, &m.ErrorMessage, &m.IdempotencyKey,
		&m.SubmittedAt, &m.CompletedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Encoding = coredomain.Encoding(encoding)
	return m, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilRejections(r []coredomain.Rejection) []coredomain.Rejection {
	if r == nil {
		return []coredomain.Rejection{}
	}
	return r
}
