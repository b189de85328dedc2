package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/aradsms/sms_dispatch/internal/delivery_retrieval_service/domain"
	"github.com/aradsms/sms_dispatch/internal/platform/database"
	smspg "github.com/aradsms/sms_dispatch/internal/sms_sending_service/repository/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	findByIDSQL       = `SELECT ` + smspg.MessageColumns + ` FROM outbound_messages WHERE id = $1`
	findByProviderSQL = `SELECT ` + smspg.MessageColumns + ` FROM outbound_messages WHERE provider_message_id = $1`
	casStatusSQL      = `UPDATE outbound_messages SET status = $3, error_code = COALESCE($5, error_code), completed_at = $4, updated_at = $4
		WHERE id = $1 AND status = $2`
	// Stamping last_polled_at inside the same statement hands each stale row to exactly one poller.
	claimStaleSQL = `UPDATE outbound_messages SET last_polled_at = $2
		WHERE id IN (
			SELECT id FROM outbound_messages
			WHERE status = 'submitted' AND submitted_at < $1 AND (last_polled_at IS NULL OR last_polled_at < $1)
			ORDER BY submitted_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + smspg.MessageColumns
	insertReceiptSQL = `INSERT INTO delivery_receipts (id, message_id, provider_message_id, provider_status, status, source, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

type PgMessageStore struct {
	db     database.DB
	logger *slog.Logger
}

// NewPgMessageStore creates the reconciler's MessageStore backed by PostgreSQL.
func NewPgMessageStore(db database.DB, logger *slog.Logger) *PgMessageStore {
	return &PgMessageStore{db: db, logger: logger.With("component", "message_store_pg")}
}

var _ domain.MessageStore = (*PgMessageStore)(nil)

func (s *PgMessageStore) FindByID(ctx context.Context, messageID string) (*coredomain.OutboundMessage, error) {
	return s.findOne(ctx, findByIDSQL, messageID)
}

func (s *PgMessageStore) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*coredomain.OutboundMessage, error) {
	return s.findOne(ctx, findByProviderSQL, providerMessageID)
}

func (s *PgMessageStore) findOne(ctx context.Context, query, arg string) (*coredomain.OutboundMessage, error) {
	msg, err := smspg.ScanMessage(s.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coredomain.ErrMessageNotFound
		}
		s.logger.ErrorContext(ctx, "Error reading outbound message", "error", err, "lookup", arg)
		return nil, err
	}
	return msg, nil
}

func (s *PgMessageStore) CompareAndSetStatus(ctx context.Context, messageID string, from, to coredomain.MessageStatus, at time.Time, errorCode *string) (bool, error) {
	tag, err := s.db.Exec(ctx, casStatusSQL, messageID, from, to, at, errorCode)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating message status", "error", err, "message_id", messageID, "from", from, "to", to)
		return false, fmt.Errorf("failed to update message status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgMessageStore) ClaimStaleSubmitted(ctx context.Context, cutoff, now time.Time, limit int) ([]*coredomain.OutboundMessage, error) {
	rows, err := s.db.Query(ctx, claimStaleSQL, cutoff, now, limit)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error claiming stale messages", "error", err)
		return nil, fmt.Errorf("failed to claim stale messages: %w", err)
	}
	defer rows.Close()

	var out []*coredomain.OutboundMessage
	for rows.Next() {
		msg, err := smspg.ScanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PgMessageStore) AppendReceipt(ctx context.Context, receipt *coredomain.DeliveryReceipt) error {
	_, err := s.db.Exec(ctx, insertReceiptSQL,
		uuid.NewString(), receipt.MessageID, receipt.ProviderMessageID, receipt.ProviderStatus,
		receipt.Status, string(receipt.Source), receipt.ReceivedAt,
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error appending delivery receipt", "error", err, "message_id", receipt.MessageID)
		return fmt.Errorf("failed to append delivery receipt: %w", err)
	}
	return nil
}
