package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/aradsms/sms_dispatch/internal/sms_sending_service/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var messageColumnNames = []string{"id", "tenant_id", "batch_id", "sender_identity_id", "sender_label", "recipient", "body",
	"encoding", "segments", "cost", "provider_message_id", "status", "error_code", "error_message", "idempotency_key",
	"submitted_at", "completed_at", "created_at", "updated_at"}

func setupMessageRepoTest(t *testing.T) (*PgMessageRepository, pgxmock.PgxPoolIface) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPgMessageRepository(mockPool, logger), mockPool
}

func testBatch(now time.Time) (*coredomain.DispatchBatch, []*coredomain.OutboundMessage) {
	batchID := "01HBATCH"
	batch := &coredomain.DispatchBatch{ID: batchID, TenantID: "tenant-1", CreatedAt: now}
	msgs := []*coredomain.OutboundMessage{
		{ID: "m-1", TenantID: "tenant-1", BatchID: &batchID, SenderLabel: "ACME", Recipient: "+255712345678", Body: "hi",
			Encoding: coredomain.EncodingGSM7, Segments: 1, Cost: 1, Status: coredomain.MessageStatusQueued, CreatedAt: now, UpdatedAt: now},
		{ID: "m-2", TenantID: "tenant-1", BatchID: &batchID, SenderLabel: "ACME", Recipient: "+255754123456", Body: "hi",
			Encoding: coredomain.EncodingGSM7, Segments: 1, Cost: 1, Status: coredomain.MessageStatusQueued, CreatedAt: now, UpdatedAt: now},
	}
	return batch, msgs
}

func TestPgMessageRepository_CreateBatch(t *testing.T) {
	now := time.Now().UTC()
	key := &repository.IdempotencyKey{Key: "idem-1", ExpiresAt: now.Add(24 * time.Hour)}
	keyValue, keyExpiresAt := key.Key, key.ExpiresAt

	t.Run("Success", func(t *testing.T) {
		repo, mockPool := setupMessageRepoTest(t)
		defer mockPool.Close()
		batch, msgs := testBatch(now)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(regexp.QuoteMeta("UPDATE dispatch_batches SET idempotency_key = NULL")).
			WithArgs("tenant-1", "idem-1", now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mockPool.ExpectExec(regexp.QuoteMeta("INSERT INTO dispatch_batches")).
			WithArgs("01HBATCH", "tenant-1", &keyValue, &keyExpiresAt, 0, 0, 0, []string{}, []byte("[]"), now).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"outbound_messages"}, messageCopyColumns).WillReturnResult(2)
		mockPool.ExpectCommit()

		require.NoError(t, repo.CreateBatch(context.Background(), batch, key, msgs))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("ExpiredKeyIsReused", func(t *testing.T) {
		repo, mockPool := setupMessageRepoTest(t)
		defer mockPool.Close()
		batch, msgs := testBatch(now)

		// The earlier batch's window has closed, so it gives the key up before the insert.
		mockPool.ExpectBegin()
		mockPool.ExpectExec(regexp.QuoteMeta("UPDATE dispatch_batches SET idempotency_key = NULL")).
			WithArgs("tenant-1", "idem-1", now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectExec(regexp.QuoteMeta("INSERT INTO dispatch_batches")).
			WithArgs("01HBATCH", "tenant-1", &keyValue, &keyExpiresAt, 0, 0, 0, []string{}, []byte("[]"), now).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"outbound_messages"}, messageCopyColumns).WillReturnResult(2)
		mockPool.ExpectCommit()

		require.NoError(t, repo.CreateBatch(context.Background(), batch, key, msgs))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("IdempotencyKeyTaken", func(t *testing.T) {
		repo, mockPool := setupMessageRepoTest(t)
		defer mockPool.Close()
		batch, msgs := testBatch(now)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(regexp.QuoteMeta("UPDATE dispatch_batches SET idempotency_key = NULL")).
			WithArgs("tenant-1", "idem-1", now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mockPool.ExpectExec(regexp.QuoteMeta("INSERT INTO dispatch_batches")).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: "23505"})
		mockPool.ExpectRollback()

		err := repo.CreateBatch(context.Background(), batch, key, msgs)
		require.ErrorIs(t, err, coredomain.ErrIdempotencyConflict)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("CopyFailureRollsBack", func(t *testing.T) {
		repo, mockPool := setupMessageRepoTest(t)
		defer mockPool.Close()
		batch, msgs := testBatch(now)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(regexp.QuoteMeta("INSERT INTO dispatch_batches")).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"outbound_messages"}, messageCopyColumns).WillReturnError(errors.New("copy failed"))
		mockPool.ExpectRollback()

		err := repo.CreateBatch(context.Background(), batch, nil, msgs)
		require.Error(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPgMessageRepository_MarkSubmitted(t *testing.T) {
	now := time.Now().UTC()

	t.Run("Queued", func(t *testing.T) {
		repo, mockPool := setupMessageRepoTest(t)
		defer mockPool.Close()

		mockPool.ExpectExec(regexp.QuoteMeta("UPDATE outbound_messages SET status = 'submitted'")).
			WithArgs("m-1", "pm-1", now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, repo.MarkSubmitted(context.Background(), "m-1", "pm-1", now))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("NoLongerQueued", func(t *testing.T) {
		repo, mockPool := setupMessageRepoTest(t)
		defer mockPool.Close()

		mockPool.ExpectExec(regexp.QuoteMeta("UPDATE outbound_messages SET status = 'submitted'")).
			WithArgs("m-1", "pm-1", now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := repo.MarkSubmitted(context.Background(), "m-1", "pm-1", now)
		require.ErrorIs(t, err, repository.ErrStaleStatus)
	})
}

func TestPgMessageRepository_MarkFailed(t *testing.T) {
	repo, mockPool := setupMessageRepoTest(t)
	defer mockPool.Close()
	now := time.Now().UTC()

	mockPool.ExpectExec(regexp.QuoteMeta("UPDATE outbound_messages SET status = 'failed'")).
		WithArgs("m-1", coredomain.ProviderCodeRejected, "rejected upstream", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.MarkFailed(context.Background(), "m-1", coredomain.ProviderCodeRejected, "rejected upstream", now))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgMessageRepository_GetMessage(t *testing.T) {
	now := time.Now().UTC()
	batchID := "01HBATCH"
	pmid := "pm-1"

	t.Run("Found", func(t *testing.T) {
		repo, mockPool := setupMessageRepoTest(t)
		defer mockPool.Close()

		rows := pgxmock.NewRows(messageColumnNames).AddRow(
			"m-1", "tenant-1", &batchID, "sid-1", "ACME", "+255712345678", "hi", "gsm7", 1, int64(1),
			&pmid, coredomain.MessageStatusSubmitted, nil, nil, nil, &now, nil, now, now,
		)
		mockPool.ExpectQuery(regexp.QuoteMeta("FROM outbound_messages WHERE id = $1 AND tenant_id = $2")).
			WithArgs("m-1", "tenant-1").
			WillReturnRows(rows)

		msg, err := repo.GetMessage(context.Background(), "tenant-1", "m-1")
		require.NoError(t, err)
		assert.Equal(t, coredomain.MessageStatusSubmitted, msg.Status)
		assert.Equal(t, coredomain.EncodingGSM7, msg.Encoding)
		require.NotNil(t, msg.ProviderMessageID)
		assert.Equal(t, "pm-1", *msg.ProviderMessageID)
		assert.Nil(t, msg.ErrorCode)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		repo, mockPool := setupMessageRepoTest(t)
		defer mockPool.Close()

		mockPool.ExpectQuery(regexp.QuoteMeta("FROM outbound_messages WHERE id = $1 AND tenant_id = $2")).
			WithArgs("m-x", "tenant-1").
			WillReturnError(pgx.ErrNoRows)

		_, err := repo.GetMessage(context.Background(), "tenant-1", "m-x")
		require.ErrorIs(t, err, coredomain.ErrMessageNotFound)
	})
}

func TestPgMessageRepository_GetBatch(t *testing.T) {
	repo, mockPool := setupMessageRepoTest(t)
	defer mockPool.Close()
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"id", "tenant_id", "accepted", "rejected_validation", "rejected_provider",
		"accepted_message_ids", "rejections", "created_at"}).
		AddRow("01HBATCH", "tenant-1", 3, 2, 0, []string{"m-1", "m-2", "m-3"},
			[]byte(`[{"recipient":"abc","reason":"invalid_number"}]`), now)
	mockPool.ExpectQuery(regexp.QuoteMeta("FROM dispatch_batches WHERE id = $1 AND tenant_id = $2")).
		WithArgs("01HBATCH", "tenant-1").
		WillReturnRows(rows)

	batch, err := repo.GetBatch(context.Background(), "tenant-1", "01HBATCH")
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Accepted)
	assert.Equal(t, []string{"m-1", "m-2", "m-3"}, batch.MessageIDs)
	assert.Equal(t, []coredomain.Rejection{{Recipient: "abc", Reason: "invalid_number"}}, batch.Rejections)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgMessageRepository_UpdateBatchOutcome_NotFound(t *testing.T) {
	repo, mockPool := setupMessageRepoTest(t)
	defer mockPool.Close()

	mockPool.ExpectExec(regexp.QuoteMeta("UPDATE dispatch_batches")).
		WithArgs("01HGONE", 1, 0, 0, []string{"m-1"}, []byte("[]"), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.UpdateBatchOutcome(context.Background(), &coredomain.DispatchBatch{ID: "01HGONE", Accepted: 1, MessageIDs: []string{"m-1"}})
	require.ErrorIs(t, err, repository.ErrBatchNotFound)
}
