package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/aradsms/sms_dispatch/internal/platform/database"
	"github.com/aradsms/sms_dispatch/internal/senderid_service/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	identityColumns = `id, tenant_id, label, status, is_default, is_system, sample_content, justification, reviewed_by, decision_reason, created_at, updated_at, decided_at`

	insertIdentitySQL = `INSERT INTO sender_identities (` + identityColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	selectByIDSQL     = `SELECT ` + identityColumns + ` FROM sender_identities WHERE id = $1`
	selectByLabelSQL  = `SELECT ` + identityColumns + ` FROM sender_identities WHERE tenant_id = $1 AND lower(label) = lower($2) AND status IN ('pending', 'approved') AND NOT is_system LIMIT 1`
	listByTenantSQL   = `SELECT ` + identityColumns + ` FROM sender_identities WHERE tenant_id = $1 ORDER BY created_at ASC`
	decideSQL         = `UPDATE sender_identities SET status = $2, reviewed_by = $3, decision_reason = $4, decided_at = $5, updated_at = $5 WHERE id = $1 AND status = 'pending' RETURNING ` + identityColumns
	selectDefaultSQL  = `SELECT ` + identityColumns + ` FROM sender_identities WHERE tenant_id = $1 AND is_default`
	setDefaultSQL     = `UPDATE sender_identities SET is_default = TRUE, updated_at = $3 WHERE id = $2 AND tenant_id = $1 AND status = 'approved' AND NOT EXISTS (SELECT 1 FROM sender_identities WHERE tenant_id = $1 AND is_default)`
	insertSystemSQL   = `INSERT INTO sender_identities (id, tenant_id, label, status, is_default, is_system, sample_content, justification, created_at, updated_at, decided_at) VALUES ($1, $2, $3, 'approved', FALSE, TRUE, '', '', $4, $4, $4) ON CONFLICT (tenant_id) WHERE is_system DO NOTHING`
	selectSystemSQL   = `SELECT ` + identityColumns + ` FROM sender_identities WHERE tenant_id = $1 AND is_system`
)

const uniqueViolation = "23505"

type PgSenderIdentityRepository struct {
	db     database.DB
	logger *slog.Logger
}

func NewPgSenderIdentityRepository(db database.DB, logger *slog.Logger) *PgSenderIdentityRepository {
	return &PgSenderIdentityRepository{db: db, logger: logger.With("component", "sender_identity_repository_pg")}
}

func (r *PgSenderIdentityRepository) Create(ctx context.Context, s *domain.SenderIdentity) error {
	_, err := r.db.Exec(ctx, insertIdentitySQL,
		s.ID, s.TenantID, s.Label, s.Status, s.IsDefault, s.IsSystem, s.SampleContent, s.Justification,
		s.ReviewedBy, s.DecisionReason, s.CreatedAt, s.UpdatedAt, s.DecidedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: label %q", coredomain.ErrDuplicateRequest, s.Label)
		}
		r.logger.ErrorContext(ctx, "Error creating sender identity", "error", err, "tenant_id", s.TenantID, "label", s.Label)
		return err
	}
	return nil
}

func (r *PgSenderIdentityRepository) GetByID(ctx context.Context, id string) (*domain.SenderIdentity, error) {
	return r.queryOne(ctx, selectByIDSQL, id)
}

func (r *PgSenderIdentityRepository) FindByLabel(ctx context.Context, tenantID, label string) (*domain.SenderIdentity, error) {
	return r.queryOne(ctx, selectByLabelSQL, tenantID, label)
}

func (r *PgSenderIdentityRepository) ListByTenant(ctx context.Context, tenantID string) ([]*domain.SenderIdentity, error) {
	rows, err := r.db.Query(ctx, listByTenantSQL, tenantID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing sender identities", "error", err, "tenant_id", tenantID)
		return nil, err
	}
	defer rows.Close()

	var identities []*domain.SenderIdentity
	for rows.Next() {
		s, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return identities, nil
}

func (r *PgSenderIdentityRepository) Decide(ctx context.Context, id string, d domain.Decision) (*domain.SenderIdentity, error) {
	s, err := r.queryOne(ctx, decideSQL, id, d.Status, d.ReviewerID, d.Reason, d.DecidedAt)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	// Lost the compare-and-set: either the row is gone or someone decided first.
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, domain.ErrAlreadyDecided
}

func (r *PgSenderIdentityRepository) GetDefault(ctx context.Context, tenantID string) (*domain.SenderIdentity, error) {
	return r.queryOne(ctx, selectDefaultSQL, tenantID)
}

func (r *PgSenderIdentityRepository) SetDefaultIfNone(ctx context.Context, tenantID, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, setDefaultSQL, tenantID, id, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// A concurrent approval became the default first.
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgSenderIdentityRepository) ProvisionSystemDefault(ctx context.Context, tenantID, label string) (*domain.SenderIdentity, error) {
	if _, err := r.db.Exec(ctx, insertSystemSQL, uuid.NewString(), tenantID, label, time.Now().UTC()); err != nil {
		r.logger.ErrorContext(ctx, "Error provisioning system sender identity", "error", err, "tenant_id", tenantID)
		return nil, err
	}
	return r.queryOne(ctx, selectSystemSQL, tenantID)
}

func (r *PgSenderIdentityRepository) queryOne(ctx context.Context, sql string, args ...any) (*domain.SenderIdentity, error) {
	s, err := scanIdentity(r.db.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error reading sender identity", "error", err)
		return nil, err
	}
	return s, nil
}

func scanIdentity(row pgx.Row) (*domain.SenderIdentity, error) {
	s := &domain.SenderIdentity{}
	err := row.Scan(
		&s.ID, &s.TenantID, &s.Label, &s.Status, &s.IsDefault, &s.IsSystem, &s.SampleContent, &s.Justification,
		&s.ReviewedBy, &s.DecisionReason, &s.CreatedAt, &s.UpdatedAt, &s.DecidedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
