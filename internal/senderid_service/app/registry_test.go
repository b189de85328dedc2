package app

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/aradsms/sms_dispatch/internal/senderid_service/domain"
	"github.com/aradsms/sms_dispatch/internal/senderid_service/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const systemLabel = "Taarifa-SMS"

func newTestRegistry() (*Registry, *memory.SenderIdentityRepository) {
	repo := memory.NewSenderIdentityRepository()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(repo, systemLabel, logger), repo
}

var admin = domain.Reviewer{ID: "admin-1", Privileged: true}

func TestRegistry_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("Pending", func(t *testing.T) {
		reg, _ := newTestRegistry()
		s, err := reg.Submit(ctx, "tenant-1", "  ACME Ltd ", "our brand", "Your code is 1234")
		require.NoError(t, err)
		assert.Equal(t, "ACME Ltd", s.Label)
		assert.Equal(t, domain.StatusPending, s.Status)
		assert.False(t, s.IsDefault)
	})

	t.Run("LabelTooLongIsNeverPending", func(t *testing.T) {
		reg, _ := newTestRegistry()
		_, err := reg.Submit(ctx, "tenant-1", "ABCDEFGHIJKL", "", "")
		require.Error(t, err)
		assert.ErrorIs(t, err, coredomain.ErrValidation)

		requests, err := reg.ListRequests(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Empty(t, requests)
	})

	t.Run("InvalidInput", func(t *testing.T) {
		reg, _ := newTestRegistry()
		cases := map[string]struct{ label, sample string }{
			"empty":       {"   ", ""},
			"bad chars":   {"ACME!", ""},
			"long sample": {"ACME", strings.Repeat("x", 171)},
		}
		for name, tc := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := reg.Submit(ctx, "tenant-1", tc.label, "", tc.sample)
				assert.ErrorIs(t, err, coredomain.ErrValidation)
			})
		}
	})

	t.Run("ElevenCharsAccepted", func(t *testing.T) {
		reg, _ := newTestRegistry()
		_, err := reg.Submit(ctx, "tenant-1", "ABCDEFGHIJK", "", "")
		assert.NoError(t, err)
	})

	t.Run("DuplicateCaseInsensitive", func(t *testing.T) {
		reg, _ := newTestRegistry()
		_, err := reg.Submit(ctx, "tenant-1", "ACME", "", "")
		require.NoError(t, err)

		_, err = reg.Submit(ctx, "tenant-1", "acme", "", "")
		assert.ErrorIs(t, err, coredomain.ErrDuplicateRequest)

		// other tenants are unaffected
		_, err = reg.Submit(ctx, "tenant-2", "ACME", "", "")
		assert.NoError(t, err)
	})

	t.Run("ResubmitAfterRejection", func(t *testing.T) {
		reg, _ := newTestRegistry()
		s, err := reg.Submit(ctx, "tenant-1", "ACME", "", "")
		require.NoError(t, err)
		_, err = reg.Decide(ctx, s.ID, admin, false, "unknown brand")
		require.NoError(t, err)

		_, err = reg.Submit(ctx, "tenant-1", "ACME", "", "")
		assert.NoError(t, err)
	})

	t.Run("SystemLabelReserved", func(t *testing.T) {
		reg, _ := newTestRegistry()
		_, err := reg.Submit(ctx, "tenant-1", "taarifa-sms", "", "")
		assert.ErrorIs(t, err, coredomain.ErrDuplicateRequest)
	})
}

func TestRegistry_Decide(t *testing.T) {
	ctx := context.Background()

	t.Run("NotPrivileged", func(t *testing.T) {
		reg, _ := newTestRegistry()
		s, err := reg.Submit(ctx, "tenant-1", "ACME", "", "")
		require.NoError(t, err)

		_, err = reg.Decide(ctx, s.ID, domain.Reviewer{ID: "user-1"}, true, "")
		assert.ErrorIs(t, err, domain.ErrNotPrivileged)

		got, err := reg.ListRequests(ctx, "tenant-1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, domain.StatusPending, got[0].Status)
	})

	t.Run("ApproveBecomesDefault", func(t *testing.T) {
		reg, _ := newTestRegistry()
		first, err := reg.Submit(ctx, "tenant-1", "ACME", "", "")
		require.NoError(t, err)
		second, err := reg.Submit(ctx, "tenant-1", "ACME2", "", "")
		require.NoError(t, err)

		decided, err := reg.Decide(ctx, first.ID, admin, true, "looks fine")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusApproved, decided.Status)
		assert.True(t, decided.IsDefault)
		require.NotNil(t, decided.ReviewedBy)
		assert.Equal(t, "admin-1", *decided.ReviewedBy)

		decided, err = reg.Decide(ctx, second.ID, admin, true, "")
		require.NoError(t, err)
		assert.False(t, decided.IsDefault)

		def, err := reg.ResolveDefault(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, def.ID)
	})

	t.Run("TerminalIsFinal", func(t *testing.T) {
		reg, _ := newTestRegistry()
		s, err := reg.Submit(ctx, "tenant-1", "ACME", "", "")
		require.NoError(t, err)
		_, err = reg.Decide(ctx, s.ID, admin, false, "no")
		require.NoError(t, err)

		_, err = reg.Decide(ctx, s.ID, admin, true, "changed my mind")
		assert.ErrorIs(t, err, domain.ErrAlreadyDecided)
	})

	t.Run("UnknownRequest", func(t *testing.T) {
		reg, _ := newTestRegistry()
		_, err := reg.Decide(ctx, "missing", admin, true, "")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestRegistry_ResolveDefault_ProvisionsSystemIdentity(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	first, err := reg.ResolveDefault(ctx, "new-tenant")
	require.NoError(t, err)
	assert.Equal(t, systemLabel, first.Label)
	assert.True(t, first.IsSystem)
	assert.Equal(t, domain.StatusApproved, first.Status)

	again, err := reg.ResolveDefault(ctx, "new-tenant")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	other, err := reg.ResolveDefault(ctx, "other-tenant")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestRegistry_ResolveAndListAvailable(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	approved, err := reg.Submit(ctx, "tenant-1", "ACME", "", "")
	require.NoError(t, err)
	_, err = reg.Decide(ctx, approved.ID, admin, true, "")
	require.NoError(t, err)
	_, err = reg.Submit(ctx, "tenant-1", "PENDING", "", "")
	require.NoError(t, err)

	s, err := reg.Resolve(ctx, "tenant-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, approved.ID, s.ID)

	_, err = reg.Resolve(ctx, "tenant-1", "PENDING")
	assert.ErrorIs(t, err, coredomain.ErrSenderNotAvailable)

	_, err = reg.Resolve(ctx, "tenant-1", "NOPE")
	assert.ErrorIs(t, err, coredomain.ErrSenderNotAvailable)

	sys, err := reg.Resolve(ctx, "tenant-1", systemLabel)
	require.NoError(t, err)
	assert.True(t, sys.IsSystem)

	def, err := reg.Resolve(ctx, "tenant-1", "")
	require.NoError(t, err)
	assert.Equal(t, approved.ID, def.ID)

	available, err := reg.ListAvailable(ctx, "tenant-1")
	require.NoError(t, err)
	labels := make([]string, 0, len(available))
	for _, a := range available {
		labels = append(labels, a.Label)
	}
	assert.ElementsMatch(t, []string{systemLabel, "ACME"}, labels)
}
