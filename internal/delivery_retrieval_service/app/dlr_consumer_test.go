package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSubscriber struct {
	mock.Mock
}

func (m *MockSubscriber) Subscribe(ctx context.Context, subject, queueGroup string, handler nats.MsgHandler) (*nats.Subscription, error) {
	args := m.Called(ctx, subject, queueGroup, handler)
	sub, _ := args.Get(0).(*nats.Subscription)
	return sub, args.Error(1)
}

func setupConsumerTest(t *testing.T) (*DLRConsumer, reconcilerTestComponents, *MockSubscriber) {
	comps := setupReconcilerTest(t)
	sub := &MockSubscriber{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDLRConsumer(sub, comps.reconciler, "mock", logger), comps, sub
}

func TestDLRConsumer_HandleMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("AppliesMatchingProvider", func(t *testing.T) {
		consumer, comps, _ := setupConsumerTest(t)
		seedSubmitted(t, comps.store, "m-1", "4521:255712345678", comps.now.Add(-time.Minute))

		consumer.handleMessage(ctx, &nats.Msg{Subject: "dlr.raw.mock", Data: callback(4521, "m-1", "DELIVERED")})
		assert.Equal(t, coredomain.MessageStatusDelivered, statusOf(t, comps.store, "m-1"))
	})

	t.Run("DropsOtherProvider", func(t *testing.T) {
		consumer, comps, _ := setupConsumerTest(t)
		seedSubmitted(t, comps.store, "m-1", "4521:255712345678", comps.now.Add(-time.Minute))

		consumer.handleMessage(ctx, &nats.Msg{Subject: "dlr.raw.beem", Data: callback(4521, "m-1", "DELIVERED")})
		assert.Equal(t, coredomain.MessageStatusSubmitted, statusOf(t, comps.store, "m-1"))
	})

	t.Run("InvalidSubject", func(t *testing.T) {
		consumer, comps, _ := setupConsumerTest(t)
		seedSubmitted(t, comps.store, "m-1", "4521:255712345678", comps.now.Add(-time.Minute))

		consumer.handleMessage(ctx, &nats.Msg{Subject: "dlr.mock", Data: callback(4521, "m-1", "DELIVERED")})
		assert.Equal(t, coredomain.MessageStatusSubmitted, statusOf(t, comps.store, "m-1"))
	})

	t.Run("CancelledParentStillApplies", func(t *testing.T) {
		consumer, comps, _ := setupConsumerTest(t)
		seedSubmitted(t, comps.store, "m-1", "4521:255712345678", comps.now.Add(-time.Minute))
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		consumer.handleMessage(cancelled, &nats.Msg{Subject: "dlr.raw.mock", Data: callback(4521, "m-1", "UNDELIVERED")})
		assert.Equal(t, coredomain.MessageStatusFailed, statusOf(t, comps.store, "m-1"))
	})
}

func TestDLRConsumer_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("Subscribes", func(t *testing.T) {
		consumer, _, sub := setupConsumerTest(t)
		sub.On("Subscribe", ctx, "dlr.raw.*", "dlr-reconciler", mock.AnythingOfType("nats.MsgHandler")).
			Return(&nats.Subscription{}, nil).Once()

		require.NoError(t, consumer.Start(ctx, "dlr.raw.*", "dlr-reconciler"))
		sub.AssertExpectations(t)
	})

	t.Run("SubscribeFails", func(t *testing.T) {
		consumer, _, sub := setupConsumerTest(t)
		sub.On("Subscribe", ctx, "dlr.raw.*", "dlr-reconciler", mock.Anything).
			Return(nil, errors.New("nats: connection closed")).Once()

		require.Error(t, consumer.Start(ctx, "dlr.raw.*", "dlr-reconciler"))
		sub.AssertExpectations(t)
	})
}

func TestProviderFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    string
		ok      bool
	}{
		{"dlr.raw.beem", "beem", true},
		{"dlr.raw.mock.extra", "mock", true},
		{"dlr.raw.*", "", false},
		{"dlr.raw", "", false},
		{"sms.status.delivered", "", false},
		{"dlr.raw.", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got, ok := providerFromSubject(tt.subject)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
