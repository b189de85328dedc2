package http_test

import (
	"net/http"
	"testing"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/aradsms/sms_dispatch/internal/public_api_service/middleware"
	httptransport "github.com/aradsms/sms_dispatch/internal/public_api_service/transport/http"
	senderdomain "github.com/aradsms/sms_dispatch/internal/senderid_service/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestSenderIDHandler_Submit(t *testing.T) {
	t.Run("Created", func(t *testing.T) {
		c := setupAPITest(t)
		c.senders.On("Submit", mock.Anything, "tenant-1", "ACME", "brand", "Your code is 1234").
			Return(&senderdomain.SenderIdentity{ID: "sid-1", TenantID: "tenant-1", Label: "ACME", Status: senderdomain.StatusPending}, nil).Once()

		rr := c.do(t, http.MethodPost, "/v1/sender-ids", "tenant-1", nil, httptransport.SenderIDRequest{
			Label: "ACME", Justification: "brand", SampleContent: "Your code is 1234",
		})

		assert.Equal(t, http.StatusCreated, rr.Code)
		got := decodeBody[senderdomain.SenderIdentity](t, rr)
		assert.Equal(t, senderdomain.StatusPending, got.Status)
	})

	t.Run("LabelTooLong", func(t *testing.T) {
		c := setupAPITest(t)
		c.senders.On("Submit", mock.Anything, "tenant-1", "TOOLONGLABEL1", "", "").
			Return(nil, coredomain.NewValidationError("label", "at most 11 characters")).Once()

		rr := c.do(t, http.MethodPost, "/v1/sender-ids", "tenant-1", nil, httptransport.SenderIDRequest{Label: "TOOLONGLABEL1"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Duplicate", func(t *testing.T) {
		c := setupAPITest(t)
		c.senders.On("Submit", mock.Anything, "tenant-1", "ACME", "", "").Return(nil, coredomain.ErrDuplicateRequest).Once()

		rr := c.do(t, http.MethodPost, "/v1/sender-ids", "tenant-1", nil, httptransport.SenderIDRequest{Label: "ACME"})
		assert.Equal(t, http.StatusConflict, rr.Code)
	})
}

func TestSenderIDHandler_ListAndDefault(t *testing.T) {
	c := setupAPITest(t)
	c.senders.On("ListRequests", mock.Anything, "tenant-1").Return(nil, nil).Once()
	c.senders.On("ResolveDefault", mock.Anything, "tenant-1").
		Return(&senderdomain.SenderIdentity{ID: "sid-sys", Label: "Taarifa-SMS", Status: senderdomain.StatusApproved, IsDefault: true, IsSystem: true}, nil).Once()

	rr := c.do(t, http.MethodGet, "/v1/sender-ids", "tenant-1", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())

	rr = c.do(t, http.MethodGet, "/v1/sender-ids/default", "tenant-1", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	got := decodeBody[senderdomain.SenderIdentity](t, rr)
	assert.True(t, got.IsSystem)
	c.senders.AssertExpectations(t)
}

func TestSenderIDHandler_Decide(t *testing.T) {
	t.Run("Reviewer", func(t *testing.T) {
		c := setupAPITest(t)
		reviewer := senderdomain.Reviewer{ID: "user-ops", Privileged: true}
		c.senders.On("Decide", mock.Anything, "sid-1", reviewer, true, "ok").
			Return(&senderdomain.SenderIdentity{ID: "sid-1", Status: senderdomain.StatusApproved}, nil).Once()

		rr := c.do(t, http.MethodPost, "/v1/sender-ids/sid-1/decision", "ops", []string{middleware.PermissionSenderIDReview},
			httptransport.SenderIDDecisionRequest{Approve: true, Reason: "ok"})

		assert.Equal(t, http.StatusOK, rr.Code)
		c.senders.AssertExpectations(t)
	})

	t.Run("WithoutPermission", func(t *testing.T) {
		c := setupAPITest(t)
		rr := c.do(t, http.MethodPost, "/v1/sender-ids/sid-1/decision", "tenant-1", nil,
			httptransport.SenderIDDecisionRequest{Approve: true})

		assert.Equal(t, http.StatusForbidden, rr.Code)
		c.senders.AssertNotCalled(t, "Decide", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("AlreadyDecided", func(t *testing.T) {
		c := setupAPITest(t)
		c.senders.On("Decide", mock.Anything, "sid-1", mock.Anything, false, "").Return(nil, senderdomain.ErrAlreadyDecided).Once()

		rr := c.do(t, http.MethodPost, "/v1/sender-ids/sid-1/decision", "ops", []string{middleware.PermissionSenderIDReview},
			httptransport.SenderIDDecisionRequest{Approve: false})
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("UnknownRequest", func(t *testing.T) {
		c := setupAPITest(t)
		c.senders.On("Decide", mock.Anything, "nope", mock.Anything, true, "").Return(nil, senderdomain.ErrNotFound).Once()

		rr := c.do(t, http.MethodPost, "/v1/sender-ids/nope/decision", "ops", []string{middleware.PermissionSenderIDReview},
			httptransport.SenderIDDecisionRequest{Approve: true})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
