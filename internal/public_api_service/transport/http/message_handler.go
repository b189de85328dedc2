package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/aradsms/sms_dispatch/internal/public_api_service/middleware"
	smsapp "github.com/aradsms/sms_dispatch/internal/sms_sending_service/app"
	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
)

// Dispatcher is the part of the dispatch engine the message routes use.
type Dispatcher interface {
	Send(ctx context.Context, req smsapp.SendRequest) (*coredomain.OutboundMessage, error)
	SendBulk(ctx context.Context, req smsapp.BulkSendRequest) (*coredomain.DispatchBatch, error)
	GetMessage(ctx context.Context, tenantID, messageID string) (*coredomain.OutboundMessage, error)
}

type MessageHandler struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewMessageHandler(dispatcher Dispatcher, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		dispatcher: dispatcher,
		logger:     logger.With("handler", "message"),
	}
}

// RegisterRoutes registers message routes with the given router.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Post("/messages", h.handleSendMessages)
	r.Get("/messages/{messageID}", h.handleGetMessageStatus)
}

// handleSendMessages dispatches one body to the listed recipients. A single
// recipient goes through Send, several through SendBulk.
func (h *MessageHandler) handleSendMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	authUser, ok := middleware.UserFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}
	logger = logger.With("tenant_id", authUser.TenantID)

	var req SendMessagesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(ctx, w, logger, err, nil)
		return
	}
	if len(req.Recipients) == 0 {
		writeDomainError(ctx, w, logger, coredomain.NewValidationError("recipients", "at least one recipient is required"), nil)
		return
	}

	if len(req.Recipients) == 1 {
		msg, err := h.dispatcher.Send(ctx, smsapp.SendRequest{
			TenantID:       authUser.TenantID,
			Recipient:      req.Recipients[0],
			Body:           req.Body,
			SenderLabel:    req.SenderLabel,
			IdempotencyKey: req.IdempotencyKey,
		})
		resp := SendMessagesResponse{Accepted: []string{}, Rejected: []RejectionResponse{}}
		if msg != nil && msg.BatchID != nil {
			resp.BatchID = *msg.BatchID
		}
		if err != nil {
			switch {
			case msg != nil:
				// Stored and then refused by the provider.
				resp.Rejected = []RejectionResponse{{Recipient: msg.Recipient, Reason: coredomain.ErrorCode(err), MessageID: msg.ID}}
				writeDispatchOutcome(ctx, w, logger, err, resp)
			case errors.Is(err, coredomain.ErrNormalization):
				writeDomainError(ctx, w, logger, err, []coredomain.Rejection{
					{Recipient: req.Recipients[0], Reason: smsapp.RejectReasonInvalidNumber},
				})
			default:
				writeDomainError(ctx, w, logger, err, nil)
			}
			return
		}
		resp.Accepted = []string{msg.ID}
		logger.InfoContext(ctx, "Message accepted", "message_id", msg.ID, "batch_id", resp.BatchID)
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	batch, err := h.dispatcher.SendBulk(ctx, smsapp.BulkSendRequest{
		TenantID:       authUser.TenantID,
		Recipients:     req.Recipients,
		Body:           req.Body,
		SenderLabel:    req.SenderLabel,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		switch {
		case batch == nil:
			writeDomainError(ctx, w, logger, err, nil)
		case batch.ID != "":
			writeDispatchOutcome(ctx, w, logger, err, toSendMessagesResponse(batch))
		default:
			writeDomainError(ctx, w, logger, err, batch.Rejections)
		}
		return
	}

	logger.InfoContext(ctx, "Bulk dispatch accepted", "batch_id", batch.ID, "accepted", batch.Accepted,
		"rejected", batch.RejectedValidation+batch.RejectedProvider)
	writeJSON(w, http.StatusAccepted, toSendMessagesResponse(batch))
}

// handleGetMessageStatus returns one of the caller's messages.
func (h *MessageHandler) handleGetMessageStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	authUser, ok := middleware.UserFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}

	messageID := chi.URLParam(r, "messageID")
	msg, err := h.dispatcher.GetMessage(ctx, authUser.TenantID, messageID)
	if err != nil {
		writeDomainError(ctx, w, logger.With("message_id", messageID), err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toMessageStatusResponse(msg))
}
