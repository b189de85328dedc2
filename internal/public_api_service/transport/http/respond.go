package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	senderdomain "github.com/aradsms/sms_dispatch/internal/senderid_service/domain"
)

// statusForError maps the dispatch error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, coredomain.ErrValidation), errors.Is(err, coredomain.ErrNormalization):
		return http.StatusBadRequest
	case errors.Is(err, coredomain.ErrInsufficientCredit):
		return http.StatusPaymentRequired
	case errors.Is(err, coredomain.ErrSenderNotAvailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, coredomain.ErrDuplicateRequest), errors.Is(err, coredomain.ErrIdempotencyConflict),
		errors.Is(err, coredomain.ErrReconciliationInconsistency), errors.Is(err, senderdomain.ErrAlreadyDecided):
		return http.StatusConflict
	case errors.Is(err, senderdomain.ErrNotPrivileged):
		return http.StatusForbidden
	case errors.Is(err, coredomain.ErrMessageNotFound), errors.Is(err, senderdomain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coredomain.ErrProviderPermanent):
		return http.StatusBadGateway
	case errors.Is(err, coredomain.ErrProviderTransient), errors.Is(err, coredomain.ErrReceiptTooEarly):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func jsonError(w http.ResponseWriter, logger *slog.Logger, message string, statusCode int) {
	logger.WarnContext(context.Background(), "API Error Response", "status_code", statusCode, "message", message)
	writeJSON(w, statusCode, GenericErrorResponse{Error: message})
}

// writeDomainError answers with the status mapped from err. Internal errors are not echoed.
func writeDomainError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, err error, rejected []coredomain.Rejection) {
	statusCode := statusForError(err)
	resp := GenericErrorResponse{Error: err.Error(), Code: coredomain.ErrorCode(err)}
	if statusCode == http.StatusInternalServerError {
		logger.ErrorContext(ctx, "Request failed", "error", err)
		resp = GenericErrorResponse{Error: "internal server error", Code: "internal"}
	} else {
		logger.WarnContext(ctx, "Request rejected", "error", err, "status_code", statusCode)
	}
	if len(rejected) > 0 {
		resp.Rejected = toRejectionResponses(rejected)
	}
	writeJSON(w, statusCode, resp)
}

// writeDispatchOutcome answers a dispatch that stored a batch but had every
// message refused by the provider. The body keeps the batch outcome.
func writeDispatchOutcome(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, err error, resp SendMessagesResponse) {
	statusCode := statusForError(err)
	resp.Error, resp.Code = err.Error(), coredomain.ErrorCode(err)
	if statusCode == http.StatusInternalServerError {
		logger.ErrorContext(ctx, "Dispatch failed", "error", err, "batch_id", resp.BatchID)
		resp.Error, resp.Code = "internal server error", "internal"
	} else {
		logger.WarnContext(ctx, "Dispatch refused by provider", "error", err, "batch_id", resp.BatchID, "status_code", statusCode)
	}
	writeJSON(w, statusCode, resp)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return coredomain.NewValidationError("body", "invalid request payload: "+err.Error())
	}
	return nil
}
