package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
)

const (
	maxCallbackBytes  = 1 << 20
	retryAfterSeconds = "30"
)

// ReceiptApplier applies a raw provider callback.
type ReceiptApplier interface {
	HandleWebhook(ctx context.Context, payload []byte) (bool, error)
}

// WebhookHandler receives delivery callbacks from the configured gateway.
type WebhookHandler struct {
	reconciler ReceiptApplier
	provider   string
	logger     *slog.Logger
}

func NewWebhookHandler(reconciler ReceiptApplier, providerName string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler, provider: providerName, logger: logger.With("handler", "dlr_webhook")}
}

func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/dlr/{provider_name}", h.HandleDLRCallback)
}

// HandleDLRCallback applies the callback in-line. A repeated callback is
// acknowledged with applied=false. A callback for a message still being
// submitted gets 503 so the provider delivers it again.
func (h *WebhookHandler) HandleDLRCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerName := chi.URLParam(r, "provider_name")
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx), "provider_name", providerName)

	if !strings.EqualFold(providerName, h.provider) {
		jsonError(w, logger, "Unknown provider", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, logger, "Callback body too large", http.StatusRequestEntityTooLarge)
			return
		}
		logger.ErrorContext(ctx, "Failed to read request body for DLR", "error", err)
		jsonError(w, logger, "Failed to read request body", http.StatusBadRequest)
		return
	}

	applied, err := h.reconciler.HandleWebhook(ctx, body)
	if err != nil {
		if errors.Is(err, coredomain.ErrReceiptTooEarly) {
			w.Header().Set("Retry-After", retryAfterSeconds)
		}
		writeDomainError(ctx, w, logger, err, nil)
		return
	}
	logger.DebugContext(ctx, "DLR callback handled", "applied", applied)
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}
