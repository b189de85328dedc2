package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/aradsms/sms_dispatch/internal/public_api_service/middleware"
	senderdomain "github.com/aradsms/sms_dispatch/internal/senderid_service/domain"
	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
)

// SenderRegistry is the part of the sender identity registry the routes use.
type SenderRegistry interface {
	Submit(ctx context.Context, tenantID, label, justification, sampleContent string) (*senderdomain.SenderIdentity, error)
	Decide(ctx context.Context, requestID string, reviewer senderdomain.Reviewer, approve bool, reason string) (*senderdomain.SenderIdentity, error)
	ResolveDefault(ctx context.Context, tenantID string) (*senderdomain.SenderIdentity, error)
	ListRequests(ctx context.Context, tenantID string) ([]*senderdomain.SenderIdentity, error)
}

type SenderIDHandler struct {
	registry SenderRegistry
	logger   *slog.Logger
}

func NewSenderIDHandler(registry SenderRegistry, logger *slog.Logger) *SenderIDHandler {
	return &SenderIDHandler{registry: registry, logger: logger.With("handler", "sender_id")}
}

// RegisterRoutes mounts the tenant routes. Decisions need the reviewer permission.
func (h *SenderIDHandler) RegisterRoutes(r chi.Router) {
	r.Route("/sender-ids", func(r chi.Router) {
		r.Post("/", h.handleSubmit)
		r.Get("/", h.handleList)
		r.Get("/default", h.handleDefault)
		r.With(middleware.RequirePermission(middleware.PermissionSenderIDReview, h.logger)).
			Post("/{senderID}/decision", h.handleDecide)
	})
}

func (h *SenderIDHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))
	authUser, ok := middleware.UserFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}

	var req SenderIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(ctx, w, logger, err, nil)
		return
	}
	identity, err := h.registry.Submit(ctx, authUser.TenantID, req.Label, req.Justification, req.SampleContent)
	if err != nil {
		writeDomainError(ctx, w, logger, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, identity)
}

func (h *SenderIDHandler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))
	authUser, ok := middleware.UserFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}

	identities, err := h.registry.ListRequests(ctx, authUser.TenantID)
	if err != nil {
		writeDomainError(ctx, w, logger, err, nil)
		return
	}
	if identities == nil {
		identities = []*senderdomain.SenderIdentity{}
	}
	writeJSON(w, http.StatusOK, identities)
}

func (h *SenderIDHandler) handleDefault(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))
	authUser, ok := middleware.UserFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}

	identity, err := h.registry.ResolveDefault(ctx, authUser.TenantID)
	if err != nil {
		writeDomainError(ctx, w, logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (h *SenderIDHandler) handleDecide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))
	authUser, ok := middleware.UserFromContext(ctx)
	if !ok {
		jsonError(w, logger, "User not authenticated", http.StatusUnauthorized)
		return
	}

	var req SenderIDDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(ctx, w, logger, err, nil)
		return
	}
	reviewer := senderdomain.Reviewer{
		ID:         authUser.ID,
		Privileged: authUser.HasPermission(middleware.PermissionSenderIDReview),
	}
	identity, err := h.registry.Decide(ctx, chi.URLParam(r, "senderID"), reviewer, req.Approve, req.Reason)
	if err != nil {
		writeDomainError(ctx, w, logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}
