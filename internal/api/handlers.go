/**
 * @description
 * This file contains the HTTP handlers for the entitlement-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/izaos/entitlement-service/internal/app"
	"github.com/izaos/entitlement-service/internal/domain"
	"github.com/izaos/entitlement-service/internal/store"
)

// EntitlementHandlers holds the application service that handlers will use.
type EntitlementHandlers struct {
	service *app.Service
}

// NewEntitlementHandlers creates a new instance of EntitlementHandlers.
func NewEntitlementHandlers(service *app.Service) *EntitlementHandlers {
	return &EntitlementHandlers{service: service}
}

// PublishTemplateHandler handles catalog template publishing from the authoring tooling.
func (h *EntitlementHandlers) PublishTemplateHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.PublishTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tpl, err := h.service.PublishTemplate(r.Context(), req)
	if err != nil {
		if errors.Is(err, app.ErrInvalidTemplate) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=publish_template msg=\"publish failed\" template_id=%s err=%v", req.ID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, tpl)
}

// PublishPriceTierHandler handles price tier registration.
func (h *EntitlementHandlers) PublishPriceTierHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.PublishPriceTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tier, err := h.service.PublishPriceTier(r.Context(), req)
	if err != nil {
		if errors.Is(err, app.ErrInvalidPriceTier) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, store.ErrPriceTierExists) {
			writeError(w, http.StatusConflict, "Price tier already exists")
			return
		}
		log.Printf("level=error component=api endpoint=publish_price_tier msg=\"publish failed\" tier_id=%s err=%v", req.ID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, tier)
}

// GetTemplateHandler returns one catalog template.
func (h *EntitlementHandlers) GetTemplateHandler(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.service.GetTemplate(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		if errors.Is(err, store.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, "Template not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// GetPriceTierHandler returns one price tier with its included template ids.
func (h *EntitlementHandlers) GetPriceTierHandler(w http.ResponseWriter, r *http.Request) {
	tier, err := h.service.GetPriceTier(r.Context(), chi.URLParam(r, "tierID"))
	if err != nil {
		if errors.Is(err, store.ErrPriceTierNotFound) {
			writeError(w, http.StatusNotFound, "Price tier not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, tier)
}

// ListEntitlementsHandler returns a customer's full entitlement history for the
// delivery service and operator tooling.
func (h *EntitlementHandlers) ListEntitlementsHandler(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")
	entitlements, err := h.service.ListEntitlements(r.Context(), customerID)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_entitlements msg=\"list failed\" customer_id=%s err=%v", customerID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if entitlements == nil {
		entitlements = []domain.Entitlement{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"customer_id": customerID, "entitlements": entitlements})
}

// IsEntitledHandler is the authorization check the delivery service calls
// before releasing a storage locator.
func (h *EntitlementHandlers) IsEntitledHandler(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")
	templateID := chi.URLParam(r, "templateID")

	entitled, err := h.service.IsEntitled(r.Context(), customerID, templateID)
	if err != nil {
		log.Printf("level=error component=api endpoint=is_entitled msg=\"check failed\" customer_id=%s template_id=%s err=%v", customerID, templateID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"customer_id": customerID,
		"template_id": templateID,
		"entitled":    entitled,
	})
}

// DownloadLinkHandler issues a presigned download URL to an authenticated
// customer after the ledger authorizes them.
func (h *EntitlementHandlers) DownloadLinkHandler(w http.ResponseWriter, r *http.Request) {
	customerID, ok := GetCustomerID(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "Could not get customer ID from context")
		return
	}
	templateID := chi.URLParam(r, "templateID")

	url, err := h.service.DownloadLink(r.Context(), customerID, templateID)
	if err != nil {
		if errors.Is(err, app.ErrNotEntitled) {
			writeError(w, http.StatusForbidden, "You are not entitled to this template")
			return
		}
		if errors.Is(err, store.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, "Template not found")
			return
		}
		if errors.Is(err, app.ErrDeliveryDisabled) {
			writeError(w, http.StatusServiceUnavailable, "Downloads are temporarily unavailable")
			return
		}
		log.Printf("level=error component=api endpoint=download_link msg=\"link generation failed\" customer_id=%s template_id=%s err=%v", customerID, templateID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"template_id": templateID, "download_url": url})
}

// PendingRevokesHandler exposes the parked-refund side table to operators.
func (h *EntitlementHandlers) PendingRevokesHandler(w http.ResponseWriter, r *http.Request) {
	parked, err := h.service.ListPendingRevokes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if parked == nil {
		parked = []domain.PendingRevoke{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending_revokes": parked})
}

// RejectedEventsHandler exposes terminally rejected payment events to operators.
func (h *EntitlementHandlers) RejectedEventsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	rejected, err := h.service.ListRejectedEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if rejected == nil {
		rejected = []domain.ProcessedEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rejected_events": rejected})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
