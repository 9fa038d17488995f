/**
 * @description
 * This file contains the HTTP handler for processing incoming webhooks from the
 * payment provider. It is the primary entry point for the event stream that
 * drives the entitlement ledger.
 *
 * Key features:
 * - Security: Validates the HMAC-SHA256 signature of incoming webhooks.
 * - Idempotent acknowledgement: redelivery of an already-processed provider
 *   event id returns 200 with the recorded outcome and never reprocesses.
 * - Rate limiting: an optional Redis-backed fixed-window limiter sheds abusive
 *   senders before any parsing happens.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256: For webhook signature validation.
 * - encoding/json, net/http: Standard Go libraries.
 * - internal/app, internal/domain: Reconciler entry point and models.
 */

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/izaos/entitlement-service/internal/app"
	"github.com/izaos/entitlement-service/internal/domain"
)

// WebhookHandler processes incoming payment events from the provider.
type WebhookHandler struct {
	service         *app.Service
	secret          string
	rateLimit       int
	rateLimitWindow time.Duration
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(service *app.Service, secret string, rateLimitPerMinute int) *WebhookHandler {
	return &WebhookHandler{
		service:         service,
		secret:          secret,
		rateLimit:       rateLimitPerMinute,
		rateLimitWindow: time.Minute,
	}
}

// webhookResponse is the acknowledgement body; Outcome carries the terminal
// state so the provider's dashboard shows what the event did.
type webhookResponse struct {
	ProviderEventID string               `json:"provider_event_id"`
	Outcome         *domain.EventOutcome `json:"outcome"`
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if limiter := h.service.WebhookRateLimiter(); limiter != nil && h.rateLimit > 0 {
		subject := remoteHost(r)
		count, retryAfter, err := limiter.ConsumeRateLimit(r.Context(), "webhook", subject, h.rateLimit, h.rateLimitWindow)
		if err != nil {
			// Limiter trouble must not drop provider events; log and continue.
			log.Printf("level=warn component=webhook msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		} else if count > h.rateLimit {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if !h.isValidSignature(r.Header.Get("X-Payment-Signature"), body) {
		log.Printf("level=warn component=webhook msg=\"invalid signature\" remote=%s", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var event domain.PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	event.ReceivedAt = time.Now().UTC()

	outcome, err := h.service.ProcessPaymentEvent(r.Context(), event)
	if err != nil {
		if errors.Is(err, app.ErrMalformedEvent) {
			// No provider event id: unclaimable, nothing recorded.
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if errors.Is(err, app.ErrEventInProgress) {
			// Another worker holds the claim; the provider will redeliver and
			// pick up the recorded outcome.
			http.Error(w, "Event is being processed", http.StatusConflict)
			return
		}
		log.Printf("level=error component=webhook msg=\"event processing failed\" provider_event_id=%s err=%v", event.ProviderEventID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	// Applied and rejected are both terminal: acknowledge with 200 so the
	// provider stops redelivering. Rejected events wait in the operator queue.
	writeJSON(w, http.StatusOK, webhookResponse{ProviderEventID: event.ProviderEventID, Outcome: outcome})
}

// isValidSignature validates the HMAC-SHA256 signature of the webhook body.
// Both hex and base64 encodings of the digest are accepted, with or without a
// "sha256=" prefix, since payment providers differ on the header format.
func (h *WebhookHandler) isValidSignature(signatureHeader string, body []byte) bool {
	if h.secret == "" {
		log.Println("level=warn component=webhook msg=\"webhook secret not set; skipping signature validation\"")
		return true
	}

	header := strings.TrimSpace(signatureHeader)
	if header == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, part := range strings.Split(header, ",") {
		candidate := strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(candidate), "sha256=") {
			candidate = strings.TrimSpace(candidate[7:])
		}
		if decoded, err := hex.DecodeString(candidate); err == nil && hmac.Equal(decoded, expected) {
			return true
		}
		if decoded, err := base64.StdEncoding.DecodeString(candidate); err == nil && hmac.Equal(decoded, expected) {
			return true
		}
	}

	return false
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
