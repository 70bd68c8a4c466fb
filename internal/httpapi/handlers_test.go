package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sourcegraph-sync/cdcengine/internal/registry"
	"github.com/sourcegraph-sync/cdcengine/internal/webhookapplier"
)

// withChiParam attaches a chi URL param the way the router would, so
// handlers can be exercised directly with httptest instead of through a
// full router.
func withChiParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestHealthz_ReturnsOK(t *testing.T) {
	s := &Server{}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.Healthz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestWebhook_RejectsWhenSecretNotConfigured(t *testing.T) {
	s := &Server{}

	req := httptest.NewRequest(http.MethodPost, "/v1/webhook/acct_1", nil)
	req = withChiParam(req, "account_id", "acct_1")
	rr := httptest.NewRecorder()
	s.Webhook(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	reg, err := registry.New(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := &Server{
		Webhooks:      webhookapplier.New(reg, nil, zerolog.Nop()),
		WebhookSecret: "whsec_test",
	}

	body := []byte(`{"id":"evt_1","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhook/acct_1", bytes.NewReader(body))
	req = withChiParam(req, "account_id", "acct_1")
	req.Header.Set("X-Sync-Webhook-Timestamp", strconv.FormatInt(1700000000, 10))
	req.Header.Set("X-Sync-Webhook-Event-Id", "evt_1")
	req.Header.Set("X-Sync-Webhook-Event-Type", "customer.created")
	req.Header.Set("X-Sync-Webhook-Signature", "not-a-real-signature")

	rr := httptest.NewRecorder()
	s.Webhook(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestWebhook_ValidSignatureWithStaleTimestampRejected(t *testing.T) {
	reg, err := registry.New([]registry.ResourceConfig{
		{Name: "customer", Order: 0, TableName: "customer"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := &Server{
		Webhooks:      webhookapplier.New(reg, nil, zerolog.Nop()),
		WebhookSecret: "whsec_test",
	}

	body := []byte(`{"id":"evt_1","type":"customer.updated","data":{"object":{"id":"cus_1","object":"customer"}}}`)
	ts := int64(1700000000)
	sig := webhookapplier.ComputeSignature(s.WebhookSecret, ts, "evt_1", "customer.updated", body)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhook/acct_1", bytes.NewReader(body))
	req = withChiParam(req, "account_id", "acct_1")
	req.Header.Set("X-Sync-Webhook-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Sync-Webhook-Event-Id", "evt_1")
	req.Header.Set("X-Sync-Webhook-Event-Type", "customer.updated")
	req.Header.Set("X-Sync-Webhook-Signature", sig)

	rr := httptest.NewRecorder()
	s.Webhook(rr, req)

	// The timestamp is far outside the default tolerance window relative to
	// "now", so a correctly-signed but stale event is still rejected — this
	// confirms the handler reaches ProcessWebhook (rather than failing
	// earlier on header/signature parsing) and that staleness, not a bad
	// signature, is what trips it.
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestWebhook_MissingHeadersRejected(t *testing.T) {
	reg, err := registry.New(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := &Server{
		Webhooks:      webhookapplier.New(reg, nil, zerolog.Nop()),
		WebhookSecret: "whsec_test",
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/webhook/acct_1", bytes.NewReader([]byte(`{}`)))
	req = withChiParam(req, "account_id", "acct_1")

	rr := httptest.NewRecorder()
	s.Webhook(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestWebhook_MissingAccountIDRejected(t *testing.T) {
	s := &Server{WebhookSecret: "whsec_test"}

	req := httptest.NewRequest(http.MethodPost, "/v1/webhook/", nil)
	rr := httptest.NewRecorder()
	s.Webhook(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want %d", rr.Code, http.StatusBadRequest)
	}
}
