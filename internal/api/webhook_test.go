package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/umoja/collections-service/internal/app"
	"github.com/umoja/collections-service/internal/domain"
	"github.com/umoja/collections-service/internal/store"
)

type webhookRepoStub struct {
	store.Repository

	findErr error
}

func (s *webhookRepoStub) FindTransactionByGatewayRef(ctx context.Context, gatewayRef string) (*domain.Transaction, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return nil, store.ErrTransactionNotFound
}

const webhookTestSecret = "whsec_test"

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(handler *WebhookHandler, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paygate", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func validEventBody() []byte {
	return []byte(`{"id":"evt_1","type":"charge.succeeded","data":{"reference":"ref_1"}}`)
}

func TestWebhook_ValidSignatureIsAccepted(t *testing.T) {
	handler := NewWebhookHandler(app.NewReconciler(&webhookRepoStub{}, nil), webhookTestSecret)

	body := validEventBody()
	rec := postWebhook(handler, body, signBody(webhookTestSecret, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhook_SignaturePrefixAndCaseAreTolerated(t *testing.T) {
	handler := NewWebhookHandler(app.NewReconciler(&webhookRepoStub{}, nil), webhookTestSecret)

	body := validEventBody()
	signature := "sha256=" + signBody(webhookTestSecret, body)
	rec := postWebhook(handler, body, signature)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for prefixed signature, got %d", rec.Code)
	}
}

func TestWebhook_MissingSignatureIsRejected(t *testing.T) {
	handler := NewWebhookHandler(app.NewReconciler(&webhookRepoStub{}, nil), webhookTestSecret)

	rec := postWebhook(handler, validEventBody(), "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing signature, got %d", rec.Code)
	}
}

func TestWebhook_WrongSignatureIsRejected(t *testing.T) {
	handler := NewWebhookHandler(app.NewReconciler(&webhookRepoStub{}, nil), webhookTestSecret)

	body := validEventBody()
	rec := postWebhook(handler, body, signBody("whsec_other", body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for wrong signature, got %d", rec.Code)
	}
}

func TestWebhook_SignatureOverDifferentBodyIsRejected(t *testing.T) {
	handler := NewWebhookHandler(app.NewReconciler(&webhookRepoStub{}, nil), webhookTestSecret)

	signature := signBody(webhookTestSecret, []byte(`{"id":"evt_other"}`))
	rec := postWebhook(handler, validEventBody(), signature)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for signature over a different body, got %d", rec.Code)
	}
}

func TestWebhook_MalformedPayloadIsRejectedAfterVerification(t *testing.T) {
	handler := NewWebhookHandler(app.NewReconciler(&webhookRepoStub{}, nil), webhookTestSecret)

	body := []byte(`{"type":"charge.succeeded","data":{"reference":"ref_1"}}`) // missing id
	rec := postWebhook(handler, body, signBody(webhookTestSecret, body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed payload, got %d", rec.Code)
	}
}

func TestWebhook_ProcessingFailureReturnsServerError(t *testing.T) {
	repo := &webhookRepoStub{findErr: errors.New("database unavailable")}
	handler := NewWebhookHandler(app.NewReconciler(repo, nil), webhookTestSecret)

	body := validEventBody()
	rec := postWebhook(handler, body, signBody(webhookTestSecret, body))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 so the gateway redelivers, got %d", rec.Code)
	}
}

func TestWebhook_UnknownEventKindIsAcknowledged(t *testing.T) {
	handler := NewWebhookHandler(app.NewReconciler(&webhookRepoStub{}, nil), webhookTestSecret)

	body := []byte(`{"id":"evt_2","type":"payout.settled","data":{}}`)
	rec := postWebhook(handler, body, signBody(webhookTestSecret, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown event kind, got %d", rec.Code)
	}
}

func TestWebhook_MissingSecretFailsClosed(t *testing.T) {
	handler := NewWebhookHandler(app.NewReconciler(&webhookRepoStub{}, nil), "")

	body := validEventBody()
	rec := postWebhook(handler, body, signBody(webhookTestSecret, body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when no secret is configured, got %d", rec.Code)
	}
}
