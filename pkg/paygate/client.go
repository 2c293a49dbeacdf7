/**
 * @description
 * This package provides a client for the payment gateway's charge API. It
 * encapsulates authenticated HTTP requests, idempotency-key propagation, and
 * the mapping of gateway responses into the small set of outcomes the charge
 * orchestrator branches on.
 *
 * @notes
 * - Every charge call carries a caller-supplied idempotency key; the gateway
 *   deduplicates by it, so retrying the same logical charge after a timeout
 *   can never collect twice.
 * - A synchronous authentication-required rejection is not a hard failure:
 *   it surfaces as an APIError with code "authentication_required" and the
 *   orchestrator treats it the same as a requires_action response.
 */
package paygate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Charge outcome statuses reported by the gateway.
const (
	ChargeStatusSucceeded      = "succeeded"
	ChargeStatusRequiresAction = "requires_action"
	ChargeStatusFailed         = "failed"
)

// CodeAuthenticationRequired is the error code the gateway uses when a charge
// is rejected synchronously pending member authentication (e.g. 3-D Secure).
const CodeAuthenticationRequired = "authentication_required"

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ChargeRequest is the payload for one charge attempt.
type ChargeRequest struct {
	AmountMinorUnits int64  `json:"amount"`
	Currency         string `json:"currency"`
	CustomerRef      string `json:"customer"`
	InstrumentRef    string `json:"payment_instrument"`
	Description      string `json:"description,omitempty"`

	// IdempotencyKey is sent as a header, not in the body.
	IdempotencyKey string `json:"-"`
}

// ChargeResult is the gateway's answer to a charge attempt.
type ChargeResult struct {
	Status             string `json:"status"`
	GatewayReferenceID string `json:"reference"`
	Message            string `json:"message,omitempty"`
}

// APIError represents a structured error from the gateway API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("paygate api error: %s - %s", e.Code, e.Message)
	}
	return fmt.Sprintf("paygate api error: %s", e.Code)
}

// AuthenticationRequired reports whether the error is the synchronous
// authentication-required rejection.
func (e *APIError) AuthenticationRequired() bool {
	return e.Code == CodeAuthenticationRequired
}

// CreateCharge attempts to collect a payment from a stored instrument.
func (c *Client) CreateCharge(ctx context.Context, chargeReq ChargeRequest) (*ChargeResult, error) {
	body, err := json.Marshal(chargeReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/charges", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create charge request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Idempotency-Key", chargeReq.IdempotencyKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute charge request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read charge response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if err := json.Unmarshal(bodyBytes, &apiErr); err != nil || apiErr.Code == "" {
			log.Printf("level=warn component=paygate_client op=create_charge status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		apiErr.StatusCode = resp.StatusCode
		log.Printf("level=warn component=paygate_client op=create_charge status=%d code=%q message=%q", resp.StatusCode, apiErr.Code, apiErr.Message)
		return nil, &apiErr
	}

	var result ChargeResult
	if err := json.Unmarshal(bodyBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to decode charge response: %w", err)
	}

	return &result, nil
}
