package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPVerifier submits claimed payments to the hosted verification endpoint.
type HTTPVerifier struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPVerifier wires a verifier against the given base URL.
func NewHTTPVerifier(baseURL string, timeout time.Duration) (*HTTPVerifier, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: verifier base url is required", ErrInvalidPipelineConfig)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPVerifier{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// VerifyAndGrant posts the claim and decodes the endpoint's response. Both
// the 200 and 400 bodies decode into VerifyResult; other statuses are
// transport errors.
func (verifier *HTTPVerifier) VerifyAndGrant(ctx context.Context, request VerifyRequest) (VerifyResult, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("marshal request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, verifier.baseURL+"/v1/payments/verify-and-grant", bytes.NewReader(body))
	if err != nil {
		return VerifyResult{}, fmt.Errorf("create request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := verifier.httpClient.Do(httpRequest)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("execute request: %w", err)
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("read response: %w", err)
	}
	if httpResponse.StatusCode != http.StatusOK && httpResponse.StatusCode != http.StatusBadRequest {
		return VerifyResult{}, fmt.Errorf("unexpected status %d: %s", httpResponse.StatusCode, truncateBody(responseBody))
	}

	var result VerifyResult
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return VerifyResult{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return result, nil
}

func truncateBody(body []byte) string {
	const limit = 200
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
