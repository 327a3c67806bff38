// Package solrpc provides the small slice of the Solana JSON-RPC surface the
// payment flow needs: blockhash fetch, confirmation polling, and
// settled-transaction lookup. Broadcast itself goes through the wallet, which
// signs and sends in one step.
package solrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Commitment levels used by the payment flow.
const (
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// ErrRateLimited marks a node answer that means "couldn't check yet", not
// "definitely invalid". Callers retry; nothing converts it to a negative
// verification result.
var ErrRateLimited = errors.New("rpc rate limited")

// Client talks to a Solana RPC node.
type Client struct {
	rpcURL     string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	RPCURL  string
	Timeout time.Duration
}

// NewClient creates a new RPC client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Call makes a JSON-RPC call to the node.
func (client *Client) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	request := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResponse.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s %s", ErrRateLimited, method, strings.TrimSpace(string(responseBody)))
	}

	var rpcResponse RPCResponse
	if err := json.Unmarshal(responseBody, &rpcResponse); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResponse.Error != nil {
		if strings.Contains(rpcResponse.Error.Message, "Too Many Requests") {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, rpcResponse.Error.Message)
		}
		return nil, rpcResponse.Error
	}

	return rpcResponse.Result, nil
}

// LatestBlockhash returns the most recent finalized block reference.
func (client *Client) LatestBlockhash(ctx context.Context) (*Blockhash, error) {
	result, err := client.Call(ctx, "getLatestBlockhash", []any{
		map[string]any{"commitment": CommitmentFinalized},
	})
	if err != nil {
		return nil, err
	}

	var response struct {
		Value Blockhash `json:"value"`
	}
	if err := json.Unmarshal(result, &response); err != nil {
		return nil, fmt.Errorf("unmarshal blockhash: %w", err)
	}
	if response.Value.Blockhash == "" {
		return nil, fmt.Errorf("empty blockhash in response")
	}
	return &response.Value, nil
}

// SignatureStatus returns the confirmation status for one signature, or nil
// when the node does not know it yet.
func (client *Client) SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	result, err := client.Call(ctx, "getSignatureStatuses", []any{
		[]string{signature},
		map[string]any{"searchTransactionHistory": true},
	})
	if err != nil {
		return nil, err
	}

	var response struct {
		Value []*SignatureStatus `json:"value"`
	}
	if err := json.Unmarshal(result, &response); err != nil {
		return nil, fmt.Errorf("unmarshal signature status: %w", err)
	}
	if len(response.Value) == 0 {
		return nil, nil
	}
	return response.Value[0], nil
}

// GetTransaction fetches a settled transaction by signature at confirmed
// commitment, accepting both legacy and versioned encodings. A nil result
// with nil error means the node has no such transaction.
func (client *Client) GetTransaction(ctx context.Context, signature string) (*TransactionResult, error) {
	result, err := client.Call(ctx, "getTransaction", []any{
		signature,
		map[string]any{
			"encoding":                       "json",
			"commitment":                     CommitmentConfirmed,
			"maxSupportedTransactionVersion": 0,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}

	var transaction TransactionResult
	if err := json.Unmarshal(result, &transaction); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return &transaction, nil
}
