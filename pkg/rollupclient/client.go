/**
 * @description
 * This package provides a client for interacting with the rollup node's
 * inspect/voucher HTTP API. It encapsulates the logic for making authenticated
 * HTTP requests to the node's endpoints and parsing responses.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - internal/domain: Voucher status model.
 */
package rollupclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/melodious/settlement-service/internal/domain"
)

// Client is a client for the rollup node HTTP API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new rollup API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// voucherResponse is the expected response from the node's voucher endpoint.
type voucherResponse struct {
	Data struct {
		InputIndex   int  `json:"inputIndex"`
		VoucherIndex int  `json:"voucherIndex"`
		Executed     bool `json:"executed"`
		Proof        *struct {
			TransactionHash string `json:"transactionHash"`
		} `json:"proof"`
	} `json:"data"`
}

// ErrorResponse represents an error from the rollup API.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("rollup api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown rollup api error"
}

// VoucherStatus fetches the execution status of a voucher identified by its
// input and voucher indices.
func (c *Client) VoucherStatus(ctx context.Context, inputIndex, voucherIndex int) (*domain.VoucherStatus, error) {
	url := fmt.Sprintf("%s/api/v1/vouchers/%d/%d", c.BaseURL, inputIndex, voucherIndex)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create voucher request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("x-api-key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute voucher request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read voucher response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=rollup_client op=voucher_status status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=rollup_client op=voucher_status status=%d err=%v", resp.StatusCode, &errResp)
		return nil, &errResp
	}

	var successResp voucherResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode success response: %w", err)
	}

	status := &domain.VoucherStatus{
		InputIndex:   successResp.Data.InputIndex,
		VoucherIndex: successResp.Data.VoucherIndex,
		Executed:     successResp.Data.Executed,
	}
	if successResp.Data.Proof != nil && successResp.Data.Proof.TransactionHash != "" {
		hash := successResp.Data.Proof.TransactionHash
		status.TransactionHash = &hash
	}
	return status, nil
}
