/**
 * @description
 * This package provides a client for the external metal price feed.
 * It fetches the quoted price of a metal for a specific calendar date and
 * normalizes the feed's error shapes into Go errors.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package priceclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrQuoteNotFound is returned when the feed has no quote for the requested date.
var ErrQuoteNotFound = errors.New("price quote not found")

// Client is a client for the price feed API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new price feed client.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger.With("component", "price_client"),
	}
}

// Quote is a single day's price for one unit of a metal.
type Quote struct {
	Metal    string  `json:"metal"`
	Date     string  `json:"date"`
	Price    float64 `json:"price"`
	Unit     string  `json:"unit"`
	Currency string  `json:"currency"`
}

// ErrorResponse represents an error body from the price feed.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("price feed error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("price feed error (status %d)", e.StatusCode)
}

// GetQuote fetches the quote for metal on the given calendar date.
func (c *Client) GetQuote(ctx context.Context, metal string, date time.Time) (*Quote, error) {
	endpoint := fmt.Sprintf("%s/v1/prices/%s?date=%s", c.BaseURL, url.PathEscape(metal), date.UTC().Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create quote request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("x-api-key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute quote request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read quote response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrQuoteNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, errResp); jsonErr != nil {
			c.logger.Warn("non-2xx response with unparsable body", "metal", metal, "status", resp.StatusCode)
		} else {
			c.logger.Warn("non-2xx response", "metal", metal, "status", resp.StatusCode, "code", errResp.Code)
		}
		return nil, errResp
	}

	var quote Quote
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, fmt.Errorf("failed to decode quote response: %w", err)
	}
	return &quote, nil
}
