// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway discovers the shard count the chat service requires.
//
// Discovery is a single authenticated GET of /gateway/bot at supervisor
// startup. Any failure is fatal to startup: without a shard count the
// supervisor cannot partition, and guessing would either leave shards
// unconnected or be rejected by the service.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/shardvisor/lib/netutil"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the REST API root, e.g. "https://discord.com/api/v10".
	BaseURL string

	// Token is the bot token sent in the Authorization header.
	Token string

	// HTTPClient is used for requests. If nil, http.DefaultClient is
	// used.
	HTTPClient *http.Client

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client queries the chat service's gateway metadata.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// StatusError is returned when the service answers with a non-2xx
// status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway: unexpected status %d: %s", e.StatusCode, e.Body)
}

// BotGateway is the response of GET /gateway/bot.
type BotGateway struct {
	URL    string `json:"url"`
	Shards int    `json:"shards"`
}

// NewClient validates config and returns a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("gateway: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("gateway: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	if config.Token == "" {
		return nil, fmt.Errorf("gateway: Token is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		token:      config.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// BotGateway fetches /gateway/bot.
func (c *Client) BotGateway(ctx context.Context) (*BotGateway, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/gateway/bot", nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: creating request: %w", err)
	}
	request.Header.Set("Authorization", "Bot "+c.token)
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("gateway: GET /gateway/bot: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, &StatusError{
			StatusCode: response.StatusCode,
			Body:       netutil.ErrorBody(response.Body),
		}
	}

	var result BotGateway
	if err := netutil.DecodeResponse(response.Body, &result); err != nil {
		return nil, fmt.Errorf("gateway: decoding response: %w", err)
	}
	return &result, nil
}

// ShardCount returns the total number of shards the service requires.
func (c *Client) ShardCount(ctx context.Context) (int, error) {
	result, err := c.BotGateway(ctx)
	if err != nil {
		return 0, err
	}
	if result.Shards < 0 {
		return 0, fmt.Errorf("gateway: service reported negative shard count %d", result.Shards)
	}
	c.logger.Info("shard count discovered", "shards", result.Shards)
	return result.Shards, nil
}

// Fixed is a shard-count source that returns a configured total
// without contacting the service.
type Fixed int

// ShardCount returns the fixed total.
func (f Fixed) ShardCount(context.Context) (int, error) {
	return int(f), nil
}
