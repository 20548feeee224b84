// Package rest implements broker.Client against an HTTP brokerage API with
// HMAC-SHA256 request signing. Submission is sent exactly once per call; only
// idempotent reads are retried here.
package rest

import (
	"net/http"
	"time"

	"execgw/internal/logger"
)

type Client struct {
	baseURL string
	apiKey  string
	secret  string

	httpClient *http.Client
	log        *logger.Logger
}

func New(baseURL, apiKey, secret string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}
