// Package exchange is the derivatives-exchange REST client (C1), the
// product metadata cache (C2), and the flatten primitives (C4).
//
// The signer generalizes binance_broker.go's sign()/get()/post() triad
// (HMAC-SHA256 over a canonical string, hex-encoded) from Binance's
// query-string-only canonical form to the spec's
// METHOD‖timestamp‖path‖query‖body form.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycore/tv-delta-relay/internal/metrics"
)

const maxAttempts = 3

// AuthMode selects how a request is authenticated.
type AuthMode string

const (
	AuthHMAC    AuthMode = "hmac"
	AuthKeyOnly AuthMode = "keyonly"
)

// ClientConfig is the subset of config.Config the client needs,
// restated here so this package does not import internal/config (and
// can be unit-tested without it).
type ClientConfig struct {
	BaseURL         string
	APIKey          string
	APISecret       string
	AuthMode        AuthMode
	HeaderAPIKey    string
	HeaderSignature string
	HeaderTimestamp string
}

// Client is the signed, retrying HTTP client described in spec §4.1.
type Client struct {
	cfg ClientConfig
	hc  *http.Client
	log zerolog.Logger
}

func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: 15 * time.Second},
		log: log.With().Str("component", "exchange.client").Logger(),
	}
}

// Call issues method/path with an optional JSON body and query values,
// signs it per §4.1, retries transient failures, and decodes the JSON
// response into out (which may be nil to discard the body).
func (c *Client) Call(ctx context.Context, method, path string, body any, query url.Values, out any) error {
	var bodyBytes []byte
	var err error
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("exchange: marshal body: %w", err)
		}
	}
	queryStr := ""
	if query != nil {
		queryStr = query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		respBody, status, err := c.doOnce(ctx, method, path, queryStr, bodyBytes)
		if err != nil {
			metrics.ExchangeCallsTotal.WithLabelValues(path, "error").Inc()
			lastErr = err
			if attempt < maxAttempts {
				c.sleepBackoff(ctx, attempt)
				continue
			}
			return err
		}

		var envelope struct {
			Success *bool `json:"success"`
			Error   *struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		_ = json.Unmarshal(respBody, &envelope)
		explicitFailure := envelope.Success != nil && !*envelope.Success

		retryable := retryableStatuses[status] ||
			(explicitFailure && envelope.Error != nil && retryableCodes[envelope.Error.Code])

		if status >= 200 && status < 300 && !explicitFailure {
			metrics.ExchangeCallsTotal.WithLabelValues(path, "ok").Inc()
			if out != nil {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("exchange: decode response: %w", err)
				}
			}
			return nil
		}

		exErr := &Error{Method: method, URL: c.cfg.BaseURL + path, Status: status, Body: string(respBody)}
		if retryable && attempt < maxAttempts {
			metrics.ExchangeCallsTotal.WithLabelValues(path, "retry").Inc()
			lastErr = exErr
			c.log.Warn().Str("method", method).Str("path", path).Int("status", status).Int("attempt", attempt).Msg("retrying transient exchange error")
			c.sleepBackoff(ctx, attempt)
			continue
		}
		metrics.ExchangeCallsTotal.WithLabelValues(path, "error").Inc()
		return exErr
	}
	return lastErr
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) {
	d := time.Duration(attempt) * 300 * time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Client) doOnce(ctx context.Context, method, path, queryStr string, bodyBytes []byte) ([]byte, int, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	u := c.cfg.BaseURL + path
	if queryStr != "" {
		u += "?" + queryStr
	}

	var reader io.Reader
	if bodyBytes != nil {
		reader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("exchange: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	switch c.cfg.AuthMode {
	case AuthKeyOnly:
		req.Header.Set(c.cfg.HeaderAPIKey, c.cfg.APIKey)
	default: // hmac
		canonical := strings.ToUpper(method) + ts + path + queryStr + string(bodyBytes)
		mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
		_, _ = mac.Write([]byte(canonical))
		sig := hex.EncodeToString(mac.Sum(nil))

		req.Header.Set(c.cfg.HeaderAPIKey, c.cfg.APIKey)
		req.Header.Set(c.cfg.HeaderSignature, sig)
		req.Header.Set(c.cfg.HeaderTimestamp, ts)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("exchange: %s %s: %w", method, u, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("exchange: read body: %w", err)
	}
	return b, res.StatusCode, nil
}
