// Package blooio adapts the upstream carrier-capability lookup service.
//
// The upstream contract is a single GET per phone returning capability
// flags. The package provides the strict rate gate, the HTTP client with
// the retry taxonomy, and the cache-first classifier built on both.
package blooio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carriersift/carriersift/internal/logger"
	"github.com/carriersift/carriersift/pkg/engine/models"
	"github.com/carriersift/carriersift/pkg/metrics"
)

// ClientConfig contains upstream connection configuration.
type ClientConfig struct {
	// BaseURL is the upstream API root, e.g. "https://api.blooio.com/v1".
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// APIKey is the bearer token for upstream authentication.
	APIKey string `mapstructure:"api_key" yaml:"api_key"`

	// Timeout is the per-call deadline. Default: 15s.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// MaxRetries bounds retries for transient upstream failures.
	// Default: 3.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// RetryBackoff is the linear backoff unit between transient retries.
	// Attempt n sleeps n * RetryBackoff. Default: 2s.
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`

	// RateLimitPause is the sleep after an upstream 429. A 429 does not
	// consume retry budget. Default: 5s.
	RateLimitPause time.Duration `mapstructure:"rate_limit_pause" yaml:"rate_limit_pause"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *ClientConfig) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.RateLimitPause <= 0 {
		c.RateLimitPause = 5 * time.Second
	}
}

// Validate checks if the configuration is valid.
func (c *ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("upstream base_url is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("upstream api_key is required")
	}
	return nil
}

// Verdict is the classification outcome for one phone.
//
// A verdict with a non-empty Err is an error verdict: it still counts the
// phone as processed and is recorded in the result log, but is never cached.
type Verdict struct {
	IsIOS            bool
	SupportsIMessage bool
	SupportsSMS      bool
	ContactType      models.ContactType
	FromCache        bool
	Err              string
}

// IsError reports whether this is an error verdict.
func (v Verdict) IsError() bool {
	return v.Err != ""
}

// capabilitiesResponse is the upstream response body shape.
type capabilitiesResponse struct {
	Capabilities *struct {
		IMessage bool `json:"imessage"`
		SMS      bool `json:"sms"`
	} `json:"capabilities"`
}

// Client performs single-phone capability lookups against the upstream.
type Client struct {
	config ClientConfig
	http   *http.Client
}

// NewClient creates an upstream client. The per-call deadline is enforced
// via request contexts so a single slow call cannot stall past Timeout.
func NewClient(config ClientConfig) (*Client, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		config: config,
		http:   &http.Client{},
	}, nil
}

// Lookup fetches the capability verdict for one phone, applying the retry
// taxonomy:
//
//   - 429: sleep RateLimitPause and retry, without consuming retry budget.
//   - 5xx or transport error: retry up to MaxRetries with linear backoff;
//     on exhaustion the phone gets an error verdict.
//   - other non-2xx, or a body missing the capabilities field: error
//     verdict immediately, no retry.
//
// Only context cancellation is returned as a Go error; every upstream
// failure mode degrades to an error verdict so the caller can record the
// phone as processed.
func (c *Client) Lookup(ctx context.Context, e164 string) (Verdict, error) {
	attempt := 0
	for {
		verdict, retryable, err := c.lookupOnce(ctx, e164)
		if err != nil {
			// 429 is surfaced as errRateLimited so the pause does not
			// count against the retry budget.
			if err == errRateLimited {
				logger.Warn("Upstream rate limited, pausing", "e164", e164, "pause", c.config.RateLimitPause)
				if serr := sleepCtx(ctx, c.config.RateLimitPause); serr != nil {
					return Verdict{}, serr
				}
				continue
			}
			return Verdict{}, err
		}

		if !retryable {
			return verdict, nil
		}

		attempt++
		if attempt >= c.config.MaxRetries {
			return verdict, nil
		}

		backoff := time.Duration(attempt) * c.config.RetryBackoff
		logger.Debug("Retrying upstream lookup", "e164", e164, "attempt", attempt, "backoff", backoff)
		if serr := sleepCtx(ctx, backoff); serr != nil {
			return Verdict{}, serr
		}
	}
}

// errRateLimited signals an upstream 429 to the retry loop.
var errRateLimited = fmt.Errorf("upstream rate limited")

// lookupOnce performs a single upstream call. It returns the verdict, a
// flag marking the verdict as retryable (transient failure), and an error
// only for cancellation or a 429.
func (c *Client) lookupOnce(ctx context.Context, e164 string) (Verdict, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/contacts/%s/capabilities",
		strings.TrimRight(c.config.BaseURL, "/"), url.PathEscape(e164))

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Verdict{}, false, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Distinguish caller cancellation from a per-call timeout: the
		// former aborts the invocation, the latter is a transient fault.
		if ctx.Err() != nil {
			return Verdict{}, false, ctx.Err()
		}
		metrics.ObserveUpstreamRequest("transport_error")
		return errorVerdict(fmt.Sprintf("upstream transport error: %v", err)), true, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.ObserveUpstreamRequest("429")
		io.Copy(io.Discard, resp.Body)
		return Verdict{}, false, errRateLimited

	case resp.StatusCode >= 500:
		metrics.ObserveUpstreamRequest("5xx")
		io.Copy(io.Discard, resp.Body)
		return errorVerdict(fmt.Sprintf("API %d", resp.StatusCode)), true, nil

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		metrics.ObserveUpstreamRequest("4xx")
		io.Copy(io.Discard, resp.Body)
		return errorVerdict(fmt.Sprintf("API %d", resp.StatusCode)), false, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveUpstreamRequest("transport_error")
		return errorVerdict(fmt.Sprintf("failed to read upstream response: %v", err)), true, nil
	}

	var parsed capabilitiesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		metrics.ObserveUpstreamRequest("malformed")
		return errorVerdict("unparseable upstream response"), false, nil
	}
	if parsed.Capabilities == nil {
		metrics.ObserveUpstreamRequest("malformed")
		return errorVerdict("upstream response missing capabilities"), false, nil
	}

	metrics.ObserveUpstreamRequest("ok")
	return classify(parsed.Capabilities.IMessage, parsed.Capabilities.SMS), false, nil
}

// classify derives the verdict from the capability flags.
func classify(imessage, sms bool) Verdict {
	contactType := models.ContactTypeUnknown
	switch {
	case imessage:
		contactType = models.ContactTypeIPhone
	case sms:
		contactType = models.ContactTypeAndroid
	}

	return Verdict{
		IsIOS:            imessage,
		SupportsIMessage: imessage,
		SupportsSMS:      sms,
		ContactType:      contactType,
	}
}

func errorVerdict(msg string) Verdict {
	return Verdict{
		ContactType: models.ContactTypeError,
		Err:         msg,
	}
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
