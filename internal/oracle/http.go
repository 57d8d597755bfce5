package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/slippage-rewards/internal/circuitbreaker"
)

// ErrBadResponse is returned for unparseable or non-200 feed responses
var ErrBadResponse = errors.New("oracle: bad feed response")

// HTTPFeed reads the latest value from a remote JSON endpoint of the form
// {"value": "<integer>", "updatedAt": <unix seconds>}
type HTTPFeed struct {
	url        string
	apiKey     string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
}

// NewHTTPFeed creates a feed polling url with retries
func NewHTTPFeed(url string) *HTTPFeed {
	return &HTTPFeed{
		url:        url,
		httpClient: newRetryClient(3).StandardClient(),
	}
}

// WithAPIKey sends key as a bearer token and returns the feed
func (f *HTTPFeed) WithAPIKey(key string) *HTTPFeed {
	f.apiKey = key
	return f
}

// WithBreaker guards every reading with cb and returns the feed
func (f *HTTPFeed) WithBreaker(cb *circuitbreaker.CircuitBreaker) *HTTPFeed {
	f.breaker = cb
	return f
}

// WithRetryMax overrides the retry budget and returns the feed
func (f *HTTPFeed) WithRetryMax(n int) *HTTPFeed {
	f.httpClient = newRetryClient(n).StandardClient()
	return f
}

// Breaker returns the configured breaker, possibly nil
func (f *HTTPFeed) Breaker() *circuitbreaker.CircuitBreaker { return f.breaker }

// Source implements Feed
func (f *HTTPFeed) Source() string { return f.url }

// LatestValue implements Feed
func (f *HTTPFeed) LatestValue(ctx context.Context) (*big.Int, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	logrus.Debugf("Reading oracle feed: %s", f.url)
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("error reading oracle feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, time.Time{}, fmt.Errorf("%w: status %d, body: %s", ErrBadResponse, resp.StatusCode, string(body))
	}

	var response struct {
		Value     json.Number `json:"value"`
		UpdatedAt int64       `json:"updatedAt"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&response); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	value, ok := new(big.Int).SetString(response.Value.String(), 10)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: value %q is not an integer", ErrBadResponse, response.Value)
	}
	updatedAt := time.Unix(response.UpdatedAt, 0).UTC()

	if f.breaker != nil {
		if err := f.breaker.Check(circuitbreaker.Reading{Value: value, UpdatedAt: updatedAt}); err != nil {
			return nil, time.Time{}, fmt.Errorf("oracle: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"value":      value.String(),
		"updated_at": updatedAt.Format(time.RFC3339),
	}).Debug("Oracle reading")
	return value, updatedAt, nil
}

func newRetryClient(retryMax int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = nil
	return c
}
