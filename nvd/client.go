package nvd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	DefaultTimeout = 30 * time.Second
)

// StatusError reports a non-200 reply. 403 and 429 are the NVD rate limits.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("received status code %d from NVD API", e.Code)
}

// RateLimited reports whether the reply was a throttling response.
func (e *StatusError) RateLimited() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusForbidden
}

// Client queries the NVD CVE API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithAPIKey sets the key sent in the apiKey header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// KeywordSearch runs a keywordSearch query returning at most limit results.
func (c *Client) KeywordSearch(ctx context.Context, keyword string, limit int) (*Response, error) {
	q := url.Values{}
	q.Set("keywordSearch", keyword)
	if limit > 0 {
		q.Set("resultsPerPage", strconv.Itoa(limit))
	}
	return c.query(ctx, q)
}

// GetCVE fetches a CVE by identifier. ok is false when NVD has no record.
func (c *Client) GetCVE(ctx context.Context, id string) (item CveItem, ok bool, err error) {
	q := url.Values{}
	q.Set("cveId", id)
	resp, err := c.query(ctx, q)
	if err != nil {
		return CveItem{}, false, err
	}
	if len(resp.Vulnerabilities) == 0 {
		return CveItem{}, false, nil
	}
	return resp.Vulnerabilities[0].CVE, true, nil
}

func (c *Client) query(ctx context.Context, q url.Values) (*Response, error) {
	endpoint := c.baseURL + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode NVD response: %w", err)
	}
	return &out, nil
}
