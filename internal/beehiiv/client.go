// Package beehiiv implements the Beehiiv v2 connector. Beehiiv is
// API-key-only: it has no OAuth capability set, so callers get an
// unsupported error through connector.AsOAuth.
package beehiiv

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ignite/listpilot/internal/connector"
	"github.com/ignite/listpilot/internal/pkg/httpretry"
)

const defaultBaseURL = "https://api.beehiiv.com/v2"

// pageSize is Beehiiv's maximum page size for subscription listings.
const pageSize = 100

// Client is the Beehiiv API client.
type Client struct {
	baseURL    string
	httpClient httpretry.HTTPDoer
}

// Config holds Beehiiv client settings.
type Config struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// NewClient creates a Beehiiv client.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpretry.New(&http.Client{Timeout: timeout}, 3),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing).
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// Provider identifies this connector.
func (c *Client) Provider() connector.Provider { return connector.ProviderBeehiiv }

func (c *Client) doRequest(ctx context.Context, apiKey, op, path string, params url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, connector.NetworkError(c.Provider(), op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, connector.NetworkError(c.Provider(), op, err)
	}
	if err := connector.ClassifyStatus(c.Provider(), op, resp.StatusCode, string(body)); err != nil {
		return nil, err
	}
	return body, nil
}

// ValidateCredential checks the API key by fetching the publication it is
// scoped to. An empty publicationID validates against the publication index.
func (c *Client) ValidateCredential(ctx context.Context, apiKey, publicationID string) (bool, error) {
	var err error
	if publicationID != "" {
		_, err = c.doRequest(ctx, apiKey, "validate", "/publications/"+url.PathEscape(publicationID), nil)
	} else {
		_, err = c.doRequest(ctx, apiKey, "validate", "/publications", url.Values{"limit": {"1"}})
	}
	if err != nil {
		if connector.IsCredentialInvalid(err) || connector.IsKind(err, connector.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListPublications returns all publications visible to the API key.
func (c *Client) ListPublications(ctx context.Context, apiKey string) ([]connector.Publication, error) {
	var out []connector.Publication
	for page := 1; ; page++ {
		params := url.Values{
			"limit": {strconv.Itoa(pageSize)},
			"page":  {strconv.Itoa(page)},
		}
		body, err := c.doRequest(ctx, apiKey, "list-publications", "/publications", params)
		if err != nil {
			return nil, err
		}
		var parsed publicationsResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("beehiiv: parsing publications: %w", err)
		}
		for _, p := range parsed.Data {
			out = append(out, connector.Publication{ID: p.ID, Name: p.Name})
		}
		if page >= parsed.TotalPages || len(parsed.Data) == 0 {
			break
		}
	}
	return out, nil
}

// ListSubscribers pages through all subscriptions of a publication and
// returns the materialized list.
func (c *Client) ListSubscribers(ctx context.Context, apiKey, publicationID string) ([]connector.SubscriberRecord, error) {
	var out []connector.SubscriberRecord
	path := "/publications/" + url.PathEscape(publicationID) + "/subscriptions"
	for page := 1; ; page++ {
		params := url.Values{
			"limit": {strconv.Itoa(pageSize)},
			"page":  {strconv.Itoa(page)},
		}
		body, err := c.doRequest(ctx, apiKey, "list-subscribers", path, params)
		if err != nil {
			return nil, err
		}
		var parsed subscriptionsResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("beehiiv: parsing subscriptions: %w", err)
		}
		for _, s := range parsed.Data {
			out = append(out, s.toRecord())
		}
		if page >= parsed.TotalPages || len(parsed.Data) == 0 {
			break
		}
	}
	return out, nil
}

// CountSubscribers reads the total from the first page header instead of
// walking every page.
func (c *Client) CountSubscribers(ctx context.Context, apiKey, publicationID string) (int, error) {
	path := "/publications/" + url.PathEscape(publicationID) + "/subscriptions"
	body, err := c.doRequest(ctx, apiKey, "count-subscribers", path, url.Values{"limit": {"1"}})
	if err != nil {
		return 0, err
	}
	var parsed subscriptionsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("beehiiv: parsing subscriptions: %w", err)
	}
	return parsed.TotalResults, nil
}
