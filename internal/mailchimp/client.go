// Package mailchimp implements the Mailchimp Marketing v3 connector.
//
// Mailchimp shards accounts across datacenters. API keys carry the shard as
// a suffix ("xxxx-us14"); OAuth access tokens do not, so the shard must be
// resolved once from the login metadata endpoint before any data call.
package mailchimp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ignite/listpilot/internal/connector"
	"github.com/ignite/listpilot/internal/pkg/httpretry"
	"golang.org/x/oauth2"
)

const (
	defaultLoginURL = "https://login.mailchimp.com"
	// pageSize is Mailchimp's maximum count for member listings.
	pageSize = 1000
)

// Client is the Mailchimp API client.
type Client struct {
	loginURL   string
	apiBase    string // test override; normally derived from the datacenter
	httpClient httpretry.HTTPDoer

	// OAuth tokens resolve their datacenter via a metadata round trip;
	// cache the result per token for the life of this client.
	mu      sync.Mutex
	dcCache map[string]string
}

// Config holds Mailchimp client settings.
type Config struct {
	LoginURL       string `yaml:"login_url"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// NewClient creates a Mailchimp client.
func NewClient(cfg Config) *Client {
	loginURL := cfg.LoginURL
	if loginURL == "" {
		loginURL = defaultLoginURL
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		loginURL:   loginURL,
		httpClient: httpretry.New(&http.Client{Timeout: timeout}, 3),
		dcCache:    make(map[string]string),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing).
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// SetAPIBase pins the API base URL, bypassing datacenter resolution in tests.
func (c *Client) SetAPIBase(base string) { c.apiBase = base }

// Provider identifies this connector.
func (c *Client) Provider() connector.Provider { return connector.ProviderMailchimp }

// OAuthEndpoint returns Mailchimp's OAuth2 endpoint.
func (c *Client) OAuthEndpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  c.loginURL + "/oauth2/authorize",
		TokenURL: c.loginURL + "/oauth2/token",
	}
}

// credential is an authenticated caller: either an API key (shard embedded
// in the key suffix) or an OAuth access token (shard via metadata lookup).
type credential struct {
	value string
	oauth bool
}

func (c *Client) baseURL(ctx context.Context, cred credential) (string, error) {
	if c.apiBase != "" {
		return c.apiBase, nil
	}
	dc, err := c.resolveDatacenter(ctx, cred)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://%s.api.mailchimp.com/3.0", dc), nil
}

func (c *Client) resolveDatacenter(ctx context.Context, cred credential) (string, error) {
	if !cred.oauth {
		// API keys embed the shard: "abc123-us14".
		idx := strings.LastIndex(cred.value, "-")
		if idx < 0 || idx == len(cred.value)-1 {
			return "", &connector.Error{
				Kind: connector.KindCredentialInvalid, Provider: c.Provider(),
				Op: "resolve-dc", Detail: "api key has no datacenter suffix",
			}
		}
		return cred.value[idx+1:], nil
	}

	c.mu.Lock()
	dc, ok := c.dcCache[cred.value]
	c.mu.Unlock()
	if ok {
		return dc, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.loginURL+"/oauth2/metadata", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "OAuth "+cred.value)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", connector.NetworkError(c.Provider(), "resolve-dc", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", connector.NetworkError(c.Provider(), "resolve-dc", err)
	}
	if err := connector.ClassifyStatus(c.Provider(), "resolve-dc", resp.StatusCode, string(body)); err != nil {
		return "", err
	}

	var meta metadataResponse
	if err := json.Unmarshal(body, &meta); err != nil {
		return "", fmt.Errorf("mailchimp: parsing metadata: %w", err)
	}
	if meta.DC == "" {
		return "", fmt.Errorf("mailchimp: metadata response missing dc")
	}

	c.mu.Lock()
	c.dcCache[cred.value] = meta.DC
	c.mu.Unlock()
	return meta.DC, nil
}

func (c *Client) doRequest(ctx context.Context, cred credential, op, path string, params url.Values) ([]byte, error) {
	base, err := c.baseURL(ctx, cred)
	if err != nil {
		return nil, err
	}
	fullURL := base + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.value)
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

func (c *Client) validate(ctx context.Context, cred credential, publicationID string) (bool, error) {
	var err error
	if publicationID != "" {
		_, err = c.doRequest(ctx, cred, "validate", "/lists/"+url.PathEscape(publicationID),
			url.Values{"fields": {"id"}})
	} else {
		_, err = c.doRequest(ctx, cred, "validate", "/ping", nil)
	}
	if err != nil {
		if connector.IsCredentialInvalid(err) || connector.IsKind(err, connector.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) listPublications(ctx context.Context, cred credential) ([]connector.Publication, error) {
	var out []connector.Publication
	for offset := 0; ; offset += pageSize {
		params := url.Values{
			"count":  {strconv.Itoa(pageSize)},
			"offset": {strconv.Itoa(offset)},
			"fields": {"lists.id,lists.name,total_items"},
		}
		body, err := c.doRequest(ctx, cred, "list-publications", "/lists", params)
		if err != nil {
			return nil, err
		}
		var parsed listsResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("mailchimp: parsing lists: %w", err)
		}
		for _, l := range parsed.Lists {
			out = append(out, connector.Publication{ID: l.ID, Name: l.Name})
		}
		if len(out) >= parsed.TotalItems || len(parsed.Lists) == 0 {
			break
		}
	}
	return out, nil
}

func (c *Client) listSubscribers(ctx context.Context, cred credential, publicationID string) ([]connector.SubscriberRecord, error) {
	return c.listSubscribersPaged(ctx, cred, publicationID, pageSize)
}

func (c *Client) listSubscribersPaged(ctx context.Context, cred credential, publicationID string, pageSize int) ([]connector.SubscriberRecord, error) {
	var out []connector.SubscriberRecord
	path := "/lists/" + url.PathEscape(publicationID) + "/members"
	fetched := 0
	for offset := 0; ; offset += pageSize {
		params := url.Values{
			"count":  {strconv.Itoa(pageSize)},
			"offset": {strconv.Itoa(offset)},
		}
		body, err := c.doRequest(ctx, cred, "list-subscribers", path, params)
		if err != nil {
			return nil, err
		}
		var parsed membersResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("mailchimp: parsing members: %w", err)
		}
		for _, m := range parsed.Members {
			if rec, ok := m.toRecord(); ok {
				out = append(out, rec)
			}
		}
		fetched += len(parsed.Members)
		if fetched >= parsed.TotalItems || len(parsed.Members) == 0 {
			break
		}
	}
	return out, nil
}

func (c *Client) countSubscribers(ctx context.Context, cred credential, publicationID string) (int, error) {
	path := "/lists/" + url.PathEscape(publicationID) + "/members"
	body, err := c.doRequest(ctx, cred, "count-subscribers", path,
		url.Values{"count": {"1"}, "fields": {"total_items"}})
	if err != nil {
		return 0, err
	}
	var parsed membersResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("mailchimp: parsing members: %w", err)
	}
	return parsed.TotalItems, nil
}

// API-key capability set.

func (c *Client) ValidateCredential(ctx context.Context, apiKey, publicationID string) (bool, error) {
	return c.validate(ctx, credential{value: apiKey}, publicationID)
}

func (c *Client) ListPublications(ctx context.Context, apiKey string) ([]connector.Publication, error) {
	return c.listPublications(ctx, credential{value: apiKey})
}

func (c *Client) ListSubscribers(ctx context.Context, apiKey, publicationID string) ([]connector.SubscriberRecord, error) {
	return c.listSubscribers(ctx, credential{value: apiKey}, publicationID)
}

func (c *Client) CountSubscribers(ctx context.Context, apiKey, publicationID string) (int, error) {
	return c.countSubscribers(ctx, credential{value: apiKey}, publicationID)
}

// OAuth capability set.

func (c *Client) ValidateAccessToken(ctx context.Context, accessToken string) (bool, error) {
	return c.validate(ctx, credential{value: accessToken, oauth: true}, "")
}

func (c *Client) ListPublicationsOAuth(ctx context.Context, accessToken string) ([]connector.Publication, error) {
	return c.listPublications(ctx, credential{value: accessToken, oauth: true})
}

func (c *Client) ListSubscribersOAuth(ctx context.Context, accessToken, publicationID string) ([]connector.SubscriberRecord, error) {
	return c.listSubscribers(ctx, credential{value: accessToken, oauth: true}, publicationID)
}

func (c *Client) CountSubscribersOAuth(ctx context.Context, accessToken, publicationID string) (int, error) {
	return c.countSubscribers(ctx, credential{value: accessToken, oauth: true}, publicationID)
}
