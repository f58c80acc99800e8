// Package kit implements the Kit (formerly ConvertKit) v4 connector.
// Kit supports both OAuth and account API keys; publications map onto Kit
// forms, with the empty publication id meaning the account-wide list.
package kit

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
	"golang.org/x/oauth2"
)

const (
	defaultBaseURL  = "https://api.kit.com/v4"
	defaultAuthURL  = "https://app.kit.com/oauth/authorize"
	defaultTokenURL = "https://app.kit.com/oauth/token"

	// pageSize is Kit's maximum per_page.
	pageSize = 500
)

// Client is the Kit API client.
type Client struct {
	baseURL    string
	tokenURL   string
	authURL    string
	httpClient httpretry.HTTPDoer
}

// Config holds Kit client settings.
type Config struct {
	BaseURL        string `yaml:"base_url"`
	AuthURL        string `yaml:"auth_url"`
	TokenURL       string `yaml:"token_url"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// NewClient creates a Kit client.
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:  cfg.BaseURL,
		authURL:  cfg.AuthURL,
		tokenURL: cfg.TokenURL,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.authURL == "" {
		c.authURL = defaultAuthURL
	}
	if c.tokenURL == "" {
		c.tokenURL = defaultTokenURL
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c.httpClient = httpretry.New(&http.Client{Timeout: timeout}, 3)
	return c
}

// SetHTTPClient sets a custom HTTP client (useful for testing).
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// Provider identifies this connector.
func (c *Client) Provider() connector.Provider { return connector.ProviderKit }

// OAuthEndpoint returns Kit's OAuth2 endpoint.
func (c *Client) OAuthEndpoint() oauth2.Endpoint {
	return oauth2.Endpoint{AuthURL: c.authURL, TokenURL: c.tokenURL}
}

type credential struct {
	value string
	oauth bool
}

func (c *Client) doRequest(ctx context.Context, cred credential, op, path string, params url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if cred.oauth {
		req.Header.Set("Authorization", "Bearer "+cred.value)
	} else {
		req.Header.Set("X-Kit-Api-Key", cred.value)
	}
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
		_, err = c.doRequest(ctx, cred, "validate", "/forms/"+url.PathEscape(publicationID), nil)
	} else {
		_, err = c.doRequest(ctx, cred, "validate", "/account", nil)
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
	cursor := ""
	for {
		params := url.Values{"per_page": {strconv.Itoa(pageSize)}}
		if cursor != "" {
			params.Set("after", cursor)
		}
		body, err := c.doRequest(ctx, cred, "list-publications", "/forms", params)
		if err != nil {
			return nil, err
		}
		var parsed formsResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("kit: parsing forms: %w", err)
		}
		for _, f := range parsed.Forms {
			out = append(out, connector.Publication{ID: strconv.FormatInt(f.ID, 10), Name: f.Name})
		}
		if !parsed.Pagination.HasNextPage || parsed.Pagination.EndCursor == "" {
			break
		}
		cursor = parsed.Pagination.EndCursor
	}
	return out, nil
}

func (c *Client) listSubscribers(ctx context.Context, cred credential, publicationID string) ([]connector.SubscriberRecord, error) {
	path := "/subscribers"
	if publicationID != "" {
		path = "/forms/" + url.PathEscape(publicationID) + "/subscribers"
	}

	var out []connector.SubscriberRecord
	cursor := ""
	for {
		params := url.Values{"per_page": {strconv.Itoa(pageSize)}}
		if cursor != "" {
			params.Set("after", cursor)
		}
		body, err := c.doRequest(ctx, cred, "list-subscribers", path, params)
		if err != nil {
			return nil, err
		}
		var parsed subscribersResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("kit: parsing subscribers: %w", err)
		}
		for _, s := range parsed.Subscribers {
			out = append(out, s.toRecord())
		}
		if !parsed.Pagination.HasNextPage || parsed.Pagination.EndCursor == "" {
			break
		}
		cursor = parsed.Pagination.EndCursor
	}
	return out, nil
}

// countSubscribers walks the cursor chain; Kit's v4 listing carries no
// total_items field.
func (c *Client) countSubscribers(ctx context.Context, cred credential, publicationID string) (int, error) {
	subs, err := c.listSubscribers(ctx, cred, publicationID)
	if err != nil {
		return 0, err
	}
	return len(subs), nil
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
