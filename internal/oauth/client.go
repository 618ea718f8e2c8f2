package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/careops/medstock-auth/internal/authfail"
)

// Identity is the normalized result of a user-info fetch, identical in shape
// across providers.
type Identity struct {
	Provider   Provider
	ProviderID string
	Email      string
	Name       string
	Picture    string
}

type Client struct {
	configs      map[Provider]*oauth2.Config
	userInfoURLs map[Provider]string
	httpClient   *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the client used for token exchange and user-info
// fetches; tests point it at an httptest server.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithEndpoints overrides a provider's OAuth2 endpoint and user-info URL.
func WithEndpoints(p Provider, endpoint oauth2.Endpoint, userInfoURL string) Option {
	return func(c *Client) {
		if cfg, ok := c.configs[p]; ok {
			cfg.Endpoint = endpoint
		}
		c.userInfoURLs[p] = userInfoURL
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		configs:      make(map[Provider]*oauth2.Config, len(cfg)),
		userInfoURLs: make(map[Provider]string, len(cfg)),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}

	for p, pc := range cfg {
		scopes := pc.Scopes
		if len(scopes) == 0 {
			scopes = defaultScopes(p)
		}
		c.configs[p] = &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  pc.RedirectURL,
			Endpoint:     endpointFor(p),
			Scopes:       scopes,
		}
		c.userInfoURLs[p] = userInfoURLFor(p)
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) config(p Provider) (*oauth2.Config, error) {
	cfg, ok := c.configs[p]
	if !ok {
		return nil, authfail.UnsupportedProvider(string(p))
	}
	return cfg, nil
}

// AuthCodeURL builds the provider consent URL. Pure function of the injected
// configuration plus the caller's anti-CSRF state.
func (c *Client) AuthCodeURL(p Provider, state string) (string, error) {
	cfg, err := c.config(p)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Exchange swaps the authorization code for provider tokens. Any failure,
// including a response without an access token, is OAuthExchangeFailed.
func (c *Client) Exchange(ctx context.Context, p Provider, code string) (*oauth2.Token, error) {
	cfg, err := c.config(p)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, authfail.OAuthExchangeFailed()
	}
	if token.AccessToken == "" {
		return nil, authfail.OAuthExchangeFailed()
	}
	return token, nil
}

// ExchangeIdentity runs the code exchange and fetches the identity behind
// the resulting token in one step.
func (c *Client) ExchangeIdentity(ctx context.Context, p Provider, code string) (*Identity, *oauth2.Token, error) {
	token, err := c.Exchange(ctx, p, code)
	if err != nil {
		return nil, nil, err
	}
	identity, err := c.FetchIdentity(ctx, p, token)
	if err != nil {
		return nil, nil, err
	}
	return identity, token, nil
}

// FetchIdentity calls the provider user-info endpoint and normalizes the
// provider-specific payload.
func (c *Client) FetchIdentity(ctx context.Context, p Provider, token *oauth2.Token) (*Identity, error) {
	url, ok := c.userInfoURLs[p]
	if !ok || url == "" {
		return nil, authfail.UnsupportedProvider(string(p))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build user-info request: %w", err)
	}
	token.SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info status %d", resp.StatusCode)
	}

	return decodeIdentity(p, resp)
}

func decodeIdentity(p Provider, resp *http.Response) (*Identity, error) {
	switch p {
	case ProviderGoogle:
		var payload struct {
			ID      string `json:"id"`
			Email   string `json:"email"`
			Name    string `json:"name"`
			Picture string `json:"picture"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decode google user info: %w", err)
		}
		return &Identity{
			Provider:   p,
			ProviderID: payload.ID,
			Email:      payload.Email,
			Name:       payload.Name,
			Picture:    payload.Picture,
		}, nil

	case ProviderMicrosoft:
		var payload struct {
			ID                string `json:"id"`
			Mail              string `json:"mail"`
			UserPrincipalName string `json:"userPrincipalName"`
			DisplayName       string `json:"displayName"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decode microsoft user info: %w", err)
		}
		email := payload.Mail
		if email == "" {
			email = payload.UserPrincipalName
		}
		return &Identity{
			Provider:   p,
			ProviderID: payload.ID,
			Email:      email,
			Name:       payload.DisplayName,
		}, nil

	default:
		return nil, authfail.UnsupportedProvider(string(p))
	}
}
