// Package oauth defines the provider abstraction for external identity
// providers and a generic HTTP implementation driven entirely by endpoint
// configuration, so adding a provider is a config entry rather than code.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Token is the credential set returned by a provider's token endpoint.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	// ExpiresAt is zero when the provider reported no lifetime.
	ExpiresAt time.Time
	Scopes    []string
}

// UserInfo is the subset of a provider profile the engine cares about.
// Raw keeps the full response for callers with provider-specific needs.
type UserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	Raw            []byte
}

// Provider is one external identity provider. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Name is the registry key, e.g. "github".
	Name() string
	// AuthorizationURL builds the redirect that starts the flow.
	AuthorizationURL(state, redirectURI string) (string, error)
	// ExchangeCode trades an authorization code for tokens.
	ExchangeCode(ctx context.Context, code, redirectURI string) (*Token, error)
	// FetchUserInfo loads the profile behind an access token.
	FetchUserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
	// Refresh trades a refresh token for a fresh token set.
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
	// RequiresTokenStorage reports whether provider tokens must be kept for
	// later API calls. When false the engine never stores them.
	RequiresTokenStorage() bool
	// SupportsRefresh reports whether Refresh is usable.
	SupportsRefresh() bool
}

// EndpointConfig describes a provider by its wire endpoints.
type EndpointConfig struct {
	ProviderName string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
	StoreTokens  bool
	Refreshable  bool

	// JSON field names in the user info response. EmailVerifiedField and
	// NameField may be empty when the provider has no such field.
	IDField            string
	EmailField         string
	EmailVerifiedField string
	NameField          string
}

// EndpointProvider implements Provider over plain HTTP endpoints.
type EndpointProvider struct {
	config EndpointConfig
	client *http.Client
}

// NewEndpointProvider validates cfg and returns a provider. A nil client
// falls back to a 10 second default.
func NewEndpointProvider(cfg EndpointConfig, client *http.Client) (*EndpointProvider, error) {
	if strings.TrimSpace(cfg.ProviderName) == "" {
		return nil, errors.New("oauth: provider name is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("oauth: provider %s needs client credentials", cfg.ProviderName)
	}
	for _, u := range []string{cfg.AuthURL, cfg.TokenURL, cfg.UserInfoURL} {
		if _, err := url.Parse(u); err != nil || u == "" {
			return nil, fmt.Errorf("oauth: provider %s has an invalid endpoint URL", cfg.ProviderName)
		}
	}
	if cfg.IDField == "" {
		return nil, fmt.Errorf("oauth: provider %s needs an id field mapping", cfg.ProviderName)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &EndpointProvider{config: cfg, client: client}, nil
}

func (p *EndpointProvider) Name() string               { return p.config.ProviderName }
func (p *EndpointProvider) RequiresTokenStorage() bool { return p.config.StoreTokens }
func (p *EndpointProvider) SupportsRefresh() bool      { return p.config.Refreshable }

// AuthorizationURL builds the provider redirect carrying the CSRF state.
func (p *EndpointProvider) AuthorizationURL(state, redirectURI string) (string, error) {
	authURL, err := url.Parse(p.config.AuthURL)
	if err != nil {
		return "", fmt.Errorf("oauth: parse auth url: %w", err)
	}
	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", p.config.ClientID)
	query.Set("redirect_uri", redirectURI)
	query.Set("scope", strings.Join(p.config.Scopes, " "))
	query.Set("state", state)
	authURL.RawQuery = query.Encode()
	return authURL.String(), nil
}

// ExchangeCode posts the authorization code to the token endpoint.
func (p *EndpointProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", p.config.ClientID)
	form.Set("client_secret", p.config.ClientSecret)
	return p.tokenRequest(ctx, form)
}

// Refresh posts a refresh token to the token endpoint. Providers that keep
// the old refresh token return it unchanged in the new set.
func (p *EndpointProvider) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if !p.config.Refreshable {
		return nil, fmt.Errorf("oauth: provider %s does not support refresh", p.config.ProviderName)
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", p.config.ClientID)
	form.Set("client_secret", p.config.ClientSecret)
	tok, err := p.tokenRequest(ctx, form)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

func (p *EndpointProvider) tokenRequest(ctx context.Context, form url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth: token endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		Scope        string `json:"scope"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("oauth: decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, errors.New("oauth: token response missing access token")
	}

	tok := &Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		TokenType:    payload.TokenType,
	}
	if payload.Scope != "" {
		tok.Scopes = strings.Fields(payload.Scope)
	}
	if payload.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// FetchUserInfo loads the profile and maps the configured fields.
func (p *EndpointProvider) FetchUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: user info request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth: user info endpoint returned %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("oauth: decode user info: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("oauth: decode user info: %w", err)
	}

	info := &UserInfo{Raw: raw}
	info.ProviderUserID = stringField(fields, p.config.IDField)
	if info.ProviderUserID == "" {
		return nil, errors.New("oauth: user info missing provider user id")
	}
	info.Email = stringField(fields, p.config.EmailField)
	info.Name = stringField(fields, p.config.NameField)
	if p.config.EmailVerifiedField != "" {
		if v, ok := fields[p.config.EmailVerifiedField].(bool); ok {
			info.EmailVerified = v
		}
	}
	return info, nil
}

// stringField tolerates numeric ids, which e.g. GitHub returns.
func stringField(fields map[string]any, name string) string {
	if name == "" {
		return ""
	}
	switch v := fields[name].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}
