package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"
	"golang.org/x/oauth2/google"
)

const (
	// ProviderNameGoogle matches users.ProviderGoogle.
	ProviderNameGoogle = "google"
	// ProviderNameFacebook matches users.ProviderFacebook.
	ProviderNameFacebook = "facebook"

	googleUserInfoURL   = "https://www.googleapis.com/oauth2/v3/userinfo"
	facebookUserInfoURL = "https://graph.facebook.com/me?fields=id,name,email"
)

var (
	// ErrUpstreamIdentity wraps any failure talking to the external identity
	// provider: exchange errors, userinfo errors, malformed profiles.
	ErrUpstreamIdentity = errors.New("auth: upstream identity provider failure")

	errMissingClientID     = errors.New("client id configuration required")
	errMissingClientSecret = errors.New("client secret configuration required")
	errMissingRedirectURL  = errors.New("redirect url configuration required")
	errMissingUserInfoURL  = errors.New("userinfo url configuration required")
	// ErrInvalidProviderConfig reports unusable OAuth provider configuration.
	ErrInvalidProviderConfig = errors.New("auth: invalid oauth provider config")
)

// Profile is the normalized identity returned by a provider after a
// successful authorization-code exchange.
type Profile struct {
	Provider string
	Subject  string
	Email    string
	Name     string
}

// OAuthProviderConfig bundles configuration for one external provider.
type OAuthProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
	UserInfoURL  string
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// OAuthProvider drives the authorization-code flow against one provider:
// redirect URL construction, code exchange, userinfo fetch.
type OAuthProvider struct {
	name        string
	oauthConfig *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewOAuthProvider constructs a provider with validated configuration.
func NewOAuthProvider(cfg OAuthProviderConfig) (*OAuthProvider, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: provider name required", ErrInvalidProviderConfig)
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProviderConfig, errMissingClientID)
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProviderConfig, errMissingClientSecret)
	}
	if strings.TrimSpace(cfg.RedirectURL) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProviderConfig, errMissingRedirectURL)
	}
	if strings.TrimSpace(cfg.UserInfoURL) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProviderConfig, errMissingUserInfoURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OAuthProvider{
		name: name,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     cfg.Endpoint,
		},
		userInfoURL: cfg.UserInfoURL,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// NewGoogleProvider configures the Google sign-in flow.
func NewGoogleProvider(clientID, clientSecret, redirectURL string, logger *zap.Logger) (*OAuthProvider, error) {
	return NewOAuthProvider(OAuthProviderConfig{
		Name:         ProviderNameGoogle,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"openid", "profile", "email"},
		Endpoint:     google.Endpoint,
		UserInfoURL:  googleUserInfoURL,
		Logger:       logger,
	})
}

// NewFacebookProvider configures the Facebook sign-in flow.
func NewFacebookProvider(clientID, clientSecret, redirectURL string, logger *zap.Logger) (*OAuthProvider, error) {
	return NewOAuthProvider(OAuthProviderConfig{
		Name:         ProviderNameFacebook,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"public_profile", "email"},
		Endpoint:     facebook.Endpoint,
		UserInfoURL:  facebookUserInfoURL,
		Logger:       logger,
	})
}

// Name returns the provider identifier used in routes and storage columns.
func (p *OAuthProvider) Name() string {
	return p.name
}

// AuthCodeURL builds the provider redirect carrying the signed state.
func (p *OAuthProvider) AuthCodeURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state)
}

// FetchProfile exchanges the callback code for a token and resolves the
// provider profile behind it.
func (p *OAuthProvider) FetchProfile(ctx context.Context, code string) (Profile, error) {
	if strings.TrimSpace(code) == "" {
		return Profile{}, fmt.Errorf("%w: missing authorization code", ErrUpstreamIdentity)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		p.logger.Warn("code exchange failed", zap.String("provider", p.name), zap.Error(err))
		return Profile{}, fmt.Errorf("%w: exchange: %v", ErrUpstreamIdentity, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrUpstreamIdentity, err)
	}
	token.SetAuthHeader(request)

	response, err := p.httpClient.Do(request)
	if err != nil {
		p.logger.Warn("userinfo request failed", zap.String("provider", p.name), zap.Error(err))
		return Profile{}, fmt.Errorf("%w: userinfo: %v", ErrUpstreamIdentity, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("%w: userinfo returned status %d", ErrUpstreamIdentity, response.StatusCode)
	}

	var payload struct {
		Sub   string `json:"sub"`
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return Profile{}, fmt.Errorf("%w: userinfo decode: %v", ErrUpstreamIdentity, err)
	}

	// Google reports the stable identifier as "sub", Facebook as "id".
	subject := payload.Sub
	if subject == "" {
		subject = payload.ID
	}
	if subject == "" {
		return Profile{}, fmt.Errorf("%w: profile missing subject", ErrUpstreamIdentity)
	}

	return Profile{
		Provider: p.name,
		Subject:  subject,
		Email:    payload.Email,
		Name:     payload.Name,
	}, nil
}
