package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

type fakeProviderOptions struct {
	tokenStatus    int
	userInfoStatus int
	userInfoBody   string
}

func newFakeProviderServer(t *testing.T, opts fakeProviderOptions) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if opts.tokenStatus != 0 {
			w.WriteHeader(opts.tokenStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"token-abc","token_type":"Bearer"}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if opts.userInfoStatus != 0 {
			w.WriteHeader(opts.userInfoStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(opts.userInfoBody))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newFakeProvider(t *testing.T, name string, server *httptest.Server) *OAuthProvider {
	t.Helper()
	provider, err := NewOAuthProvider(OAuthProviderConfig{
		Name:         name,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost/auth/" + name + "/secrets",
		Endpoint: oauth2.Endpoint{
			AuthURL:  server.URL + "/auth",
			TokenURL: server.URL + "/token",
		},
		UserInfoURL: server.URL + "/userinfo",
		HTTPClient:  server.Client(),
	})
	if err != nil {
		t.Fatalf("failed to build provider: %v", err)
	}
	return provider
}

func TestFetchProfileGoogleShape(t *testing.T) {
	server := newFakeProviderServer(t, fakeProviderOptions{
		userInfoBody: `{"sub":"google-123","name":"Alice","email":"alice@example.com"}`,
	})
	provider := newFakeProvider(t, "google", server)

	profile, err := provider.FetchProfile(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if profile.Subject != "google-123" {
		t.Fatalf("expected subject google-123, got %q", profile.Subject)
	}
	if profile.Provider != "google" {
		t.Fatalf("expected provider google, got %q", profile.Provider)
	}
	if profile.Email != "alice@example.com" {
		t.Fatalf("unexpected email %q", profile.Email)
	}
}

func TestFetchProfileFacebookShape(t *testing.T) {
	server := newFakeProviderServer(t, fakeProviderOptions{
		userInfoBody: `{"id":"fb-456","name":"Bob"}`,
	})
	provider := newFakeProvider(t, "facebook", server)

	profile, err := provider.FetchProfile(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if profile.Subject != "fb-456" {
		t.Fatalf("expected subject fb-456, got %q", profile.Subject)
	}
}

func TestFetchProfileUpstreamFailures(t *testing.T) {
	cases := []struct {
		name string
		opts fakeProviderOptions
		code string
	}{
		{name: "missing code", opts: fakeProviderOptions{userInfoBody: `{"sub":"x"}`}, code: ""},
		{name: "exchange rejected", opts: fakeProviderOptions{tokenStatus: http.StatusBadRequest}, code: "auth-code"},
		{name: "userinfo error", opts: fakeProviderOptions{userInfoStatus: http.StatusInternalServerError}, code: "auth-code"},
		{name: "missing subject", opts: fakeProviderOptions{userInfoBody: `{"name":"nobody"}`}, code: "auth-code"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newFakeProviderServer(t, tc.opts)
			provider := newFakeProvider(t, "google", server)
			_, err := provider.FetchProfile(context.Background(), tc.code)
			if !errors.Is(err, ErrUpstreamIdentity) {
				t.Fatalf("expected ErrUpstreamIdentity, got %v", err)
			}
		})
	}
}

func TestAuthCodeURLCarriesState(t *testing.T) {
	server := newFakeProviderServer(t, fakeProviderOptions{userInfoBody: `{}`})
	provider := newFakeProvider(t, "google", server)

	redirect := provider.AuthCodeURL("state-token")
	if !strings.Contains(redirect, "state=state-token") {
		t.Fatalf("expected state in redirect url, got %q", redirect)
	}
	if !strings.Contains(redirect, "client_id=client-id") {
		t.Fatalf("expected client id in redirect url, got %q", redirect)
	}
}

func TestNewOAuthProviderValidation(t *testing.T) {
	_, err := NewOAuthProvider(OAuthProviderConfig{Name: "google"})
	if !errors.Is(err, ErrInvalidProviderConfig) {
		t.Fatalf("expected ErrInvalidProviderConfig, got %v", err)
	}
}
