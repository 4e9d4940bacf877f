package integration_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/whisper/internal/auth"
	"github.com/MarcoPoloResearchLab/whisper/internal/database"
	"github.com/MarcoPoloResearchLab/whisper/internal/server"
	"github.com/MarcoPoloResearchLab/whisper/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

const (
	sessionCookieName = "whisper_session"
	stateCookieName   = "whisper_oauth_state"
)

type fixture struct {
	db      *gorm.DB
	baseURL string
	client  *http.Client
}

func newFixture(t *testing.T, providers ...server.IdentityProvider) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db, nil); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		IDProvider: users.NewUUIDProvider(),
		Logger:     zap.NewNop(),
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}

	sessionManager, err := auth.NewSessionManager(auth.SessionManagerConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build session manager: %v", err)
	}

	stateIssuer := auth.NewStateIssuer(auth.StateIssuerConfig{
		SigningSecret: []byte("integration-secret"),
		Issuer:        "whisper-api",
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Users:      usersService,
		Sessions:   sessionManager,
		States:     stateIssuer,
		Providers:  providers,
		CookieName: sessionCookieName,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &fixture{db: db, baseURL: testServer.URL, client: client}
}

func (f *fixture) postForm(t *testing.T, path string, form url.Values, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	request, err := http.NewRequest(http.MethodPost, f.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, cookie := range cookies {
		request.AddCookie(cookie)
	}
	response, err := f.client.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { response.Body.Close() })
	return response
}

func (f *fixture) get(t *testing.T, path string, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	for _, cookie := range cookies {
		request.AddCookie(cookie)
	}
	response, err := f.client.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { response.Body.Close() })
	return response
}

func cookieNamed(response *http.Response, name string) *http.Cookie {
	for _, cookie := range response.Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func mustLocation(t *testing.T, response *http.Response, want string) {
	t.Helper()
	if response.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", response.StatusCode)
	}
	if got := response.Header.Get("Location"); got != want {
		t.Fatalf("expected redirect to %q, got %q", want, got)
	}
}

func TestRegisterLoginSubmitListFlow(t *testing.T) {
	f := newFixture(t)

	// register alice and discard the auto-login session
	response := f.postForm(t, "/register", url.Values{
		"username": {"alice"},
		"password": {"Passw0rd!"},
	})
	mustLocation(t, response, "/secrets")
	if cookieNamed(response, sessionCookieName) == nil {
		t.Fatalf("expected session cookie after registration")
	}

	// fresh login with the same pair
	response = f.postForm(t, "/login", url.Values{
		"username": {"alice"},
		"password": {"Passw0rd!"},
	})
	mustLocation(t, response, "/secrets")
	session := cookieNamed(response, sessionCookieName)
	if session == nil {
		t.Fatalf("expected session cookie after login")
	}

	response = f.postForm(t, "/submit", url.Values{"secret": {"my first secret"}}, session)
	mustLocation(t, response, "/secrets")

	response = f.get(t, "/secrets", session)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if !strings.Contains(string(body), "my first secret") {
		t.Fatalf("expected secrets page to contain the submitted secret")
	}
}

func TestLoginWrongPasswordNeverCreatesSession(t *testing.T) {
	f := newFixture(t)

	response := f.postForm(t, "/register", url.Values{
		"username": {"bob"},
		"password": {"right"},
	})
	mustLocation(t, response, "/secrets")

	response = f.postForm(t, "/login", url.Values{
		"username": {"bob"},
		"password": {"wrong"},
	})
	mustLocation(t, response, "/login?error=invalid_credentials")
	if cookieNamed(response, sessionCookieName) != nil {
		t.Fatalf("no session cookie expected on failed login")
	}

	var count int64
	if err := f.db.Model(&auth.Session{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the registration session, got %d", count)
	}
}

func TestUnauthenticatedSubmitWritesNothing(t *testing.T) {
	f := newFixture(t)

	response := f.postForm(t, "/submit", url.Values{"secret": {"leak"}})
	mustLocation(t, response, "/login")

	var count int64
	if err := f.db.Model(&users.Secret{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no secrets written, got %d", count)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	f := newFixture(t)

	response := f.postForm(t, "/register", url.Values{
		"username": {"carol"},
		"password": {"pw"},
	})
	session := cookieNamed(response, sessionCookieName)
	if session == nil {
		t.Fatalf("expected session cookie")
	}

	response = f.get(t, "/logout", session)
	mustLocation(t, response, "/")

	response = f.get(t, "/secrets", session)
	mustLocation(t, response, "/login")
}

func TestGoogleSignInFlow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"token-abc","token_type":"Bearer"}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub":"google-314","name":"Dana","email":"dana@example.com"}`))
	})
	providerServer := httptest.NewServer(mux)
	defer providerServer.Close()

	provider, err := auth.NewOAuthProvider(auth.OAuthProviderConfig{
		Name:         "google",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost/auth/google/secrets",
		Endpoint: oauth2.Endpoint{
			AuthURL:  providerServer.URL + "/auth",
			TokenURL: providerServer.URL + "/token",
		},
		UserInfoURL: providerServer.URL + "/userinfo",
		HTTPClient:  providerServer.Client(),
	})
	if err != nil {
		t.Fatalf("failed to build provider: %v", err)
	}

	f := newFixture(t, provider)

	// start the flow, capture the signed state
	response := f.get(t, "/auth/google")
	if response.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 to the provider, got %d", response.StatusCode)
	}
	stateCookie := cookieNamed(response, stateCookieName)
	if stateCookie == nil || stateCookie.Value == "" {
		t.Fatalf("expected state cookie")
	}
	redirect, err := url.Parse(response.Header.Get("Location"))
	if err != nil {
		t.Fatalf("bad provider redirect: %v", err)
	}
	state := redirect.Query().Get("state")
	if state != stateCookie.Value {
		t.Fatalf("state cookie and redirect state diverge")
	}

	// provider calls back with the code
	callback := "/auth/google/secrets?code=auth-code&state=" + url.QueryEscape(state)
	response = f.get(t, callback, stateCookie)
	mustLocation(t, response, "/secrets")
	session := cookieNamed(response, sessionCookieName)
	if session == nil {
		t.Fatalf("expected session cookie after callback")
	}

	// same subject again resolves to the same user
	var before int64
	if err := f.db.Model(&users.User{}).Count(&before).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	response = f.get(t, "/auth/google")
	stateCookie = cookieNamed(response, stateCookieName)
	redirect, _ = url.Parse(response.Header.Get("Location"))
	state = redirect.Query().Get("state")
	callback = "/auth/google/secrets?code=auth-code&state=" + url.QueryEscape(state)
	response = f.get(t, callback, stateCookie)
	mustLocation(t, response, "/secrets")

	var after int64
	if err := f.db.Model(&users.User{}).Count(&after).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if before != after {
		t.Fatalf("repeated callback created a duplicate user: %d then %d", before, after)
	}
}
