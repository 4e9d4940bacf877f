package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/whisper/internal/auth"
	"github.com/MarcoPoloResearchLab/whisper/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "whisper_user_id"
	stateCookieName  = "whisper_oauth_state"
	stateCookieTTL   = 600
)

var (
	errMissingCredentialStore = errors.New("credential store dependency required")
	errMissingSessionManager  = errors.New("session manager dependency required")
	errMissingStateIssuer     = errors.New("state issuer dependency required")
	errMissingCookieName      = errors.New("session cookie name required")
)

// CredentialStore is the slice of the users service the router needs.
type CredentialStore interface {
	Register(ctx context.Context, username, password string) (users.User, error)
	Authenticate(ctx context.Context, username, password string) (users.User, error)
	FindOrCreateByProvider(ctx context.Context, provider users.Provider, subject string) (users.User, error)
	AppendSecret(ctx context.Context, userID, body string) (users.Secret, error)
	ListSecrets(ctx context.Context, userID string) ([]users.Secret, error)
}

// SessionManager issues, resolves and destroys opaque session tokens.
type SessionManager interface {
	Create(ctx context.Context, userID string) (string, error)
	Resolve(ctx context.Context, token string) (string, error)
	Destroy(ctx context.Context, token string) error
	TTL() time.Duration
}

// StateIssuer signs and validates the OAuth redirect state.
type StateIssuer interface {
	IssueState(provider string) (string, error)
	ValidateState(token string) (string, error)
}

// IdentityProvider drives one external sign-in flow.
type IdentityProvider interface {
	Name() string
	AuthCodeURL(state string) string
	FetchProfile(ctx context.Context, code string) (auth.Profile, error)
}

// Dependencies wires the router to its collaborators. The handler is built
// once at startup and holds no process-wide state.
type Dependencies struct {
	Users         CredentialStore
	Sessions      SessionManager
	States        StateIssuer
	Providers     []IdentityProvider
	CookieName    string
	SecureCookies bool
	Logger        *zap.Logger
}

// NewHTTPHandler constructs the Gin engine serving the whole HTTP surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Users == nil {
		return nil, errMissingCredentialStore
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionManager
	}
	if deps.States == nil {
		return nil, errMissingStateIssuer
	}
	if strings.TrimSpace(deps.CookieName) == "" {
		return nil, errMissingCookieName
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	providers := make(map[string]IdentityProvider, len(deps.Providers))
	for _, provider := range deps.Providers {
		providers[provider.Name()] = provider
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	router.SetHTMLTemplate(pageTemplates())

	handler := &httpHandler{
		users:         deps.Users,
		sessions:      deps.Sessions,
		states:        deps.States,
		providers:     providers,
		cookieName:    deps.CookieName,
		secureCookies: deps.SecureCookies,
		logger:        logger,
	}

	router.GET("/", handler.handleHome)
	router.GET("/register", handler.handleRegisterForm)
	router.POST("/register", handler.handleRegisterSubmit)
	router.GET("/login", handler.handleLoginForm)
	router.POST("/login", handler.handleLoginSubmit)
	router.GET("/logout", handler.handleLogout)
	router.GET("/auth/:provider", handler.handleOAuthStart)
	router.GET("/auth/:provider/secrets", handler.handleOAuthCallback)

	protected := router.Group("/")
	protected.Use(handler.requireSession)
	protected.GET("/secrets", handler.handleSecrets)
	protected.GET("/submit", handler.handleSubmitForm)
	protected.POST("/submit", handler.handleSubmit)

	return router, nil
}

type httpHandler struct {
	users         CredentialStore
	sessions      SessionManager
	states        StateIssuer
	providers     map[string]IdentityProvider
	cookieName    string
	secureCookies bool
	logger        *zap.Logger
}

func (h *httpHandler) handleHome(c *gin.Context) {
	c.HTML(http.StatusOK, "home.html", gin.H{})
}

func (h *httpHandler) handleRegisterForm(c *gin.Context) {
	c.HTML(http.StatusOK, "register.html", gin.H{"Error": formErrorText(c.Query("error"))})
}

func (h *httpHandler) handleRegisterSubmit(c *gin.Context) {
	username := strings.TrimSpace(c.PostForm("username"))
	password := c.PostForm("password")
	if username == "" || password == "" {
		c.Redirect(http.StatusFound, "/register?error=missing_fields")
		return
	}

	user, err := h.users.Register(c.Request.Context(), username, password)
	if errors.Is(err, users.ErrDuplicateUsername) {
		c.Redirect(http.StatusFound, "/register?error=duplicate_username")
		return
	}
	if errors.Is(err, users.ErrInvalidUsername) {
		c.Redirect(http.StatusFound, "/register?error=missing_fields")
		return
	}
	if err != nil {
		h.logger.Error("registration failed", zap.Error(err))
		c.String(http.StatusInternalServerError, "An error occurred")
		return
	}

	h.startSession(c, user.ID)
}

func (h *httpHandler) handleLoginForm(c *gin.Context) {
	c.HTML(http.StatusOK, "login.html", gin.H{"Error": formErrorText(c.Query("error"))})
}

func (h *httpHandler) handleLoginSubmit(c *gin.Context) {
	username := strings.TrimSpace(c.PostForm("username"))
	password := c.PostForm("password")

	user, err := h.users.Authenticate(c.Request.Context(), username, password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		c.Redirect(http.StatusFound, "/login?error=invalid_credentials")
		return
	}
	if err != nil {
		h.logger.Error("login failed", zap.Error(err))
		c.String(http.StatusInternalServerError, "An error occurred")
		return
	}

	h.startSession(c, user.ID)
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	if token, err := c.Cookie(h.cookieName); err == nil && token != "" {
		if err := h.sessions.Destroy(c.Request.Context(), token); err != nil {
			h.logger.Warn("session destroy failed", zap.Error(err))
		}
	}
	c.SetCookie(h.cookieName, "", -1, "/", "", h.secureCookies, true)
	c.Redirect(http.StatusFound, "/")
}

func (h *httpHandler) handleOAuthStart(c *gin.Context) {
	provider, ok := h.providers[c.Param("provider")]
	if !ok {
		c.String(http.StatusNotFound, "Unknown provider")
		return
	}

	state, err := h.states.IssueState(provider.Name())
	if err != nil {
		h.logger.Error("state issue failed", zap.String("provider", provider.Name()), zap.Error(err))
		c.String(http.StatusInternalServerError, "An error occurred")
		return
	}

	c.SetCookie(stateCookieName, state, stateCookieTTL, "/", "", h.secureCookies, true)
	c.Redirect(http.StatusFound, provider.AuthCodeURL(state))
}

func (h *httpHandler) handleOAuthCallback(c *gin.Context) {
	provider, ok := h.providers[c.Param("provider")]
	if !ok {
		c.String(http.StatusNotFound, "Unknown provider")
		return
	}

	// one-shot: the state cookie never outlives the callback
	stateCookie, cookieErr := c.Cookie(stateCookieName)
	c.SetCookie(stateCookieName, "", -1, "/", "", h.secureCookies, true)

	if upstreamErr := c.Query("error"); upstreamErr != "" {
		h.logger.Warn("provider returned error",
			zap.String("provider", provider.Name()),
			zap.String("error", upstreamErr))
		c.Redirect(http.StatusFound, "/login?error=oauth_failed")
		return
	}

	state := c.Query("state")
	if cookieErr != nil || state == "" || state != stateCookie {
		h.logger.Warn("state mismatch on callback", zap.String("provider", provider.Name()))
		c.Redirect(http.StatusFound, "/login?error=oauth_failed")
		return
	}
	issuedFor, err := h.states.ValidateState(state)
	if err != nil || issuedFor != provider.Name() {
		h.logger.Warn("state validation failed", zap.String("provider", provider.Name()), zap.Error(err))
		c.Redirect(http.StatusFound, "/login?error=oauth_failed")
		return
	}

	profile, err := provider.FetchProfile(c.Request.Context(), c.Query("code"))
	if err != nil {
		h.logger.Warn("profile fetch failed", zap.String("provider", provider.Name()), zap.Error(err))
		c.Redirect(http.StatusFound, "/login?error=oauth_failed")
		return
	}

	providerKey, err := users.NewProvider(profile.Provider)
	if err != nil {
		h.logger.Error("unexpected provider in profile", zap.String("provider", profile.Provider))
		c.Redirect(http.StatusFound, "/login?error=oauth_failed")
		return
	}

	user, err := h.users.FindOrCreateByProvider(c.Request.Context(), providerKey, profile.Subject)
	if err != nil {
		h.logger.Error("identity resolution failed", zap.String("provider", profile.Provider), zap.Error(err))
		c.String(http.StatusInternalServerError, "An error occurred")
		return
	}

	h.startSession(c, user.ID)
}

// requireSession is the auth gate: a request without a resolvable session
// cookie is redirected to the login page. Pure read path, no writes.
func (h *httpHandler) requireSession(c *gin.Context) {
	token, err := c.Cookie(h.cookieName)
	if err != nil || token == "" {
		c.Redirect(http.StatusFound, "/login")
		c.Abort()
		return
	}

	userID, err := h.sessions.Resolve(c.Request.Context(), token)
	if errors.Is(err, auth.ErrSessionNotFound) {
		c.Redirect(http.StatusFound, "/login")
		c.Abort()
		return
	}
	if err != nil {
		h.logger.Error("session resolution failed", zap.Error(err))
		c.String(http.StatusInternalServerError, "An error occurred")
		c.Abort()
		return
	}

	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) handleSecrets(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	secrets, err := h.users.ListSecrets(c.Request.Context(), userID)
	if errors.Is(err, users.ErrUserNotFound) {
		c.String(http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		h.logger.Error("secret listing failed", zap.String("user_id", userID), zap.Error(err))
		c.String(http.StatusInternalServerError, "An error occurred")
		return
	}
	c.HTML(http.StatusOK, "secrets.html", gin.H{"Secrets": secrets})
}

func (h *httpHandler) handleSubmitForm(c *gin.Context) {
	c.HTML(http.StatusOK, "submit.html", gin.H{"Error": formErrorText(c.Query("error"))})
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	body := c.PostForm("secret")

	_, err := h.users.AppendSecret(c.Request.Context(), userID, body)
	if errors.Is(err, users.ErrInvalidSecret) {
		c.Redirect(http.StatusFound, "/submit?error=empty_secret")
		return
	}
	if errors.Is(err, users.ErrUserNotFound) {
		c.String(http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		h.logger.Error("secret append failed", zap.String("user_id", userID), zap.Error(err))
		c.String(http.StatusInternalServerError, "An error occurred")
		return
	}

	c.Redirect(http.StatusFound, "/secrets")
}

func (h *httpHandler) startSession(c *gin.Context, userID string) {
	token, err := h.sessions.Create(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("session create failed", zap.String("user_id", userID), zap.Error(err))
		c.String(http.StatusInternalServerError, "An error occurred")
		return
	}
	maxAge := int(h.sessions.TTL().Seconds())
	c.SetCookie(h.cookieName, token, maxAge, "/", "", h.secureCookies, true)
	c.Redirect(http.StatusFound, "/secrets")
}

func formErrorText(code string) string {
	switch code {
	case "missing_fields":
		return "Username and password are required."
	case "duplicate_username":
		return "That username is already taken."
	case "invalid_credentials":
		return "Invalid username or password."
	case "oauth_failed":
		return "Sign-in with the external provider failed."
	case "empty_secret":
		return "A secret must not be empty."
	default:
		return ""
	}
}
