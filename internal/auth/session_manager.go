package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultSessionTTL = 24 * time.Hour
	sessionTokenBytes = 32
)

var (
	// ErrSessionNotFound reports a token with no active session. This is the
	// normal logged-out state, not a failure.
	ErrSessionNotFound = errors.New("auth: session not found")

	errMissingSessionDatabase = errors.New("auth: session store requires a database handle")
	errMissingSessionUserID   = errors.New("auth: session requires a user id")
)

// Session maps an opaque token to a user id until it expires or is destroyed.
type Session struct {
	Token     string    `gorm:"column:token;primaryKey;size:64;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index:idx_sessions_user"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index:idx_sessions_expiry"`
}

// TableName exposes the table backing sessions.
func (Session) TableName() string {
	return "sessions"
}

// SessionManagerConfig configures the session store.
type SessionManagerConfig struct {
	Database *gorm.DB
	TTL      time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// SessionManager issues and resolves opaque session tokens. Tokens are
// unguessable random values carrying no decodable meaning; all state lives
// in the sessions table.
type SessionManager struct {
	db     *gorm.DB
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

// NewSessionManager constructs a session manager with sane defaults.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Database == nil {
		return nil, errMissingSessionDatabase
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{db: cfg.Database, ttl: ttl, clock: clock, logger: logger}, nil
}

// TTL returns the configured session lifetime.
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Create mints a fresh token for the user and persists the mapping.
func (m *SessionManager) Create(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errMissingSessionUserID
	}
	token, err := newSessionToken()
	if err != nil {
		return "", fmt.Errorf("auth: token generation failed: %w", err)
	}
	now := m.clock().UTC()
	record := Session{
		Token:     token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", fmt.Errorf("auth: session insert failed: %w", err)
	}
	m.logger.Debug("session created", zap.String("user_id", userID))
	return token, nil
}

// Resolve maps a token back to its user id. Missing, destroyed and expired
// tokens all yield ErrSessionNotFound; expired rows are removed on sight.
func (m *SessionManager) Resolve(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrSessionNotFound
	}
	var record Session
	err := m.db.WithContext(ctx).Where("token = ?", token).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("auth: session lookup failed: %w", err)
	}
	if !m.clock().UTC().Before(record.ExpiresAt) {
		_ = m.db.WithContext(ctx).Where("token = ?", token).Delete(&Session{}).Error
		return "", ErrSessionNotFound
	}
	return record.UserID, nil
}

// Destroy removes the mapping. Destroying an unknown token is a no-op; a
// destroyed session never becomes active again.
func (m *SessionManager) Destroy(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	if err := m.db.WithContext(ctx).Where("token = ?", token).Delete(&Session{}).Error; err != nil {
		return fmt.Errorf("auth: session delete failed: %w", err)
	}
	return nil
}

// PurgeExpired sweeps rows whose expiry has passed.
func (m *SessionManager) PurgeExpired(ctx context.Context) error {
	cutoff := m.clock().UTC()
	result := m.db.WithContext(ctx).Where("expires_at <= ?", cutoff).Delete(&Session{})
	if result.Error != nil {
		return fmt.Errorf("auth: session purge failed: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		m.logger.Info("expired sessions purged", zap.Int64("count", result.RowsAffected))
	}
	return nil
}

func newSessionToken() (string, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
