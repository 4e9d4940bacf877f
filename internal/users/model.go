package users

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider enumerates the supported external identity providers.
type Provider string

const (
	// ProviderGoogle identifies accounts linked through Google sign-in.
	ProviderGoogle Provider = "google"
	// ProviderFacebook identifies accounts linked through Facebook sign-in.
	ProviderFacebook Provider = "facebook"
)

const (
	maxIdentifierLength = 190
	maxSecretLength     = 4096
)

var (
	// ErrInvalidUsername indicates the username is empty or exceeds storage bounds.
	ErrInvalidUsername = errors.New("users: invalid username")
	// ErrInvalidProvider indicates an unsupported identity provider name.
	ErrInvalidProvider = errors.New("users: invalid provider")
	// ErrInvalidSecret indicates a secret body that is empty or too large.
	ErrInvalidSecret = errors.New("users: invalid secret")
)

// NewProvider validates raw input and returns a Provider.
func NewProvider(rawInput string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ProviderGoogle:
		return ProviderGoogle, nil
	case ProviderFacebook:
		return ProviderFacebook, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProvider, rawInput)
	}
}

// String returns the provider name.
func (p Provider) String() string {
	return string(p)
}

// NormalizeUsername canonicalizes a local login name.
func NormalizeUsername(rawInput string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUsername, maxIdentifierLength)
	}
	return trimmed, nil
}

// User is the persisted identity record. At least one of Username, GoogleID
// or FacebookID is set; the unique indexes make each login path resolve to
// at most one record.
type User struct {
	ID           string    `gorm:"column:id;primaryKey;size:190;not null"`
	Username     *string   `gorm:"column:username;size:190;uniqueIndex:idx_users_username"`
	PasswordHash []byte    `gorm:"column:password_hash;size:72"`
	GoogleID     *string   `gorm:"column:google_id;size:190;uniqueIndex:idx_users_google_id"`
	FacebookID   *string   `gorm:"column:facebook_id;size:190;uniqueIndex:idx_users_facebook_id"`
	Email        string    `gorm:"column:email;size:320"`
	DisplayName  string    `gorm:"column:display_name;size:320"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user records.
func (User) TableName() string {
	return "users"
}

// IsLocal reports whether the user carries local password credentials.
func (u User) IsLocal() bool {
	return u.Username != nil && len(u.PasswordHash) > 0
}

// Secret is one append-only confession row owned by a single user.
type Secret struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index:idx_secrets_user_created,priority:1"`
	Body      string    `gorm:"column:body;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime;index:idx_secrets_user_created,priority:2"`
}

// TableName exposes the table backing secrets.
func (Secret) TableName() string {
	return "secrets"
}
