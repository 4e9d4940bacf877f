package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrDuplicateUsername indicates a local registration against a taken name.
	ErrDuplicateUsername = errors.New("users: username already registered")
	// ErrInvalidCredentials indicates an unknown username or a password mismatch.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrUserNotFound indicates the requested user id does not exist.
	ErrUserNotFound = errors.New("users: user not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingPassword   = errors.New("password must not be empty")
	errMissingSubject    = errors.New("provider subject must not be empty")

	noOpLogger = zap.NewNop()
)

const (
	opServiceNew   = "users.service.new"
	opRegister     = "users.register"
	opAuthenticate = "users.authenticate"
	opFindOrCreate = "users.find_or_create"
	opGetByID      = "users.get_by_id"
	opAppendSecret = "users.append_secret"
	opListSecrets  = "users.list_secrets"
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues unique identifiers for new records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the credential store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	BcryptCost int
}

// Service is the credential store and identity resolver. It owns user
// records, their secrets, and the find-or-create mapping from external
// provider identities to local users.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	bcryptCost int
}

// NewService constructs the service after validating its dependencies.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	cost := cfg.BcryptCost
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		bcryptCost: cost,
	}, nil
}

// Register creates a local account with a bcrypt-hashed password. The unique
// index on username is the authority on duplicates; the pre-read is only a
// fast path for the common case.
func (s *Service) Register(ctx context.Context, username, password string) (User, error) {
	name, err := NormalizeUsername(username)
	if err != nil {
		return User{}, newServiceError(opRegister, "invalid_username", err)
	}
	if password == "" {
		return User{}, newServiceError(opRegister, "missing_password", errMissingPassword)
	}

	var existing User
	err = s.db.WithContext(ctx).Where("username = ?", name).Take(&existing).Error
	if err == nil {
		return User{}, fmt.Errorf("%w: %s", ErrDuplicateUsername, name)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opRegister, "username_select_failed", err, zap.String("username", name))
		return User{}, newServiceError(opRegister, "username_select_failed", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		s.logError(opRegister, "hash_failed", err)
		return User{}, newServiceError(opRegister, "hash_failed", err)
	}

	userID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRegister, "id_generation_failed", err)
		return User{}, newServiceError(opRegister, "id_generation_failed", err)
	}

	record := User{
		ID:           userID,
		Username:     &name,
		PasswordHash: hash,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			return User{}, fmt.Errorf("%w: %s", ErrDuplicateUsername, name)
		}
		s.logError(opRegister, "user_insert_failed", err, zap.String("username", name))
		return User{}, newServiceError(opRegister, "user_insert_failed", err)
	}

	s.logger.Info("user registered", zap.String("user_id", record.ID))
	return record, nil
}

// Authenticate verifies local credentials. Unknown usernames and password
// mismatches are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	name, err := NormalizeUsername(username)
	if err != nil {
		return User{}, ErrInvalidCredentials
	}
	if password == "" {
		return User{}, ErrInvalidCredentials
	}

	var record User
	err = s.db.WithContext(ctx).Where("username = ?", name).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		s.logError(opAuthenticate, "username_select_failed", err, zap.String("username", name))
		return User{}, newServiceError(opAuthenticate, "username_select_failed", err)
	}
	if len(record.PasswordHash) == 0 {
		return User{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(record.PasswordHash, []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return record, nil
}

// FindOrCreateByProvider resolves an external identity to a local user,
// creating the record on first sight. Concurrent callbacks for the same
// subject race on the insert; the unique index on the provider column plus
// the conflict-tolerant insert and re-read keep the mapping single-valued.
func (s *Service) FindOrCreateByProvider(ctx context.Context, provider Provider, subject string) (User, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return User{}, newServiceError(opFindOrCreate, "missing_subject", errMissingSubject)
	}
	column, err := providerColumn(provider)
	if err != nil {
		return User{}, newServiceError(opFindOrCreate, "invalid_provider", err)
	}

	var record User
	err = s.db.WithContext(ctx).Where(column+" = ?", subject).Take(&record).Error
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opFindOrCreate, "subject_select_failed", err,
			zap.String("provider", provider.String()))
		return User{}, newServiceError(opFindOrCreate, "subject_select_failed", err)
	}

	userID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opFindOrCreate, "id_generation_failed", err)
		return User{}, newServiceError(opFindOrCreate, "id_generation_failed", err)
	}

	record = User{ID: userID}
	switch provider {
	case ProviderGoogle:
		record.GoogleID = &subject
	case ProviderFacebook:
		record.FacebookID = &subject
	}

	insert := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: column}}, DoNothing: true}).
		Create(&record)
	if insert.Error != nil {
		s.logError(opFindOrCreate, "user_insert_failed", insert.Error,
			zap.String("provider", provider.String()))
		return User{}, newServiceError(opFindOrCreate, "user_insert_failed", insert.Error)
	}
	if insert.RowsAffected == 0 {
		// lost the race, the winner's row is authoritative
		if err := s.db.WithContext(ctx).Where(column+" = ?", subject).Take(&record).Error; err != nil {
			s.logError(opFindOrCreate, "subject_reselect_failed", err,
				zap.String("provider", provider.String()))
			return User{}, newServiceError(opFindOrCreate, "subject_reselect_failed", err)
		}
		return record, nil
	}

	s.logger.Info("user created from provider identity",
		zap.String("user_id", record.ID),
		zap.String("provider", provider.String()))
	return record, nil
}

// GetByID fetches a user record by its canonical identifier.
func (s *Service) GetByID(ctx context.Context, userID string) (User, error) {
	if strings.TrimSpace(userID) == "" {
		return User{}, ErrUserNotFound
	}
	var record User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		s.logError(opGetByID, "select_failed", err, zap.String("user_id", userID))
		return User{}, newServiceError(opGetByID, "select_failed", err)
	}
	return record, nil
}

// AppendSecret stores one more secret for the user. Secrets are append-only;
// there is no edit or delete path.
func (s *Service) AppendSecret(ctx context.Context, userID, body string) (Secret, error) {
	body = strings.TrimSpace(body)
	if body == "" || len(body) > maxSecretLength {
		return Secret{}, fmt.Errorf("%w: empty or oversized body", ErrInvalidSecret)
	}
	if _, err := s.GetByID(ctx, userID); err != nil {
		return Secret{}, err
	}

	secretID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppendSecret, "id_generation_failed", err)
		return Secret{}, newServiceError(opAppendSecret, "id_generation_failed", err)
	}
	record := Secret{
		ID:        secretID,
		UserID:    userID,
		Body:      body,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opAppendSecret, "insert_failed", err, zap.String("user_id", userID))
		return Secret{}, newServiceError(opAppendSecret, "insert_failed", err)
	}
	return record, nil
}

// ListSecrets returns the user's secrets in submission order.
func (s *Service) ListSecrets(ctx context.Context, userID string) ([]Secret, error) {
	if _, err := s.GetByID(ctx, userID); err != nil {
		return nil, err
	}
	var secrets []Secret
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&secrets).Error; err != nil {
		s.logError(opListSecrets, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListSecrets, "query_failed", err)
	}
	return secrets, nil
}

func providerColumn(provider Provider) (string, error) {
	switch provider {
	case ProviderGoogle:
		return "google_id", nil
	case ProviderFacebook:
		return "facebook_id", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProvider, provider)
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
}
