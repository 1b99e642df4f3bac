package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/bloodgroup/internal/auth"
	"github.com/example/bloodgroup/internal/logging"
	"github.com/example/bloodgroup/internal/repository"
)

const (
	minPasswordLength = 8
	revokedKeyPrefix  = "token:revoked:"
)

// UserRepository defines the account persistence needed by AccountUseCase.
type UserRepository interface {
	CreateUser(ctx context.Context, user *repository.User) error
	FindUserByEmail(ctx context.Context, email string) (*repository.User, error)
}

// TokenIssuer signs access tokens.
type TokenIssuer interface {
	Issue(subject, role string) (string, *auth.Claims, error)
}

// SignupInput is the registration form.
type SignupInput struct {
	Fullname        string
	Email           string
	Password        string
	ConfirmPassword string
}

// Session is a successful login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Role      string    `json:"role"`
}

// AccountUseCase manages signup, login and logout.
type AccountUseCase struct {
	users       UserRepository
	tokens      TokenIssuer
	revocations *TokenRevocations
	bcryptCost  int
	logger      *zap.Logger
}

// NewAccountUseCase constructs the account use case. A zero bcryptCost uses
// bcrypt.DefaultCost.
func NewAccountUseCase(users UserRepository, tokens TokenIssuer, revocations *TokenRevocations, bcryptCost int, logger *zap.Logger) *AccountUseCase {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &AccountUseCase{
		users:       users,
		tokens:      tokens,
		revocations: revocations,
		bcryptCost:  bcryptCost,
		logger:      logger.Named("account_usecase"),
	}
}

// Signup registers a regular user account.
func (uc *AccountUseCase) Signup(ctx context.Context, input SignupInput) (*repository.User, error) {
	if input.Password != input.ConfirmPassword {
		return nil, ErrPasswordMismatch
	}
	return uc.createUser(ctx, input.Fullname, input.Email, input.Password, repository.RoleUser)
}

// CreateAdmin registers an admin account. It is used by the command line.
func (uc *AccountUseCase) CreateAdmin(ctx context.Context, fullname, email, password string) (*repository.User, error) {
	return uc.createUser(ctx, fullname, email, password, repository.RoleAdmin)
}

// Login authenticates any account.
func (uc *AccountUseCase) Login(ctx context.Context, email, password string) (*Session, error) {
	user, err := uc.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return uc.issue(user)
}

// AdminLogin authenticates an account holding the admin role. Regular users
// get ErrInvalidCredentials.
func (uc *AccountUseCase) AdminLogin(ctx context.Context, email, password string) (*Session, error) {
	user, err := uc.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if user.Role != repository.RoleAdmin {
		logging.WithOperation(uc.logger, "usecase.admin_login", "").Warn("non-admin account attempted admin login", zap.Uint("user_id", user.ID))
		return nil, ErrInvalidCredentials
	}
	return uc.issue(user)
}

// Logout revokes the token identified by claims until it would have expired.
func (uc *AccountUseCase) Logout(ctx context.Context, claims *auth.Claims) error {
	if claims == nil || claims.ID == "" {
		return &InvalidInputError{Field: "token", Reason: "has no id"}
	}
	if uc.revocations == nil {
		return nil
	}
	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return uc.revocations.Revoke(ctx, claims.ID, expiresAt)
}

func (uc *AccountUseCase) createUser(ctx context.Context, fullname, email, password, role string) (*repository.User, error) {
	fullname = strings.TrimSpace(fullname)
	email = normalizeEmail(email)
	if fullname == "" {
		return nil, &InvalidInputError{Field: "fullname", Reason: "is required"}
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, &InvalidInputError{Field: "email", Reason: "is not a valid address"}
	}
	if len(password) < minPasswordLength {
		return nil, &InvalidInputError{Field: "password", Reason: fmt.Sprintf("must be at least %d characters", minPasswordLength)}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), uc.bcryptCost)
	if err != nil {
		return nil, logging.NewOperationError("usecase.hash_password", "", err)
	}

	user := &repository.User{
		Fullname:     fullname,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := uc.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	logging.WithOperation(uc.logger, "usecase.create_user", "").Info("account created",
		zap.Uint("user_id", user.ID), zap.String("role", role))
	return user, nil
}

func (uc *AccountUseCase) authenticate(ctx context.Context, email, password string) (*repository.User, error) {
	user, err := uc.users.FindUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (uc *AccountUseCase) issue(user *repository.User) (*Session, error) {
	token, claims, err := uc.tokens.Issue(strconv.FormatUint(uint64(user.ID), 10), user.Role)
	if err != nil {
		return nil, logging.NewOperationError("usecase.issue_token", "", err)
	}
	session := &Session{Token: token, Role: user.Role}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// TokenRevocations records logged out token ids in the cache.
type TokenRevocations struct {
	cacheRetrier
	cache Cache
	now   func() time.Time
}

// NewTokenRevocations returns a revocation list stored in cache.
func NewTokenRevocations(cache Cache, logger *zap.Logger) *TokenRevocations {
	if cache == nil {
		cache = NoopCache{}
	}
	return &TokenRevocations{
		cacheRetrier: newCacheRetrier(logger.Named("token_revocations")),
		cache:        cache,
		now:          time.Now,
	}
}

// Revoke marks tokenID as revoked until expiresAt. Tokens that already
// expired are not recorded.
func (r *TokenRevocations) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = expiresAt.Sub(r.now())
		if ttl <= 0 {
			return nil
		}
	}
	return r.withRedisRetry(ctx, "", "cache.set.revocation", func() error {
		return r.cache.Set(ctx, revokedKeyPrefix+tokenID, "1", ttl)
	})
}

// IsRevoked implements auth.RevocationList.
func (r *TokenRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revoked bool
	err := r.withRedisRetry(ctx, "", "cache.exists.revocation", func() error {
		exists, err := r.cache.Exists(ctx, revokedKeyPrefix+tokenID)
		revoked = exists
		return err
	})
	return revoked, err
}
