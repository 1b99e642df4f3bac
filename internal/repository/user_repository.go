package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Account roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is a login account.
type User struct {
	ID           uint      `gorm:"primaryKey"`
	Fullname     string    `gorm:"column:fullname;size:255"`
	Email        string    `gorm:"column:email;uniqueIndex;size:255;not null"`
	PasswordHash string    `gorm:"column:password_hash;size:255;not null"`
	Role         string    `gorm:"column:role;size:16;not null;default:user"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (User) TableName() string {
	return "users"
}

// UserRepository persists accounts.
type UserRepository struct {
	retrier
	db *gorm.DB
}

// NewUserRepository creates a new repository instance.
func NewUserRepository(db *gorm.DB, logger *zap.Logger) *UserRepository {
	return &UserRepository{retrier: newRetrier(logger.Named("user_repository")), db: db}
}

// CreateUser inserts user. A taken email yields ErrDuplicateEmail.
func (r *UserRepository) CreateUser(ctx context.Context, user *User) error {
	if _, err := r.FindUserByEmail(ctx, user.Email); err == nil {
		return ErrDuplicateEmail
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	err := r.executeWithRetry(ctx, "repository.create_user", "", func() error {
		return r.db.WithContext(ctx).Create(user).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateEmail
	}
	return err
}

// FindUserByEmail looks an account up by its email.
func (r *UserRepository) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := r.executeWithRetry(ctx, "repository.find_user_by_email", "", func() error {
		return r.db.WithContext(ctx).First(&user, "email = ?", email).Error
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}
