package repository

import (
	"context"

	"github.com/timmy/exchange1c/internal/domain"
	"gorm.io/gorm"
)

// UserRepository reads exchange accounts.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a user.
func (r *UserRepository) Create(ctx context.Context, u *domain.User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

// GetByLogin retrieves an active user by login.
func (r *UserRepository) GetByLogin(ctx context.Context, login string) (*domain.User, error) {
	var u domain.User
	if err := r.db.WithContext(ctx).First(&u, "login = ? AND is_active = ?", login, true).Error; err != nil {
		return nil, err
	}
	return &u, nil
}
