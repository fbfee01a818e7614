// Package testutil provides database, Redis and fixture helpers for tests.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/timmy/exchange1c/internal/domain"
	"github.com/timmy/exchange1c/internal/repository"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens a migrated SQLite database in a temp dir. A single connection keeps
// concurrent test goroutines serialized the way row locks would on Postgres.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, repository.Migrate(db))
	return db
}

// NewMockDB returns a GORM handle speaking the postgres dialect to sqlmock.
func NewMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       sqlDB,
		DriverName: "postgres",
	}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return db, mock
}

// NewRedis starts an in-process Redis and returns a client bound to it.
func NewRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

// SeedUser creates an active user with the given login and password.
func SeedUser(t *testing.T, db *gorm.DB, login, password string, canExchange bool) *domain.User {
	t.Helper()

	u := &domain.User{
		Login:         login,
		Email:         login + "@example.com",
		FirstName:     "Иван",
		LastName:      "Петров",
		IsActive:      true,
		CanExchange1C: canExchange,
	}
	require.NoError(t, u.SetPassword(password))
	require.NoError(t, db.Create(u).Error)
	return u
}

// SeedVariant creates a product variant known to 1C.
func SeedVariant(t *testing.T, db *gorm.DB, externalID, name string) *domain.ProductVariant {
	t.Helper()

	v := &domain.ProductVariant{ExternalID: externalID, Name: name, SKU: "SKU-" + externalID, Unit: "шт"}
	require.NoError(t, db.Create(v).Error)
	return v
}

// OrderOption customizes SeedOrder.
type OrderOption func(*domain.Order)

// WithStatus sets the initial status.
func WithStatus(s domain.OrderStatus) OrderOption {
	return func(o *domain.Order) { o.Status = s }
}

// WithOwner attaches a registered customer.
func WithOwner(u *domain.User) OrderOption {
	return func(o *domain.Order) { o.UserID = &u.ID }
}

// WithItem adds a line for variant.
func WithItem(v *domain.ProductVariant, qty int, price string) OrderOption {
	return func(o *domain.Order) {
		item := domain.OrderItem{ProductName: v.Name, Quantity: qty, Price: decimal.RequireFromString(price)}
		item.VariantID = &v.ID
		o.Items = append(o.Items, item)
		o.Total = o.Total.Add(item.Total())
	}
}

// SeedOrder creates a guest order numbered number.
func SeedOrder(t *testing.T, db *gorm.DB, number string, opts ...OrderOption) *domain.Order {
	t.Helper()

	o := &domain.Order{
		Number:    number,
		Status:    domain.OrderStatusPending,
		FirstName: "Анна",
		LastName:  "Смирнова",
		Email:     fmt.Sprintf("guest-%s@example.com", number),
		Phone:     "+79990000000",
	}
	for _, opt := range opts {
		opt(o)
	}
	require.NoError(t, db.WithContext(context.Background()).Create(o).Error)
	return o
}
