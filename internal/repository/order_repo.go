package repository

import (
	"context"
	"time"

	"github.com/timmy/exchange1c/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OrderRepository handles the order reads and writes of the exchange.
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new OrderRepository.
func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Transaction runs fn with a repository bound to a single database transaction.
func (r *OrderRepository) Transaction(ctx context.Context, fn func(tx *OrderRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&OrderRepository{db: tx})
	})
}

// Create inserts an order together with its items.
func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

// GetByID retrieves an order by its primary key.
func (r *OrderRepository) GetByID(ctx context.Context, id uint) (*domain.Order, error) {
	var order domain.Order
	if err := r.db.WithContext(ctx).First(&order, id).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// GetByNumber retrieves an order by its human readable number.
func (r *OrderRepository) GetByNumber(ctx context.Context, number string) (*domain.Order, error) {
	var order domain.Order
	if err := r.db.WithContext(ctx).First(&order, "number = ?", number).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// LockByRefs loads every order matching one of ids or numbers in a single
// SELECT ... FOR UPDATE. Must run inside Transaction for the lock to hold.
func (r *OrderRepository) LockByRefs(ctx context.Context, ids []uint, numbers []string) ([]domain.Order, error) {
	if len(ids) == 0 && len(numbers) == 0 {
		return nil, nil
	}

	query := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
	switch {
	case len(ids) > 0 && len(numbers) > 0:
		query = query.Where("id IN ? OR number IN ?", ids, numbers)
	case len(ids) > 0:
		query = query.Where("id IN ?", ids)
	default:
		query = query.Where("number IN ?", numbers)
	}

	var orders []domain.Order
	if err := query.Order("id").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// SaveExchangeState writes the status and bookkeeping columns owned by the exchange.
func (r *OrderRepository) SaveExchangeState(ctx context.Context, order *domain.Order) error {
	return r.db.WithContext(ctx).Model(order).
		Select("status", "status_1c", "sent_to_1c", "sent_to_1c_at", "paid_at", "shipped_at", "updated_at").
		Updates(order).Error
}

// PendingExport returns up to limit unsent orders with id greater than afterID,
// with their owner and line items preloaded. Soft-deleted variants are not loaded.
func (r *OrderRepository) PendingExport(ctx context.Context, afterID uint, limit int) ([]domain.Order, error) {
	var orders []domain.Order
	err := r.db.WithContext(ctx).
		Preload("User").
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Items.Variant").
		Where("sent_to_1c = ? AND id > ?", false, afterID).
		Order("id").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// MarkSent flags orders as delivered to 1C.
func (r *OrderRepository) MarkSent(ctx context.Context, ids []uint, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&domain.Order{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"sent_to_1c":    true,
			"sent_to_1c_at": at,
		})
	return res.RowsAffected, res.Error
}
