package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order is the subset of the shop order the exchange reads and writes.
type Order struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	Number          string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"number"`
	UserID          *uint           `gorm:"index" json:"user_id,omitempty"`
	User            *User           `json:"user,omitempty"`
	Status          OrderStatus     `gorm:"type:varchar(32);not null;index;default:pending" json:"status"`
	Status1C        string          `gorm:"column:status_1c;type:varchar(128)" json:"status_1c"`
	SentTo1C        bool            `gorm:"column:sent_to_1c;not null;default:false;index" json:"sent_to_1c"`
	SentTo1CAt      *time.Time      `gorm:"column:sent_to_1c_at" json:"sent_to_1c_at,omitempty"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	ShippedAt       *time.Time      `json:"shipped_at,omitempty"`
	PaymentMethod   string          `gorm:"type:varchar(64)" json:"payment_method"`
	DeliveryAddress string          `gorm:"type:text" json:"delivery_address"`
	FirstName       string          `gorm:"type:varchar(150)" json:"first_name"`
	LastName        string          `gorm:"type:varchar(150)" json:"last_name"`
	Email           string          `gorm:"type:varchar(254)" json:"email"`
	Phone           string          `gorm:"type:varchar(32)" json:"phone"`
	Comment         string          `gorm:"type:text" json:"comment"`
	Total           decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"total"`
	Items           []OrderItem     `json:"items,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TableName returns the database table name for Order.
func (Order) TableName() string {
	return "orders"
}

// IsGuest reports whether the order was placed without an account.
func (o *Order) IsGuest() bool {
	return o.UserID == nil || o.User == nil
}

// CustomerName is the name captured on the order itself.
func (o *Order) CustomerName() string {
	return joinNonEmpty(o.LastName, o.FirstName)
}

// OrderItem is one line of an order.
type OrderItem struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	OrderID     uint            `gorm:"index;not null" json:"order_id"`
	VariantID   *uint           `gorm:"index" json:"variant_id,omitempty"`
	Variant     *ProductVariant `json:"variant,omitempty"`
	ProductName string          `gorm:"type:varchar(255)" json:"product_name"`
	Quantity    int             `gorm:"not null;default:1" json:"quantity"`
	Price       decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"price"`
}

// TableName returns the database table name for OrderItem.
func (OrderItem) TableName() string {
	return "order_items"
}

// Total is price times quantity.
func (i *OrderItem) Total() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ProductVariant is a sellable SKU known to 1C by its ExternalID.
type ProductVariant struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	ExternalID string         `gorm:"column:onec_id;type:varchar(128);index" json:"onec_id"`
	SKU        string         `gorm:"type:varchar(64)" json:"sku"`
	Name       string         `gorm:"type:varchar(255)" json:"name"`
	Unit       string         `gorm:"type:varchar(16)" json:"unit"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName returns the database table name for ProductVariant.
func (ProductVariant) TableName() string {
	return "product_variants"
}
