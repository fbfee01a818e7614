package domain

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 10

// User is an account that may authenticate against the exchange endpoint.
// Customers placing orders are users too; their legal and contact fields feed the
// counterparty block of exported documents.
type User struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Login         string    `gorm:"type:varchar(150);uniqueIndex;not null" json:"login"`
	Email         string    `gorm:"type:varchar(254)" json:"email"`
	PasswordHash  string    `gorm:"type:varchar(255)" json:"-"`
	FirstName     string    `gorm:"type:varchar(150)" json:"first_name"`
	LastName      string    `gorm:"type:varchar(150)" json:"last_name"`
	MiddleName    string    `gorm:"type:varchar(150)" json:"middle_name"`
	Phone         string    `gorm:"type:varchar(32)" json:"phone"`
	CompanyName   string    `gorm:"type:varchar(255)" json:"company_name"`
	INN           string    `gorm:"column:inn;type:varchar(12)" json:"inn"`
	KPP           string    `gorm:"column:kpp;type:varchar(9)" json:"kpp"`
	LegalAddress  string    `gorm:"type:text" json:"legal_address"`
	OnecID        string    `gorm:"column:onec_id;type:varchar(64);index" json:"onec_id"`
	IsActive      bool      `gorm:"default:true" json:"is_active"`
	CanExchange1C bool      `gorm:"column:can_exchange_1c;default:false" json:"can_exchange_1c"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string {
	return "users"
}

// SetPassword hashes and stores the password.
func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return nil
}

// CheckPassword compares password with the stored hash.
func (u *User) CheckPassword(password string) bool {
	if u.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// FullName joins last, first and middle name the way 1C expects them.
func (u *User) FullName() string {
	return joinNonEmpty(u.LastName, u.FirstName, u.MiddleName)
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
