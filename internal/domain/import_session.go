package domain

import (
	"path"
	"strings"
	"time"
)

// ImportStatus represents the lifecycle state of an import session.
// Values include ImportStatusPending, ImportStatusInProgress, ImportStatusCompleted, and ImportStatusFailed.
type ImportStatus string

const (
	ImportStatusPending    ImportStatus = "pending"
	ImportStatusInProgress ImportStatus = "in_progress"
	ImportStatusCompleted  ImportStatus = "completed"
	ImportStatusFailed     ImportStatus = "failed"
)

// IsActive reports whether the status still owns its session key.
func (s ImportStatus) IsActive() bool {
	return s == ImportStatusPending || s == ImportStatusInProgress
}

// ActiveImportStatuses lists the statuses covered by the active-key uniqueness constraint.
var ActiveImportStatuses = []ImportStatus{ImportStatusPending, ImportStatusInProgress}

// ImportType is the kind of data an import session loads.
type ImportType string

const (
	ImportTypeCatalog   ImportType = "catalog"
	ImportTypeVariants  ImportType = "variants"
	ImportTypeImages    ImportType = "images"
	ImportTypeStocks    ImportType = "stocks"
	ImportTypePrices    ImportType = "prices"
	ImportTypeCustomers ImportType = "customers"
)

// ImportTypeFromFilename infers the import type from a 1C exchange file name.
func ImportTypeFromFilename(filename string) ImportType {
	name := strings.ToLower(path.Base(strings.ReplaceAll(filename, "\\", "/")))
	switch ext := path.Ext(name); ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return ImportTypeImages
	}
	switch {
	case strings.HasPrefix(name, "offers"):
		return ImportTypeVariants
	case strings.HasPrefix(name, "prices"):
		return ImportTypePrices
	case strings.HasPrefix(name, "rests"), strings.HasPrefix(name, "stocks"):
		return ImportTypeStocks
	case strings.HasPrefix(name, "contragents"), strings.HasPrefix(name, "customers"):
		return ImportTypeCustomers
	default:
		return ImportTypeCatalog
	}
}

// ImportSessionKey builds the linkage key of an import: one per protocol session and file.
func ImportSessionKey(sessid, filename string) string {
	return sessid + ":" + filename
}

// ImportSession tracks one data import attempt triggered through the exchange protocol.
// At most one row per SessionKey may be pending or in progress; the partial unique
// index is created by repository.Migrate.
type ImportSession struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	SessionKey   string       `gorm:"type:varchar(512);not null;index" json:"session_key"`
	ExchangeID   string       `gorm:"type:varchar(128);index" json:"exchange_id"`
	Filename     string       `gorm:"type:varchar(255)" json:"filename"`
	ImportType   ImportType   `gorm:"type:varchar(32);not null" json:"import_type"`
	Status       ImportStatus `gorm:"type:varchar(32);not null;index;default:pending" json:"status"`
	Report       string       `gorm:"type:text" json:"report,omitempty"`
	ErrorMessage string       `gorm:"type:text" json:"error_message,omitempty"`
	JobID        string       `gorm:"type:varchar(64)" json:"job_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
}

// TableName returns the database table name for ImportSession.
func (ImportSession) TableName() string {
	return "import_sessions"
}

// IsStale reports whether an in-progress session stopped making progress.
func (s *ImportSession) IsStale(now time.Time, after time.Duration) bool {
	return s.Status == ImportStatusInProgress && now.Sub(s.UpdatedAt) > after
}
