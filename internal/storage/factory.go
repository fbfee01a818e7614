package storage

import (
	"strings"

	"github.com/timmy/exchange1c/internal/config"
)

// NewStorage creates the archive backend selected by cfg. It returns nil when
// archiving is not configured.
// Parameters:
//   - cfg: storage section of the service configuration.
// Returns:
//   - ObjectStorage: initialized backend, or nil when disabled.
//   - error: non-nil if the backend cannot be created.
func NewStorage(cfg *config.StorageConfig) (ObjectStorage, error) {
	if StorageType(cfg.Type) == StorageTypeLocal {
		return NewLocalStorage(cfg.Endpoint, cfg.PublicURL)
	}
	if !cfg.Enabled() {
		return nil, nil
	}

	storeType := StorageType(cfg.Type)
	if storeType == "" {
		storeType = detectStorageType(cfg.Endpoint)
	}
	return NewS3Storage(&S3Config{
		Type:      storeType,
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		PublicURL: cfg.PublicURL,
	})
}

// detectStorageType attempts to detect the storage type from the endpoint
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
