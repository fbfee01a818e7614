package storage

import (
	"context"
	"io"
	"path"
	"strings"
)

// ObjectStorage archives processed exchange uploads.
type ObjectStorage interface {
	// Upload stores size bytes from reader under key
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// Delete deletes an object from storage
	Delete(ctx context.Context, key string) error

	// GetURL returns the URL for accessing an object
	GetURL(key string) string
}

// ArchiveKey builds the object key of an upload: <prefix>/<sessid>/<filename>.
func ArchiveKey(prefix, sessid, filename string) string {
	parts := []string{strings.Trim(prefix, "/"), sessid, filename}
	return strings.TrimPrefix(path.Join(parts...), "/")
}

// ContentType guesses the MIME type of an exchange file from its extension.
func ContentType(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".xml":
		return "application/xml"
	case ".zip":
		return "application/zip"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
