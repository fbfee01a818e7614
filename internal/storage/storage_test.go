package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/exchange1c/internal/config"
)

func TestArchiveKey(t *testing.T) {
	assert.Equal(t, "exchange/abc/import.xml", ArchiveKey("/exchange/", "abc", "import.xml"))
	assert.Equal(t, "abc/import.xml", ArchiveKey("", "abc", "import.xml"))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/xml", ContentType("offers.XML"))
	assert.Equal(t, "image/webp", ContentType("photo.webp"))
	assert.Equal(t, "application/octet-stream", ContentType("data.bin"))
}

func TestDetectStorageType(t *testing.T) {
	assert.Equal(t, StorageTypeR2, detectStorageType("https://acc.r2.cloudflarestorage.com"))
	assert.Equal(t, StorageTypeS3, detectStorageType("s3.eu-west-1.amazonaws.com"))
	assert.Equal(t, StorageTypeS3Compatible, detectStorageType("localhost:9000"))
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "localhost:9000", normalizeEndpoint("http://localhost:9000/bucket/"))
	assert.Equal(t, "s3.amazonaws.com", normalizeEndpoint("https://s3.amazonaws.com"))
}

func TestNewStorage_DisabledReturnsNil(t *testing.T) {
	store, err := NewStorage(&config.StorageConfig{})
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestLocalStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewStorage(&config.StorageConfig{Type: "local", Endpoint: dir})
	require.NoError(t, err)

	key := ArchiveKey("exchange", "abc", "import.xml")
	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	data := []byte("<Каталог/>")
	require.NoError(t, store.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), ContentType(key)))

	ok, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := os.ReadFile(filepath.Join(dir, "exchange", "abc", "import.xml"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// keys cannot escape the root
	require.NoError(t, store.Upload(ctx, "../../escape.xml", bytes.NewReader(data), int64(len(data)), ""))
	assert.FileExists(t, filepath.Join(dir, "escape.xml"))

	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))
	ok, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStorage_SizeMismatch(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir(), "https://files.example")
	require.NoError(t, err)

	err = store.Upload(context.Background(), "a/b.xml", bytes.NewReader([]byte("abc")), 10, "")
	assert.Error(t, err)
	assert.Equal(t, "https://files.example/a/b.xml", store.GetURL("a/b.xml"))
}
