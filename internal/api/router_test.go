package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/exchange1c/internal/api/handler"
	"github.com/timmy/exchange1c/internal/domain"
	"github.com/timmy/exchange1c/internal/exchange"
	"github.com/timmy/exchange1c/internal/queue"
	"github.com/timmy/exchange1c/internal/repository"
	"github.com/timmy/exchange1c/internal/service"
	"github.com/timmy/exchange1c/internal/testutil"
	"gorm.io/gorm"
)

type testServer struct {
	router    *gin.Engine
	db        *gorm.DB
	uploadDir string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := testutil.NewDB(t)
	client, _ := testutil.NewRedis(t)
	testutil.SeedUser(t, db, "1c", "secret", true)
	testutil.SeedUser(t, db, "viewer", "secret", false)

	users := repository.NewUserRepository(db)
	orders := repository.NewOrderRepository(db)
	uploads := service.FileStreamConfig{BaseDir: t.TempDir(), FileLimit: 1 << 20}
	sessions := service.NewExchangeSessionStore(
		repository.NewImportSessionRepository(db),
		queue.NewRedisQueue(client, "test", time.Minute),
		service.SessionStoreConfig{},
	)
	protocol := exchange.NewProtocol(exchange.Config{Files: uploads}, exchange.Dependencies{
		Users:      users,
		Sessions:   exchange.NewRedisSessionStore(client, "test:", time.Hour, time.Hour),
		Imports:    sessions,
		Exporter:   service.NewOrderDocumentExporter(orders, service.ExporterConfig{Location: time.UTC}),
		Orders:     orders,
		Reconciler: service.NewOrderStatusReconciler(orders, service.ReconcilerConfig{}),
	})

	router := SetupRouter(RouterDeps{
		DB:       db,
		Redis:    client,
		Protocol: protocol,
		Sessions: sessions,
		Users:    users,
		Uploads:  uploads,
	}, "test")
	return &testServer{router: router, db: db, uploadDir: uploads.BaseDir}
}

func (s *testServer) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) admin(method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.SetBasicAuth("1c", "secret")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.serve(req)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.serve(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/1c_exchange?mode=checkauth", nil)
	req.SetBasicAuth("1c", "secret")
	require.Equal(t, http.StatusOK, s.serve(req).Code)

	rec := s.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "exchange_requests_total")
}

func TestExchangeEndpoint_Cycle(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/1c_exchange.php?type=catalog&mode=checkauth", nil)
	req.SetBasicAuth("1c", "secret")
	req.Header.Set("X-Request-ID", "req-42")
	rec := s.serve(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	lines := strings.Split(rec.Body.String(), "\n")
	require.Len(t, lines, 3)
	cookie := &http.Cookie{Name: lines[1], Value: lines[2]}

	req = httptest.NewRequest(http.MethodGet, "/1c_exchange?type=catalog&mode=init", nil)
	req.AddCookie(cookie)
	rec = s.serve(req)
	assert.Equal(t, "zip=no\nfile_limit=1048576\nsessid="+cookie.Value+"\nversion=3.1", rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/1c_exchange?type=catalog&mode=file&filename=import.xml", strings.NewReader("<a/>"))
	req.AddCookie(cookie)
	rec = s.serve(req)
	assert.Equal(t, "success", rec.Body.String())

	got, err := os.ReadFile(filepath.Join(s.uploadDir, cookie.Value, "import.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<a/>", string(got))
}

func TestAdmin_RequiresExchangeUser(t *testing.T) {
	s := newTestServer(t)

	rec := s.serve(httptest.NewRequest(http.MethodGet, "/api/v1/import-sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/import-sessions", nil)
	req.SetBasicAuth("1c", "wrong")
	assert.Equal(t, http.StatusUnauthorized, s.serve(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/import-sessions", nil)
	req.SetBasicAuth("viewer", "secret")
	assert.Equal(t, http.StatusForbidden, s.serve(req).Code)
}

func TestAdmin_ImportSessions(t *testing.T) {
	s := newTestServer(t)
	active := &domain.ImportSession{SessionKey: "s1:import.xml", ExchangeID: "s1", Filename: "import.xml",
		ImportType: domain.ImportTypeCatalog, Status: domain.ImportStatusInProgress}
	done := &domain.ImportSession{SessionKey: "s1:offers.xml", ExchangeID: "s1", Filename: "offers.xml",
		ImportType: domain.ImportTypeVariants, Status: domain.ImportStatusCompleted}
	require.NoError(t, s.db.Create(active).Error)
	require.NoError(t, s.db.Create(done).Error)

	rec := s.admin(http.MethodGet, "/api/v1/import-sessions?status=in_progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page handler.ListImportSessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, int64(1), page.Total)
	require.Len(t, page.Data, 1)
	assert.Equal(t, active.ID, page.Data[0].ID)

	rec = s.admin(http.MethodGet, "/api/v1/import-sessions/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.admin(http.MethodGet, "/api/v1/import-sessions/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.admin(http.MethodPost, "/api/v1/import-sessions/"+itoa(active.ID)+"/fail", []byte(`{"reason":"stuck"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var failed domain.ImportSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failed))
	assert.Equal(t, domain.ImportStatusFailed, failed.Status)
	assert.Equal(t, "stuck", failed.ErrorMessage)

	rec = s.admin(http.MethodPost, "/api/v1/import-sessions/"+itoa(done.ID)+"/fail", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdmin_DeleteUploads(t *testing.T) {
	s := newTestServer(t)
	files, err := service.NewFileStreamService(service.FileStreamConfig{BaseDir: s.uploadDir}, "s1")
	require.NoError(t, err)
	_, err = files.AppendChunk(context.Background(), "import.xml", []byte("<a/>"))
	require.NoError(t, err)
	_, err = files.AppendChunk(context.Background(), "offers.xml", []byte("<b/>"))
	require.NoError(t, err)

	rec := s.admin(http.MethodDelete, "/api/v1/uploads/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":2}`, rec.Body.String())
	assert.NoDirExists(t, filepath.Join(s.uploadDir, "s1"))

	rec = s.admin(http.MethodDelete, "/api/v1/uploads/..", nil)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
