package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/exchange1c/internal/domain"
	"github.com/timmy/exchange1c/internal/repository"
	"github.com/timmy/exchange1c/internal/testutil"
	"gorm.io/gorm"
)

func newSession(key string) *domain.ImportSession {
	return &domain.ImportSession{
		SessionKey: key,
		Filename:   "import.xml",
		ImportType: domain.ImportTypeCatalog,
		Status:     domain.ImportStatusPending,
	}
}

func TestImportSessionRepository_OneActiveSessionPerKey(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewImportSessionRepository(db)
	ctx := context.Background()

	first := newSession("s1:import.xml")
	require.NoError(t, repo.Create(ctx, first))

	err := repo.Create(ctx, newSession("s1:import.xml"))
	require.Error(t, err)
	assert.True(t, repository.IsDuplicateKey(err))

	require.NoError(t, repo.Create(ctx, newSession("s1:offers.xml")))

	require.NoError(t, repo.Complete(ctx, first.ID, time.Now()))
	assert.NoError(t, repo.Create(ctx, newSession("s1:import.xml")))
}

func TestImportSessionRepository_FindActiveByKey(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewImportSessionRepository(db)
	ctx := context.Background()

	_, err := repo.FindActiveByKey(ctx, "s1:import.xml")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	s := newSession("s1:import.xml")
	require.NoError(t, repo.Create(ctx, s))

	got, err := repo.FindActiveByKey(ctx, "s1:import.xml")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	require.NoError(t, repo.Fail(ctx, s.ID, "boom", time.Now()))
	_, err = repo.FindActiveByKey(ctx, "s1:import.xml")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestImportSessionRepository_Transitions(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewImportSessionRepository(db)
	ctx := context.Background()

	s := newSession("s1:import.xml")
	require.NoError(t, repo.Create(ctx, s))

	ok, err := repo.ExpireStale(ctx, s.ID, "stale", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "pending sessions are not expired")

	ok, err = repo.MarkInProgress(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkInProgress(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SetJobID(ctx, s.ID, "job-1"))
	require.NoError(t, repo.AppendReport(ctx, s.ID, "parsed"))
	require.NoError(t, repo.AppendReport(ctx, s.ID, "archived"))

	now := time.Now()
	ok, err = repo.ExpireStale(ctx, s.ID, "stale", now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusFailed, got.Status)
	assert.Equal(t, "stale", got.ErrorMessage)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "parsed\narchived\n", got.Report)
	require.NotNil(t, got.FinishedAt)

	ok, err = repo.ExpireStale(ctx, s.ID, "again", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestImportSessionRepository_List(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewImportSessionRepository(db)
	ctx := context.Background()

	var ids []uint
	for _, key := range []string{"s1:import.xml", "s1:offers.xml", "s2:import.xml"} {
		s := newSession(key)
		require.NoError(t, repo.Create(ctx, s))
		ids = append(ids, s.ID)
	}
	require.NoError(t, repo.Complete(ctx, ids[0], time.Now()))

	all, total, err := repo.List(ctx, repository.ImportSessionFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)

	pending, total, err := repo.List(ctx, repository.ImportSessionFilter{Status: domain.ImportStatusPending})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, pending, 2)

	page, total, err := repo.List(ctx, repository.ImportSessionFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ID)

	byKey, _, err := repo.List(ctx, repository.ImportSessionFilter{SessionKey: "s2:import.xml"})
	require.NoError(t, err)
	require.Len(t, byKey, 1)
	assert.Equal(t, ids[2], byKey[0].ID)
}

func TestIsDuplicateKey(t *testing.T) {
	assert.False(t, repository.IsDuplicateKey(nil))
	assert.True(t, repository.IsDuplicateKey(gorm.ErrDuplicatedKey))
	assert.True(t, repository.IsDuplicateKey(errors.New(`ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)`)))
	assert.False(t, repository.IsDuplicateKey(errors.New("connection refused")))
}

func TestUserRepository_GetByLogin(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewUserRepository(db)
	ctx := context.Background()

	u := testutil.SeedUser(t, db, "1c", "secret", true)
	got, err := repo.GetByLogin(ctx, "1c")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.True(t, got.CanExchange1C)

	require.NoError(t, db.Model(u).Update("is_active", false).Error)
	_, err = repo.GetByLogin(ctx, "1c")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	_, err = repo.GetByLogin(ctx, "nobody")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestImportSessionRepository_CountActiveByExchange(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewImportSessionRepository(db)
	ctx := context.Background()

	for _, key := range []string{"s1:import.xml", "s1:offers.xml", "s2:import.xml"} {
		s := newSession(key)
		s.ExchangeID = key[:2]
		require.NoError(t, repo.Create(ctx, s))
	}

	n, err := repo.CountActiveByExchange(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	first, err := repo.FindActiveByKey(ctx, "s1:import.xml")
	require.NoError(t, err)
	require.NoError(t, repo.Complete(ctx, first.ID, time.Now()))
	second, err := repo.FindActiveByKey(ctx, "s1:offers.xml")
	require.NoError(t, err)
	_, err = repo.MarkInProgress(ctx, second.ID)
	require.NoError(t, err)

	n, err = repo.CountActiveByExchange(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, repo.Fail(ctx, second.ID, "boom", time.Now()))
	n, err = repo.CountActiveByExchange(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
