package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/exchange1c/internal/domain"
	"github.com/timmy/exchange1c/internal/queue"
	"github.com/timmy/exchange1c/internal/repository"
	"github.com/timmy/exchange1c/internal/testutil"
	"gorm.io/gorm"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	failures int
	calls    int
	jobs     []queue.Job
}

func (f *fakeSubmitter) Submit(_ context.Context, job queue.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("redis: connection refused")
	}
	f.jobs = append(f.jobs, job)
	return "job-" + job.SessionKey, nil
}

func newTestSessionStore(t *testing.T, sub JobSubmitter) (*ExchangeSessionStore, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	store := NewExchangeSessionStore(repository.NewImportSessionRepository(db), sub, SessionStoreConfig{
		StaleAfter:    2 * time.Hour,
		SubmitRetries: 3,
		SubmitBackoff: time.Millisecond,
	})
	return store, db
}

func countSessions(t *testing.T, db *gorm.DB, key string) (total, active int64) {
	t.Helper()
	require.NoError(t, db.Model(&domain.ImportSession{}).Where("session_key = ?", key).Count(&total).Error)
	require.NoError(t, db.Model(&domain.ImportSession{}).
		Where("session_key = ? AND status IN ?", key, domain.ActiveImportStatuses).Count(&active).Error)
	return total, active
}

func TestEnsureImport_CreatesAndQueues(t *testing.T) {
	sub := &fakeSubmitter{}
	store, _ := newTestSessionStore(t, sub)

	res, err := store.EnsureImport(context.Background(), "abc", "import.xml")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, domain.ImportStatusPending, res.Session.Status)
	assert.Equal(t, domain.ImportTypeCatalog, res.Session.ImportType)
	assert.Equal(t, "abc:import.xml", res.Session.SessionKey)

	require.Len(t, sub.jobs, 1)
	assert.Equal(t, res.Session.ID, sub.jobs[0].ImportSessionID)

	stored, err := store.Get(context.Background(), res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-abc:import.xml", stored.JobID)
}

func TestEnsureImport_ReusesActiveSession(t *testing.T) {
	sub := &fakeSubmitter{}
	store, db := newTestSessionStore(t, sub)
	ctx := context.Background()

	first, err := store.EnsureImport(ctx, "abc", "offers.xml")
	require.NoError(t, err)
	second, err := store.EnsureImport(ctx, "abc", "offers.xml")
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Session.ID, second.Session.ID)
	assert.Len(t, sub.jobs, 1)

	total, active := countSessions(t, db, "abc:offers.xml")
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(1), active)
}

func TestEnsureImport_FinishedSessionDoesNotBlock(t *testing.T) {
	store, db := newTestSessionStore(t, &fakeSubmitter{})
	ctx := context.Background()
	repo := repository.NewImportSessionRepository(db)

	first, err := store.EnsureImport(ctx, "abc", "import.xml")
	require.NoError(t, err)
	require.NoError(t, repo.Complete(ctx, first.Session.ID, time.Now()))

	second, err := store.EnsureImport(ctx, "abc", "import.xml")
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.NotEqual(t, first.Session.ID, second.Session.ID)
}

func TestEnsureImport_ReplacesStaleSession(t *testing.T) {
	store, db := newTestSessionStore(t, &fakeSubmitter{})
	ctx := context.Background()
	repo := repository.NewImportSessionRepository(db)

	first, err := store.EnsureImport(ctx, "abc", "import.xml")
	require.NoError(t, err)
	ok, err := repo.MarkInProgress(ctx, first.Session.ID)
	require.NoError(t, err)
	require.True(t, ok)

	store.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	second, err := store.EnsureImport(ctx, "abc", "import.xml")
	require.NoError(t, err)
	assert.True(t, second.Created)
	require.NotNil(t, second.Expired)
	assert.Equal(t, first.Session.ID, second.Expired.ID)

	old, err := repo.GetByID(ctx, first.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusFailed, old.Status)
	assert.Contains(t, old.ErrorMessage, "expired")
	assert.NotNil(t, old.FinishedAt)

	_, active := countSessions(t, db, "abc:import.xml")
	assert.Equal(t, int64(1), active)
}

func TestEnsureImport_PendingSessionIsNeverStale(t *testing.T) {
	store, _ := newTestSessionStore(t, &fakeSubmitter{})
	ctx := context.Background()

	first, err := store.EnsureImport(ctx, "abc", "import.xml")
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	second, err := store.EnsureImport(ctx, "abc", "import.xml")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Session.ID, second.Session.ID)
}

func TestEnsureImport_ConcurrentRequestsCreateOneSession(t *testing.T) {
	sub := &fakeSubmitter{}
	store, db := newTestSessionStore(t, sub)
	ctx := context.Background()

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.EnsureImport(ctx, "race", "import.xml")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	total, active := countSessions(t, db, "race:import.xml")
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(1), active)
	assert.Len(t, sub.jobs, 1)
}

func TestEnsureImport_SubmitRetriedThenSucceeds(t *testing.T) {
	sub := &fakeSubmitter{failures: 2}
	store, _ := newTestSessionStore(t, sub)

	res, err := store.EnsureImport(context.Background(), "abc", "prices.xml")
	require.NoError(t, err)
	assert.Equal(t, 3, sub.calls)
	assert.Equal(t, domain.ImportTypePrices, res.Session.ImportType)
	assert.NotEmpty(t, res.Session.JobID)
}

func TestEnsureImport_SubmitExhaustedFailsSession(t *testing.T) {
	sub := &fakeSubmitter{failures: 10}
	store, db := newTestSessionStore(t, sub)
	ctx := context.Background()

	res, err := store.EnsureImport(ctx, "abc", "import.xml")
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	require.NotNil(t, res)
	assert.Equal(t, 3, sub.calls)

	stored, err := store.Get(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "queue submission failed")

	_, active := countSessions(t, db, "abc:import.xml")
	assert.Equal(t, int64(0), active)
}

func TestEnsureImport_InvalidArguments(t *testing.T) {
	store, _ := newTestSessionStore(t, nil)
	_, err := store.EnsureImport(context.Background(), "", "import.xml")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = store.EnsureImport(context.Background(), "abc", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestForceFail(t *testing.T) {
	store, _ := newTestSessionStore(t, nil)
	ctx := context.Background()

	res, err := store.EnsureImport(ctx, "abc", "import.xml")
	require.NoError(t, err)

	failed, err := store.ForceFail(ctx, res.Session.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusFailed, failed.Status)
	assert.Equal(t, "failed by operator", failed.ErrorMessage)

	_, err = store.ForceFail(ctx, res.Session.ID, "again")
	assert.ErrorIs(t, err, ErrSessionFinished)
}
