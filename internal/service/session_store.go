package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/exchange1c/internal/domain"
	"github.com/timmy/exchange1c/internal/logger"
	"github.com/timmy/exchange1c/internal/queue"
	"github.com/timmy/exchange1c/internal/repository"
	"github.com/timmy/exchange1c/internal/telemetry"
	"gorm.io/gorm"
)

// JobSubmitter hands import jobs to the task queue.
type JobSubmitter interface {
	Submit(ctx context.Context, job queue.Job) (string, error)
}

// SessionStoreConfig configures ExchangeSessionStore.
type SessionStoreConfig struct {
	StaleAfter    time.Duration
	SubmitRetries int
	SubmitBackoff time.Duration
}

// ExchangeSessionStore owns the import session lifecycle: it decides whether an
// import request starts new work or joins the one already running for its key.
type ExchangeSessionStore struct {
	repo      *repository.ImportSessionRepository
	submitter JobSubmitter
	cfg       SessionStoreConfig
	now       func() time.Time
}

// NewExchangeSessionStore creates a new ExchangeSessionStore.
func NewExchangeSessionStore(repo *repository.ImportSessionRepository, submitter JobSubmitter, cfg SessionStoreConfig) *ExchangeSessionStore {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Hour
	}
	if cfg.SubmitRetries <= 0 {
		cfg.SubmitRetries = 3
	}
	if cfg.SubmitBackoff <= 0 {
		cfg.SubmitBackoff = 100 * time.Millisecond
	}
	return &ExchangeSessionStore{repo: repo, submitter: submitter, cfg: cfg, now: time.Now}
}

// EnsureResult describes what EnsureImport did.
type EnsureResult struct {
	Session *domain.ImportSession
	Created bool
	// Expired is the stale session replaced by Session, if any.
	Expired *domain.ImportSession
}

// EnsureImport starts the import of filename within protocol session sessid,
// unless one is already active for the same key.
//
// An active session is reused as is. A stale one (in progress without updates for
// longer than StaleAfter) is failed and replaced. Losing a creation race against
// an identical concurrent request is not an error: the winner owns the key and
// the result reports Created=false.
func (s *ExchangeSessionStore) EnsureImport(ctx context.Context, sessid, filename string) (*EnsureResult, error) {
	if sessid == "" || filename == "" {
		return nil, fmt.Errorf("%w: session and filename are required", ErrInvalidArgument)
	}
	key := domain.ImportSessionKey(sessid, filename)
	ctx = logger.WithField(ctx, logger.FieldSessionKey, key)
	result := &EnsureResult{}

	existing, err := s.repo.FindActiveByKey(ctx, key)
	switch {
	case err == nil:
		if !existing.IsStale(s.now(), s.cfg.StaleAfter) {
			result.Session = existing
			return result, nil
		}
		msg := fmt.Sprintf("expired: no progress since %s", existing.UpdatedAt.UTC().Format(time.RFC3339))
		expired, err := s.repo.ExpireStale(ctx, existing.ID, msg, s.now())
		if err != nil {
			return nil, fmt.Errorf("expire stale session %d: %w", existing.ID, err)
		}
		if expired {
			logger.CtxWarn(ctx, "Expired stale import session %d", existing.ID)
			telemetry.ImportsFinished.WithLabelValues(string(domain.ImportStatusFailed)).Inc()
			existing.Status = domain.ImportStatusFailed
			existing.ErrorMessage = msg
			result.Expired = existing
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("find active session: %w", err)
	}

	session := &domain.ImportSession{
		SessionKey: key,
		ExchangeID: sessid,
		Filename:   filename,
		ImportType: domain.ImportTypeFromFilename(filename),
		Status:     domain.ImportStatusPending,
	}
	if err := s.repo.Create(ctx, session); err != nil {
		if !repository.IsDuplicateKey(err) {
			return nil, fmt.Errorf("create import session: %w", err)
		}
		logger.CtxInfo(ctx, "Import session created concurrently, reusing it")
		winner, ferr := s.repo.FindActiveByKey(ctx, key)
		if ferr == nil {
			result.Session = winner
		}
		return result, nil
	}
	result.Session = session
	result.Created = true

	ctx = logger.WithField(ctx, logger.FieldImportSessionID, session.ID)
	if err := s.submit(ctx, session); err != nil {
		return result, err
	}
	logger.CtxInfo(ctx, "Import session %d queued as job %s", session.ID, session.JobID)
	return result, nil
}

// submit retries queue submission a bounded number of times and fails the
// session when the queue stays unavailable.
func (s *ExchangeSessionStore) submit(ctx context.Context, session *domain.ImportSession) error {
	if s.submitter == nil {
		return nil
	}

	var lastErr error
	backoff := s.cfg.SubmitBackoff
	for attempt := 1; ; attempt++ {
		jobID, err := s.submitter.Submit(ctx, queue.Job{
			ImportSessionID: session.ID,
			SessionKey:      session.SessionKey,
		})
		if err == nil {
			session.JobID = jobID
			telemetry.ImportsSubmitted.Inc()
			return s.repo.SetJobID(ctx, session.ID, jobID)
		}
		lastErr = err
		logger.FromContext(ctx).WithError(err).Warnf("Queue submit attempt %d/%d failed", attempt, s.cfg.SubmitRetries)

		if attempt >= s.cfg.SubmitRetries {
			break
		}
		if err := sleepContext(ctx, backoff); err != nil {
			lastErr = err
			break
		}
		backoff *= 2
	}

	msg := fmt.Sprintf("queue submission failed: %v", lastErr)
	if err := s.repo.Fail(context.WithoutCancel(ctx), session.ID, msg, s.now()); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to mark import session failed")
	}
	session.Status = domain.ImportStatusFailed
	session.ErrorMessage = msg
	telemetry.ImportsFinished.WithLabelValues(string(domain.ImportStatusFailed)).Inc()
	return fmt.Errorf("%w: %v", ErrQueueUnavailable, lastErr)
}

// Get returns an import session by id.
func (s *ExchangeSessionStore) Get(ctx context.Context, id uint) (*domain.ImportSession, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns import sessions matching filter.
func (s *ExchangeSessionStore) List(ctx context.Context, filter repository.ImportSessionFilter) ([]domain.ImportSession, int64, error) {
	return s.repo.List(ctx, filter)
}

// HasActiveImports reports whether any import of protocol session sessid is
// still pending or in progress.
func (s *ExchangeSessionStore) HasActiveImports(ctx context.Context, sessid string) (bool, error) {
	n, err := s.repo.CountActiveByExchange(ctx, sessid)
	return n > 0, err
}

// ForceFail fails an active session so its key can be reused.
func (s *ExchangeSessionStore) ForceFail(ctx context.Context, id uint, reason string) (*domain.ImportSession, error) {
	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Status.IsActive() {
		return nil, ErrSessionFinished
	}
	if reason == "" {
		reason = "failed by operator"
	}
	if err := s.repo.Fail(ctx, id, reason, s.now()); err != nil {
		return nil, err
	}
	telemetry.ImportsFinished.WithLabelValues(string(domain.ImportStatusFailed)).Inc()
	return s.repo.GetByID(ctx, id)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
