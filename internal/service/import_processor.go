package service

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/timmy/exchange1c/internal/commerceml"
	"github.com/timmy/exchange1c/internal/domain"
	"github.com/timmy/exchange1c/internal/logger"
	"github.com/timmy/exchange1c/internal/queue"
	"github.com/timmy/exchange1c/internal/repository"
	"github.com/timmy/exchange1c/internal/storage"
	"github.com/timmy/exchange1c/internal/telemetry"
	_ "golang.org/x/image/webp"
	"gorm.io/gorm"
)

// permanentError marks an import failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(format string, args ...interface{}) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err should fail the import without retrying.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ImportProcessor runs one queued import: it validates the uploaded file,
// archives it and moves the session to COMPLETED.
type ImportProcessor struct {
	sessions      *repository.ImportSessionRepository
	files         FileStreamConfig
	archive       storage.ObjectStorage
	archivePrefix string
	now           func() time.Time
}

// NewImportProcessor creates a new ImportProcessor. archive may be nil.
func NewImportProcessor(sessions *repository.ImportSessionRepository, files FileStreamConfig, archive storage.ObjectStorage, archivePrefix string) *ImportProcessor {
	return &ImportProcessor{
		sessions:      sessions,
		files:         files,
		archive:       archive,
		archivePrefix: archivePrefix,
		now:           time.Now,
	}
}

// log returns a logger from context if available
func (p *ImportProcessor) log(ctx context.Context) *logger.Logger {
	return logger.FromContext(ctx)
}

// Process runs job. Errors wrapped as permanent must not be retried.
func (p *ImportProcessor) Process(ctx context.Context, job queue.Job) error {
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldJobID:           job.ID,
		logger.FieldImportSessionID: job.ImportSessionID,
	})

	session, err := p.sessions.GetByID(ctx, job.ImportSessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return permanent("import session %d not found", job.ImportSessionID)
	}
	if err != nil {
		return fmt.Errorf("load import session: %w", err)
	}
	if !session.Status.IsActive() {
		p.log(ctx).Infof("Import session already %s, nothing to do", session.Status)
		return nil
	}
	if session.Status == domain.ImportStatusPending {
		if _, err := p.sessions.MarkInProgress(ctx, session.ID); err != nil {
			return fmt.Errorf("mark in progress: %w", err)
		}
	} else if err := p.sessions.Touch(ctx, session.ID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	files, err := NewFileStreamService(p.files, session.ExchangeID)
	if err != nil {
		return permanent("upload storage: %v", err)
	}
	if !files.FileExists(session.Filename) {
		return permanent("file %s was not uploaded", session.Filename)
	}

	start := time.Now()
	var report []string
	err = files.WithReadLock(ctx, session.Filename, func(f *os.File, size int64) error {
		if size == 0 {
			return permanent("file %s is empty", session.Filename)
		}
		line, err := validateUpload(session, f, size)
		if err != nil {
			return err
		}
		report = append(report, line)

		if p.archive == nil {
			return nil
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		key := storage.ArchiveKey(p.archivePrefix, session.ExchangeID, path.Base(session.Filename))
		if err := p.archive.Upload(ctx, key, f, size, storage.ContentType(session.Filename)); err != nil {
			return fmt.Errorf("archive %s: %w", session.Filename, err)
		}
		report = append(report, "archived to "+p.archive.GetURL(key))
		return nil
	})
	if err != nil {
		return err
	}

	for _, line := range report {
		if err := p.sessions.AppendReport(ctx, session.ID, line); err != nil {
			return fmt.Errorf("append report: %w", err)
		}
	}
	if err := p.sessions.Complete(ctx, session.ID, p.now()); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	p.finishCycle(ctx, files, session.ExchangeID)
	telemetry.ImportsFinished.WithLabelValues(string(domain.ImportStatusCompleted)).Inc()

	logger.With(logger.Fields{
		logger.FieldFilename:   session.Filename,
		logger.FieldImportType: session.ImportType,
	}).Since(start).Outcome(string(domain.ImportStatusCompleted)).Info(ctx, "Import finished")
	return nil
}

// finishCycle marks the upload cycle complete once no other import of the
// same protocol session is still waiting for its files.
func (p *ImportProcessor) finishCycle(ctx context.Context, files *FileStreamService, exchangeID string) {
	active, err := p.sessions.CountActiveByExchange(ctx, exchangeID)
	if err != nil {
		p.log(ctx).WithError(err).Warn("Failed to count pending imports, cycle left open")
		return
	}
	if active > 0 {
		p.log(ctx).Debugf("%d import(s) of the cycle still pending", active)
		return
	}
	if err := files.MarkComplete(); err != nil {
		p.log(ctx).WithError(err).Warn("Failed to write cycle completion marker")
	}
}

// validateUpload checks the file can be consumed and returns a report line.
func validateUpload(session *domain.ImportSession, f *os.File, size int64) (string, error) {
	ext := strings.ToLower(path.Ext(session.Filename))
	switch {
	case session.ImportType == domain.ImportTypeImages:
		cfg, format, err := image.DecodeConfig(f)
		if err != nil {
			return "", permanent("image %s cannot be decoded: %v", session.Filename, err)
		}
		return fmt.Sprintf("image %s: %s %dx%d, %d bytes", session.Filename, format, cfg.Width, cfg.Height, size), nil
	case ext == ".xml":
		if err := commerceml.CheckWellFormed(f); err != nil {
			return "", permanent("%s: %v", session.Filename, err)
		}
		return fmt.Sprintf("%s %s: well-formed, %d bytes", session.ImportType, session.Filename, size), nil
	case ext == ".zip":
		zr, err := zip.NewReader(f, size)
		if err != nil {
			return "", permanent("archive %s: %v", session.Filename, err)
		}
		return fmt.Sprintf("archive %s: %d entries, %d bytes", session.Filename, len(zr.File), size), nil
	default:
		return fmt.Sprintf("%s %s: %d bytes", session.ImportType, session.Filename, size), nil
	}
}
