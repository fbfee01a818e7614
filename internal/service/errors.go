package service

import "errors"

var (
	// ErrInvalidArgument is returned for unusable constructor or call arguments.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnsafeFilename is returned for upload names carrying traversal sequences.
	ErrUnsafeFilename = errors.New("unsafe filename")
	// ErrPayloadTooLarge is returned when bytes actually received exceed a limit.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrIncomplete is returned when a body is shorter than its declared length.
	ErrIncomplete = errors.New("incomplete upload")
	// ErrTooManyDocuments is returned when an order document carries too many records.
	ErrTooManyDocuments = errors.New("too many documents")
	// ErrStaleDocument is returned when a document was generated too long ago.
	ErrStaleDocument = errors.New("stale document")
	// ErrQueueUnavailable is returned when an import could not be handed to the queue.
	ErrQueueUnavailable = errors.New("import queue unavailable")
	// ErrSessionFinished is returned when acting on a completed or failed import.
	ErrSessionFinished = errors.New("import session already finished")
)
