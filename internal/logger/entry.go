package logger

import (
	"context"
	"time"
)

// Entry carries the measurement fields of one finished exchange step
// (request, upload chunk, import, export) on top of the context fields.
type Entry struct {
	fields Fields
}

// With starts an Entry with fields.
// Example: logger.With(logger.Fields{logger.FieldFilename: name}).Bytes(n).Info(ctx, "Chunk stored")
func With(fields Fields) *Entry {
	e := &Entry{fields: make(Fields, len(fields)+2)}
	for k, v := range fields {
		e.fields[k] = v
	}
	return e
}

func (e *Entry) set(key string, value interface{}) *Entry {
	e.fields[key] = value
	return e
}

// Since records the time elapsed since start as duration_ms.
func (e *Entry) Since(start time.Time) *Entry {
	return e.set(FieldDurationMs, time.Since(start).Milliseconds())
}

// Count records how many items (orders, files, documents) the step handled.
func (e *Entry) Count(n int) *Entry {
	return e.set(FieldCount, n)
}

// Bytes records the payload size of the step.
func (e *Entry) Bytes(n int64) *Entry {
	return e.set(FieldSize, n)
}

// Outcome records the result label: success, failure or an import status.
func (e *Entry) Outcome(result string) *Entry {
	return e.set(FieldStatus, result)
}

// HTTPStatus records the status code sent to the client.
func (e *Entry) HTTPStatus(code int) *Entry {
	return e.set(FieldHTTPStatus, code)
}

func (e *Entry) log(ctx context.Context) *Logger {
	if ctx == nil {
		return getDefaultLogger().WithFields(e.fields)
	}
	return FromContext(ctx).WithFields(e.fields)
}

// Debug logs at Debug level.
func (e *Entry) Debug(ctx context.Context, format string, args ...interface{}) {
	e.log(ctx).Debugf(format, args...)
}

// Info logs at Info level.
func (e *Entry) Info(ctx context.Context, format string, args ...interface{}) {
	e.log(ctx).Infof(format, args...)
}

// Warn logs at Warn level.
func (e *Entry) Warn(ctx context.Context, format string, args ...interface{}) {
	e.log(ctx).Warnf(format, args...)
}
