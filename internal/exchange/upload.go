package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/timmy/exchange1c/internal/commerceml"
	"github.com/timmy/exchange1c/internal/filelock"
	"github.com/timmy/exchange1c/internal/logger"
	"github.com/timmy/exchange1c/internal/service"
	"github.com/timmy/exchange1c/internal/telemetry"
)

func isMalformed(err error) bool { return errors.Is(err, commerceml.ErrMalformedDocument) }
func isLockTimeout(err error) bool { return errors.Is(err, filelock.ErrLockTimeout) }

// file receives one chunk of an upload. The session is checked after the
// parameters so a bare request gets the protocol's own failure text.
func (p *Protocol) file(ctx context.Context, req Request) *Response {
	sessid := sessionID(req)
	filename := req.QueryParam("filename")
	switch {
	case sessid == "" && filename == "":
		return failure(http.StatusOK, "Missing session or filename")
	case sessid == "":
		return failure(http.StatusOK, "Missing sessid")
	case filename == "":
		return failure(http.StatusOK, "Missing session or filename")
	}

	ctx, resp := p.authenticate(ctx, sessid)
	if resp != nil {
		return resp
	}
	ctx = logger.WithField(ctx, logger.FieldFilename, filename)

	if p.isOrdersFile(filename) {
		return p.receiveOrders(ctx, req)
	}
	return p.receiveFile(ctx, req, sessid, filename)
}

func (p *Protocol) isOrdersFile(filename string) bool {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	return strings.EqualFold(name, p.cfg.OrdersFilename)
}

// receiveFile streams the body into the upload slot in bounded chunks. Any
// failure rolls the slot back to its size before the request.
func (p *Protocol) receiveFile(ctx context.Context, req Request, sessid, filename string) *Response {
	files, err := service.NewFileStreamService(p.cfg.Files, sessid)
	if err != nil {
		return failure(http.StatusOK, "Invalid session id")
	}

	declared := req.DeclaredLength()
	if declared > 0 && files.FileLimit() > 0 {
		existing, err := files.FileSize(filename)
		if err != nil {
			return p.failureFor(ctx, err)
		}
		if existing+declared > files.FileLimit() {
			return p.failureFor(ctx, fmt.Errorf("%w: declared %d bytes", service.ErrPayloadTooLarge, declared))
		}
	}

	w, err := files.OpenForWrite(ctx, filename)
	if err != nil {
		return p.failureFor(ctx, err)
	}
	if err := copyBody(req, w, p.cfg.ChunkSize); err != nil {
		if aerr := w.Abort(); aerr != nil {
			logger.FromContext(ctx).WithError(aerr).Warn("Failed to roll back upload")
		}
		return p.failureFor(ctx, err)
	}

	written := w.BytesWritten()
	if declared >= 0 && written < declared {
		if aerr := w.Abort(); aerr != nil {
			logger.FromContext(ctx).WithError(aerr).Warn("Failed to roll back upload")
		}
		return p.failureFor(ctx, fmt.Errorf("%w: received %d of %d bytes", service.ErrIncomplete, written, declared))
	}
	if err := w.Close(); err != nil {
		return p.internalError(ctx, "commit upload", err)
	}
	telemetry.UploadedBytes.Add(float64(written))
	logger.With(logger.Fields{logger.FieldFilename: w.Name()}).Bytes(written).Debug(ctx, "Chunk stored")

	return success()
}

// copyBody copies the request body to w chunk by chunk.
func copyBody(req Request, w io.Writer, chunkSize int) error {
	for {
		chunk, err := req.ReadChunk(chunkSize)
		if len(chunk) > 0 {
			if _, werr := w.Write(chunk); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", service.ErrIncomplete, err)
		}
	}
}

// receiveOrders applies an order status document without touching the disk.
func (p *Protocol) receiveOrders(ctx context.Context, req Request) *Response {
	limit := p.deps.Reconciler.MaxBytes()
	declared := req.DeclaredLength()
	if declared > limit {
		return p.failureFor(ctx, fmt.Errorf("%w: declared %d bytes", service.ErrPayloadTooLarge, declared))
	}

	data, err := readLimited(req, limit, p.cfg.ChunkSize)
	if err != nil {
		return p.failureFor(ctx, err)
	}
	if declared >= 0 && int64(len(data)) < declared {
		return p.failureFor(ctx, fmt.Errorf("%w: received %d of %d bytes", service.ErrIncomplete, len(data), declared))
	}

	result, err := p.deps.Reconciler.Reconcile(ctx, data)
	if err != nil {
		return p.failureFor(ctx, err)
	}
	return success(append(result.Lines(), result.Errors...)...)
}

// readLimited reads the whole body, failing once more than limit bytes arrive.
func readLimited(req Request, limit int64, chunkSize int) ([]byte, error) {
	var data []byte
	for {
		chunk, err := req.ReadChunk(chunkSize)
		data = append(data, chunk...)
		if int64(len(data)) > limit {
			return nil, fmt.Errorf("%w: more than %d bytes", service.ErrPayloadTooLarge, limit)
		}
		if errors.Is(err, io.EOF) {
			return data, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", service.ErrIncomplete, err)
		}
	}
}

// query streams the pending orders. Each order enters the ledger before its
// fragment is written, so whatever 1C received is marked by the next success.
func (p *Protocol) query(ctx context.Context, _ Request, sessid string) *Response {
	if err := p.deps.Sessions.RecordQuery(ctx, sessid, nil); err != nil {
		return p.internalError(ctx, "reset query ledger", err)
	}
	return &Response{
		Status:      http.StatusOK,
		ContentType: contentTypeXML,
		Stream: func(w io.Writer) error {
			report := &service.ExportReport{}
			recorded := 0
			for fragment, err := range p.deps.Exporter.Export(ctx, report) {
				if err != nil {
					return err
				}
				if pending := report.ExportedIDs[recorded:]; len(pending) > 0 {
					if err := p.deps.Sessions.AppendQuery(ctx, sessid, pending); err != nil {
						return err
					}
					recorded = len(report.ExportedIDs)
				}
				if _, err := io.WriteString(w, fragment); err != nil {
					return err
				}
			}
			telemetry.OrdersExported.Add(float64(len(report.ExportedIDs)))
			logger.With(logger.Fields{"skipped": len(report.SkippedIDs)}).
				Count(len(report.ExportedIDs)).Info(ctx, "Orders exported")
			return nil
		},
	}
}

// success marks the orders of the last query as sent.
func (p *Protocol) success(ctx context.Context, _ Request, sessid string) *Response {
	ids, err := p.deps.Sessions.TakeQuery(ctx, sessid)
	if err != nil {
		return p.internalError(ctx, "load query ledger", err)
	}
	n, err := p.deps.Orders.MarkSent(ctx, ids, p.now())
	if err != nil {
		if rerr := p.deps.Sessions.RecordQuery(ctx, sessid, ids); rerr != nil {
			logger.FromContext(ctx).WithError(rerr).Error("Failed to restore query ledger")
		}
		return p.internalError(ctx, "mark orders sent", err)
	}
	telemetry.OrdersMarkedSent.Add(float64(n))
	logger.With(nil).Count(int(n)).Info(ctx, "Orders marked as sent")
	return success()
}
