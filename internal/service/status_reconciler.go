package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/exchange1c/internal/commerceml"
	"github.com/timmy/exchange1c/internal/domain"
	"github.com/timmy/exchange1c/internal/logger"
	"github.com/timmy/exchange1c/internal/repository"
	"github.com/timmy/exchange1c/internal/telemetry"
)

// ReconcilerConfig configures OrderStatusReconciler.
type ReconcilerConfig struct {
	MaxBytes     int64
	MaxDocuments int
	MaxAge       time.Duration
	ErrorLimit   int
	Location     *time.Location
}

// ReconcileResult holds per-record outcomes of one status document. Records that
// cannot be applied are counted here and never fail the document as a whole.
type ReconcileResult struct {
	Processed               int      `json:"processed"`
	Updated                 int      `json:"updated"`
	NotFound                int      `json:"not_found"`
	SkippedDataConflict     int      `json:"skipped_data_conflict"`
	SkippedStatusRegression int      `json:"skipped_status_regression"`
	SkippedUpToDate         int      `json:"skipped_up_to_date"`
	SkippedUnknownStatus    int      `json:"skipped_unknown_status"`
	Errors                  []string `json:"errors,omitempty"`
	ErrorsDropped           int      `json:"errors_dropped,omitempty"`

	errorLimit int
}

func (r *ReconcileResult) addError(format string, args ...interface{}) {
	if len(r.Errors) >= r.errorLimit {
		r.ErrorsDropped++
		return
	}
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Lines renders the counters as key=value lines for the protocol response.
func (r *ReconcileResult) Lines() []string {
	return []string{
		"processed=" + strconv.Itoa(r.Processed),
		"updated=" + strconv.Itoa(r.Updated),
		"not_found=" + strconv.Itoa(r.NotFound),
		"skipped_data_conflict=" + strconv.Itoa(r.SkippedDataConflict),
		"skipped_status_regression=" + strconv.Itoa(r.SkippedStatusRegression),
		"skipped_up_to_date=" + strconv.Itoa(r.SkippedUpToDate),
		"skipped_unknown_status=" + strconv.Itoa(r.SkippedUnknownStatus),
	}
}

// OrderStatusReconciler applies order status documents uploaded by 1C.
type OrderStatusReconciler struct {
	orders *repository.OrderRepository
	cfg    ReconcilerConfig
	now    func() time.Time
}

// NewOrderStatusReconciler creates a new OrderStatusReconciler.
func NewOrderStatusReconciler(orders *repository.OrderRepository, cfg ReconcilerConfig) *OrderStatusReconciler {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = 5000
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.ErrorLimit <= 0 {
		cfg.ErrorLimit = 50
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &OrderStatusReconciler{orders: orders, cfg: cfg, now: time.Now}
}

// MaxBytes is the size ceiling for status documents.
func (s *OrderStatusReconciler) MaxBytes() int64 {
	return s.cfg.MaxBytes
}

// record is one parsed document reduced to what reconciliation needs.
type record struct {
	index     int
	ref       string
	id        uint
	hasID     bool
	number    string
	label     string
	paidAt    *time.Time
	shippedAt *time.Time
}

// Reconcile validates data and applies every record in one transaction.
//
// Size, well-formedness, document count and document age are checked before
// the database is touched; violations return ErrPayloadTooLarge,
// commerceml.ErrMalformedDocument, ErrTooManyDocuments or ErrStaleDocument.
// Other returned errors are database failures, in which case nothing was applied.
func (s *OrderStatusReconciler) Reconcile(ctx context.Context, data []byte) (*ReconcileResult, error) {
	if int64(len(data)) > s.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(data), s.cfg.MaxBytes)
	}
	info, err := commerceml.Parse(data)
	if err != nil {
		return nil, err
	}
	if n := info.DocumentCount(); n > s.cfg.MaxDocuments {
		return nil, fmt.Errorf("%w: %d documents, limit %d", ErrTooManyDocuments, n, s.cfg.MaxDocuments)
	}
	if err := s.checkAge(info.GeneratedAt); err != nil {
		return nil, err
	}

	result := &ReconcileResult{errorLimit: s.cfg.ErrorLimit}
	records := s.collect(info.AllDocuments(), result)

	ids := make([]uint, 0, len(records))
	numbers := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.hasID {
			ids = append(ids, rec.id)
		}
		if rec.number != "" {
			numbers = append(numbers, rec.number)
		}
	}

	err = s.orders.Transaction(ctx, func(tx *repository.OrderRepository) error {
		locked, err := tx.LockByRefs(ctx, ids, numbers)
		if err != nil {
			return fmt.Errorf("lock orders: %w", err)
		}
		byID := make(map[uint]*domain.Order, len(locked))
		byNumber := make(map[string]*domain.Order, len(locked))
		for i := range locked {
			byID[locked[i].ID] = &locked[i]
			byNumber[locked[i].Number] = &locked[i]
		}

		now := s.now()
		for _, rec := range records {
			if err := s.apply(ctx, tx, rec, byID, byNumber, now, result); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.observe(result)
	logger.FromContext(ctx).WithFields(logger.Fields{
		"processed":                 result.Processed,
		"updated":                   result.Updated,
		"not_found":                 result.NotFound,
		"skipped_data_conflict":     result.SkippedDataConflict,
		"skipped_status_regression": result.SkippedStatusRegression,
		"skipped_up_to_date":        result.SkippedUpToDate,
		"skipped_unknown_status":    result.SkippedUnknownStatus,
	}).Info("Order status document applied")
	return result, nil
}

func (s *OrderStatusReconciler) checkAge(generatedAt string) error {
	if strings.TrimSpace(generatedAt) == "" {
		return nil
	}
	ts, err := commerceml.ParseDateTime(generatedAt, s.cfg.Location)
	if err != nil {
		return fmt.Errorf("%w: %v", commerceml.ErrMalformedDocument, err)
	}
	if age := s.now().Sub(ts); age > s.cfg.MaxAge {
		return fmt.Errorf("%w: generated %s ago", ErrStaleDocument, age.Truncate(time.Minute))
	}
	return nil
}

func (s *OrderStatusReconciler) collect(docs []commerceml.Document, result *ReconcileResult) []record {
	records := make([]record, 0, len(docs))
	for i := range docs {
		doc := &docs[i]
		rec := record{
			index:  i + 1,
			ref:    strings.TrimSpace(doc.ID),
			number: strings.TrimSpace(doc.Number),
			label:  statusLabel(doc),
		}
		rec.id, rec.hasID = ParseOrderRef(rec.ref)
		if rec.ref == "" {
			rec.ref = rec.number
		}

		if v, ok := doc.Requisite(commerceml.RequisitePaidAt); ok && v != "" {
			if t, err := commerceml.ParseDateTime(v, s.cfg.Location); err == nil {
				rec.paidAt = &t
			} else {
				result.addError("document %d (%s): bad payment date %q", rec.index, rec.ref, v)
			}
		}
		if v, ok := doc.Requisite(commerceml.RequisiteShippedAt); ok && v != "" {
			if t, err := commerceml.ParseDateTime(v, s.cfg.Location); err == nil {
				rec.shippedAt = &t
			} else {
				result.addError("document %d (%s): bad shipment date %q", rec.index, rec.ref, v)
			}
		}
		records = append(records, rec)
	}
	return records
}

// statusLabel picks the status label of a document. A document flagged as
// cancelled reports cancellation whatever its status requisite says.
func statusLabel(doc *commerceml.Document) string {
	if v, ok := doc.Requisite(commerceml.RequisiteCancelled); ok && strings.EqualFold(v, "true") {
		return domain.OrderStatusCancelled.VendorLabel()
	}
	if v, ok := doc.Requisite(commerceml.RequisiteOrderStatus); ok && v != "" {
		return v
	}
	v, _ := doc.Requisite(commerceml.RequisiteStatus)
	return v
}

// ParseOrderRef extracts the primary key from an "order-<pk>" document id.
func ParseOrderRef(ref string) (uint, bool) {
	rest, ok := strings.CutPrefix(ref, OrderIDPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func (s *OrderStatusReconciler) apply(
	ctx context.Context,
	tx *repository.OrderRepository,
	rec record,
	byID map[uint]*domain.Order,
	byNumber map[string]*domain.Order,
	now time.Time,
	result *ReconcileResult,
) error {
	result.Processed++

	var order *domain.Order
	if rec.hasID {
		order = byID[rec.id]
		if order != nil && rec.number != "" && order.Number != rec.number {
			result.SkippedDataConflict++
			result.addError("document %d: %s belongs to order %s, not %s", rec.index, rec.ref, order.Number, rec.number)
			return nil
		}
	}
	if order == nil && rec.number != "" {
		order = byNumber[rec.number]
	}
	if order == nil {
		result.NotFound++
		result.addError("document %d: order %s not found", rec.index, rec.ref)
		return nil
	}

	status, ok := domain.StatusFromVendorLabel(rec.label)
	if !ok {
		result.SkippedUnknownStatus++
		result.addError("document %d: order %s has unknown status %q", rec.index, order.Number, rec.label)
		return nil
	}

	switch {
	case status == order.Status:
		result.SkippedUpToDate++
	case !domain.CanTransition(order.Status, status):
		result.SkippedStatusRegression++
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldOrderID: order.ID,
			"from":              order.Status,
			"to":                status,
		}).Info("Status regression ignored")
		return nil
	default:
		order.Status = status
		if rec.paidAt != nil {
			order.PaidAt = rec.paidAt
		}
		if rec.shippedAt != nil {
			order.ShippedAt = rec.shippedAt
		}
		result.Updated++
	}

	order.Status1C = strings.TrimSpace(rec.label)
	order.SentTo1C = true
	stamp := now
	order.SentTo1CAt = &stamp
	if err := tx.SaveExchangeState(ctx, order); err != nil {
		return fmt.Errorf("save order %d: %w", order.ID, err)
	}
	return nil
}

func (s *OrderStatusReconciler) observe(r *ReconcileResult) {
	telemetry.ReconcileOutcomes.WithLabelValues("updated").Add(float64(r.Updated))
	telemetry.ReconcileOutcomes.WithLabelValues("not_found").Add(float64(r.NotFound))
	telemetry.ReconcileOutcomes.WithLabelValues("skipped_data_conflict").Add(float64(r.SkippedDataConflict))
	telemetry.ReconcileOutcomes.WithLabelValues("skipped_status_regression").Add(float64(r.SkippedStatusRegression))
	telemetry.ReconcileOutcomes.WithLabelValues("skipped_up_to_date").Add(float64(r.SkippedUpToDate))
	telemetry.ReconcileOutcomes.WithLabelValues("skipped_unknown_status").Add(float64(r.SkippedUnknownStatus))
}
