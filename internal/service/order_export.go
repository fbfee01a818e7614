package service

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/timmy/exchange1c/internal/commerceml"
	"github.com/timmy/exchange1c/internal/domain"
	"github.com/timmy/exchange1c/internal/logger"
	"github.com/timmy/exchange1c/internal/repository"
)

// OrderIDPrefix prefixes the primary key in the document Ид of exported orders.
const OrderIDPrefix = "order-"

// counterpartyNamespace derives stable counterparty ids from customer e-mails.
var counterpartyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("exchange1c:counterparty"))

// ExporterConfig configures OrderDocumentExporter.
type ExporterConfig struct {
	SchemaVersion string
	Location      *time.Location
	BatchSize     int
	SiteName      string
}

// ExportReport collects the outcome of one export as the sequence is consumed.
type ExportReport struct {
	ExportedIDs []uint
	SkippedIDs  []uint
}

// OrderDocumentExporter streams unsent orders as CommerceML fragments.
type OrderDocumentExporter struct {
	orders *repository.OrderRepository
	cfg    ExporterConfig
	now    func() time.Time
}

// NewOrderDocumentExporter creates a new OrderDocumentExporter.
func NewOrderDocumentExporter(orders *repository.OrderRepository, cfg ExporterConfig) *OrderDocumentExporter {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = "2.10"
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &OrderDocumentExporter{orders: orders, cfg: cfg, now: time.Now}
}

// Export yields the XML declaration, the root start tag, one Контейнер fragment
// per exportable order and the root end tag. Orders are read in keyset batches so
// memory use does not grow with the number of orders. Orders without lines, or
// with a line whose variant is gone or has no 1C id, are skipped and recorded in
// report. report may be nil. A repository failure is yielded as the error and
// ends the sequence.
func (e *OrderDocumentExporter) Export(ctx context.Context, report *ExportReport) iter.Seq2[string, error] {
	if report == nil {
		report = &ExportReport{}
	}
	return func(yield func(string, error) bool) {
		if !yield(commerceml.Declaration, nil) {
			return
		}
		if !yield(commerceml.OpenRoot(e.cfg.SchemaVersion, e.now().In(e.cfg.Location)), nil) {
			return
		}

		var afterID uint
		for {
			batch, err := e.orders.PendingExport(ctx, afterID, e.cfg.BatchSize)
			if err != nil {
				yield("", fmt.Errorf("load orders after %d: %w", afterID, err))
				return
			}

			for i := range batch {
				order := &batch[i]
				afterID = order.ID

				doc, reason := e.buildDocument(order)
				if reason != "" {
					report.SkippedIDs = append(report.SkippedIDs, order.ID)
					logger.FromContext(ctx).WithField(logger.FieldOrderID, order.ID).Warnf("Order skipped from export: %s", reason)
					continue
				}
				fragment, err := commerceml.MarshalContainer(doc)
				if err != nil {
					report.SkippedIDs = append(report.SkippedIDs, order.ID)
					logger.FromContext(ctx).WithField(logger.FieldOrderID, order.ID).WithError(err).Error("Order could not be rendered")
					continue
				}
				report.ExportedIDs = append(report.ExportedIDs, order.ID)
				if !yield(fragment, nil) {
					return
				}
			}

			if len(batch) < e.cfg.BatchSize {
				break
			}
		}

		yield(commerceml.CloseRoot(), nil)
	}
}

// buildDocument maps an order to its document. A non-empty reason means the
// order cannot be exported.
func (e *OrderDocumentExporter) buildDocument(o *domain.Order) (commerceml.Document, string) {
	if len(o.Items) == 0 {
		return commerceml.Document{}, "no items"
	}

	items := make([]commerceml.Item, 0, len(o.Items))
	itemsTotal := decimal.Zero
	for i := range o.Items {
		it := &o.Items[i]
		if it.Variant == nil {
			return commerceml.Document{}, fmt.Sprintf("item %d references a missing variant", it.ID)
		}
		if strings.TrimSpace(it.Variant.ExternalID) == "" {
			return commerceml.Document{}, fmt.Sprintf("variant %d has no 1C id", it.Variant.ID)
		}
		name := it.ProductName
		if name == "" {
			name = it.Variant.Name
		}
		items = append(items, commerceml.Item{
			ID:        it.Variant.ExternalID,
			Name:      name,
			BaseUnit:  commerceml.PieceUnit(it.Variant.Unit),
			UnitPrice: it.Price.StringFixed(2),
			Quantity:  strconv.Itoa(it.Quantity),
			Sum:       it.Total().StringFixed(2),
			Requisites: []commerceml.Requisite{
				{Name: commerceml.NomenclatureKind, Value: commerceml.NomenclatureGood},
				{Name: commerceml.NomenclatureType, Value: commerceml.NomenclatureGood},
			},
		})
		itemsTotal = itemsTotal.Add(it.Total())
	}

	total := o.Total
	if total.IsZero() {
		total = itemsTotal
	}
	created := o.CreatedAt.In(e.cfg.Location)

	return commerceml.Document{
		ID:             OrderIDPrefix + strconv.FormatUint(uint64(o.ID), 10),
		Number:         o.Number,
		Date:           created.Format(commerceml.DateLayout),
		Operation:      commerceml.OperationOrder,
		Role:           commerceml.RoleSeller,
		Currency:       commerceml.CurrencyRUB,
		Rate:           "1",
		Sum:            total.StringFixed(2),
		Counterparties: []commerceml.Counterparty{e.counterparty(o)},
		Time:           created.Format(commerceml.TimeLayout),
		Comment:        o.Comment,
		Items:          items,
		Requisites:     e.requisites(o),
	}, ""
}

func (e *OrderDocumentExporter) counterparty(o *domain.Order) commerceml.Counterparty {
	if !o.IsGuest() {
		u := o.User
		name := u.FullName()
		if u.CompanyName != "" {
			name = u.CompanyName
		}
		if name == "" {
			name = u.Login
		}
		cp := commerceml.Counterparty{
			ID:           CounterpartyID(u),
			Name:         name,
			FullName:     name,
			OfficialName: u.CompanyName,
			Role:         commerceml.RoleBuyer,
			LastName:     u.LastName,
			FirstName:    u.FirstName,
			MiddleName:   u.MiddleName,
			INN:          u.INN,
			KPP:          u.KPP,
			Contacts:     contacts(firstNonEmpty(u.Email, o.Email), firstNonEmpty(u.Phone, o.Phone)),
		}
		if u.LegalAddress != "" {
			cp.RegistrationAddress = &commerceml.Address{Presentation: u.LegalAddress}
		} else if o.DeliveryAddress != "" {
			cp.RegistrationAddress = &commerceml.Address{Presentation: o.DeliveryAddress}
		}
		return cp
	}

	name := o.CustomerName()
	if name == "" {
		name = firstNonEmpty(o.Email, o.Phone, "Гость")
	}
	cp := commerceml.Counterparty{
		ID:        guestCounterpartyID(o),
		Name:      name,
		FullName:  name,
		Role:      commerceml.RoleBuyer,
		LastName:  o.LastName,
		FirstName: o.FirstName,
		Contacts:  contacts(o.Email, o.Phone),
	}
	if o.DeliveryAddress != "" {
		cp.RegistrationAddress = &commerceml.Address{Presentation: o.DeliveryAddress}
	}
	return cp
}

// CounterpartyID returns the id a registered customer is known by in 1C:
// the 1C id when assigned, else a UUIDv5 of the normalized e-mail, else the
// internal user id.
func CounterpartyID(u *domain.User) string {
	if id := strings.TrimSpace(u.OnecID); id != "" {
		return id
	}
	if email := normalizeEmail(u.Email); email != "" {
		return uuid.NewSHA1(counterpartyNamespace, []byte(email)).String()
	}
	return "user-" + strconv.FormatUint(uint64(u.ID), 10)
}

// guestCounterpartyID keeps repeat guests with the same e-mail on one counterparty.
func guestCounterpartyID(o *domain.Order) string {
	if email := normalizeEmail(o.Email); email != "" {
		return uuid.NewSHA1(counterpartyNamespace, []byte(email)).String()
	}
	return "guest-" + strconv.FormatUint(uint64(o.ID), 10)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func contacts(email, phone string) []commerceml.Contact {
	var out []commerceml.Contact
	if email = strings.TrimSpace(email); email != "" {
		out = append(out, commerceml.Contact{Type: commerceml.ContactEmail, Value: email})
	}
	if phone = strings.TrimSpace(phone); phone != "" {
		out = append(out, commerceml.Contact{Type: commerceml.ContactWorkPhone, Value: phone})
	}
	return out
}

func (e *OrderDocumentExporter) requisites(o *domain.Order) []commerceml.Requisite {
	status := o.Status
	deliveryAllowed := status.Priority() >= domain.OrderStatusConfirmed.Priority() && !status.IsTerminal()
	final := status.IsTerminal() || status == domain.OrderStatusDelivered

	return []commerceml.Requisite{
		{Name: commerceml.RequisitePaymentMethod, Value: o.PaymentMethod},
		{Name: commerceml.RequisitePaid, Value: strconv.FormatBool(o.PaidAt != nil)},
		{Name: commerceml.RequisiteDeliveryOK, Value: strconv.FormatBool(deliveryAllowed)},
		{Name: commerceml.RequisiteCancelled, Value: strconv.FormatBool(status == domain.OrderStatusCancelled)},
		{Name: commerceml.RequisiteFinal, Value: strconv.FormatBool(final)},
		{Name: commerceml.RequisiteOrderStatus, Value: status.VendorLabel()},
		{Name: commerceml.RequisiteStatusChanged, Value: commerceml.FormatDateTime(o.UpdatedAt.In(e.cfg.Location))},
		{Name: commerceml.RequisiteSite, Value: e.cfg.SiteName},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
