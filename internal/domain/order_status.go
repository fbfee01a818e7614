package domain

import "strings"

// OrderStatus is the internal order lifecycle state.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusRefunded   OrderStatus = "refunded"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// statusPriority ranks statuses; reconciliation never moves an order to a lower rank.
var statusPriority = map[OrderStatus]int{
	OrderStatusPending:    1,
	OrderStatusConfirmed:  2,
	OrderStatusProcessing: 3,
	OrderStatusShipped:    4,
	OrderStatusDelivered:  5,
	OrderStatusRefunded:   6,
	OrderStatusCancelled:  7,
}

// Priority returns the rank of the status, 0 for unknown values.
func (s OrderStatus) Priority() int {
	return statusPriority[s]
}

// IsTerminal reports whether the status closes the order for good.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

// IsValid reports whether s is a known status.
func (s OrderStatus) IsValid() bool {
	_, ok := statusPriority[s]
	return ok
}

// CanTransition applies the forward-only rule to a status change.
//
// A move is allowed when the target ranks at least as high as the current status.
// Cancellation is accepted from any non-terminal status regardless of rank. Moving
// between two different terminal statuses (refunded <-> cancelled) is never allowed.
// Only cancellation gets the override: new terminal statuses must not inherit it.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() && to.IsTerminal() {
		return false
	}
	if to == OrderStatusCancelled {
		return true
	}
	return to.Priority() >= from.Priority()
}

// vendorLabels maps normalized 1C status labels to internal statuses.
var vendorLabels = map[string]OrderStatus{
	"новый":              OrderStatusPending,
	"ожидает обработки":  OrderStatusPending,
	"принят":             OrderStatusPending,
	"подтвержден":        OrderStatusConfirmed,
	"согласован":         OrderStatusConfirmed,
	"в обработке":        OrderStatusProcessing,
	"в работе":           OrderStatusProcessing,
	"собран":             OrderStatusProcessing,
	"к отгрузке":         OrderStatusProcessing,
	"отгружен":           OrderStatusShipped,
	"передан в доставку": OrderStatusShipped,
	"в пути":             OrderStatusShipped,
	"доставлен":          OrderStatusDelivered,
	"выполнен":           OrderStatusDelivered,
	"закрыт":             OrderStatusDelivered,
	"возврат":            OrderStatusRefunded,
	"возвращен":          OrderStatusRefunded,
	"отменен":            OrderStatusCancelled,
	"отмена":             OrderStatusCancelled,
	"аннулирован":        OrderStatusCancelled,
}

// exportLabels is the label sent to 1C for each internal status.
var exportLabels = map[OrderStatus]string{
	OrderStatusPending:    "Новый",
	OrderStatusConfirmed:  "Подтвержден",
	OrderStatusProcessing: "В обработке",
	OrderStatusShipped:    "Отгружен",
	OrderStatusDelivered:  "Доставлен",
	OrderStatusRefunded:   "Возврат",
	OrderStatusCancelled:  "Отменен",
}

// StatusFromVendorLabel maps a 1C status label to an internal status.
// Internal status names are accepted as well.
func StatusFromVendorLabel(label string) (OrderStatus, bool) {
	norm := normalizeLabel(label)
	if norm == "" {
		return "", false
	}
	if st, ok := vendorLabels[norm]; ok {
		return st, true
	}
	if st := OrderStatus(norm); st.IsValid() {
		return st, true
	}
	return "", false
}

// VendorLabel returns the 1C label for the status.
func (s OrderStatus) VendorLabel() string {
	if label, ok := exportLabels[s]; ok {
		return label
	}
	return string(s)
}

func normalizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	label = strings.ReplaceAll(label, "ё", "е")
	return strings.Join(strings.Fields(label), " ")
}
