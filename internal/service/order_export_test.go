package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/exchange1c/internal/commerceml"
	"github.com/timmy/exchange1c/internal/domain"
	"github.com/timmy/exchange1c/internal/repository"
	"github.com/timmy/exchange1c/internal/testutil"
	"gorm.io/gorm"
)

func newTestExporter(t *testing.T, batch int) (*OrderDocumentExporter, *repository.OrderRepository, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	orders := repository.NewOrderRepository(db)
	exp := NewOrderDocumentExporter(orders, ExporterConfig{
		SchemaVersion: "2.10",
		Location:      time.FixedZone("MSK", 3*3600),
		BatchSize:     batch,
		SiteName:      "shop.example",
	})
	return exp, orders, db
}

func collect(t *testing.T, exp *OrderDocumentExporter, report *ExportReport) []string {
	t.Helper()
	var out []string
	for fragment, err := range exp.Export(context.Background(), report) {
		require.NoError(t, err)
		out = append(out, fragment)
	}
	return out
}

func documentFragments(fragments []string) []string {
	var docs []string
	for _, f := range fragments {
		if strings.Contains(f, "<Контейнер>") {
			docs = append(docs, f)
		}
	}
	return docs
}

func TestExport_EmptyDocument(t *testing.T) {
	exp, _, _ := newTestExporter(t, 10)

	fragments := collect(t, exp, nil)
	require.Len(t, fragments, 3)
	assert.Equal(t, commerceml.Declaration, fragments[0])
	assert.Contains(t, fragments[1], `ВерсияСхемы="2.10"`)
	assert.Equal(t, commerceml.CloseRoot(), fragments[2])

	_, err := commerceml.Parse([]byte(strings.Join(fragments, "")))
	require.NoError(t, err)
}

func TestExport_QueryThenMarkSentThenQuery(t *testing.T) {
	exp, orders, db := newTestExporter(t, 2)
	ctx := context.Background()

	v := testutil.SeedVariant(t, db, "c1-001", "Ручка")
	for _, n := range []string{"SO-1", "SO-2", "SO-3"} {
		testutil.SeedOrder(t, db, n, testutil.WithItem(v, 2, "50.00"))
	}

	report := &ExportReport{}
	docs := documentFragments(collect(t, exp, report))
	assert.Len(t, docs, 3)
	assert.Len(t, report.ExportedIDs, 3)
	assert.Empty(t, report.SkippedIDs)

	n, err := orders.MarkSent(ctx, report.ExportedIDs, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	again := &ExportReport{}
	assert.Empty(t, documentFragments(collect(t, exp, again)))
	assert.Empty(t, again.ExportedIDs)

	fresh := testutil.SeedOrder(t, db, "SO-4", testutil.WithItem(v, 1, "10.00"))
	latest := &ExportReport{}
	assert.Len(t, documentFragments(collect(t, exp, latest)), 1)
	assert.Equal(t, []uint{fresh.ID}, latest.ExportedIDs)
}

func TestExport_SkipsUnexportableOrders(t *testing.T) {
	exp, _, db := newTestExporter(t, 10)

	good := testutil.SeedVariant(t, db, "c1-001", "Ручка")
	noID := testutil.SeedVariant(t, db, "", "Без кода")
	deleted := testutil.SeedVariant(t, db, "c1-003", "Снят с продажи")
	require.NoError(t, db.Delete(deleted).Error)

	ok := testutil.SeedOrder(t, db, "SO-1", testutil.WithItem(good, 1, "10.00"))
	empty := testutil.SeedOrder(t, db, "SO-2")
	missing := testutil.SeedOrder(t, db, "SO-3", testutil.WithItem(good, 1, "10.00"), testutil.WithItem(noID, 1, "5.00"))
	gone := testutil.SeedOrder(t, db, "SO-4", testutil.WithItem(deleted, 1, "7.00"))

	report := &ExportReport{}
	docs := documentFragments(collect(t, exp, report))
	assert.Len(t, docs, 1)
	assert.Equal(t, []uint{ok.ID}, report.ExportedIDs)
	assert.ElementsMatch(t, []uint{empty.ID, missing.ID, gone.ID}, report.SkippedIDs)
}

func TestExport_DocumentContent(t *testing.T) {
	exp, _, db := newTestExporter(t, 10)

	v := testutil.SeedVariant(t, db, "c1-001", "Ручка")
	owner := testutil.SeedUser(t, db, "buyer", "secret", false)
	require.NoError(t, db.Model(owner).Updates(map[string]interface{}{"company_name": "ООО Ромашка", "inn": "7701234567"}).Error)
	order := testutil.SeedOrder(t, db, "SO-10", testutil.WithOwner(owner), testutil.WithItem(v, 3, "100.50"))
	created := time.Date(2026, 3, 1, 21, 30, 0, 0, time.UTC)
	require.NoError(t, db.Model(order).UpdateColumn("created_at", created).Error)

	fragments := collect(t, exp, nil)
	info, err := commerceml.Parse([]byte(strings.Join(fragments, "")))
	require.NoError(t, err)
	docs := info.AllDocuments()
	require.Len(t, docs, 1)
	doc := docs[0]

	assert.Equal(t, fmt.Sprintf("order-%d", order.ID), doc.ID)
	assert.Equal(t, "SO-10", doc.Number)
	// 21:30 UTC is 00:30 next day in MSK
	assert.Equal(t, "2026-03-02", doc.Date)
	assert.Equal(t, "00:30:00", doc.Time)
	assert.Equal(t, commerceml.OperationOrder, doc.Operation)
	assert.Equal(t, commerceml.RoleSeller, doc.Role)
	assert.Equal(t, commerceml.CurrencyRUB, doc.Currency)
	assert.Equal(t, "1", doc.Rate)
	assert.Equal(t, "301.50", doc.Sum)

	require.Len(t, doc.Counterparties, 1)
	cp := doc.Counterparties[0]
	assert.Equal(t, "ООО Ромашка", cp.Name)
	assert.Equal(t, "7701234567", cp.INN)
	assert.Equal(t, commerceml.RoleBuyer, cp.Role)
	assert.Equal(t, CounterpartyID(owner), cp.ID)
	require.NotEmpty(t, cp.Contacts)
	assert.Equal(t, commerceml.ContactEmail, cp.Contacts[0].Type)
	assert.Equal(t, "buyer@example.com", cp.Contacts[0].Value)

	require.Len(t, doc.Items, 1)
	item := doc.Items[0]
	assert.Equal(t, "c1-001", item.ID)
	assert.Equal(t, "796", item.BaseUnit.Code)
	assert.Equal(t, "шт", item.BaseUnit.Value)
	assert.Equal(t, "100.50", item.UnitPrice)
	assert.Equal(t, "3", item.Quantity)
	assert.Equal(t, "301.50", item.Sum)

	status, ok := doc.Requisite(commerceml.RequisiteOrderStatus)
	assert.True(t, ok)
	assert.Equal(t, "Новый", status)
	site, _ := doc.Requisite(commerceml.RequisiteSite)
	assert.Equal(t, "shop.example", site)
	paid, _ := doc.Requisite(commerceml.RequisitePaid)
	assert.Equal(t, "false", paid)
}

func TestExport_GuestCounterparty(t *testing.T) {
	exp, _, db := newTestExporter(t, 10)

	v := testutil.SeedVariant(t, db, "c1-001", "Ручка")
	testutil.SeedOrder(t, db, "SO-20", testutil.WithItem(v, 1, "10.00"))

	info, err := commerceml.Parse([]byte(strings.Join(collect(t, exp, nil), "")))
	require.NoError(t, err)
	cp := info.AllDocuments()[0].Counterparties[0]

	assert.Equal(t, "Смирнова Анна", cp.Name)
	assert.Equal(t, []commerceml.Contact{
		{Type: commerceml.ContactEmail, Value: "guest-SO-20@example.com"},
		{Type: commerceml.ContactWorkPhone, Value: "+79990000000"},
	}, cp.Contacts)
}

func TestExport_StopsWhenConsumerStops(t *testing.T) {
	exp, _, db := newTestExporter(t, 1)

	v := testutil.SeedVariant(t, db, "c1-001", "Ручка")
	testutil.SeedOrder(t, db, "SO-1", testutil.WithItem(v, 1, "10.00"))
	testutil.SeedOrder(t, db, "SO-2", testutil.WithItem(v, 1, "10.00"))

	report := &ExportReport{}
	n := 0
	for range exp.Export(context.Background(), report) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Len(t, report.ExportedIDs, 1)
}

// TestCounterpartyID verifies the id priority and that the same e-mail always maps to the same id
func TestCounterpartyID(t *testing.T) {
	withOnec := &domain.User{ID: 1, OnecID: "1c-guid", Email: "a@example.com"}
	assert.Equal(t, "1c-guid", CounterpartyID(withOnec))

	a := CounterpartyID(&domain.User{ID: 2, Email: "Buyer@Example.com "})
	b := CounterpartyID(&domain.User{ID: 3, Email: "buyer@example.com"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 36)

	c := CounterpartyID(&domain.User{ID: 4, Email: "other@example.com"})
	assert.NotEqual(t, a, c)

	assert.Equal(t, "user-5", CounterpartyID(&domain.User{ID: 5}))
}
