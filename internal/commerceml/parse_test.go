package commerceml

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

const statusDoc = `<?xml version="1.0" encoding="UTF-8"?>
<КоммерческаяИнформация ВерсияСхемы="2.10" ДатаФормирования="2026-03-01T12:30:00">
  <Контейнер>
    <Документ>
      <Ид>order-42</Ид>
      <Номер>SO-42</Номер>
      <Дата>2026-03-01</Дата>
      <ЗначенияРеквизитов>
        <ЗначениеРеквизита><Наименование>Статус заказа</Наименование><Значение>Отгружен</Значение></ЗначениеРеквизита>
        <ЗначениеРеквизита><Наименование>Дата отгрузки по 1С</Наименование><Значение>2026-03-01T11:00:00</Значение></ЗначениеРеквизита>
        <ЗначениеРеквизита><Наименование>Склад</Наименование><Значение>Основной</Значение></ЗначениеРеквизита>
      </ЗначенияРеквизитов>
    </Документ>
  </Контейнер>
  <Документ>
    <Ид>abc</Ид>
    <Номер>SO-43</Номер>
  </Документ>
</КоммерческаяИнформация>`

func TestParse_StatusDocument(t *testing.T) {
	info, err := Parse([]byte(statusDoc))
	require.NoError(t, err)

	assert.Equal(t, "2.10", info.SchemaVersion)
	assert.Equal(t, "2026-03-01T12:30:00", info.GeneratedAt)
	assert.Equal(t, 2, info.DocumentCount())

	docs := info.AllDocuments()
	require.Len(t, docs, 2)
	assert.Equal(t, "order-42", docs[0].ID)
	assert.Equal(t, "SO-42", docs[0].Number)

	status, ok := docs[0].Requisite("статус заказа")
	assert.True(t, ok)
	assert.Equal(t, "Отгружен", status)

	_, ok = docs[1].Requisite(RequisiteOrderStatus)
	assert.False(t, ok)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"not xml", "hello"},
		{"unclosed", `<КоммерческаяИнформация><Документ>`},
		{"wrong root", `<root/>`},
		{"doctype", `<?xml version="1.0"?><!DOCTYPE lolz [<!ENTITY lol "lol">]><КоммерческаяИнформация/>`},
		{"external entity", `<?xml version="1.0"?><!DOCTYPE x [<!ENTITY xxe SYSTEM "file:///etc/passwd">]><КоммерческаяИнформация>&xxe;</КоммерческаяИнформация>`},
		{"undeclared entity", `<КоммерческаяИнформация><Документ><Ид>&lol;</Ид></Документ></КоммерческаяИнформация>`},
		{"trailing element", `<КоммерческаяИнформация/><КоммерческаяИнформация/>`},
		{"too deep", nested("КоммерческаяИнформация", MaxDepth)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrMalformedDocument)
		})
	}
}

func TestParse_Windows1251(t *testing.T) {
	body := `<?xml version="1.0" encoding="windows-1251"?>
<КоммерческаяИнформация ВерсияСхемы="2.10"><Документ><Ид>order-1</Ид><ЗначенияРеквизитов><ЗначениеРеквизита><Наименование>Статус заказа</Наименование><Значение>Доставлен</Значение></ЗначениеРеквизита></ЗначенияРеквизитов></Документ></КоммерческаяИнформация>`
	encoded, err := charmap.Windows1251.NewEncoder().String(body)
	require.NoError(t, err)

	info, err := Parse([]byte(encoded))
	require.NoError(t, err)
	docs := info.AllDocuments()
	require.Len(t, docs, 1)
	status, _ := docs[0].Requisite(RequisiteOrderStatus)
	assert.Equal(t, "Доставлен", status)
}

// nested wraps root around depth levels of <a> elements.
func nested(root string, depth int) string {
	return "<" + root + ">" + strings.Repeat("<a>", depth) + strings.Repeat("</a>", depth) + "</" + root + ">"
}

func TestCheckWellFormed_Depth(t *testing.T) {
	assert.NoError(t, CheckWellFormed(strings.NewReader(nested("Каталог", MaxDepth-1))))
	assert.ErrorIs(t, CheckWellFormed(strings.NewReader(nested("Каталог", MaxDepth))), ErrMalformedDocument)
}

func TestCheckWellFormed(t *testing.T) {
	assert.NoError(t, CheckWellFormed(strings.NewReader(`<?xml version="1.0"?><Каталог><Товар/></Каталог>`)))
	assert.ErrorIs(t, CheckWellFormed(strings.NewReader(`<Каталог><Товар></Каталог>`)), ErrMalformedDocument)
	assert.ErrorIs(t, CheckWellFormed(strings.NewReader(``)), ErrMalformedDocument)
	assert.ErrorIs(t, CheckWellFormed(strings.NewReader(`<!DOCTYPE a><a/>`)), ErrMalformedDocument)
}

func TestMarshalContainer(t *testing.T) {
	doc := Document{
		ID:        "order-7",
		Number:    "SO-7",
		Date:      "2026-03-01",
		Operation: OperationOrder,
		Role:      RoleSeller,
		Currency:  CurrencyRUB,
		Rate:      "1",
		Sum:       "300.00",
		Counterparties: []Counterparty{{
			ID:       "user-1",
			Name:     "Петров Иван",
			Role:     RoleBuyer,
			Contacts: []Contact{{Type: ContactEmail, Value: "a&b@example.com"}},
		}},
		Time: "10:00:00",
		Items: []Item{{
			ID:        "variant-1",
			Name:      "Ручка",
			BaseUnit:  PieceUnit(""),
			UnitPrice: "100.00",
			Quantity:  "3",
			Sum:       "300.00",
		}},
		Requisites: []Requisite{{Name: RequisiteSite, Value: "shop"}},
	}

	out, err := MarshalContainer(doc)
	require.NoError(t, err)

	assert.Contains(t, out, "<Контейнер>")
	assert.Contains(t, out, "<ХозОперация>Заказ товара</ХозОперация>")
	assert.Contains(t, out, `<БазоваяЕдиница Код="796" НаименованиеПолное="Штука" МеждународноеСокращение="PCE">шт</БазоваяЕдиница>`)
	assert.Contains(t, out, "<Значение>a&amp;b@example.com</Значение>")
	assert.NotContains(t, out, "<Комментарий>")

	// the rendered fragment parses back inside a root element
	full := Declaration + OpenRoot("2.10", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) + out + CloseRoot()
	info, err := Parse([]byte(full))
	require.NoError(t, err)
	require.Equal(t, 1, info.DocumentCount())
	assert.Equal(t, "2026-03-01T12:00:00", info.GeneratedAt)
	assert.Equal(t, "order-7", info.AllDocuments()[0].ID)
}

func TestParseDateTime(t *testing.T) {
	loc := time.FixedZone("MSK", 3*3600)

	got, err := ParseDateTime("2026-03-01T12:30:00", loc)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 3, 1, 12, 30, 0, 0, loc)))

	got, err = ParseDateTime("01.03.2026 12:30:00", loc)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)))

	got, err = ParseDateTime("2026-03-01T12:30:00Z", loc)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)))

	_, err = ParseDateTime("yesterday", loc)
	assert.Error(t, err)
}
