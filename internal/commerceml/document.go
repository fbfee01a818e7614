// Package commerceml holds the CommerceML vocabulary exchanged with 1C:
// the outbound order document types and the hardened inbound parser.
package commerceml

import (
	"encoding/xml"
	"strings"
)

// RootElement is the name of the document root.
const RootElement = "КоммерческаяИнформация"

// Fixed values of outbound order documents.
const (
	OperationOrder   = "Заказ товара"
	RoleSeller       = "Продавец"
	RoleBuyer        = "Покупатель"
	CurrencyRUB      = "RUB"
	ContactEmail     = "Электронная почта"
	ContactWorkPhone = "Телефон рабочий"
	UnitCodePiece    = "796"
	UnitNamePiece    = "Штука"
	UnitIntlPiece    = "PCE"
	UnitShortPiece   = "шт"
	NomenclatureKind = "ВидНоменклатуры"
	NomenclatureType = "ТипНоменклатуры"
	NomenclatureGood = "Товар"
)

// Requisite names read from and written to order documents.
const (
	RequisiteOrderStatus   = "Статус заказа"
	RequisiteStatus        = "Статус"
	RequisiteCancelled     = "Отменен"
	RequisitePaidAt        = "Дата оплаты по 1С"
	RequisiteShippedAt     = "Дата отгрузки по 1С"
	RequisitePaymentMethod = "Метод оплаты"
	RequisitePaid          = "Заказ оплачен"
	RequisiteDeliveryOK    = "Доставка разрешена"
	RequisiteFinal         = "Финальный статус"
	RequisiteStatusChanged = "Дата изменения статуса"
	RequisiteSite          = "Сайт"
)

// CommercialInfo is the document root. Documents may appear directly under the
// root or wrapped in Контейнер elements; AllDocuments flattens both.
type CommercialInfo struct {
	XMLName       xml.Name    `xml:"КоммерческаяИнформация"`
	SchemaVersion string      `xml:"ВерсияСхемы,attr"`
	GeneratedAt   string      `xml:"ДатаФормирования,attr"`
	Containers    []Container `xml:"Контейнер"`
	Documents     []Document  `xml:"Документ"`
}

// AllDocuments returns every document in document order of the containers first,
// then the bare documents.
func (c *CommercialInfo) AllDocuments() []Document {
	docs := make([]Document, 0, len(c.Documents))
	for _, ct := range c.Containers {
		docs = append(docs, ct.Documents...)
	}
	return append(docs, c.Documents...)
}

// DocumentCount counts documents without copying them.
func (c *CommercialInfo) DocumentCount() int {
	n := len(c.Documents)
	for _, ct := range c.Containers {
		n += len(ct.Documents)
	}
	return n
}

// Container wraps the documents of one order.
type Container struct {
	XMLName   xml.Name   `xml:"Контейнер"`
	Documents []Document `xml:"Документ"`
}

// Document is one order document.
type Document struct {
	ID             string         `xml:"Ид"`
	Number         string         `xml:"Номер"`
	Date           string         `xml:"Дата"`
	Operation      string         `xml:"ХозОперация,omitempty"`
	Role           string         `xml:"Роль,omitempty"`
	Currency       string         `xml:"Валюта,omitempty"`
	Rate           string         `xml:"Курс,omitempty"`
	Sum            string         `xml:"Сумма,omitempty"`
	Counterparties []Counterparty `xml:"Контрагенты>Контрагент"`
	Time           string         `xml:"Время,omitempty"`
	Comment        string         `xml:"Комментарий,omitempty"`
	Items          []Item         `xml:"Товары>Товар"`
	Requisites     []Requisite    `xml:"ЗначенияРеквизитов>ЗначениеРеквизита"`
}

// Requisite returns the value of the named requisite. Names compare case-insensitively.
func (d *Document) Requisite(name string) (string, bool) {
	for _, r := range d.Requisites {
		if strings.EqualFold(strings.TrimSpace(r.Name), name) {
			return strings.TrimSpace(r.Value), true
		}
	}
	return "", false
}

// Counterparty is the buyer block of a document.
type Counterparty struct {
	ID                  string    `xml:"Ид"`
	Name                string    `xml:"Наименование"`
	FullName            string    `xml:"ПолноеНаименование,omitempty"`
	OfficialName        string    `xml:"ОфициальноеНаименование,omitempty"`
	Role                string    `xml:"Роль"`
	LastName            string    `xml:"Фамилия,omitempty"`
	FirstName           string    `xml:"Имя,omitempty"`
	MiddleName          string    `xml:"Отчество,omitempty"`
	INN                 string    `xml:"ИНН,omitempty"`
	KPP                 string    `xml:"КПП,omitempty"`
	RegistrationAddress *Address  `xml:"АдресРегистрации,omitempty"`
	Contacts            []Contact `xml:"Контакты>Контакт"`
}

// Address is a free-form address.
type Address struct {
	Presentation string `xml:"Представление"`
}

// Contact is one typed contact entry.
type Contact struct {
	Type  string `xml:"Тип"`
	Value string `xml:"Значение"`
}

// Item is one document line.
type Item struct {
	ID         string      `xml:"Ид"`
	Name       string      `xml:"Наименование"`
	BaseUnit   BaseUnit    `xml:"БазоваяЕдиница"`
	UnitPrice  string      `xml:"ЦенаЗаЕдиницу"`
	Quantity   string      `xml:"Количество"`
	Sum        string      `xml:"Сумма"`
	Requisites []Requisite `xml:"ЗначенияРеквизитов>ЗначениеРеквизита"`
}

// BaseUnit is the OKEI unit of an item.
type BaseUnit struct {
	Code     string `xml:"Код,attr"`
	FullName string `xml:"НаименованиеПолное,attr"`
	IntlName string `xml:"МеждународноеСокращение,attr"`
	Value    string `xml:",chardata"`
}

// PieceUnit returns the unit used for every exported line.
func PieceUnit(short string) BaseUnit {
	if short == "" {
		short = UnitShortPiece
	}
	return BaseUnit{Code: UnitCodePiece, FullName: UnitNamePiece, IntlName: UnitIntlPiece, Value: short}
}

// Requisite is a name/value attribute pair.
type Requisite struct {
	Name  string `xml:"Наименование"`
	Value string `xml:"Значение"`
}
