package commerceml

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// Declaration is the XML declaration that opens every outbound document.
const Declaration = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// OpenRoot renders the root start tag.
func OpenRoot(schemaVersion string, generatedAt time.Time) string {
	var b strings.Builder
	b.WriteString("<" + RootElement + ` ВерсияСхемы="`)
	_ = xml.EscapeText(&b, []byte(schemaVersion))
	b.WriteString(`" ДатаФормирования="`)
	b.WriteString(FormatDateTime(generatedAt))
	b.WriteString(`">` + "\n")
	return b.String()
}

// CloseRoot renders the root end tag.
func CloseRoot() string {
	return "</" + RootElement + ">\n"
}

// MarshalContainer renders one document wrapped in its Контейнер element.
func MarshalContainer(doc Document) (string, error) {
	out, err := xml.MarshalIndent(Container{Documents: []Document{doc}}, "  ", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal document %s: %w", doc.ID, err)
	}
	return "  " + string(out) + "\n", nil
}
