package commerceml

import (
	"fmt"
	"strings"
	"time"
)

// Layouts of dates and times in documents.
const (
	DateLayout     = "2006-01-02"
	TimeLayout     = "15:04:05"
	DateTimeLayout = "2006-01-02T15:04:05"
)

var parseLayouts = []string{
	time.RFC3339,
	DateTimeLayout,
	"2006-01-02 15:04:05",
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	DateLayout,
	"02.01.2006",
}

// FormatDateTime renders t in the document date-time layout, in t's own zone.
func FormatDateTime(t time.Time) string {
	return t.Format(DateTimeLayout)
}

// ParseDateTime parses the timestamps 1C writes. Values without a zone are read
// in loc.
func ParseDateTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range parseLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
