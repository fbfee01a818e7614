package commerceml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// ErrMalformedDocument is returned for input that is not a well-formed,
// DTD-free CommerceML document.
var ErrMalformedDocument = errors.New("malformed document")

// MaxDepth bounds element nesting. CommerceML documents stay below a dozen levels.
const MaxDepth = 64

// Parse decodes a CommerceML document.
//
// The decoder runs in strict mode with only the predefined XML entities, and any
// DOCTYPE declaration is rejected before the body is decoded, so neither entity
// expansion nor external entities are reachable. Non UTF-8 documents are decoded
// through the charset named in the XML declaration. Nesting beyond MaxDepth is
// rejected before decoding.
func Parse(data []byte) (*CommercialInfo, error) {
	if err := CheckWellFormed(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	d := newDecoder(bytes.NewReader(data))

	for {
		tok, err := d.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: no root element", ErrMalformedDocument)
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}

		switch t := tok.(type) {
		case xml.Directive:
			if isDoctype(t) {
				return nil, fmt.Errorf("%w: DOCTYPE is not allowed", ErrMalformedDocument)
			}
		case xml.StartElement:
			if t.Name.Local != RootElement {
				return nil, fmt.Errorf("%w: unexpected root element %q", ErrMalformedDocument, t.Name.Local)
			}
			var info CommercialInfo
			if err := d.DecodeElement(&info, &t); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
			}
			if err := ensureNoTrailingElements(d); err != nil {
				return nil, err
			}
			return &info, nil
		}
	}
}

// CheckWellFormed walks the whole token stream of r without building a tree.
// Used for uploads whose content is not interpreted by this service.
func CheckWellFormed(r io.Reader) error {
	d := newDecoder(r)
	seenRoot := false
	depth := 0
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			if !seenRoot {
				return fmt.Errorf("%w: no root element", ErrMalformedDocument)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
		switch t := tok.(type) {
		case xml.Directive:
			if isDoctype(t) {
				return fmt.Errorf("%w: DOCTYPE is not allowed", ErrMalformedDocument)
			}
		case xml.StartElement:
			seenRoot = true
			depth++
			if depth > MaxDepth {
				return fmt.Errorf("%w: nesting deeper than %d", ErrMalformedDocument, MaxDepth)
			}
		case xml.EndElement:
			depth--
		}
	}
}

func newDecoder(r io.Reader) *xml.Decoder {
	d := xml.NewDecoder(r)
	d.Strict = true
	d.Entity = nil
	d.CharsetReader = charsetReader
	return d
}

func isDoctype(d xml.Directive) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(string(d))), "DOCTYPE")
}

func ensureNoTrailingElements(d *xml.Decoder) error {
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
		switch tok.(type) {
		case xml.StartElement, xml.Directive:
			return fmt.Errorf("%w: content after root element", ErrMalformedDocument)
		}
	}
}

// charsetReader resolves labels such as windows-1251 or cp1251.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", label, err)
	}
	return enc.NewDecoder().Reader(input), nil
}
