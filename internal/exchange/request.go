package exchange

import (
	"errors"
	"io"
	"net/http"
	"strings"
)

// Request is what the protocol needs from an inbound call. Implementations
// adapt a concrete web framework request.
type Request interface {
	// ReadChunk returns up to max body bytes. It returns io.EOF, possibly
	// together with the final bytes, once the body is exhausted.
	ReadChunk(max int) ([]byte, error)
	// DeclaredLength is the advertised body length, or -1 when unknown.
	DeclaredLength() int64
	// SessionIdentifier is the session id carried by the session cookie.
	SessionIdentifier() string
	QueryParam(name string) string
	BasicAuth() (login, password string, ok bool)
}

// Response is a protocol reply. Exactly one of Body and Stream is used.
type Response struct {
	Status      int
	ContentType string
	Body        string
	Stream      func(w io.Writer) error
	Cookie      *http.Cookie
}

const (
	contentTypeText = "text/plain; charset=utf-8"
	contentTypeXML  = "application/xml; charset=utf-8"
)

func textResponse(status int, lines ...string) *Response {
	return &Response{
		Status:      status,
		ContentType: contentTypeText,
		Body:        strings.Join(lines, "\n"),
	}
}

func success(lines ...string) *Response {
	return textResponse(http.StatusOK, append([]string{"success"}, lines...)...)
}

func failure(status int, reason string) *Response {
	return textResponse(status, "failure", reason)
}

// WriteBody writes the body of r to w.
func (r *Response) WriteBody(w io.Writer) error {
	if r.Stream != nil {
		return r.Stream(w)
	}
	_, err := io.WriteString(w, r.Body)
	return err
}

// Write sends r through an http.ResponseWriter.
func (r *Response) Write(w http.ResponseWriter) error {
	if r.Cookie != nil {
		http.SetCookie(w, r.Cookie)
	}
	w.Header().Set("Content-Type", r.ContentType)
	w.WriteHeader(r.Status)
	return r.WriteBody(w)
}

// HTTPRequest adapts *http.Request.
type HTTPRequest struct {
	req        *http.Request
	cookieName string
}

// NewHTTPRequest wraps req; the session cookie is looked up by cookieName.
func NewHTTPRequest(req *http.Request, cookieName string) *HTTPRequest {
	return &HTTPRequest{req: req, cookieName: cookieName}
}

// ReadChunk implements Request.
func (r *HTTPRequest) ReadChunk(max int) ([]byte, error) {
	if r.req.Body == nil {
		return nil, io.EOF
	}
	buf := make([]byte, max)
	n, err := io.ReadFull(r.req.Body, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return buf[:n], err
}

// DeclaredLength implements Request.
func (r *HTTPRequest) DeclaredLength() int64 {
	return r.req.ContentLength
}

// SessionIdentifier implements Request.
func (r *HTTPRequest) SessionIdentifier() string {
	c, err := r.req.Cookie(r.cookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// QueryParam implements Request.
func (r *HTTPRequest) QueryParam(name string) string {
	return r.req.URL.Query().Get(name)
}

// BasicAuth implements Request.
func (r *HTTPRequest) BasicAuth() (string, string, bool) {
	return r.req.BasicAuth()
}
