package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/timmy/exchange1c/internal/domain"
	"github.com/timmy/exchange1c/internal/logger"
	"github.com/timmy/exchange1c/internal/repository"
	"github.com/timmy/exchange1c/internal/service"
	"github.com/timmy/exchange1c/internal/telemetry"
	"gorm.io/gorm"
)

// Protocol modes.
const (
	ModeCheckAuth = "checkauth"
	ModeInit      = "init"
	ModeFile      = "file"
	ModeImport    = "import"
	ModeQuery     = "query"
	ModeSuccess   = "success"
)

// UserLookup loads exchange accounts.
type UserLookup interface {
	GetByLogin(ctx context.Context, login string) (*domain.User, error)
}

// RateLimiter throttles requests per authenticated login.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Config holds the protocol settings announced to and enforced on 1C.
type Config struct {
	Files          service.FileStreamConfig
	Zip            bool
	CatalogVersion string
	SaleVersion    string
	CookieName     string
	OrdersFilename string
	ChunkSize      int
}

// Dependencies are the collaborators of Protocol. Limiter may be nil.
type Dependencies struct {
	Users      UserLookup
	Sessions   *RedisSessionStore
	Imports    *service.ExchangeSessionStore
	Exporter   *service.OrderDocumentExporter
	Orders     *repository.OrderRepository
	Reconciler *service.OrderStatusReconciler
	Limiter    RateLimiter
}

// Protocol serves the 1C exchange dialogue. Every mode is handled from the
// request alone: state lives in Redis, the database and the upload directory.
type Protocol struct {
	cfg  Config
	deps Dependencies
	now  func() time.Time
}

// NewProtocol creates a new Protocol.
func NewProtocol(cfg Config, deps Dependencies) *Protocol {
	if cfg.CookieName == "" {
		cfg.CookieName = "sessionid"
	}
	if cfg.OrdersFilename == "" {
		cfg.OrdersFilename = "orders.xml"
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 64 * 1024
	}
	if cfg.CatalogVersion == "" {
		cfg.CatalogVersion = "3.1"
	}
	if cfg.SaleVersion == "" {
		cfg.SaleVersion = "2.10"
	}
	return &Protocol{cfg: cfg, deps: deps, now: time.Now}
}

// CookieName is the name of the session cookie.
func (p *Protocol) CookieName() string {
	return p.cfg.CookieName
}

// Handle dispatches req by its mode parameter.
func (p *Protocol) Handle(ctx context.Context, req Request) *Response {
	mode := strings.ToLower(strings.TrimSpace(req.QueryParam("mode")))
	ctx = logger.SetMode(ctx, mode)
	start := time.Now()

	var resp *Response
	switch mode {
	case ModeCheckAuth:
		resp = p.checkAuth(ctx, req)
	case ModeInit:
		resp = p.withSession(ctx, req, p.init)
	case ModeFile:
		resp = p.file(ctx, req)
	case ModeImport:
		resp = p.withSession(ctx, req, p.importFile)
	case ModeQuery:
		resp = p.withSession(ctx, req, p.query)
	case ModeSuccess:
		resp = p.withSession(ctx, req, p.success)
	default:
		resp = failure(http.StatusOK, "Unknown mode: "+mode)
	}

	result := outcome(resp)
	telemetry.ExchangeRequests.WithLabelValues(mode, result).Inc()
	logger.With(nil).Since(start).HTTPStatus(resp.Status).Outcome(result).Info(ctx, "Exchange %s: %s", mode, result)
	return resp
}

func outcome(resp *Response) string {
	switch {
	case resp.Status == http.StatusTooManyRequests:
		return "rate_limited"
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		return "denied"
	case resp.Status >= http.StatusInternalServerError:
		return "error"
	case strings.HasPrefix(resp.Body, "failure"):
		return "failure"
	default:
		return "success"
	}
}

func (p *Protocol) checkAuth(ctx context.Context, req Request) *Response {
	login, password, ok := req.BasicAuth()
	if !ok || login == "" {
		return failure(http.StatusUnauthorized, "Authentication required")
	}
	user, err := p.deps.Users.GetByLogin(ctx, login)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !user.CheckPassword(password)) {
		logger.CtxWarn(ctx, "Exchange authentication failed for %q", login)
		return failure(http.StatusUnauthorized, "Invalid credentials")
	}
	if err != nil {
		return p.internalError(ctx, "load user", err)
	}
	if resp := p.authorize(ctx, user); resp != nil {
		return resp
	}

	sessid, err := p.deps.Sessions.Establish(ctx, user.Login)
	if err != nil {
		return p.internalError(ctx, "establish session", err)
	}
	logger.CtxInfo(logger.SetSessionKey(ctx, sessid), "Exchange session established for %s", user.Login)

	resp := success(p.cfg.CookieName, sessid)
	resp.Cookie = &http.Cookie{Name: p.cfg.CookieName, Value: sessid, Path: "/", HttpOnly: true}
	return resp
}

// authorize checks the exchange capability and the rate limit of user.
func (p *Protocol) authorize(ctx context.Context, user *domain.User) *Response {
	if !user.CanExchange1C {
		logger.CtxWarn(ctx, "User %s lacks the exchange permission", user.Login)
		return failure(http.StatusForbidden, "Permission denied")
	}
	if p.deps.Limiter == nil {
		return nil
	}
	allowed, _, err := p.deps.Limiter.Allow(ctx, user.Login)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Rate limiter unavailable, letting request through")
		return nil
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		return failure(http.StatusTooManyRequests, "Too many requests")
	}
	return nil
}

// sessionID prefers an explicit sessid parameter over the cookie.
func sessionID(req Request) string {
	if id := strings.TrimSpace(req.QueryParam("sessid")); id != "" {
		return id
	}
	return req.SessionIdentifier()
}

type sessionHandler func(ctx context.Context, req Request, sessid string) *Response

func (p *Protocol) withSession(ctx context.Context, req Request, next sessionHandler) *Response {
	sessid := sessionID(req)
	ctx, resp := p.authenticate(ctx, sessid)
	if resp != nil {
		return resp
	}
	return next(ctx, req, sessid)
}

// authenticate resolves sessid to an authorized user. A non-nil response
// means the request must stop there.
func (p *Protocol) authenticate(ctx context.Context, sessid string) (context.Context, *Response) {
	if sessid == "" {
		return ctx, failure(http.StatusUnauthorized, "No session")
	}
	ctx = logger.SetSessionKey(ctx, sessid)

	login, err := p.deps.Sessions.Resolve(ctx, sessid)
	if errors.Is(err, ErrNoSession) {
		return ctx, failure(http.StatusUnauthorized, "No session")
	}
	if err != nil {
		return ctx, p.internalError(ctx, "resolve session", err)
	}

	user, err := p.deps.Users.GetByLogin(ctx, login)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if rerr := p.deps.Sessions.Revoke(ctx, sessid); rerr != nil {
			logger.FromContext(ctx).WithError(rerr).Warn("Failed to revoke orphaned session")
		}
		return ctx, failure(http.StatusUnauthorized, "No session")
	}
	if err != nil {
		return ctx, p.internalError(ctx, "load user", err)
	}
	ctx = logger.WithField(ctx, logger.FieldUserID, user.ID)
	return ctx, p.authorize(ctx, user)
}

func (p *Protocol) init(ctx context.Context, req Request, sessid string) *Response {
	files, err := service.NewFileStreamService(p.cfg.Files, sessid)
	if err != nil {
		return failure(http.StatusOK, "Invalid session id")
	}
	if files.IsComplete() {
		p.cleanupCycle(ctx, files, sessid)
	}

	version := p.cfg.CatalogVersion
	if strings.EqualFold(req.QueryParam("type"), "sale") {
		version = p.cfg.SaleVersion
	}
	zip := "no"
	if p.cfg.Zip {
		zip = "yes"
	}
	return textResponse(http.StatusOK,
		"zip="+zip,
		fmt.Sprintf("file_limit=%d", files.FileLimit()),
		"sessid="+sessid,
		"version="+version,
	)
}

// cleanupCycle removes the files of a finished cycle unless an import of the
// session is still queued for them.
func (p *Protocol) cleanupCycle(ctx context.Context, files *service.FileStreamService, sessid string) {
	active, err := p.deps.Imports.HasActiveImports(ctx, sessid)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to check pending imports, cleanup skipped")
		return
	}
	if active {
		logger.CtxInfo(ctx, "Imports of the previous cycle still pending, cleanup skipped")
		return
	}
	removed, err := files.CleanupSession(false)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to clean up finished upload cycle")
		return
	}
	logger.CtxInfo(ctx, "Removed %d files of the previous exchange cycle", removed)
}

func (p *Protocol) importFile(ctx context.Context, req Request, sessid string) *Response {
	filename, err := service.SanitizeFilename(req.QueryParam("filename"))
	if err != nil {
		return failure(http.StatusOK, "Missing session or filename")
	}
	return p.startImport(ctx, sessid, filename)
}

func (p *Protocol) startImport(ctx context.Context, sessid, filename string) *Response {
	res, err := p.deps.Imports.EnsureImport(ctx, sessid, filename)
	if errors.Is(err, service.ErrQueueUnavailable) {
		return failure(http.StatusOK, "Import queue unavailable")
	}
	if err != nil {
		return p.internalError(ctx, "start import", err)
	}
	if res.Session != nil && !res.Created {
		logger.CtxInfo(ctx, "Import of %s already running as session %d", filename, res.Session.ID)
	}
	return success()
}

func (p *Protocol) internalError(ctx context.Context, op string, err error) *Response {
	logger.FromContext(ctx).WithError(err).Errorf("Exchange request failed: %s", op)
	return failure(http.StatusInternalServerError, "Internal error")
}

// failureFor renders the protocol failure of an upload error.
func (p *Protocol) failureFor(ctx context.Context, err error) *Response {
	switch {
	case errors.Is(err, service.ErrPayloadTooLarge):
		return failure(http.StatusOK, "File too large")
	case errors.Is(err, service.ErrIncomplete):
		return failure(http.StatusOK, capitalize(err.Error()))
	case errors.Is(err, service.ErrUnsafeFilename):
		return failure(http.StatusOK, "Invalid filename")
	case errors.Is(err, service.ErrTooManyDocuments):
		return failure(http.StatusOK, "Too many documents")
	case errors.Is(err, service.ErrStaleDocument):
		return failure(http.StatusOK, "Stale document")
	case isMalformed(err):
		return failure(http.StatusOK, "Malformed XML")
	case isLockTimeout(err):
		return failure(http.StatusOK, "File is busy, retry later")
	default:
		return p.internalError(ctx, "upload", err)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
