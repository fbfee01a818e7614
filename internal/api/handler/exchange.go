package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/exchange1c/internal/exchange"
	"github.com/timmy/exchange1c/internal/logger"
)

// ExchangeHandler serves the 1C exchange endpoint.
type ExchangeHandler struct {
	protocol *exchange.Protocol
}

// NewExchangeHandler creates a new exchange handler.
func NewExchangeHandler(protocol *exchange.Protocol) *ExchangeHandler {
	return &ExchangeHandler{protocol: protocol}
}

// Handle handles GET and POST /1c_exchange.
// The body is passed through unread so uploads are streamed to disk.
func (h *ExchangeHandler) Handle(c *gin.Context) {
	ctx := logger.SetComponent(c.Request.Context(), "exchange")
	req := exchange.NewHTTPRequest(c.Request, h.protocol.CookieName())

	resp := h.protocol.Handle(ctx, req)
	if err := resp.Write(c.Writer); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to write exchange response")
	}
}
