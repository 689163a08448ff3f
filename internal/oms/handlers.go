package oms

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dunmininu/oms-trading/internal/types"
	"github.com/dunmininu/oms-trading/pkg/response"
)

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func tenantFrom(c *gin.Context) string {
	return c.GetString("tenantID")
}

// SubmitOrderHandler handles POST requests to submit new orders.
// Idempotency is keyed on the canonical request payload, so a network
// retry of the same body replays the first response byte for byte.
func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := tenantFrom(c)
		if tenantID == "" {
			response.Unauthorized(c, "Missing tenant")
			return
		}

		var spec types.OrderSpec
		if err := c.ShouldBindJSON(&spec); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		body, err := h.service.SubmitOrder(c.Request.Context(), tenantID, tenantID, &spec)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Raw(c, body)
	}
}

// CancelOrderHandler handles POST requests to cancel an order.
// URL parameter: client_order_id. Body carries the expected version.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := tenantFrom(c)
		if tenantID == "" {
			response.Unauthorized(c, "Missing tenant")
			return
		}

		clientOrderID := c.Param("client_order_id")
		if clientOrderID == "" {
			response.BadRequest(c, "Client order ID is required")
			return
		}

		var req types.CancelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		body, err := h.service.CancelOrder(c.Request.Context(), tenantID, tenantID, clientOrderID, &req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Raw(c, body)
	}
}

// ModifyOrderHandler handles POST requests to modify an order.
// URL parameter: client_order_id. Body carries the expected version
// and the fields to change.
func (h *GinHandlers) ModifyOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := tenantFrom(c)
		if tenantID == "" {
			response.Unauthorized(c, "Missing tenant")
			return
		}

		clientOrderID := c.Param("client_order_id")
		if clientOrderID == "" {
			response.BadRequest(c, "Client order ID is required")
			return
		}

		var req types.ModifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		body, err := h.service.ModifyOrder(c.Request.Context(), tenantID, tenantID, clientOrderID, &req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Raw(c, body)
	}
}

// GetOrderHandler handles GET requests for a single order.
// URL parameter: client_order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := tenantFrom(c)
		if tenantID == "" {
			response.Unauthorized(c, "Missing tenant")
			return
		}

		view, err := h.service.GetOrder(tenantID, c.Param("client_order_id"))
		response.Handle(c, view, err)
	}
}

// ListOrdersHandler handles GET requests listing orders with optional
// query filters: account_id, symbol, side, state, limit, offset.
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := tenantFrom(c)
		if tenantID == "" {
			response.Unauthorized(c, "Missing tenant")
			return
		}

		filter := &types.OrderFilter{
			AccountID: c.Query("account_id"),
			Symbol:    c.Query("symbol"),
			Side:      c.Query("side"),
			State:     types.OrderState(c.Query("state")),
		}
		if v, err := strconv.Atoi(c.Query("limit")); err == nil {
			filter.Limit = v
		}
		if v, err := strconv.Atoi(c.Query("offset")); err == nil {
			filter.Offset = v
		}

		views, err := h.service.ListOrders(tenantID, filter)
		response.Handle(c, views, err)
	}
}

// ListExecutionsHandler handles GET requests for an order's fills.
// URL parameter: client_order_id
func (h *GinHandlers) ListExecutionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := tenantFrom(c)
		if tenantID == "" {
			response.Unauthorized(c, "Missing tenant")
			return
		}

		execs, err := h.service.ListExecutions(tenantID, c.Param("client_order_id"))
		response.Handle(c, execs, err)
	}
}

// GetPositionHandler handles GET requests for a single position.
// URL parameters: account_id, symbol
func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := tenantFrom(c)
		if tenantID == "" {
			response.Unauthorized(c, "Missing tenant")
			return
		}

		pos, err := h.service.GetPosition(tenantID, c.Param("account_id"), c.Param("symbol"))
		response.Handle(c, pos, err)
	}
}

// ListPositionsHandler handles GET requests for an account's positions.
// URL parameter: account_id
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := tenantFrom(c)
		if tenantID == "" {
			response.Unauthorized(c, "Missing tenant")
			return
		}

		positions, err := h.service.ListPositions(tenantID, c.Param("account_id"))
		response.Handle(c, positions, err)
	}
}
