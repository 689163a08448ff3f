package audit

import (
	"github.com/gin-gonic/gin"

	"github.com/dunmininu/oms-trading/pkg/response"
)

// GinHandlers contains HTTP handlers for audit trail endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for audit endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListOrderTrailHandler handles GET requests for one order's audit
// entries, oldest first.
// URL parameter: client_order_id
func (h *GinHandlers) ListOrderTrailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := h.service.ListByEntity("order", c.Param("client_order_id"))
		response.Handle(c, entries, err)
	}
}

// VerifyChainHandler handles GET requests that replay the whole hash
// chain and report whether it is intact.
func (h *GinHandlers) VerifyChainHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.VerifyChain(); err != nil {
			response.Success(c, gin.H{"intact": false, "detail": err.Error()})
			return
		}
		response.Success(c, gin.H{"intact": true})
	}
}
