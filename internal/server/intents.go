package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/warung/internal/order/domain"
	"github.com/smallbiznis/warung/internal/settlement"
)

func (s *Server) DispatchIntent(c *gin.Context) {
	var intent domain.Intent
	if err := c.ShouldBindJSON(&intent); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if intent.Kind == "" {
		AbortWithError(c, newValidationError("kind", "required", "kind is required"))
		return
	}
	c.Set("intent", string(intent.Kind))

	res, err := s.gateway.Dispatch(c.Request.Context(), intent)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

type previewRequest struct {
	TableID    snowflake.ID            `json:"table_id"`
	Accounts   []settlement.SubAccount `json:"accounts"`
	Allocation settlement.Allocation   `json:"allocation"`
}

// PreviewSettlement evaluates a split without closing the order, so the
// till can show shortfalls and change while the operator edits.
func (s *Server) PreviewSettlement(c *gin.Context) {
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.TableID == 0 {
		AbortWithError(c, newValidationError("table_id", "required", "table_id is required"))
		return
	}

	preview, err := s.gateway.Preview(req.TableID, req.Accounts, req.Allocation)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

func (s *Server) GetSettlementStatus(c *gin.Context) {
	orderID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	blocked, err := s.gateway.SettlementBlocked(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id": orderID,
		"blocked":  blocked,
		"offline":  s.gateway.Offline(),
	})
}
