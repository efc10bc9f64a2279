package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListTables(c *gin.Context) {
	snapshot := s.store.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version": snapshot.Version,
		"offline": s.gateway.Offline(),
		"tables":  snapshot.Tables,
	})
}

func (s *Server) GetTable(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	st, ok := s.store.GetTable(id)
	if !ok {
		AbortWithError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": s.store.Version(), "state": st})
}

type focusRequest struct {
	OrderID snowflake.ID `json:"order_id"`
}

// SetFocus records the order shown on screen. Pushed changes to that order
// refresh its item list from the remote store.
func (s *Server) SetFocus(c *gin.Context) {
	var req focusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.OrderID != 0 {
		if _, ok := s.store.TableForOrder(req.OrderID); !ok {
			AbortWithError(c, ErrNotFound)
			return
		}
	}
	s.store.Focus(req.OrderID)
	c.Status(http.StatusNoContent)
}
