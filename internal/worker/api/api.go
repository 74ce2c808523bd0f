// Package api is the worker's internal control-facing HTTP surface:
// reserve and unreserve, dispatched to it asynchronously by control's
// reservation engine (spec.md §4.4). It mirrors control's own
// client-facing gin router shape.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/evolvablehardware/iCEFARM/internal/worker/hostmetrics"
)

// Reserver is the subset of *manager.Manager this router drives.
type Reserver interface {
	Reserve(serial, clientID, kind string) error
	Unreserve(serial string) error
}

type reserveBody struct {
	Serial   string `json:"serial" binding:"required"`
	ClientID string `json:"client_id" binding:"required"`
	Kind     string `json:"kind" binding:"required"`
}

type unreserveBody struct {
	Serial string `json:"serial" binding:"required"`
}

// Router builds the worker's internal control→worker router: reserve
// looks the device up by serial and, if it is in ReadyState, switches it
// toward kind; unreserve returns it to default-flash. With
// *manager.Manager as r, both are no-ops, not errors, when the device is
// missing; reserve is also a no-op when the device is not Ready, and
// unreserve when it is already Ready. status reports the worker's own
// host metrics, including free space under mountBase, for an operator.
func Router(r Reserver, mountBase string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.POST("/reserve", handleReserve(r))
		api.POST("/unreserve", handleUnreserve(r))
		api.GET("/status", handleStatus(mountBase))
	}
	return router
}

func handleStatus(mountBase string) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := hostmetrics.Collect(mountBase)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func handleReserve(r Reserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body reserveBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := r.Reserve(body.Serial, body.ClientID, body.Kind); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func handleUnreserve(r Reserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body unreserveBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := r.Unreserve(body.Serial); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
