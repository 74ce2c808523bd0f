// Package api is control's client-facing HTTP surface: reserve, extend,
// end and available, following the same gin-based handler shape the
// teacher's inference server uses (spec.md §6's client HTTP API table).
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/evolvablehardware/iCEFARM/internal/control/engine"
)

type reserveBody struct {
	ClientID string `json:"client_id" binding:"required"`
	Kind     string `json:"kind" binding:"required"`
	Amount   int    `json:"amount" binding:"required"`
}

type reserveSpecificBody struct {
	ClientID string   `json:"client_id" binding:"required"`
	Serials  []string `json:"serials" binding:"required"`
	Kind     string   `json:"kind"`
}

type extendBody struct {
	ClientID string `json:"client_id" binding:"required"`
	Serial   string `json:"serial" binding:"required"`
}

type extendAllBody struct {
	ClientID string `json:"client_id" binding:"required"`
}

type endBody struct {
	ClientID string `json:"client_id" binding:"required"`
	Serial   string `json:"serial" binding:"required"`
}

type endAllBody struct {
	ClientID string `json:"client_id" binding:"required"`
}

// Router builds control's client-facing HTTP router. eng is the
// reservation engine; startedAt is the process start time from which the
// /log debug endpoint reports uptime.
func Router(eng *engine.Engine, startedAt time.Time) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.POST("/reserve", handleReserve(eng))
		api.POST("/reservespecific", handleReserveSpecific(eng))
		api.POST("/extend", handleExtend(eng))
		api.POST("/extendall", handleExtendAll(eng))
		api.POST("/end", handleEnd(eng))
		api.POST("/endall", handleEndAll(eng))
		api.GET("/available", handleAvailable(eng))
		api.GET("/workers", handleWorkers(eng))
		api.GET("/log", handleLog(startedAt))
	}
	return router
}

func handleReserve(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body reserveBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		reservations, err := eng.Reserve(body.ClientID, body.Kind, body.Amount)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reservations": reservations})
	}
}

func handleReserveSpecific(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body reserveSpecificBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		reservations, err := eng.ReserveSpecific(body.ClientID, body.Serials, body.Kind)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reservations": reservations})
	}
}

func handleExtend(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body extendBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := eng.Extend(body.ClientID, body.Serial); err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func handleExtendAll(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body extendAllBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := eng.ExtendAll(body.ClientID); err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func handleEnd(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body endBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := eng.End(body.ClientID, body.Serial); err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func handleEndAll(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body endAllBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := eng.EndAll(body.ClientID); err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func handleAvailable(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		devices, err := eng.Available()
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"devices": devices})
	}
}

func handleWorkers(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		workers, err := eng.Workers()
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"workers": workers})
	}
}

func handleLog(startedAt time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uptime_seconds": time.Since(startedAt).Seconds()})
	}
}

func writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrInsufficientDevices):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrUnknownWorker), errors.Is(err, engine.ErrNotReserved):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
