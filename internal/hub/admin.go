package hub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/hubctl/internal/bridge"
	"github.com/danmuck/hubctl/internal/devices"
	"github.com/danmuck/hubctl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// messageRequest is the body of the send and get admin routes.
type messageRequest struct {
	Opcode    int `json:"opcode"`
	Content   any `json:"content"`
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

type deviceDetail struct {
	devices.Info
	Inbox []bridge.Request `json:"inbox"`
}

func (h *Hub) newRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware("hub"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(h.cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	h.registerRoutes(r)
	return r
}

func (h *Hub) registerRoutes(r gin.IRoutes) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(h.started).String(),
			"hub":     h.Addr(),
			"version": version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		select {
		case <-h.ready:
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
			return
		}
		ps := h.pool.Stats()
		written, dropped := h.queue.Stats()
		c.JSON(http.StatusOK, gin.H{
			"ready":       true,
			"uptime":      time.Since(h.started).String(),
			"devices":     h.devices.Len(),
			"connections": h.Connections(),
			"pending":     h.bridge.Pending(),
			"pool": gin.H{
				"workers":   ps.Workers,
				"pending":   ps.Pending,
				"running":   ps.Running,
				"completed": ps.Completed,
				"failed":    ps.Failed,
				"cancelled": ps.Cancelled,
			},
			"outbound": gin.H{
				"queued":  h.queue.Len(),
				"written": written,
				"dropped": dropped,
			},
		})
	})

	r.GET("/handlers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"handlers": h.Handlers()})
	})

	r.GET("/devices", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"devices": h.devices.List()})
	})

	r.GET("/devices/:id", func(c *gin.Context) {
		dev, ok := h.devices.Lookup(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrDeviceNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, deviceDetail{Info: dev.Info(), Inbox: dev.Inbox().Snapshot()})
	})

	// Unclaimed correlation replies are taken off the inbox once read here.
	r.DELETE("/devices/:id/inbox/:correlation", func(c *gin.Context) {
		dev, ok := h.devices.Lookup(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrDeviceNotFound.Error()})
			return
		}
		resp, ok := dev.Inbox().Take(c.Param("correlation"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no unclaimed reply"})
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	r.POST("/devices/:id/send", func(c *gin.Context) {
		req, ok := h.bindMessage(c)
		if !ok {
			return
		}
		if err := h.Send(c.Param("id"), req.Content, req.Opcode); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	})

	r.POST("/devices/:id/get", func(c *gin.Context) {
		req, ok := h.bindMessage(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		if req.TimeoutMS > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
			defer cancel()
		}
		out, err := h.Get(ctx, c.Param("id"), req.Content, req.Opcode)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "content": out})
	})
}

func (h *Hub) bindMessage(c *gin.Context) (messageRequest, bool) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	if _, ok := h.table.Handler(req.Opcode); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown opcode"})
		return req, false
	}
	return req, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, devices.ErrNotAuthenticated):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, bridge.ErrRemote), errors.Is(err, bridge.ErrEmptyReply):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
