package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Check reports the readiness of one dependency.
type Check func(ctx context.Context) error

// Replayer re-publishes outbox events.
type Replayer interface {
	ReplayEvent(ctx context.Context, eventID int64) error
	ReplayFailedEvents(ctx context.Context, limit int) (int, error)
}

// CompletionChecker forces a completion check for one campaign.
type CompletionChecker interface {
	CheckCampaign(ctx context.Context, campaignID int64) (bool, error)
}

type Options struct {
	Checks     map[string]Check
	Replayer   Replayer
	Completion CompletionChecker
}

// NewRouter builds the ops surface every binary exposes.
func NewRouter(opts Options, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// 请求日志
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" {
			return
		}
		logger.Debug("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		for name, check := range opts.Checks {
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := r.Group("/admin")
	if opts.Replayer != nil {
		admin.POST("/outbox/replay", replayHandler(opts.Replayer, logger))
	}
	if opts.Completion != nil {
		admin.POST("/campaigns/:id/check-completion", completionHandler(opts.Completion, logger))
	}
	return r
}

// replayHandler: ?id=N 重放单条，否则重放最多 limit 条失败事件
func replayHandler(replayer Replayer, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.Query("id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
				return
			}
			if err := replayer.ReplayEvent(c.Request.Context(), id); err != nil {
				logger.Warn("Outbox replay failed", zap.Int64("event_id", id), zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"replayed": 1})
			return
		}

		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		n, err := replayer.ReplayFailedEvents(c.Request.Context(), limit)
		if err != nil {
			logger.Warn("Outbox bulk replay failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"replayed": n})
	}
}

func completionHandler(checker CompletionChecker, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid campaign id"})
			return
		}
		completed, err := checker.CheckCampaign(c.Request.Context(), id)
		if err != nil {
			logger.Warn("Completion check failed", zap.Int64("campaign_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"campaignId": id, "completed": completed})
	}
}
