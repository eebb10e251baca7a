package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterHTTPRoutes 注册健康检查HTTP路由
func RegisterHTTPRoutes(r gin.IRouter, aggregator *Aggregator) {
	// GET /health/ready
	r.GET("/health/ready", func(c *gin.Context) {
		if !aggregator.Ready(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"ready":  false,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"ready":  true,
		})
	})

	// GET /health/live
	r.GET("/health/live", func(c *gin.Context) {
		if !aggregator.Alive() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"alive": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"alive": true})
	})

	// GET /health
	r.GET("/health", func(c *gin.Context) {
		report := aggregator.Report(c.Request.Context())

		// Degraded状态仍返回200，表示可以服务
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	})
}
