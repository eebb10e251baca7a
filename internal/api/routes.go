package api

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	_ "github.com/taoyao-code/ocpp-server/docs" // Swagger文档
	"github.com/taoyao-code/ocpp-server/internal/api/middleware"
	"go.uber.org/zap"
)

// RegisterRoutes 注册运营API与Swagger文档
// @title OCPP 1.6 中央系统运营API
// @version 1.0
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
func RegisterRoutes(r *gin.Engine, h *Handler, authCfg middleware.AuthConfig, logger *zap.Logger) {
	if r == nil || h == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := r.Group("/api")
	api.Use(middleware.CORS())
	if authCfg.Enabled {
		api.Use(middleware.APIKeyAuth(authCfg, logger))
		logger.Info("api authentication enabled", zap.Int("api_keys_count", len(authCfg.APIKeys)))
	} else {
		logger.Warn("api authentication disabled - only for development!")
	}

	// 充电桩
	api.GET("/chargepoints", h.ListChargePoints)
	api.GET("/chargepoints/:id", h.GetChargePoint)
	api.GET("/chargepoints/:id/messages", h.ListMessages)

	// 远程指令
	api.POST("/chargepoints/:id/call", h.Call)
	api.POST("/chargepoints/:id/remote-start", h.RemoteStart)
	api.POST("/chargepoints/:id/remote-stop", h.RemoteStop)
	api.POST("/chargepoints/:id/reset", h.Reset)
	api.POST("/chargepoints/:id/connectors/:connectorId/unlock", h.UnlockConnector)
	api.GET("/chargepoints/:id/configuration", h.GetConfiguration)
	api.PUT("/chargepoints/:id/configuration", h.ChangeConfiguration)

	// 事务
	api.GET("/transactions", h.ListTransactions)
	api.GET("/transactions/closed", h.ListClosedTransactions)

	logger.Info("api routes registered", zap.Int("endpoints", 13))
}
