package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/taoyao-code/ocpp-server/internal/centralsystem"
	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
	"github.com/taoyao-code/ocpp-server/internal/session"
	"github.com/taoyao-code/ocpp-server/internal/storage"
	"github.com/taoyao-code/ocpp-server/internal/storage/models"
	"github.com/taoyao-code/ocpp-server/internal/transaction"
	"go.uber.org/zap"
)

// SessionView 在线连接视图（session.Registry 实现）
type SessionView interface {
	List() []session.Info
	Info(chargePointID string) (session.Info, bool)
	IsOnline(chargePointID string, now time.Time) bool
}

// MessageStore 帧审计查询（pg.FrameLog 实现，数据库未启用时为空）
type MessageStore interface {
	Recent(ctx context.Context, chargePointID string, limit int) ([]models.MessageLog, error)
}

// Handler 运营侧 API
type Handler struct {
	cmd      *centralsystem.Commander
	repo     storage.ChargePointRepo
	txs      *transaction.Manager
	closed   *transaction.ClosedLog
	sessions SessionView
	messages MessageStore
	logger   *zap.Logger
}

func NewHandler(cmd *centralsystem.Commander, svc *centralsystem.Service, sessions SessionView, messages MessageStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cmd:      cmd,
		repo:     svc.Repo(),
		txs:      svc.Transactions(),
		closed:   svc.Closed(),
		sessions: sessions,
		messages: messages,
		logger:   logger,
	}
}

// ChargePointView 档案 + 连接状态
type ChargePointView struct {
	models.ChargePoint
	Connected  bool               `json:"connected"`
	Online     bool               `json:"online"`
	Session    *session.Info      `json:"session,omitempty"`
	Connectors []models.Connector `json:"connectors,omitempty"`
}

func (h *Handler) view(cp models.ChargePoint, now time.Time) ChargePointView {
	v := ChargePointView{ChargePoint: cp}
	if info, ok := h.sessions.Info(cp.ID); ok {
		v.Connected = true
		v.Session = &info
		v.Online = h.sessions.IsOnline(cp.ID, now)
	}
	return v
}

// ListChargePoints 查询充电桩列表
// @Summary 查询充电桩列表
// @Description 分页查询已注册的充电桩，附带当前连接状态
// @Tags 充电桩
// @Produce json
// @Security ApiKeyAuth
// @Param limit query int false "每页数量(默认100)"
// @Param offset query int false "偏移量(默认0)"
// @Success 200 {object} map[string]interface{} "成功"
// @Router /api/chargepoints [get]
func (h *Handler) ListChargePoints(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	offset := queryInt(c, "offset", 0)

	list, err := h.repo.ListChargePoints(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list charge points failed", zap.Error(err))
		abortWithError(c, err)
		return
	}
	now := time.Now()
	out := make([]ChargePointView, 0, len(list))
	for _, cp := range list {
		out = append(out, h.view(cp, now))
	}
	c.JSON(http.StatusOK, gin.H{"chargePoints": out, "connected": len(h.sessions.List())})
}

// GetChargePoint 查询单个充电桩
// @Summary 查询充电桩详情
// @Description 档案、枪口状态、连接状态与活动事务
// @Tags 充电桩
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "充电桩ID"
// @Success 200 {object} map[string]interface{} "成功"
// @Failure 404 {object} ErrorResponse "不存在"
// @Router /api/chargepoints/{id} [get]
func (h *Handler) GetChargePoint(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	cp, err := h.repo.GetChargePoint(ctx, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	v := h.view(*cp, time.Now())
	if v.Connectors, err = h.repo.ListConnectors(ctx, id); err != nil {
		h.logger.Warn("list connectors failed", zap.String("charge_point_id", id), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"chargePoint": v, "transactions": h.txs.List(id)})
}

// ListMessages 查询帧审计
// @Summary 查询最近的 OCPP 帧
// @Tags 充电桩
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "充电桩ID"
// @Param limit query int false "条数(默认50)"
// @Success 200 {object} map[string]interface{} "成功"
// @Router /api/chargepoints/{id}/messages [get]
func (h *Handler) ListMessages(c *gin.Context) {
	if h.messages == nil {
		c.JSON(http.StatusOK, gin.H{"messages": []models.MessageLog{}, "enabled": false})
		return
	}
	list, err := h.messages.Recent(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 50))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": list, "enabled": true})
}

// CallRequest 任意下行调用
type CallRequest struct {
	Action    string          `json:"action" binding:"required"`
	Payload   json.RawMessage `json:"payload"`
	TimeoutMs int             `json:"timeoutMs"`
}

// Call 下发任意中央系统动作
// @Summary 下发 OCPP 调用
// @Description 向在线充电桩发送 Call 并等待 CallResult；CallError 以 502 返回
// @Tags 远程指令
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "充电桩ID"
// @Param request body CallRequest true "动作与载荷"
// @Success 200 {object} map[string]interface{} "成功"
// @Failure 400 {object} ErrorResponse "参数错误"
// @Failure 404 {object} ErrorResponse "未连接"
// @Failure 502 {object} ErrorResponse "CallError"
// @Failure 504 {object} ErrorResponse "超时"
// @Router /api/chargepoints/{id}/call [post]
func (h *Handler) Call(c *gin.Context) {
	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	action, ok := ocpp16.ParseAction(req.Action)
	if !ok {
		badRequest(c, "unknown action "+strconv.Quote(req.Action))
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	res, err := h.cmd.Call(c.Request.Context(), c.Param("id"), action, req.Payload, timeout)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": action, "result": res})
}

// RemoteStartRequest 远程启动
type RemoteStartRequest struct {
	IdTag       string `json:"idTag" binding:"required"`
	ConnectorID int    `json:"connectorId"`
}

// RemoteStart 远程启动充电
// @Summary 远程启动充电
// @Tags 远程指令
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "充电桩ID"
// @Param request body RemoteStartRequest true "idTag 与枪号"
// @Success 200 {object} map[string]interface{} "成功"
// @Router /api/chargepoints/{id}/remote-start [post]
func (h *Handler) RemoteStart(c *gin.Context) {
	var req RemoteStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	conf, err := h.cmd.RemoteStartTransaction(c.Request.Context(), c.Param("id"), req.ConnectorID, req.IdTag)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, conf)
}

// RemoteStopRequest 远程停止
type RemoteStopRequest struct {
	TransactionID int64 `json:"transactionId" binding:"required"`
}

// RemoteStop 远程停止充电
// @Summary 远程停止充电
// @Tags 远程指令
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "充电桩ID"
// @Param request body RemoteStopRequest true "事务ID"
// @Success 200 {object} map[string]interface{} "成功"
// @Router /api/chargepoints/{id}/remote-stop [post]
func (h *Handler) RemoteStop(c *gin.Context) {
	var req RemoteStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	conf, err := h.cmd.RemoteStopTransaction(c.Request.Context(), c.Param("id"), req.TransactionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, conf)
}

// ResetRequest 复位
type ResetRequest struct {
	Type string `json:"type"`
}

// Reset 复位充电桩
// @Summary 复位充电桩
// @Description type 为 Soft（默认）或 Hard
// @Tags 远程指令
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "充电桩ID"
// @Param request body ResetRequest false "复位类型"
// @Success 200 {object} map[string]interface{} "成功"
// @Router /api/chargepoints/{id}/reset [post]
func (h *Handler) Reset(c *gin.Context) {
	var req ResetRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	typ := ocpp16.ResetSoft
	switch req.Type {
	case "", string(ocpp16.ResetSoft):
	case string(ocpp16.ResetHard):
		typ = ocpp16.ResetHard
	default:
		badRequest(c, "type must be Soft or Hard")
		return
	}
	conf, err := h.cmd.Reset(c.Request.Context(), c.Param("id"), typ)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, conf)
}

// UnlockConnector 解锁枪
// @Summary 解锁枪
// @Tags 远程指令
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "充电桩ID"
// @Param connectorId path int true "枪号"
// @Success 200 {object} map[string]interface{} "成功"
// @Router /api/chargepoints/{id}/connectors/{connectorId}/unlock [post]
func (h *Handler) UnlockConnector(c *gin.Context) {
	connectorID, err := strconv.Atoi(c.Param("connectorId"))
	if err != nil || connectorID <= 0 {
		badRequest(c, "invalid connector id")
		return
	}
	conf, err := h.cmd.UnlockConnector(c.Request.Context(), c.Param("id"), connectorID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, conf)
}

// GetConfiguration 读取配置
// @Summary 读取充电桩配置
// @Tags 远程指令
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "充电桩ID"
// @Param key query []string false "配置项(可多次)"
// @Success 200 {object} map[string]interface{} "成功"
// @Router /api/chargepoints/{id}/configuration [get]
func (h *Handler) GetConfiguration(c *gin.Context) {
	conf, err := h.cmd.GetConfiguration(c.Request.Context(), c.Param("id"), c.QueryArray("key")...)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, conf)
}

// ChangeConfigurationRequest 修改配置
type ChangeConfigurationRequest struct {
	Key   string `json:"key" binding:"required"`
	Value string `json:"value"`
}

// ChangeConfiguration 修改配置
// @Summary 修改充电桩配置
// @Tags 远程指令
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "充电桩ID"
// @Param request body ChangeConfigurationRequest true "配置项"
// @Success 200 {object} map[string]interface{} "成功"
// @Router /api/chargepoints/{id}/configuration [put]
func (h *Handler) ChangeConfiguration(c *gin.Context) {
	var req ChangeConfigurationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	conf, err := h.cmd.ChangeConfiguration(c.Request.Context(), c.Param("id"), req.Key, req.Value)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, conf)
}

// ListTransactions 活动事务
// @Summary 查询活动事务
// @Tags 事务
// @Produce json
// @Security ApiKeyAuth
// @Param chargePointId query string false "按充电桩过滤"
// @Success 200 {object} map[string]interface{} "成功"
// @Router /api/transactions [get]
func (h *Handler) ListTransactions(c *gin.Context) {
	list := h.txs.List(c.Query("chargePointId"))
	if list == nil {
		list = []transaction.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": list, "count": len(list)})
}

// ListClosedTransactions 最近结束的事务
// @Summary 查询最近结束的事务
// @Description 进程内保留，重启后清空
// @Tags 事务
// @Produce json
// @Security ApiKeyAuth
// @Param limit query int false "条数(默认50)"
// @Success 200 {object} map[string]interface{} "成功"
// @Router /api/transactions/closed [get]
func (h *Handler) ListClosedTransactions(c *gin.Context) {
	list := h.closed.Recent(queryInt(c, "limit", 50))
	if list == nil {
		list = []transaction.StopSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": list, "count": len(list)})
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
