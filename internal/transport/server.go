package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
	"go.uber.org/zap"
)

// 握手拒绝原因（指标标签）
const (
	RejectRateLimited = "rate_limited"
	RejectInvalidID   = "invalid_id"
	RejectSubprotocol = "subprotocol"
	RejectCapacity    = "capacity"
	RejectUpgrade     = "upgrade"
	RejectShutdown    = "shutdown"
)

const maxChargePointIDLen = 48

// Config WebSocket 接入配置
type Config struct {
	Addr           string
	Path           string
	Subprotocol    string
	Conn           ConnOptions
	MaxConnections int
	AcceptTimeout  time.Duration
	AcceptRate     int
	AcceptBurst    int
}

// Handler 连接处理函数，返回即视为连接结束
type Handler func(ctx context.Context, chargePointID string, conn *Conn)

// Observer 握手结果观测
type Observer interface {
	Accepted(chargePointID string)
	Rejected(reason string)
}

type nopObserver struct{}

func (nopObserver) Accepted(string) {}
func (nopObserver) Rejected(string) {}

// Server OCPP-J WebSocket 接入：GET {path}/:id，子协议必须包含 ocpp1.6
type Server struct {
	cfg      Config
	handler  Handler
	upgrader websocket.Upgrader
	limiter  *ConnectionLimiter
	rate     *RateLimiter
	engine   *gin.Engine
	srv      *http.Server
	ln       net.Listener
	logger   *zap.Logger
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[*Conn]struct{}
}

// ServerOption 可选配置
type ServerOption func(*Server)

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithServerObserver(o Observer) ServerOption {
	return func(s *Server) {
		if o != nil {
			s.observer = o
		}
	}
}

// NewServer 创建 WebSocket 接入服务
func NewServer(cfg Config, h Handler, opts ...ServerOption) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ocpp"
	}
	if cfg.Subprotocol == "" {
		cfg.Subprotocol = ocpp16.Subprotocol
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		handler:  h,
		limiter:  NewConnectionLimiter(cfg.MaxConnections, cfg.AcceptTimeout),
		rate:     NewRateLimiter(cfg.AcceptRate, cfg.AcceptBurst),
		logger:   zap.NewNop(),
		observer: nopObserver{},
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		Subprotocols:    []string{cfg.Subprotocol},
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// 充电桩不是浏览器，不校验 Origin
		CheckOrigin: func(*http.Request) bool { return true },
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET(cfg.Path+"/:id", s.handleUpgrade)
	s.engine = r
	s.srv = &http.Server{Addr: cfg.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler 供 httptest 使用
func (s *Server) Handler() http.Handler { return s.engine }

// Limiter 连接数限流器（健康检查读取利用率）
func (s *Server) Limiter() *ConnectionLimiter { return s.limiter }

// RateLimiter 握手速率限流器
func (s *Server) RateLimiter() *RateLimiter { return s.rate }

// Start 监听并开始接入（非阻塞）
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("websocket server listening", zap.String("addr", ln.Addr().String()), zap.String("path", s.cfg.Path))
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) handleUpgrade(c *gin.Context) {
	if s.ctx.Err() != nil {
		s.reject(c, http.StatusServiceUnavailable, RejectShutdown)
		return
	}
	if !s.rate.Allow() {
		s.reject(c, http.StatusTooManyRequests, RejectRateLimited)
		return
	}
	id := c.Param("id")
	if id == "" || len(id) > maxChargePointIDLen {
		s.reject(c, http.StatusBadRequest, RejectInvalidID)
		return
	}
	if !slices.Contains(websocket.Subprotocols(c.Request), s.cfg.Subprotocol) {
		s.logger.Warn("handshake without supported subprotocol",
			zap.String("charge_point_id", id),
			zap.Strings("offered", websocket.Subprotocols(c.Request)))
		s.reject(c, http.StatusBadRequest, RejectSubprotocol)
		return
	}
	if err := s.limiter.Acquire(c.Request.Context()); err != nil {
		s.reject(c, http.StatusServiceUnavailable, RejectCapacity)
		return
	}
	defer s.limiter.Release()

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已写出错误响应
		s.observer.Rejected(RejectUpgrade)
		s.logger.Warn("websocket upgrade failed", zap.String("charge_point_id", id), zap.Error(err))
		return
	}

	conn := newConn(ws, s.cfg.Conn)
	if !s.track(conn) {
		_ = conn.Close()
		s.observer.Rejected(RejectShutdown)
		return
	}
	defer s.untrack(conn)

	s.observer.Accepted(id)
	s.logger.Info("charge point connected", zap.String("charge_point_id", id), zap.String("remote", ws.RemoteAddr().String()))
	s.handler(s.ctx, id, conn)
	_ = conn.Close()
}

func (s *Server) reject(c *gin.Context, status int, reason string) {
	s.observer.Rejected(reason)
	c.String(status, reason)
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown 停止接入，关闭全部连接并等待处理函数退出
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.srv.Shutdown(ctx)
	for _, c := range conns {
		_ = c.Close()
	}

	ch := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return err
	}
}
