package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
	cfgpkg "github.com/taoyao-code/ocpp-server/internal/config"
)

// Server HTTP 服务封装
type Server struct {
	srv    *http.Server
	engine *gin.Engine
	ln     net.Listener
}

// New 创建并配置 Gin + HTTP Server，注册健康检查与指标路由
func New(cfg cfgpkg.HTTPConfig, metricsPath string, metricsHandler http.Handler, readyFn func() bool) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/readyz", func(c *gin.Context) {
		if readyFn == nil || readyFn() {
			c.String(http.StatusOK, "ready")
			return
		}
		c.String(http.StatusServiceUnavailable, "not-ready")
	})
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if metricsHandler != nil {
		r.GET(metricsPath, gin.WrapH(metricsHandler))
	}
	if cfg.Pprof.Enable {
		registerPprof(r, cfg.Pprof.Prefix)
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return &Server{srv: srv, engine: r}
}

func registerPprof(r *gin.Engine, prefix string) {
	if prefix == "" {
		prefix = "/debug/pprof"
	}
	prefix = "/" + strings.Trim(prefix, "/")
	g := r.Group(prefix)
	g.GET("/", gin.WrapF(pprof.Index))
	g.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	g.GET("/profile", gin.WrapF(pprof.Profile))
	g.GET("/symbol", gin.WrapF(pprof.Symbol))
	g.POST("/symbol", gin.WrapF(pprof.Symbol))
	g.GET("/trace", gin.WrapF(pprof.Trace))
	g.GET("/:name", func(c *gin.Context) {
		pprof.Handler(c.Param("name")).ServeHTTP(c.Writer, c.Request)
	})
}

// Register 追加业务路由（需在 Start 之前调用）
func (s *Server) Register(fn func(r *gin.Engine)) {
	fn(s.engine)
}

// Handler 底层 http.Handler，测试用
func (s *Server) Handler() http.Handler { return s.engine }

// Start 启动 HTTP 服务（阻塞）；正常关闭时返回 nil
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
