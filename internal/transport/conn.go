package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/taoyao-code/ocpp-server/internal/endpoint"
)

// ConnOptions 连接级超时与保活参数
type ConnOptions struct {
	ReadTimeout    time.Duration // 无任何入站帧（含 pong）时判定断线
	WriteTimeout   time.Duration
	PingInterval   time.Duration // 0 表示不主动 ping
	MaxMessageSize int64
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	return o
}

// Conn WebSocket 连接，一帧一条 OCPP 消息，实现 endpoint.Transport
type Conn struct {
	ws   *websocket.Conn
	opts ConnOptions

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, opts ConnOptions) *Conn {
	opts = opts.withDefaults()
	c := &Conn{ws: ws, opts: opts, done: make(chan struct{})}
	ws.SetReadLimit(opts.MaxMessageSize)
	c.extendRead()
	ws.SetPongHandler(func(string) error {
		c.extendRead()
		return nil
	})
	if opts.PingInterval > 0 {
		go c.pingLoop()
	}
	return c
}

// Subprotocol 协商得到的子协议
func (c *Conn) Subprotocol() string { return c.ws.Subprotocol() }

// RemoteAddr 对端地址
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) extendRead() {
	if c.opts.ReadTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
}

// ReadMessage 读取一整帧。ctx 取消会打断阻塞中的读取。
func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, c.wrapErr(err)
		}
		c.extendRead()
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage 写一整帧（文本帧）
func (c *Conn) WriteMessage(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return endpoint.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return c.wrapErr(err)
	}
	return nil
}

// Close 发送关闭帧后断开，可重复调用
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *Conn) wrapErr(err error) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %v", endpoint.ErrTransportClosed, err)
	default:
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", endpoint.ErrTransportClosed, err)
	}
	return err
}
