package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
)

// ErrSubprotocolRejected 服务端未选择 ocpp1.6
var ErrSubprotocolRejected = errors.New("transport: server did not accept subprotocol " + ocpp16.Subprotocol)

// Dial 以充电桩身份连接中央系统：{baseURL}/{chargePointID}
func Dial(ctx context.Context, baseURL, chargePointID string, opts ConnOptions) (*Conn, error) {
	target := strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(chargePointID)
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{ocpp16.Subprotocol},
	}
	ws, resp, err := d.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if ws.Subprotocol() != ocpp16.Subprotocol {
		_ = ws.Close()
		return nil, ErrSubprotocolRejected
	}
	return newConn(ws, opts), nil
}
