package thirdparty

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
)

// mockWebhookServer 记录收到的事件并校验签名
type mockWebhookServer struct {
	*httptest.Server
	mu       sync.Mutex
	received []StandardEvent
	badSig   atomic.Int32
	status   atomic.Int32 // 非0时直接返回该状态码
	hits     atomic.Int32
}

func newMockWebhookServer(secret string) *mockWebhookServer {
	m := &mockWebhookServer{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.hits.Add(1)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ts, _ := strconv.ParseInt(r.Header.Get("X-Timestamp"), 10, 64)
		canonical := Canonical(r.Method, r.URL.Path, ts, r.Header.Get("X-Nonce"), body)
		if !VerifyHMAC(secret, canonical, r.Header.Get("X-Signature")) {
			m.badSig.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if code := m.status.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		var ev StandardEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.received = append(m.received, ev)
		m.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"code":0,"message":"success"}`))
	}))
	return m
}

func (m *mockWebhookServer) events() []StandardEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StandardEvent(nil), m.received...)
}
