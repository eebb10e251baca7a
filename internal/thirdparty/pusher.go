package thirdparty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Pusher 带签名、重试与熔断的 webhook 推送器
type Pusher struct {
	Client  *http.Client
	APIKey  string
	Secret  string
	Retries int
	Backoff []time.Duration

	breaker *CircuitBreaker
}

func NewPusher(client *http.Client, apiKey, secret string) *Pusher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Pusher{
		Client:  client,
		APIKey:  apiKey,
		Secret:  secret,
		Retries: 3,
		Backoff: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 500 * time.Millisecond, time.Second},
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}
}

// WithBreaker 替换熔断器（nil 表示不熔断）
func (p *Pusher) WithBreaker(cb *CircuitBreaker) *Pusher {
	p.breaker = cb
	return p
}

// Breaker 当前熔断器
func (p *Pusher) Breaker() *CircuitBreaker { return p.breaker }

// SendJSON 发送 JSON 事件，自动添加签名头。5xx 与网络错误按 Backoff 重试；
// 4xx 直接返回状态码且 err 为 nil，由调用方决定是否进入死信。
func (p *Pusher) SendJSON(ctx context.Context, endpoint string, payload any) (int, []byte, error) {
	if p == nil || p.Client == nil {
		return 0, nil, errors.New("nil pusher")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return 0, nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}

	var code int
	var respBody []byte
	send := func() error {
		code, respBody, err = p.sendWithRetry(ctx, endpoint, u.Path, body)
		if err == nil && code >= 500 {
			return fmt.Errorf("http %d", code)
		}
		return err
	}
	if p.breaker == nil {
		err = send()
	} else {
		err = p.breaker.Call(send)
	}
	return code, respBody, err
}

func (p *Pusher) sendWithRetry(ctx context.Context, endpoint, path string, body []byte) (int, []byte, error) {
	var lastErr error
	var code int
	var respBody []byte
	for attempt := 0; attempt <= p.Retries; attempt++ {
		code, respBody, lastErr = p.sendOnce(ctx, endpoint, path, body)
		if lastErr == nil && code < 500 {
			return code, respBody, nil
		}
		if attempt == p.Retries || len(p.Backoff) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-time.After(p.Backoff[min(attempt, len(p.Backoff)-1)]):
		}
	}
	if lastErr != nil {
		return 0, nil, lastErr
	}
	return code, respBody, fmt.Errorf("http %d", code)
}

func (p *Pusher) sendOnce(ctx context.Context, endpoint, path string, body []byte) (int, []byte, error) {
	ts := time.Now().Unix()
	nonce := fmt.Sprintf("%08x", rand.Uint32())
	sig := SignHMAC(p.Secret, Canonical(http.MethodPost, path, ts, nonce, body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", p.APIKey)
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Nonce", nonce)

	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	rb, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, rb, nil
}
