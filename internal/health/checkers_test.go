package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/ocpp-server/internal/thirdparty"
)

type fakeConns struct{ cur, max int }

func (f fakeConns) Current() int        { return f.cur }
func (f fakeConns) MaxConnections() int { return f.max }

func TestWebSocketChecker(t *testing.T) {
	cases := []struct {
		name string
		cur  int
		max  int
		want Status
	}{
		{"unlimited", 100, 0, StatusHealthy},
		{"low", 10, 100, StatusHealthy},
		{"high", 85, 100, StatusDegraded},
		{"exhausted", 99, 100, StatusUnhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewWebSocketChecker(fakeConns{tc.cur, tc.max}, func() int { return 7 })
			r := c.Check(context.Background())
			assert.Equal(t, tc.want, r.Status)
			assert.Equal(t, 7, r.Details["online_charge_points"])
		})
	}
}

type fakeDB struct{ err error }

func (f fakeDB) Ping(context.Context) error { return f.err }
func (f fakeDB) Stat() *pgxpool.Stat        { return nil }

func TestDatabaseChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewDatabaseChecker(fakeDB{}).Check(context.Background()).Status)

	r := NewDatabaseChecker(fakeDB{err: errors.New("connection refused")}).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.Contains(t, r.Message, "connection refused")
}

type fakeRedis struct {
	err   error
	stats *redis.PoolStats
}

func (f fakeRedis) HealthCheck(context.Context) error { return f.err }
func (f fakeRedis) Stats() *redis.PoolStats           { return f.stats }

func TestRedisChecker(t *testing.T) {
	r := NewRedisChecker(fakeRedis{stats: &redis.PoolStats{TotalConns: 10, IdleConns: 8, Hits: 10}}).Check(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)

	r = NewRedisChecker(fakeRedis{stats: &redis.PoolStats{TotalConns: 10, IdleConns: 0}}).Check(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)

	r = NewRedisChecker(fakeRedis{err: errors.New("timeout")}).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
}

func TestWebhookChecker(t *testing.T) {
	cb := thirdparty.NewCircuitBreaker(1, time.Minute)
	c := NewWebhookChecker(cb)
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	_ = cb.Call(func() error { return errors.New("boom") })
	r := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Equal(t, "open", r.Details["circuit_state"])
}

func TestHTTPRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	RegisterHTTPRoutes(r, NewAggregator(&mockChecker{"db", StatusDegraded}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var report HealthReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Contains(t, report.Checks, "db")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	r = gin.New()
	RegisterHTTPRoutes(r, NewAggregator(&mockChecker{"db", StatusUnhealthy}))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadiness(t *testing.T) {
	r := New()
	assert.False(t, r.Ready())
	r.SetDBReady(true)
	assert.False(t, r.Ready())
	r.SetWSReady(true)
	assert.True(t, r.Ready())
}
