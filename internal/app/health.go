package app

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taoyao-code/ocpp-server/internal/health"
	"github.com/taoyao-code/ocpp-server/internal/thirdparty"
	"github.com/taoyao-code/ocpp-server/internal/transport"
)

// NewHealthAggregator 创建健康检查聚合器，数据库未启用时不加数据库检查器
func NewHealthAggregator(dbpool *pgxpool.Pool) *health.Aggregator {
	agg := health.NewAggregator()
	if dbpool != nil {
		agg.AddChecker(health.NewDatabaseChecker(dbpool))
	}
	return agg
}

// AddWebSocketChecker 接入层连接利用率
func AddWebSocketChecker(aggregator *health.Aggregator, srv *transport.Server, online func() int) {
	aggregator.AddChecker(health.NewWebSocketChecker(srv.Limiter(), online))
}

// AddWebhookChecker webhook 熔断状态
func AddWebhookChecker(aggregator *health.Aggregator, pusher *thirdparty.Pusher) {
	if pusher != nil && pusher.Breaker() != nil {
		aggregator.AddChecker(health.NewWebhookChecker(pusher.Breaker()))
	}
}
