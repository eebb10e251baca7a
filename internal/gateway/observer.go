package gateway

import (
	"github.com/taoyao-code/ocpp-server/internal/endpoint"
)

// FrameMetrics 帧级指标（metrics.AppMetrics 实现）
type FrameMetrics interface {
	RecordFrame(direction string, size int)
	RecordMalformed()
}

// MetricsObserver 把 endpoint 帧事件转成指标
type MetricsObserver struct {
	M FrameMetrics
}

var _ endpoint.Observer = MetricsObserver{}

func (o MetricsObserver) Frame(_ string, dir endpoint.Direction, raw []byte) {
	o.M.RecordFrame(string(dir), len(raw))
}

func (o MetricsObserver) Malformed(string, []byte, error) {
	o.M.RecordMalformed()
}
