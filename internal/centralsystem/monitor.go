package centralsystem

import (
	"context"
	"time"

	"github.com/taoyao-code/ocpp-server/internal/periodic"
	"go.uber.org/zap"
)

const monitorTask = "transaction-monitor"

// StartMonitor 在进程级协调器上挂载事务巡检：刷新活动事务数，并对超过 longAfter 的事务告警
func (s *Service) StartMonitor(tasks *periodic.Coordinator, interval, longAfter time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	if longAfter <= 0 {
		longAfter = 12 * time.Hour
	}
	s.logger.Info("transaction monitor started",
		zap.Duration("check_interval", interval),
		zap.Duration("long_after", longAfter))
	return tasks.Start(monitorTask, interval, s.checkTransactions(longAfter))
}

func (s *Service) checkTransactions(longAfter time.Duration) periodic.TaskFunc {
	return func(context.Context) error {
		s.observer.SetActiveTransactions(s.tx.Count())

		long := s.tx.OlderThan(longAfter)
		s.observer.SetLongTransactions(len(long))
		now := s.now()
		for _, tx := range long {
			s.logger.Warn("long running transaction",
				zap.String("charge_point_id", tx.ChargePointID),
				zap.Int64("transaction_id", tx.ID),
				zap.Int("connector_id", tx.ConnectorID),
				zap.Time("started_at", tx.StartedAt),
				zap.Duration("duration", now.Sub(tx.StartedAt)),
				zap.Int64("energy_wh", tx.Energy()))
		}
		return nil
	}
}
