package gormrepo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenFromPool 在已有的 pgx 连接池上打开 GORM，进程内只保留一个连接池
func OpenFromPool(pool *pgxpool.Pool, logSQL bool, log *zap.Logger) (*gorm.DB, error) {
	sqlDB := stdlib.OpenDBFromPool(pool)
	return gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 NewZapLogger(log, logSQL),
	})
}

// zapLogger 将 GORM 日志适配到 zap
type zapLogger struct {
	log           *zap.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

// NewZapLogger logSQL=false 时只输出错误与慢查询
func NewZapLogger(log *zap.Logger, logSQL bool) gormlogger.Interface {
	if log == nil {
		log = zap.NewNop()
	}
	level := gormlogger.Warn
	if logSQL {
		level = gormlogger.Info
	}
	return &zapLogger{log: log.Named("gorm"), level: level, slowThreshold: 200 * time.Millisecond}
}

func (l *zapLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *zapLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.log.Sugar().Infof(msg, args...)
	}
}

func (l *zapLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.log.Sugar().Warnf(msg, args...)
	}
}

func (l *zapLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.log.Sugar().Errorf(msg, args...)
	}
}

func (l *zapLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		sql, rows := fc()
		l.log.Error("[SQL] query failed", zap.String("sql", sql), zap.Int64("rows", rows), zap.Duration("elapsed", elapsed), zap.Error(err))
	case elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.log.Warn("[SQL] slow query", zap.String("sql", sql), zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.log.Debug("[SQL] "+sql, zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	}
}
