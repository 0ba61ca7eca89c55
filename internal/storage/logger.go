package storage

import (
	"context"
	"time"

	ilog "subrefresh/internal/logger"
	"subrefresh/pkg/model"

	"gorm.io/gorm/logger"
)

type runKey struct{}

// WithRun 在上下文中记录刷新批次，SQL 日志会带上该 ID
func WithRun(ctx context.Context, run model.RunID) context.Context {
	return context.WithValue(ctx, runKey{}, run)
}

// RunFrom 取出上下文中的刷新批次
func RunFrom(ctx context.Context) model.RunID {
	run, _ := ctx.Value(runKey{}).(model.RunID)
	return run
}

// GormLogger 将 GORM 日志桥接到统一日志接口
type GormLogger struct {
	ilog.Logger
	LogLevel      logger.LogLevel
	SlowThreshold time.Duration
}

// NewGormLogger 创建新的GormLogger实例
func NewGormLogger(l ilog.Logger) *GormLogger {
	if l == nil {
		l = ilog.NewNop()
	}
	return &GormLogger{
		Logger:        l,
		LogLevel:      logger.Warn,
		SlowThreshold: time.Second,
	}
}

// LogMode 设置日志级别
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	n := *l
	n.LogLevel = level
	return &n
}

// Info 打印info级别日志
func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		l.Logger.Info(msg, append([]any{"run", RunFrom(ctx)}, data...)...)
	}
}

// Warn 打印warn级别日志
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		l.Logger.Warn(msg, append([]any{"run", RunFrom(ctx)}, data...)...)
	}
}

// Error 打印error级别日志
func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		l.Logger.Error(msg, append([]any{"run", RunFrom(ctx)}, data...)...)
	}
}

// Trace 打印SQL日志
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []any{
		"run", RunFrom(ctx),
		"sql", sql,
		"rows", rows,
		"timeMs", float64(elapsed.Nanoseconds()) / 1e6,
	}

	switch {
	case err != nil && l.LogLevel >= logger.Error && !isNotFound(err):
		l.Logger.Error("SQL执行错误", append(fields, "error", err)...)
	case elapsed > l.SlowThreshold && l.LogLevel >= logger.Warn:
		l.Logger.Warn("慢SQL查询", append(fields, "threshold", l.SlowThreshold.String())...)
	case l.LogLevel == logger.Info:
		l.Logger.Debug("SQL执行", fields...)
	}
}
