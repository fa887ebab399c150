package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// LogLevelFor maps the application log level to the GORM logger level: debug
// enables full SQL tracing, everything else keeps only slow queries and
// errors.
func LogLevelFor(appLevel string) gormlogger.LogLevel {
	if appLevel == "debug" {
		return gormlogger.Info
	}
	return gormlogger.Warn
}

// zapGORMLogger adapts a *zap.Logger to gormlogger.Interface so GORM internal
// messages (SQL statements, slow queries, errors) flow through the application
// logger instead of stdout.
type zapGORMLogger struct {
	log           *zap.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

// newZapGORMLogger returns a gormlogger.Interface backed by the provided
// *zap.Logger. Queries slower than 200ms are logged as warnings; full SQL
// tracing requires gormlogger.Info.
func newZapGORMLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	return &zapGORMLogger{
		log:           log.WithOptions(zap.AddCallerSkip(3)),
		level:         level,
		slowThreshold: 200 * time.Millisecond,
	}
}

// LogMode returns a copy of the logger with the given level. GORM calls this
// when a per-operation override is requested (e.g. db.Debug()).
func (l *zapGORMLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *zapGORMLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *zapGORMLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *zapGORMLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace logs individual SQL statements with execution time and row counts.
// gorm.ErrRecordNotFound is silenced — it is a normal application-level
// condition, not a database error.
func (l *zapGORMLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.log.Error("gorm query error", append(fields, zap.Error(err))...)

	case l.slowThreshold > 0 && elapsed > l.slowThreshold:
		l.log.Warn("gorm slow query", fields...)

	case l.level >= gormlogger.Info:
		l.log.Debug("gorm query", fields...)
	}
}
