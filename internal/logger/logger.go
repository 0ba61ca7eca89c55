package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 结构化日志接口，参数以 key/value 交替传入
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

// Options 日志构建选项
type Options struct {
	Level   string   // debug/info/warn/error
	Writers []string // console, file
	File    string   // 日志文件路径
	MaxSize int      // 单文件大小上限 (MB)
	MaxAge  int      // 保留天数
}

type zeroLogger struct {
	z zerolog.Logger
}

// New 根据选项创建基于 zerolog 的日志实例
func New(opts Options) Logger {
	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}

	var writers []io.Writer
	for _, w := range opts.Writers {
		switch w {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
		case "file":
			file := opts.File
			if file == "" {
				file = "logs/subrefresh.log"
			}
			writers = append(writers, &lumberjack.Logger{
				Filename: file,
				MaxSize:  orDefault(opts.MaxSize, 10),
				MaxAge:   orDefault(opts.MaxAge, 7),
				Compress: true,
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
	}

	z := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	return &zeroLogger{z: z}
}

// NewNop 返回丢弃所有输出的日志实例
func NewNop() Logger {
	return &zeroLogger{z: zerolog.Nop()}
}

// NewWriter 将日志写入指定 writer，主要用于测试
func NewWriter(w io.Writer, level string) Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.DebugLevel
	}
	return &zeroLogger{z: zerolog.New(w).Level(lvl)}
}

func (l *zeroLogger) Debug(msg string, kv ...any) { l.z.Debug().Fields(kv).Msg(msg) }

func (l *zeroLogger) Info(msg string, kv ...any) { l.z.Info().Fields(kv).Msg(msg) }

func (l *zeroLogger) Warn(msg string, kv ...any) { l.z.Warn().Fields(kv).Msg(msg) }

func (l *zeroLogger) Error(msg string, kv ...any) { l.z.Error().Fields(kv).Msg(msg) }

// Err 记录携带错误的日志
func (l *zeroLogger) Err(err error, msg string, kv ...any) {
	l.z.Error().Err(err).Fields(kv).Msg(msg)
}

// With 返回附加固定字段的子日志
func (l *zeroLogger) With(kv ...any) Logger {
	return &zeroLogger{z: l.z.With().Fields(kv).Logger()}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
