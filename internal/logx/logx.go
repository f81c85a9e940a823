package logx

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	EnvLevel  = "BILICTX_LOG_LEVEL"
	EnvFormat = "BILICTX_LOG_FORMAT"
)

// Configure 按环境变量构造 logger（输出到 stderr）并设为 slog 默认 logger。
//
// BILICTX_LOG_LEVEL：debug/info/warn/error（默认 info）
// BILICTX_LOG_FORMAT：text/json（默认 text）
func Configure() *slog.Logger {
	l := New(os.Stderr, os.Getenv(EnvLevel), os.Getenv(EnvFormat))
	slog.SetDefault(l)
	return l
}

// New 构造一个写入 w 的 logger；时间统一为 UTC RFC3339。
func New(w io.Writer, level, format string) *slog.Logger {
	options := &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				if ts, ok := attr.Value.Any().(time.Time); ok {
					attr.Value = slog.StringValue(ts.UTC().Format(time.RFC3339))
				}
			}
			return attr
		},
	}

	var handler slog.Handler
	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		handler = slog.NewJSONHandler(w, options)
	} else {
		handler = slog.NewTextHandler(w, options)
	}
	return slog.New(handler)
}

// Discard 返回丢弃所有输出的 logger（测试与“未注入 logger”时使用）。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard 在 l 为 nil 时返回 Discard()。
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
