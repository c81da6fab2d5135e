package logger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config 定义日志初始化配置
// Level 支持 debug/info/warn/error，Environment 支持 prod/dev 等
// WithSource 控制是否记录源码位置
// Default 对于未提供 level/环境时采用 info 与文本格式
type Config struct {
	Level       string
	Environment string
	WithSource  bool
}

var (
	global *slog.Logger
	once   sync.Once
)

func levelFromString(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level: " + level)
	}
}

// New 根据配置创建新的 slog.Logger，不设置全局实例
func New(cfg Config) (*slog.Logger, error) {
	lvl, err := levelFromString(cfg.Level)
	if err != nil {
		return nil, err
	}

	handlerOpts := &slog.HandlerOptions{Level: lvl, AddSource: cfg.WithSource}
	var handler slog.Handler
	switch strings.ToLower(cfg.Environment) {
	case "prod", "production":
		handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	default:
		handler = slog.NewTextHandler(os.Stdout, handlerOpts)
	}

	return slog.New(handler), nil
}

// Init 初始化全局日志实例，重复调用将返回首次创建的 logger
func Init(cfg Config) (*slog.Logger, error) {
	var initErr error
	once.Do(func() {
		global, initErr = New(cfg)
	})
	return global, initErr
}

// L 返回已初始化的全局 logger，未调用 Init 时退回 slog.Default
func L() *slog.Logger {
	if global == nil {
		return slog.Default()
	}
	return global
}

// LogSecurityEvent 记录安全相关事件的结构化日志
// eventType: unauthorized_ip/stepup_failed/session_expired 等
// actorID: 触发事件的主体（可为空）
// sourceIP: 来源地址
// detail: 附加说明，禁止包含提示词明文或密钥材料
func LogSecurityEvent(logger *slog.Logger, eventType, actorID, sourceIP, detail string) {
	attrs := []slog.Attr{
		slog.String("event_type", eventType),
		slog.String("source_ip", sourceIP),
	}
	if actorID != "" {
		attrs = append(attrs, slog.String("actor_id", actorID))
	}
	if detail != "" {
		attrs = append(attrs, slog.String("detail", detail))
	}
	logger.LogAttrs(context.Background(), slog.LevelWarn, "Security event", attrs...)
}
