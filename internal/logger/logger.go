package logger

import (
	"binance-trailing-stop-go/internal/models"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu         sync.RWMutex
	baseLogger *zap.Logger
)

// InitLogger 初始化zap日志记录器, 可重复调用 (例如先用默认配置, 读取配置文件后再用正式配置)
func InitLogger(cfg models.LogConfig) {
	logger := New(cfg)

	mu.Lock()
	previous := baseLogger
	baseLogger = logger
	mu.Unlock()

	if previous != nil {
		_ = previous.Sync()
	}
}

// New 根据配置构建一个独立的 logger, 不影响全局实例
func New(cfg models.LogConfig) *zap.Logger {
	// 配置日志级别
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(cfg.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel) // 默认为Info级别
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core

	output := strings.ToLower(cfg.Output)
	if (output == "file" || output == "both") && cfg.File != "" {
		// 文件中不写颜色控制符
		fileEncoder := zapcore.NewConsoleEncoder(encoderConfig)
		lumberjackLogger := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(lumberjackLogger), logLevel))
	}

	if output == "console" || output == "both" || len(cores) == 0 {
		consoleConfig := encoderConfig
		consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEncoder := zapcore.NewConsoleEncoder(consoleConfig)
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), logLevel))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

// L 返回全局的 logger 实例, 供需要结构化字段的组件使用
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if baseLogger == nil {
		// 如果logger未初始化，则提供一个默认的应急logger
		logger, _ := zap.NewDevelopment()
		return logger
	}
	return baseLogger
}

// S 返回全局的sugared logger实例
func S() *zap.SugaredLogger {
	return L().Sugar()
}
