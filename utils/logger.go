package utils

import (
	"os"

	"github.com/TIANLI0/MaskKit/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Logger = zap.NewNop()

func InitLogger(mode string, logCfg config.LogConfig) error {
	var cfg zap.Config

	if mode == "release" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	// 配置了日志文件时，额外输出一份按大小轮转的 JSON 日志
	if logCfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   logCfg.File,
			MaxSize:    logCfg.MaxSize,
			MaxBackups: logCfg.MaxBackups,
			MaxAge:     logCfg.MaxAge,
			Compress:   logCfg.Compress,
		}

		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig),
			zapcore.AddSync(rotator),
			zap.InfoLevel,
		)
		logger = logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}

	Logger = logger
	return nil
}

// UseStderr 为 CLI 场景初始化一个只输出到 stderr 的简洁日志
func UseStderr(verbose bool) {
	level := zap.WarnLevel
	if verbose {
		level = zap.DebugLevel
	}
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), level)
	Logger = zap.New(core)
}

func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}
