// Package logger 基于 zap 与 lumberjack 实现 types.Logger
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileName   = "watercooler.log"
	logMaxSizeMB  = 10
	logMaxBackups = 5
	logRetention  = 7 * 24 * time.Hour
)

// CustomLogger 控制台 + 滚动文件日志
type CustomLogger struct {
	base    *zap.Logger
	sugar   *zap.SugaredLogger
	level   zap.AtomicLevel
	logDir  string
	rotator *lumberjack.Logger
}

// NewCustomLogger 创建日志记录器，logDir 为空时使用用户缓存目录
func NewCustomLogger(debugMode bool, logDir string) (*CustomLogger, error) {
	if logDir == "" {
		dir, err := defaultLogDir()
		if err != nil {
			return nil, err
		}
		logDir = dir
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debugMode {
		level.SetLevel(zapcore.DebugLevel)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, logFileName),
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
		MaxAge:     int(logRetention.Hours() / 24),
		LocalTime:  true,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	consoleCfg := encCfg
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), level),
	)

	l := newFromCore(core, level)
	l.logDir = logDir
	l.rotator = rotator
	return l, nil
}

// NewWithCore 使用指定 core 创建日志记录器，主要用于测试
func NewWithCore(core zapcore.Core) *CustomLogger {
	return newFromCore(core, zap.NewAtomicLevelAt(zapcore.DebugLevel))
}

// NewNop 不输出任何内容的日志记录器
func NewNop() *CustomLogger {
	return newFromCore(zapcore.NewNopCore(), zap.NewAtomicLevel())
}

func newFromCore(core zapcore.Core, level zap.AtomicLevel) *CustomLogger {
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &CustomLogger{
		base:  base,
		sugar: base.Sugar(),
		level: level,
	}
}

// Zap 返回底层 zap.Logger
func (l *CustomLogger) Zap() *zap.Logger {
	return l.base
}

func (l *CustomLogger) Info(format string, v ...any) {
	l.sugar.Infof(format, v...)
}

func (l *CustomLogger) Error(format string, v ...any) {
	l.sugar.Errorf(format, v...)
}

func (l *CustomLogger) Warn(format string, v ...any) {
	l.sugar.Warnf(format, v...)
}

func (l *CustomLogger) Debug(format string, v ...any) {
	l.sugar.Debugf(format, v...)
}

// Close 刷新缓冲并关闭日志文件
func (l *CustomLogger) Close() {
	_ = l.base.Sync()
	if l.rotator != nil {
		_ = l.rotator.Close()
	}
}

// SetDebugMode 切换调试日志
func (l *CustomLogger) SetDebugMode(enabled bool) {
	if enabled {
		l.level.SetLevel(zapcore.DebugLevel)
	} else {
		l.level.SetLevel(zapcore.InfoLevel)
	}
}

// GetLogDir 日志目录
func (l *CustomLogger) GetLogDir() string {
	return l.logDir
}

// CleanOldLogs 删除超过保留期的日志文件
func (l *CustomLogger) CleanOldLogs() {
	if l.logDir == "" {
		return
	}
	entries, err := os.ReadDir(l.logDir)
	if err != nil {
		l.Warn("读取日志目录失败: %v", err)
		return
	}

	cutoff := time.Now().Add(-logRetention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") || entry.Name() == logFileName {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(l.logDir, entry.Name())); err != nil {
			l.Warn("删除旧日志失败 %s: %v", entry.Name(), err)
			continue
		}
		removed++
	}
	if removed > 0 {
		l.Info("已清理 %d 个旧日志文件", removed)
	}
}

func defaultLogDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("获取缓存目录失败: %w", err)
	}
	return filepath.Join(dir, "watercooler", "logs"), nil
}
