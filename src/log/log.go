package log

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shin315/social-download-manager/src/configs"
)

// New 初始化全局 logger 并返回
func New(cfg *configs.Config) *logrus.Logger {
	logLevel := logrus.InfoLevel
	if cfg != nil && cfg.Debug {
		logLevel = logrus.DebugLevel
	}

	writers := []io.Writer{os.Stderr}
	if cfg != nil && cfg.Log.OutPutFolder != "" {
		runID := time.Now().Format("migrate-2006-01-02-15-04-05")
		logLocation := filepath.Join(cfg.Log.OutPutFolder, runID+".log")
		logFile, err := os.OpenFile(logLocation, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logrus.Warnf("Failed to open log file %s for output: %s", logLocation, err)
		} else {
			writers = append(writers, logFile)
		}
	}

	logrus.SetOutput(io.MultiWriter(writers...))
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if cfg != nil && cfg.Debug {
		logrus.SetReportCaller(true)
	}
	logrus.SetLevel(logLevel)

	return logrus.StandardLogger()
}

// GetLogger 返回全局唯一的 logrus Logger。
func GetLogger() *logrus.Logger {
	return logrus.StandardLogger()
}

// WithFields 是对全局 Logger 的便捷封装，返回带字段的 Entry。
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logrus.StandardLogger().WithFields(fields)
}
