// Package logging wraps logrus with the conventions used across the stack:
// a single process-wide logger, optional rotating file output, and printf
// style helpers so protocol code does not carry logger handles around.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the logging level
type Level logrus.Level

// Logging levels
const (
	DebugLevel Level = Level(logrus.DebugLevel)
	InfoLevel  Level = Level(logrus.InfoLevel)
	WarnLevel  Level = Level(logrus.WarnLevel)
	ErrorLevel Level = Level(logrus.ErrorLevel)
	FatalLevel Level = Level(logrus.FatalLevel)
)

var logger = logrus.New()

func init() {
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetOutput(os.Stdout)
}

// SetLevel sets the logging level
func SetLevel(level Level) {
	logger.SetLevel(logrus.Level(level))
}

// SetOutput sets the log output
func SetOutput(output io.Writer) {
	logger.SetOutput(output)
}

// EnableFileLogging enables logging to a file with rotation in addition to
// stdout. Sizes are megabytes, age is days.
func EnableFileLogging(logDir, logFile string, maxSize, maxBackups, maxAge int) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	rotateLogger := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, logFile),
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	}

	logger.SetOutput(io.MultiWriter(os.Stdout, rotateLogger))
	return nil
}

// WithFields creates a new log entry with fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// Debugf logs a debug message
func Debugf(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

// Infof logs an info message
func Infof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

// Warnf logs a warning message
func Warnf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

// Errorf logs an error message
func Errorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

// Fatalf logs a fatal message and exits
func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}
