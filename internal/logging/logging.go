// Package logging wraps logrus with the process-wide logger configuration
// used across relaymux. Other packages import it as `log`.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogDir = "logs"

// SetupBaseLogger applies the default formatter and level. Safe to call
// more than once.
func SetupBaseLogger() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logrus.SetOutput(os.Stderr)
	if logrus.GetLevel() < logrus.InfoLevel {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// SetDebug toggles debug-level logging.
func SetDebug(debug bool) {
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// ConfigureLogOutput switches logging to a rotated file when toFile is set.
// Rotation is handled by lumberjack; stderr remains the fallback on error.
func ConfigureLogOutput(toFile bool) error {
	if !toFile {
		logrus.SetOutput(os.Stderr)
		return nil
	}
	if err := os.MkdirAll(defaultLogDir, 0o755); err != nil {
		return fmt.Errorf("logging: create log dir: %w", err)
	}
	rotated := &lumberjack.Logger{
		Filename:   filepath.Join(defaultLogDir, "relaymux.log"),
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, rotated))
	return nil
}

// Thin pass-throughs so call sites read as log.Infof etc.

func Debugf(format string, args ...any) { logrus.Debugf(format, args...) }
func Infof(format string, args ...any)  { logrus.Infof(format, args...) }
func Warnf(format string, args ...any)  { logrus.Warnf(format, args...) }
func Errorf(format string, args ...any) { logrus.Errorf(format, args...) }
func Fatalf(format string, args ...any) { logrus.Fatalf(format, args...) }

func Debug(args ...any) { logrus.Debug(args...) }
func Info(args ...any)  { logrus.Info(args...) }
func Warn(args ...any)  { logrus.Warn(args...) }
func Error(args ...any) { logrus.Error(args...) }

// WithError returns an entry with the error attached.
func WithError(err error) *logrus.Entry { return logrus.WithError(err) }

// WithField returns an entry with one structured field attached.
func WithField(key string, value any) *logrus.Entry { return logrus.WithField(key, value) }
