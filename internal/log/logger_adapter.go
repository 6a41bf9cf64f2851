package log

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"firestige.xyz/trafficport/internal/config"
)

type logrusAdapter struct {
	entry *logrus.Entry
}

// New builds a logrus-backed Logger. Stdout is always an output; a rotating
// file is added when cfg.Outputs.File is enabled.
func New(cfg config.LogConfig) (Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	out := NewMultiWriter().Add(os.Stdout)
	if cfg.Outputs.File.Enabled {
		if cfg.Outputs.File.Path == "" {
			return nil, fmt.Errorf("file output requires 'path' field")
		}
		out.AddFileAppender(FileAppenderOpt{
			Filename:   cfg.Outputs.File.Path,
			MaxSize:    cfg.Outputs.File.Rotation.MaxSizeMB,
			MaxBackups: cfg.Outputs.File.Rotation.MaxBackups,
			MaxAge:     cfg.Outputs.File.Rotation.MaxAgeDays,
			Compress:   cfg.Outputs.File.Rotation.Compress,
		})
	}

	return newLogrus(out, level, cfg.Pattern, cfg.TimeFormat), nil
}

// NewWithWriter builds a Logger writing to w only. Used by tests and tools
// that capture output.
func NewWithWriter(w io.Writer, level string) Logger {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	return newLogrus(w, lvl, "", "")
}

func newDefault() Logger {
	return newLogrus(os.Stdout, logrus.InfoLevel, "", "")
}

func newLogrus(w io.Writer, level logrus.Level, pattern, timeFormat string) Logger {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if timeFormat == "" {
		timeFormat = DefaultTimeFormat
	}

	l := logrus.New()
	l.SetFormatter(&formatter{
		pattern: pattern,
		time:    timeFormat,
	})
	l.SetLevel(level)
	l.SetOutput(w)

	return &logrusAdapter{
		entry: logrus.NewEntry(l),
	}
}

func (l *logrusAdapter) Print(args ...interface{})                 { l.entry.Print(args...) }
func (l *logrusAdapter) Printf(format string, args ...interface{}) { l.entry.Printf(format, args...) }

func (l *logrusAdapter) Trace(args ...interface{})                 { l.entry.Trace(args...) }
func (l *logrusAdapter) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }

func (l *logrusAdapter) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *logrusAdapter) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

func (l *logrusAdapter) Info(args ...interface{})                 { l.entry.Info(args...) }
func (l *logrusAdapter) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

func (l *logrusAdapter) Warn(args ...interface{})                 { l.entry.Warn(args...) }
func (l *logrusAdapter) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

func (l *logrusAdapter) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *logrusAdapter) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusAdapter) Fatal(args ...interface{})                 { l.entry.Fatal(args...) }
func (l *logrusAdapter) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *logrusAdapter) Panic(args ...interface{})                 { l.entry.Panic(args...) }
func (l *logrusAdapter) Panicf(format string, args ...interface{}) { l.entry.Panicf(format, args...) }

func (l *logrusAdapter) WithField(field string, value interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithField(field, value)}
}
func (l *logrusAdapter) WithFields(fields map[string]interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithFields(fields)}
}
func (l *logrusAdapter) WithError(err error) Logger {
	return &logrusAdapter{entry: l.entry.WithError(err)}
}

func (l *logrusAdapter) IsTraceEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.TraceLevel)
}
func (l *logrusAdapter) IsDebugEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}
func (l *logrusAdapter) IsInfoEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.InfoLevel)
}
