package definition

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// The default logger used if the user does not provide its own
// implementation. A thin wrapper keeping the logrus handle private so
// callers only see the Logger capability.
type DefaultLogger struct {
	backend *logrus.Logger
	entry   *logrus.Entry
	debug   bool
}

func NewDefaultLogger() *DefaultLogger {
	return NewNamedLogger("meshbus")
}

// NewNamedLogger creates a logger tagging every line with the given
// name.
func NewNamedLogger(name string) *DefaultLogger {
	backend := logrus.New()
	backend.SetOutput(os.Stderr)
	backend.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	backend.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{
		backend: backend,
		entry:   backend.WithField("name", name),
	}
}

var (
	loggersMutex sync.Mutex
	loggers      = make(map[string]*DefaultLogger)
)

// LoggerFor returns the process wide logger under the given name,
// creating it on first use. Everyone asking for the same name shares
// one instance, so toggling debug in one place is seen everywhere.
func LoggerFor(name string) *DefaultLogger {
	loggersMutex.Lock()
	defer loggersMutex.Unlock()

	if logger, ok := loggers[name]; ok {
		return logger
	}
	logger := NewNamedLogger(name)
	loggers[name] = logger
	return logger
}

func (l *DefaultLogger) Info(v ...interface{}) {
	l.entry.Info(v...)
}

func (l *DefaultLogger) Infof(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

func (l *DefaultLogger) Warn(v ...interface{}) {
	l.entry.Warn(v...)
}

func (l *DefaultLogger) Warnf(format string, v ...interface{}) {
	l.entry.Warnf(format, v...)
}

func (l *DefaultLogger) Error(v ...interface{}) {
	l.entry.Error(v...)
}

func (l *DefaultLogger) Errorf(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}

func (l *DefaultLogger) Debug(v ...interface{}) {
	l.entry.Debug(v...)
}

func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

func (l *DefaultLogger) ToggleDebug(value bool) bool {
	l.debug = value
	if value {
		l.backend.SetLevel(logrus.DebugLevel)
	} else {
		l.backend.SetLevel(logrus.InfoLevel)
	}
	return l.debug
}
