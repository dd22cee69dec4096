package types

// Logger is the logging capability used across the bus. The user can
// provide its own implementation when creating the network, otherwise
// the default logger is used.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})

	Warn(v ...interface{})
	Warnf(format string, v ...interface{})

	Error(v ...interface{})
	Errorf(format string, v ...interface{})

	Debug(v ...interface{})
	Debugf(format string, v ...interface{})

	// ToggleDebug turns debug output on or off and returns the new state.
	ToggleDebug(value bool) bool
}
