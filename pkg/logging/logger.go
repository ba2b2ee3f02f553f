package logging

// ProcessName identifies which daemon a logger belongs to.
type ProcessName string

const (
	MasterProcess ProcessName = "master"
	WorkerProcess ProcessName = "worker"
)

// LoggerConfig holds configuration for creating a logger
type LoggerConfig struct {
	ProcessName   ProcessName
	IsDevelopment bool
}

// Logger is the logging interface used across all services
type Logger interface {
	Debug(msg string, tags ...any)
	Info(msg string, tags ...any)
	Warn(msg string, tags ...any)
	Error(msg string, tags ...any)
	Fatal(msg string, tags ...any)

	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	Fatalf(template string, args ...interface{})

	With(tags ...any) Logger
}
