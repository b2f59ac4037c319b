package delivery

// Logger defines the logging interface used by the delivery engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Path names where a message went.
type Path string

const (
	PathHot  Path = "hot"
	PathCold Path = "cold"
)

// Recorder receives delivery events for metrics. Implementations must be
// safe for concurrent use and must not block.
type Recorder interface {
	Routed(path Path)
	Rejected(reason string)
	RingFull()
	Published(broker string)
	PublishFailed(broker string)
	Spilled(broker string)
	DeadLettered(broker, reason string)
	ModeChanged(to Mode)
}

type noopRecorder struct{}

func (noopRecorder) Routed(Path)                 {}
func (noopRecorder) Rejected(string)             {}
func (noopRecorder) RingFull()                   {}
func (noopRecorder) Published(string)            {}
func (noopRecorder) PublishFailed(string)        {}
func (noopRecorder) Spilled(string)              {}
func (noopRecorder) DeadLettered(string, string) {}
func (noopRecorder) ModeChanged(Mode)            {}
