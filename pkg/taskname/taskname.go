package taskname

const (
	// Built-in handlers
	SystemNoop  = "system:noop"
	SystemEcho  = "system:echo"
	SystemSleep = "system:sleep"

	// Asynq task that triggers one dispatcher invocation
	QueueDispatch = "queue:dispatch"
)
