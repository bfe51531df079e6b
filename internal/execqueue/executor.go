package execqueue

// Executor starts a queue worker
type Executor interface {
	Launch(name string, fn func())
}

// GoExecutor runs each worker on its own goroutine
type GoExecutor struct{}

func (GoExecutor) Launch(_ string, fn func()) {
	go fn()
}

// InlineExecutor runs the worker on the goroutine that enqueued the first
// op. Ops enqueued while the worker runs are drained before Launch returns.
type InlineExecutor struct{}

func (InlineExecutor) Launch(_ string, fn func()) {
	fn()
}
