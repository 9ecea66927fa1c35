package writequeue

import "time"

// BatchInfo summarizes one successful flush.
type BatchInfo struct {
	Writes   int
	Groups   int
	Duration time.Duration
}

// Observer receives flush lifecycle notifications. Implementations are
// injected at construction so logging and metrics collaborators stay
// decoupled from the queue itself.
type Observer interface {
	OnFlushed(info BatchInfo)
	OnError(err error)
}

// NopObserver discards all notifications.
type NopObserver struct{}

func (NopObserver) OnFlushed(BatchInfo) {}
func (NopObserver) OnError(error)       {}

// FuncObserver adapts plain functions to the Observer interface.
type FuncObserver struct {
	Flushed func(info BatchInfo)
	Errored func(err error)
}

func (o FuncObserver) OnFlushed(info BatchInfo) {
	if o.Flushed != nil {
		o.Flushed(info)
	}
}

func (o FuncObserver) OnError(err error) {
	if o.Errored != nil {
		o.Errored(err)
	}
}
