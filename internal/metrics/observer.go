package metrics

import (
	"log"

	"github.com/regentci/regent/internal/writequeue"
)

// QueueObserver feeds write queue flush events into Prometheus. It
// satisfies writequeue.Observer and is injected at queue construction.
type QueueObserver struct{}

func (QueueObserver) OnFlushed(info writequeue.BatchInfo) {
	WritesFlushed.Add(float64(info.Writes))
	FlushBatchSize.Observe(float64(info.Writes))
	FlushDuration.Observe(info.Duration.Seconds())
}

func (QueueObserver) OnError(err error) {
	FlushFailures.Inc()
	log.Printf("write queue flush failed: %v", err)
}
