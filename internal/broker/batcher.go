package broker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	batcherMinSize      = 1
	batcherMaxSize      = 1000
	batcherSampleWindow = 100
	batcherSlowAvg      = 500 * time.Millisecond
	batcherFastAvg      = 100 * time.Millisecond
)

// AdaptiveBatcher sizes message batches from observed processing times. The
// batch size halves when the recent average exceeds 500ms and doubles when it
// stays under 100ms while a backlog larger than the current size waits.
type AdaptiveBatcher struct {
	mu        sync.Mutex
	batchSize int
	samples   []time.Duration
	processed int64
	logger    *logrus.Logger
}

// NewAdaptiveBatcher creates a batcher starting at initialSize.
func NewAdaptiveBatcher(initialSize int, logger *logrus.Logger) *AdaptiveBatcher {
	if initialSize < batcherMinSize {
		initialSize = batcherMinSize
	}
	if initialSize > batcherMaxSize {
		initialSize = batcherMaxSize
	}
	return &AdaptiveBatcher{
		batchSize: initialSize,
		samples:   make([]time.Duration, 0, batcherSampleWindow),
		logger:    logger,
	}
}

// BatchSize returns the current batch size.
func (b *AdaptiveBatcher) BatchSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batchSize
}

// Record feeds one batch's wall-clock processing span back into the sizer.
// elapsed must cover the whole batch, measured around the send loop, not a
// single message. backlog is the queue depth remaining after the batch.
func (b *AdaptiveBatcher) Record(elapsed time.Duration, backlog int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.processed++
	b.samples = append(b.samples, elapsed)
	if len(b.samples) > batcherSampleWindow {
		b.samples = b.samples[1:]
	}

	avg := b.average()
	switch {
	case avg > batcherSlowAvg:
		newSize := b.batchSize / 2
		if newSize < batcherMinSize {
			newSize = batcherMinSize
		}
		if newSize != b.batchSize {
			b.batchSize = newSize
			if b.logger != nil {
				b.logger.WithFields(logrus.Fields{
					"component":  "batcher",
					"batch_size": newSize,
					"avg_ms":     avg.Milliseconds(),
				}).Debug("Batch size reduced")
			}
		}
	case avg < batcherFastAvg && backlog > b.batchSize:
		newSize := b.batchSize * 2
		if newSize > batcherMaxSize {
			newSize = batcherMaxSize
		}
		if newSize != b.batchSize {
			b.batchSize = newSize
			if b.logger != nil {
				b.logger.WithFields(logrus.Fields{
					"component":  "batcher",
					"batch_size": newSize,
					"avg_ms":     avg.Milliseconds(),
					"backlog":    backlog,
				}).Debug("Batch size increased")
			}
		}
	}
}

func (b *AdaptiveBatcher) average() time.Duration {
	if len(b.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range b.samples {
		total += s
	}
	return total / time.Duration(len(b.samples))
}

// AverageProcessingTime returns the mean over the sample window.
func (b *AdaptiveBatcher) AverageProcessingTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.average()
}
