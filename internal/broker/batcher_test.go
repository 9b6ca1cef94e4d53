package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdaptiveBatcher_HalvesWhenSlow(t *testing.T) {
	b := NewAdaptiveBatcher(100, nil)

	b.Record(600*time.Millisecond, 0)
	assert.Equal(t, 50, b.BatchSize())

	b.Record(600*time.Millisecond, 0)
	assert.Equal(t, 25, b.BatchSize())
}

func TestAdaptiveBatcher_FloorAtOne(t *testing.T) {
	b := NewAdaptiveBatcher(2, nil)

	for i := 0; i < 5; i++ {
		b.Record(time.Second, 0)
	}
	assert.Equal(t, 1, b.BatchSize())
}

func TestAdaptiveBatcher_DoublesWhenFastWithBacklog(t *testing.T) {
	b := NewAdaptiveBatcher(100, nil)

	b.Record(50*time.Millisecond, 500)
	assert.Equal(t, 200, b.BatchSize())

	// No growth without a backlog larger than the batch size
	b.Record(50*time.Millisecond, 100)
	assert.Equal(t, 200, b.BatchSize())
}

func TestAdaptiveBatcher_CapAtMax(t *testing.T) {
	b := NewAdaptiveBatcher(800, nil)

	b.Record(10*time.Millisecond, 5000)
	assert.Equal(t, 1000, b.BatchSize())

	b.Record(10*time.Millisecond, 5000)
	assert.Equal(t, 1000, b.BatchSize())
}

func TestAdaptiveBatcher_AverageOverWindow(t *testing.T) {
	b := NewAdaptiveBatcher(100, nil)

	// Fill the window with slow samples, then confirm fresh fast samples
	// eventually pull the average back down
	for i := 0; i < batcherSampleWindow; i++ {
		b.Record(600*time.Millisecond, 0)
	}
	assert.Equal(t, 1, b.BatchSize())

	for i := 0; i < batcherSampleWindow; i++ {
		b.Record(10*time.Millisecond, 10)
	}
	assert.Less(t, b.AverageProcessingTime(), batcherFastAvg)
	assert.Greater(t, b.BatchSize(), 1)
}
