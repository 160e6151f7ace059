package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testSizer() *Sizer {
	return New(Config{
		Min:            10,
		Max:            1000,
		Initial:        100,
		Step:           10,
		DepthThreshold: 1000,
		LoadThreshold:  0.8,
	}, nil, nil)
}

func TestGrowsUnderBacklog(t *testing.T) {
	s := testSizer()
	// Queue depth 5000, CPU 0.5, current 100: next adjustment is 110.
	s.adjust(5000, 0.5, 0)
	assert.Equal(t, 110, s.Current())
}

func TestShrinksWhenQueueDrains(t *testing.T) {
	s := testSizer()
	s.adjust(100, 0.5, 0) // below threshold/2
	assert.Equal(t, 90, s.Current())
}

func TestShrinksUnderHighLoad(t *testing.T) {
	s := testSizer()
	s.adjust(5000, 0.95, 0) // backlog, but the CPU is saturated
	assert.Equal(t, 90, s.Current())
}

func TestSteadyStateUnchanged(t *testing.T) {
	s := testSizer()
	s.adjust(700, 0.75, 50*time.Millisecond)
	assert.Equal(t, 100, s.Current())
}

func TestFastPersistEncouragesGrowth(t *testing.T) {
	s := testSizer()
	s.adjust(700, 0.5, 2*time.Millisecond)
	assert.Equal(t, 110, s.Current())
}

func TestClampAtBounds(t *testing.T) {
	s := testSizer()
	// Ceiling: repeated growth never crosses max.
	for i := 0; i < 200; i++ {
		s.adjust(5000, 0.1, 0)
	}
	assert.Equal(t, 1000, s.Current())

	// Floor: repeated shrink never crosses min.
	for i := 0; i < 200; i++ {
		s.adjust(0, 0.99, 0)
	}
	assert.Equal(t, 10, s.Current())
}

func TestObserverNotifiedOnChange(t *testing.T) {
	s := testSizer()
	var got []int
	s.Subscribe(func(size int) { got = append(got, size) })

	s.adjust(5000, 0.5, 0)
	s.adjust(700, 0.75, 0) // unchanged, no notification
	s.adjust(100, 0.5, 0)

	assert.Equal(t, []int{110, 100}, got)
}

func TestObservePersistFeedsAverage(t *testing.T) {
	s := testSizer()
	s.ObservePersist(5*time.Millisecond, 10) // 0.5ms per item
	avg := s.takeAvgPersist()
	assert.Equal(t, 500*time.Microsecond, avg)
	// Drained after read.
	assert.Equal(t, time.Duration(0), s.takeAvgPersist())
}

func TestDefaultsApplied(t *testing.T) {
	s := New(Config{}, nil, nil)
	assert.Equal(t, 100, s.Current())
}
