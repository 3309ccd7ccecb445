package monitor

import (
	"sync"
	"time"
)

const windowSeconds = 5

// RateWindow counts events in a 5s sliding window of one-second buckets.
// Used to report how fast the node fires head notifications.
type RateWindow struct {
	buckets    [windowSeconds]int
	currentPos int
	lastTick   time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewRateWindow() *RateWindow {
	return NewRateWindowWithClock(time.Now)
}

// NewRateWindowWithClock 测试用，注入时钟
func NewRateWindowWithClock(now func() time.Time) *RateWindow {
	return &RateWindow{
		lastTick: now(),
		now:      now,
	}
}

// Record adds count events to the current second
func (m *RateWindow) Record(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advance(m.now())
	m.buckets[m.currentPos] += count
}

// advance 推进窗口并清空经过的桶
func (m *RateWindow) advance(now time.Time) {
	elapsed := int(now.Sub(m.lastTick).Seconds())
	if elapsed < 1 {
		return
	}
	if elapsed >= windowSeconds {
		for i := range m.buckets {
			m.buckets[i] = 0
		}
		m.currentPos = 0
	} else {
		for i := 0; i < elapsed; i++ {
			m.currentPos = (m.currentPos + 1) % windowSeconds
			m.buckets[m.currentPos] = 0
		}
	}
	m.lastTick = m.lastTick.Add(time.Duration(elapsed) * time.Second)
}

// PerSecond returns the average event rate over the window
func (m *RateWindow) PerSecond() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advance(m.now())

	sum := 0
	for _, b := range m.buckets {
		sum += b
	}
	return float64(sum) / windowSeconds
}
