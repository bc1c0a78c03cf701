package ferry

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Meter averages the transfer speed over the last samples taken at a fixed
// interval.
type Meter struct {
	mu       sync.Mutex
	interval time.Duration
	samples  []float64
	next     int
	count    int
	last     int64
}

func NewMeter(samples int, interval time.Duration) *Meter {
	if samples < 1 {
		samples = 1
	}
	return &Meter{interval: interval, samples: make([]float64, samples)}
}

// Sample records the bytes moved since the previous sample and returns the
// average speed in bytes per second.
func (m *Meter) Sample(transferred int64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	delta := max(transferred-m.last, 0)
	m.last = transferred
	m.samples[m.next] = float64(delta) / m.interval.Seconds()
	m.next = (m.next + 1) % len(m.samples)
	if m.count < len(m.samples) {
		m.count++
	}
	return m.speed()
}

func (m *Meter) Speed() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speed()
}

func (m *Meter) speed() float64 {
	if m.count == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < m.count; i++ {
		sum += m.samples[i]
	}
	return sum / float64(m.count)
}

func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.samples)
	m.next = 0
	m.count = 0
	m.last = 0
}

// TimeRemaining estimates how long the rest of size takes at speed. It is
// unknown while nothing moves.
func TimeRemaining(size, transferred int64, speed float64) (time.Duration, bool) {
	if speed <= 0 {
		return 0, false
	}
	left := max(size-transferred, 0)
	return time.Duration(float64(left) / speed * float64(time.Second)), true
}

func RemainingText(remaining time.Duration, known bool) string {
	if !known {
		return "Unknown"
	}
	if remaining >= time.Minute {
		return fmt.Sprintf("%d minutes remaining.", int(remaining.Minutes()))
	}
	return fmt.Sprintf("%d seconds remaining.", int(remaining.Seconds()))
}

// FormatClock renders an elapsed time as MM:SS, or HH:MM:SS from one hour on.
func FormatClock(d time.Duration) string {
	total := int64(d / time.Second)
	h, m, s := total/3600, total%3600/60, total%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// DataMessage is the text of a data event, e.g.
// "12 MB of 50 MB (1.2 MB/sec, 31 seconds remaining.)".
func DataMessage(transferred, size int64, speed float64, remaining time.Duration, known bool) string {
	return fmt.Sprintf("%s of %s (%s/sec, %s)",
		humanize.Bytes(uint64(max(transferred, 0))),
		humanize.Bytes(uint64(max(size, 0))),
		humanize.Bytes(uint64(speed)),
		RemainingText(remaining, known),
	)
}
