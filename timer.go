package productionline

import (
	"fmt"
	"sync"
	"time"
)

// Reserved marker labels used by the Builder.
const (
	RunMarker     = "$run"
	PrepareMarker = "$prepare"
)

// Marker is a named timing checkpoint.
type Marker struct {
	Label string
	// Start is the wall-clock start, stripped of its monotonic reading.
	Start time.Time

	mark time.Time
}

// Elapsed returns the monotonic time since the marker was started.
func (m Marker) Elapsed() time.Duration {
	return time.Since(m.mark)
}

// Timer maps labels to markers. Starting a label again replaces its marker.
type Timer struct {
	mu      sync.RWMutex
	markers map[string]Marker
}

func NewTimer() *Timer {
	return &Timer{markers: make(map[string]Marker)}
}

func (t *Timer) StartTime(label string) error {
	if label == "" {
		return ErrInvalidLabel.WithMessage(MsgInvalidLabel)
	}

	now := time.Now()
	t.mu.Lock()
	t.markers[label] = Marker{Label: label, Start: now.Round(0), mark: now}
	t.mu.Unlock()
	return nil
}

// TimeSince returns the seconds elapsed since label was started. The marker keeps running.
func (t *Timer) TimeSince(label string) (float64, error) {
	marker, ok := t.Marker(label)
	if !ok {
		return 0, ErrUnknownMarker.WithMessage(fmt.Sprintf(MsgUnknownMarker, label))
	}
	return marker.Elapsed().Seconds(), nil
}

func (t *Timer) Marker(label string) (Marker, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	marker, ok := t.markers[label]
	return marker, ok
}

// Len returns the number of registered markers.
func (t *Timer) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.markers)
}
