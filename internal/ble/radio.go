package ble

import (
	"log/slog"
	"sync"

	"github.com/chaz8081/meshprov/internal/metrics"
)

// Radio tracks whether the Bluetooth radio is powered. Subscribers are told
// about every change.
type Radio struct {
	mu      sync.Mutex
	enabled bool
	nextID  int
	subs    map[int]func(enabled bool)
}

// NewRadio returns a radio in the given state.
func NewRadio(enabled bool) *Radio {
	r := &Radio{enabled: enabled, subs: make(map[int]func(bool))}
	metrics.RadioEnabled.Set(boolGauge(enabled))
	return r
}

// IsEnabled reports the current state.
func (r *Radio) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Subscribe registers fn for state changes and returns a function that
// removes it.
func (r *Radio) Subscribe(fn func(enabled bool)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// SetEnabled records a new state and notifies subscribers if it changed.
func (r *Radio) SetEnabled(enabled bool) {
	r.mu.Lock()
	if r.enabled == enabled {
		r.mu.Unlock()
		return
	}
	r.enabled = enabled
	subs := make([]func(bool), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	metrics.RadioEnabled.Set(boolGauge(enabled))
	slog.Info("[BLE] radio state changed", "enabled", enabled)
	for _, fn := range subs {
		fn(enabled)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
