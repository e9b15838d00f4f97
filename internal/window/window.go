package window

import (
	"sort"
	"sync"

	"energy_monitor/internal/model"
)

// Merge upserts incoming samples into existing by ID and returns the result
// sorted ascending by timestamp. A later sample with an ID already present
// replaces the earlier one. Samples without a timestamp are dropped.
// existing is not modified.
func Merge(existing []model.Sample, incoming ...model.Sample) []model.Sample {
	byID := make(map[int64]int, len(existing)+len(incoming))
	out := make([]model.Sample, 0, len(existing)+len(incoming))

	add := func(s model.Sample) {
		if s.Timestamp.IsZero() {
			return
		}
		if i, ok := byID[s.ID]; ok {
			out[i] = s
			return
		}
		byID[s.ID] = len(out)
		out = append(out, s)
	}
	for _, s := range existing {
		add(s)
	}
	for _, s := range incoming {
		add(s)
	}

	sortByTime(out)
	return out
}

// sortByTime orders by timestamp; equal timestamps fall back to ID so the
// visible order does not depend on arrival order.
func sortByTime(samples []model.Sample) {
	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].Timestamp.Equal(samples[j].Timestamp) {
			return samples[i].ID < samples[j].ID
		}
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
}

// Window is a bounded, ordered, de-duplicated buffer of the most recent
// samples of one subject.
type Window struct {
	mu      sync.RWMutex
	size    int
	samples []model.Sample
}

// New returns an empty window holding at most size samples.
func New(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{size: size}
}

// Merge applies samples and evicts the oldest entries beyond the window size.
func (w *Window) Merge(samples ...model.Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	merged := Merge(w.samples, samples...)
	if over := len(merged) - w.size; over > 0 {
		merged = merged[over:]
	}
	w.samples = merged
}

// Samples returns a copy of the window contents, oldest first.
func (w *Window) Samples() []model.Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]model.Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

// Latest returns the newest sample in the window.
func (w *Window) Latest() (model.Sample, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.samples) == 0 {
		return model.Sample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.samples)
}

func (w *Window) Size() int { return w.size }

// Reset drops every sample.
func (w *Window) Reset() {
	w.mu.Lock()
	w.samples = nil
	w.mu.Unlock()
}
