package task

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/angas/nordpool2influx/types"
	"github.com/angas/nordpool2influx/types/maybe"
)

const keepRunRecords = 100

type AreaStatus struct {
	Area        types.BiddingArea      `json:"area"`
	State       State                  `json:"state"`
	Running     bool                   `json:"running"`
	LastRun     maybe.Maybe[time.Time] `json:"lastRun"`
	LastOutcome string                 `json:"lastOutcome"` // "succeeded" or a failure reason
	LastError   string                 `json:"lastError,omitempty"`
	LastSuccess maybe.Maybe[time.Time] `json:"lastSuccess"`
	NextRetry   maybe.Maybe[time.Time] `json:"nextRetry"`
}

type areaEntry struct {
	status AreaStatus
	retry  *time.Timer
}

// RunRegistry is the process wide scheduler state, keyed by area. It holds
// the exclusion token that keeps two runs of one area apart, the latest
// outcome per area, pending retry timers and recent run records.
type RunRegistry struct {
	mu    sync.Mutex
	areas map[types.BiddingArea]*areaEntry
	runs  []types.RunRecord
}

func NewRunRegistry(areas []types.BiddingArea) *RunRegistry {
	r := &RunRegistry{areas: make(map[types.BiddingArea]*areaEntry, len(areas))}
	for _, a := range areas {
		r.entry(a)
	}
	return r
}

func (r *RunRegistry) entry(area types.BiddingArea) *areaEntry {
	e, ok := r.areas[area]
	if !ok {
		e = &areaEntry{status: AreaStatus{Area: area, State: StateIdle}}
		r.areas[area] = e
	}
	return e
}

// TryAcquire takes the exclusion token of the area. It returns false if a
// run for the area is already in progress. release must be called exactly
// once when the run is done.
func (r *RunRegistry) TryAcquire(area types.BiddingArea) (release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(area)
	if e.status.Running {
		return nil, false
	}
	e.status.Running = true

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			e.status.Running = false
			e.status.State = StateIdle
		})
	}, true
}

func (r *RunRegistry) SetState(area types.BiddingArea, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(area).status.State = s
}

// Finish records the outcome of an area run. reason is empty on success.
func (r *RunRegistry) Finish(area types.BiddingArea, at time.Time, reason string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(area)
	e.status.LastRun = maybe.Some(at)
	e.status.LastError = ""
	if reason == "" {
		e.status.LastOutcome = "succeeded"
		e.status.LastSuccess = maybe.Some(at)
		return
	}
	e.status.LastOutcome = reason
	if err != nil {
		e.status.LastError = err.Error()
	}
}

// ScheduleRetry arms fn to run after d, replacing any pending retry of the area.
func (r *RunRegistry) ScheduleRetry(area types.BiddingArea, at time.Time, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(area)
	if e.retry != nil {
		e.retry.Stop()
	}
	e.status.NextRetry = maybe.Some(at.Add(d))
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		r.mu.Lock()
		if e.retry == t {
			e.retry = nil
			e.status.NextRetry = maybe.None[time.Time]()
		}
		r.mu.Unlock()
		fn()
	})
	e.retry = t
}

// CancelRetry stops a pending retry of the area, if any.
func (r *RunRegistry) CancelRetry(area types.BiddingArea) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(area)
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	e.status.NextRetry = maybe.None[time.Time]()
}

// Stop cancels every pending retry.
func (r *RunRegistry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.areas {
		if e.retry != nil {
			e.retry.Stop()
			e.retry = nil
		}
		e.status.NextRetry = maybe.None[time.Time]()
	}
}

func (r *RunRegistry) Record(rec types.RunRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, rec)
	if len(r.runs) > keepRunRecords {
		r.runs = slices.Clone(r.runs[len(r.runs)-keepRunRecords:])
	}
}

// Runs returns up to limit run records, newest first.
func (r *RunRegistry) Runs(limit int) []types.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.runs) {
		limit = len(r.runs)
	}
	out := make([]types.RunRecord, 0, limit)
	for i := len(r.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.runs[i])
	}
	return out
}

func (r *RunRegistry) Status() []AreaStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AreaStatus, 0, len(r.areas))
	for _, e := range r.areas {
		out = append(out, e.status)
	}
	slices.SortFunc(out, func(a, b AreaStatus) int {
		return cmp.Compare(a.Area, b.Area)
	})
	return out
}

func (r *RunRegistry) AreaStatus(area types.BiddingArea) AreaStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entry(area).status
}
