package health

import (
	"sort"
	"sync"
	"time"
)

// JobStatus summarizes the recent runs of one background job.
type JobStatus struct {
	Name        string     `json:"name"`
	LastRun     *time.Time `json:"lastRun"`
	LastSuccess *time.Time `json:"lastSuccess"`
	LastError   string     `json:"lastError,omitempty"`
	Failures    int        `json:"consecutiveFailures"`
	Stale       bool       `json:"stale"`
}

type job struct {
	maxAge      time.Duration
	lastRun     time.Time
	lastSuccess time.Time
	lastError   string
	failures    int
}

// Tracker records job outcomes for the status endpoint.
type Tracker struct {
	mu      sync.Mutex
	jobs    map[string]*job
	started time.Time
	active  bool
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{jobs: make(map[string]*job), started: now(), active: true, now: now}
}

// SetActive turns staleness checks on or off. Jobs are never stale while the
// pipeline running them is stopped, and on activation their age is measured
// from that moment.
func (t *Tracker) SetActive(active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if active && !t.active {
		t.started = t.now()
	}
	t.active = active
}

// Expect registers a job that is stale once it has not succeeded for maxAge.
func (t *Tracker) Expect(name string, maxAge time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(name).maxAge = maxAge
}

func (t *Tracker) get(name string) *job {
	j, ok := t.jobs[name]
	if !ok {
		j = &job{}
		t.jobs[name] = j
	}
	return j
}

// Observe records one run of a job.
func (t *Tracker) Observe(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j := t.get(name)
	now := t.now()
	j.lastRun = now
	if err != nil {
		j.lastError = err.Error()
		j.failures++
		return
	}
	j.lastSuccess = now
	j.lastError = ""
	j.failures = 0
}

// Snapshot returns every job sorted by name. A job with a max age is stale
// once neither its last success nor the last activation is within that age.
func (t *Tracker) Snapshot() []JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	out := make([]JobStatus, 0, len(t.jobs))
	for name, j := range t.jobs {
		st := JobStatus{Name: name, LastError: j.lastError, Failures: j.failures}
		if !j.lastRun.IsZero() {
			at := j.lastRun
			st.LastRun = &at
		}
		ref := t.started
		if !j.lastSuccess.IsZero() {
			at := j.lastSuccess
			st.LastSuccess = &at
			if at.After(ref) {
				ref = at
			}
		}
		st.Stale = t.active && j.maxAge > 0 && now.Sub(ref) > j.maxAge
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Healthy reports whether no job is stale.
func (t *Tracker) Healthy() bool {
	for _, st := range t.Snapshot() {
		if st.Stale {
			return false
		}
	}
	return true
}
