package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/thane-runtime/internal/events"
)

// DailyCounts tallies runtime activity from the event stream and
// resets at local midnight. It is safe for concurrent use.
type DailyCounts struct {
	mu       sync.Mutex
	counts   DailySnapshot
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// DailySnapshot is a copy of the counters.
type DailySnapshot struct {
	Executions      int64 `json:"executions"`
	ExecFailures    int64 `json:"exec_failures"`
	ToolCalls       int64 `json:"tool_calls"`
	SessionsCreated int64 `json:"sessions_created"`
	ServerErrors    int64 `json:"server_errors"`
}

// NewDailyCounts creates a counter set using loc for midnight
// detection. A nil loc means [time.Local].
func NewDailyCounts(loc *time.Location) *DailyCounts {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounts{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Observe counts one event. Events that carry nothing worth counting
// are ignored.
func (d *DailyCounts) Observe(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()

	switch e.Kind {
	case events.KindExecDone:
		d.counts.Executions++
		if ok, _ := e.Data["ok"].(bool); !ok {
			d.counts.ExecFailures++
		}
	case events.KindToolDone:
		d.counts.ToolCalls++
	case events.KindSessionCreated:
		d.counts.SessionsCreated++
	case events.KindServerError:
		d.counts.ServerErrors++
	}
}

// Snapshot returns today's counts.
func (d *DailyCounts) Snapshot() DailySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return d.counts
}

// maybeReset zeroes the counters when the local day has changed.
// Must be called with d.mu held.
func (d *DailyCounts) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.counts = DailySnapshot{}
		d.resetDay = today
	}
}
