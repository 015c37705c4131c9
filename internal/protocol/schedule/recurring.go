package schedule

import (
	"sync"
	"time"
)

type State int

const (
	StateIdle State = iota
	StatePendingStartup
	StatePeriodic
)

func (s State) String() string {
	switch s {
	case StatePendingStartup:
		return "pending_startup"
	case StatePeriodic:
		return "periodic"
	default:
		return "idle"
	}
}

// Recurring drives one periodic task, such as announcing or syncing. On
// start it either runs the action at once, waits out a startup delay, or
// only arms the periodic timer. Each periodic fire re-arms the next one
// before running the action.
type Recurring struct {
	Startup      bool
	StartupDelay time.Duration
	Periodic     bool
	Interval     time.Duration
	Action       func()

	sched Scheduler

	mu      sync.Mutex
	state   State
	token   Token
	started bool
	stopped bool
}

func NewRecurring(sched Scheduler) *Recurring {
	return &Recurring{sched: sched}
}

func (r *Recurring) Start() {
	r.mu.Lock()
	r.started = true
	r.stopped = false
	r.mu.Unlock()
	r.fire(true)
}

// Reschedule changes the periodic settings. A started task re-arms its
// periodic timer from now; a pending startup fire is kept and picks up the
// new interval when it runs.
func (r *Recurring) Reschedule(periodic bool, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Periodic = periodic
	r.Interval = interval
	if !r.started || r.stopped || r.state == StatePendingStartup {
		return
	}

	r.cancelLocked()
	r.state = StateIdle
	if periodic && interval > 0 {
		r.token = r.sched.Schedule(interval, func() { r.fire(false) })
		r.state = StatePeriodic
	}
}

// Trigger runs the action now without touching the timers.
func (r *Recurring) Trigger() {
	if r.Action != nil {
		r.Action()
	}
}

// Stop cancels the pending fire. A fire already running completes but does
// not re-arm.
func (r *Recurring) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.cancelLocked()
	r.state = StateIdle
}

func (r *Recurring) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recurring) fire(initial bool) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}

	r.token = 0
	r.state = StateIdle
	if r.Periodic && r.Interval > 0 {
		r.token = r.sched.Schedule(r.Interval, func() { r.fire(false) })
		r.state = StatePeriodic
	}

	if initial {
		if !r.Startup {
			r.mu.Unlock()
			return
		}
		if r.StartupDelay > 0 {
			r.cancelLocked()
			r.token = r.sched.Schedule(r.StartupDelay, func() { r.fire(false) })
			r.state = StatePendingStartup
			r.mu.Unlock()
			return
		}
	}
	r.mu.Unlock()

	if r.Action != nil {
		r.Action()
	}
}

func (r *Recurring) cancelLocked() {
	if r.token != 0 {
		r.sched.Cancel(r.token)
		r.token = 0
	}
}
