package node

import "time"

// State is the controller lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the controller, safe to take from any
// goroutine.
type Status struct {
	State           State
	Uptime          time.Duration
	Port            int
	Cipher          string
	AppliedUsers    int64
	PendingUpload   uint64
	PendingDownload uint64
	LastSync        time.Time
	LastReport      time.Time
	ReportFailures  int64
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

// State returns the current lifecycle phase.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	st := Status{
		State:          c.State(),
		Uptime:         time.Since(c.createdAt),
		AppliedUsers:   c.appliedCount.Load(),
		LastSync:       unixTime(c.lastSync.Load()),
		LastReport:     unixTime(c.lastReport.Load()),
		ReportFailures: c.reportFailures.Load(),
	}
	if cfg := c.current.Load(); cfg != nil {
		st.Port = cfg.Port
		st.Cipher = cfg.Cipher
	}
	st.PendingUpload, st.PendingDownload = c.acc.Pending()
	return st
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
