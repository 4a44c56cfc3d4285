package lifecycle

import (
	"sync/atomic"
	"time"
)

// State tracks process lifetime: start time and whether shutdown has begun.
// /health reports shutting-down while draining.
type State struct {
	started      time.Time
	shuttingDown atomic.Bool
}

func New(started time.Time) *State {
	return &State{started: started}
}

// BeginShutdown marks the process as draining. Call when SIGTERM/SIGINT is received.
func (s *State) BeginShutdown() {
	s.shuttingDown.Store(true)
}

// ShuttingDown reports whether the process is draining and should not receive new traffic.
func (s *State) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Uptime returns time since start.
func (s *State) Uptime() time.Duration {
	return time.Since(s.started)
}
