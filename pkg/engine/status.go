package engine

import "fmt"

// Status is the run state of the engine.
type Status int

const (
	Idle Status = iota
	Running
	Stopping
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// allowed lists the legal status transitions.
var allowed = map[Status][]Status{
	Idle:     {Running},
	Running:  {Stopping, Idle},
	Stopping: {Idle},
}

// transition moves the engine from one status to another. Caller holds e.mu.
func (e *Engine) transition(from, to Status) error {
	if e.status != from {
		return fmt.Errorf("status is %s, not %s", e.status, from)
	}
	for _, s := range allowed[from] {
		if s == to {
			e.status = to
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", from, to)
}
