package supervisor

// Status is the state of the dev server slot.
type Status int32

const (
	Absent Status = iota
	Starting
	Ready
	TimedOut
	Stopped
)

func (s Status) String() string {
	switch s {
	case Absent:
		return "absent"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// canTransition encodes the forward-only state machine:
//
//	Absent -> Starting -> Ready | TimedOut
//	any non-Stopped -> Stopped
//	Stopped -> Absent (start of a new cycle)
func canTransition(from, to Status) bool {
	switch to {
	case Starting:
		return from == Absent
	case Ready, TimedOut:
		return from == Starting
	case Stopped:
		return from != Stopped
	case Absent:
		return from == Stopped
	}
	return false
}
