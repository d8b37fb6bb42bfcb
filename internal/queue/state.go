package queue

// State is the lifecycle position of an evaluation job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) String() string {
	return string(s)
}

// Terminal reports whether no further automatic transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var AllStates = []State{
	StateWaiting,
	StateActive,
	StateCompleted,
	StateFailed,
}

type Transition struct {
	From State
	To   State
}

// ValidTransitions lists every edge a job may take. failed -> waiting is only
// ever realised by a retry, which admits a fresh job for the submission.
var ValidTransitions = []Transition{
	{From: StateWaiting, To: StateActive},
	{From: StateActive, To: StateCompleted},
	{From: StateActive, To: StateFailed},
	{From: StateFailed, To: StateWaiting},
}

func IsValidTransition(from, to State) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
