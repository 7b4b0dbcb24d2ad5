package state

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition can leave s.
func (s JobStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// IsValid reports whether s is one of the known statuses.
func (s JobStatus) IsValid() bool {
	for _, status := range AllStatuses {
		if status == s {
			return true
		}
	}
	return false
}

var AllStatuses = []JobStatus{
	StatusQueued,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusCancelled,
}

type Transition struct {
	From JobStatus
	To   JobStatus
}

// ValidTransitions is the job state machine. running -> queued is only taken
// when a failed attempt still has attempts left.
var ValidTransitions = []Transition{
	{From: StatusQueued, To: StatusRunning},
	{From: StatusQueued, To: StatusCancelled},
	{From: StatusRunning, To: StatusSucceeded},
	{From: StatusRunning, To: StatusFailed},
	{From: StatusRunning, To: StatusCancelled},
	{From: StatusRunning, To: StatusQueued},
}

func IsValidTransition(from, to JobStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
