package registry

// Status is the lifecycle state of an import job
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// transitions lists the allowed next states. Terminal states have none.
var transitions = map[Status][]Status{
	StatusPending:     {StatusDownloading, StatusFailed},
	StatusDownloading: {StatusProcessing, StatusFailed},
	StatusProcessing:  {StatusCompleted, StatusFailed},
	StatusCompleted:   nil,
	StatusFailed:      nil,
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is in the transition table
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Progress is the UI progress percentage for a status
func (s Status) Progress() int {
	switch s {
	case StatusDownloading:
		return 30
	case StatusProcessing:
		return 70
	case StatusCompleted, StatusFailed:
		return 100
	default:
		return 0
	}
}
