package schema

// Status is the closed status set shared by pipeline runs, step runs and jobs.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusWaiting     Status = "WAITING"
	StatusRunning     Status = "RUNNING"
	StatusInterrupted Status = "INTERRUPTED"
	StatusCompleted   Status = "COMPLETED"
	StatusError       Status = "ERROR"
	StatusCanceled    Status = "CANCELED"
)

// Terminal reports whether s is one of the three terminal statuses.
// Terminal statuses are write-once except by explicit recovery.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCanceled
}

// Valid reports whether s belongs to the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusWaiting, StatusRunning, StatusInterrupted,
		StatusCompleted, StatusError, StatusCanceled:
		return true
	}
	return false
}

// Statuses lists every member of the closed set, in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusPending, StatusWaiting, StatusRunning, StatusInterrupted,
		StatusCompleted, StatusError, StatusCanceled,
	}
}
