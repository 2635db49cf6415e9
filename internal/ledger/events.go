package ledger

import "time"

// EventType enumerates structured install events.
//
// These values are persisted in the sqlite store and rendered by the CLI
// progress printer.
type EventType string

const (
	RunStarted   EventType = "RUN_STARTED"
	RunCompleted EventType = "RUN_COMPLETED"

	PackageRunning   EventType = "PACKAGE_RUNNING"
	PackageSucceeded EventType = "PACKAGE_SUCCEEDED"
	PackageFailed    EventType = "PACKAGE_FAILED"
	PackageSkipped   EventType = "PACKAGE_SKIPPED"

	RetryScheduled EventType = "RETRY_SCHEDULED"
)

// Event is one step of a run.
type Event struct {
	Type    EventType `json:"type"`
	TS      time.Time `json:"ts"`
	RunID   string    `json:"runId"`
	Package string    `json:"package,omitempty"`
	Method  string    `json:"method,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Message string    `json:"message,omitempty"`
	// Status is the ledger status the event moves the package to.
	Status       Status `json:"status,omitempty"`
	ErrorKind    string `json:"errorKind,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type Observer interface {
	ObserveEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) ObserveEvent(ev Event) {
	if f == nil {
		return
	}
	f(ev)
}
