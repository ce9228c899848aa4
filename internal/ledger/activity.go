package ledger

import "time"

// Level is the severity of an activity entry
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

const (
	// maxActivity triggers a trim once the log grows past it
	maxActivity = 1000
	// keepActivity is how many of the most recent entries survive a trim
	keepActivity = 500
)

// Activity is one entry in the ledger's audit log
type Activity struct {
	At      time.Time         `json:"at"`
	Level   Level             `json:"level"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}
