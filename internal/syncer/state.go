package syncer

import (
	"time"
)

// DisabledReasonSyncError is the reason recorded when the state machine
// disables a directory, as opposed to an operator doing it by hand.
const DisabledReasonSyncError = "Sync error"

// Action is what the state machine wants done to a directory after a run.
type Action int

const (
	// ActionClearError re-enables the directory and clears its error
	// fields after a successful run.
	ActionClearError Action = iota

	// ActionMarkTransient records the error message and anchors
	// errored_at at the first failure of the current streak.
	ActionMarkTransient

	// ActionDisable disables the directory until an operator intervenes.
	ActionDisable
)

// NextAction is the directory state transition for one run outcome.
// erroredAt is the anchor of the current transient streak (nil when the
// last run succeeded); a streak older than promoteAfter is promoted to a
// permanent failure even though each individual error was transient.
func NextAction(kind Kind, failed bool, erroredAt *time.Time, now time.Time, promoteAfter time.Duration) Action {
	if !failed {
		return ActionClearError
	}
	if kind == KindClientError {
		return ActionDisable
	}
	if erroredAt != nil && now.Sub(*erroredAt) >= promoteAfter {
		return ActionDisable
	}
	return ActionMarkTransient
}
