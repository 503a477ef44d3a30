package crawler

import "errors"

var (
	// ErrNotFound is returned by stores when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTaskNotPending is returned when a task could not be claimed because it left PENDING.
	ErrTaskNotPending = errors.New("task is not pending")
	// ErrNotRelaunchable is returned when a task outside FAILED/BROKEN is asked to relaunch.
	ErrNotRelaunchable = errors.New("task is not failed or broken")
	// ErrRuleChanged is returned when a selector was modified concurrently with a repair.
	ErrRuleChanged = errors.New("rule selector changed concurrently")
)
