// Package state derives the current state of a run by folding its event log.
// Fold functions are pure: replaying the same events always yields the same
// state, which is what makes snapshots, branches, and crash recovery safe.
package state

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run statuses. Pending -> Running -> {Completed, Failed, Cancelled}, with
// Paused reachable from and returning to Running.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further events should alter the run.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StageStatus is the lifecycle state of one stage within a run.
type StageStatus string

// Stage statuses. Waiting -> Running -> {Completed, Failed, Skipped}, with
// Failed -> Running again on retry.
const (
	StageWaiting   StageStatus = "waiting"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Terminal reports whether the stage will not run again.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageSkipped
}

// SkipReason explains why a stage was skipped.
type SkipReason string

// Skip reasons. Only dependency propagation produces skips today; the reason
// is recorded for observability.
const (
	SkipDependency SkipReason = "dependency"
)
