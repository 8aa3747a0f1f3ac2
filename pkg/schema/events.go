package schema

// Event type constants for the cell/run event stream.
const (
	EventCellUpdated   = "cell_updated"
	EventRunStarted    = "run_started"
	EventRunCompleted  = "run_completed"
	EventSweepStarted  = "sweep_started"
	EventSweepFinished = "sweep_finished"
	EventSandboxLive   = "sandbox_go_live"
)

// RunTrigger records why a run happened.
type RunTrigger string

const (
	RunTriggerManual  RunTrigger = "manual"
	RunTriggerAuto    RunTrigger = "auto"
	RunTriggerSandbox RunTrigger = "sandbox"
	RunTriggerLive    RunTrigger = "live"
)
