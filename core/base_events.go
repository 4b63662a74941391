package core

// CriticalErrorEvent terminates the call it is raised in. Handlers send it to
// the top of the pipeline; the runner stops on receipt.
type CriticalErrorEvent struct {
	Source string
	Error  string
}

func (e *CriticalErrorEvent) GetId() string {
	return "shared.critical_error"
}

// WarningEvent reports a recoverable problem. It travels down the pipeline
// and is logged by whoever consumes it last.
type WarningEvent struct {
	Source string
	Error  string
}

func (e *WarningEvent) GetId() string {
	return "shared.warning"
}

// EndCallEvent is fired when the call should end gracefully.
// The runner handles it by stopping the pipeline.
type EndCallEvent struct {
	Reason string
}

func (e *EndCallEvent) GetId() string {
	return "shared.end_call"
}
