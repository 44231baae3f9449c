package pipeline

// State is a pipeline lifecycle position.
type State string

// Pipeline states. A run moves Idle, Archiving, Authenticating, Uploading, Cleanup and
// ends in Done or Failed. Failures in the first three steps still pass through Cleanup.
const (
	StateIdle           State = "idle"
	StateArchiving      State = "archiving"
	StateAuthenticating State = "authenticating"
	StateUploading      State = "uploading"
	StateCleanup        State = "cleanup"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
