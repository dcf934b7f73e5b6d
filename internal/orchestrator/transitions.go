package orchestrator

import "github.com/riordanpawley/azedarach/internal/session"

// Command names a user-issued operation. They double as the Op of
// InvalidTransitionError and CommandFailedEvent.
type Command string

// Commands exposed to the control layer.
const (
	CmdStart     Command = "start"
	CmdPause     Command = "pause"
	CmdResume    Command = "resume"
	CmdStop      Command = "stop"
	CmdCleanup   Command = "cleanup"
	CmdUpdate    Command = "update"
	CmdMerge     Command = "merge"
	CmdPR        Command = "pr"
	CmdDevServer Command = "dev"
)

// Allowed reports whether cmd may run while a session is in from.
//
//	start            idle
//	pause            busy, waiting
//	resume           paused
//	stop             any state but idle
//	cleanup          any state
//	update/merge/pr  any state but initializing
//	dev              busy, waiting, paused, done, error
func Allowed(cmd Command, from session.State) bool {
	switch cmd {
	case CmdStart:
		return from == session.StateIdle
	case CmdPause:
		return from == session.StateBusy || from == session.StateWaiting
	case CmdResume:
		return from == session.StatePaused
	case CmdStop:
		return from != session.StateIdle
	case CmdCleanup:
		return true
	case CmdUpdate, CmdMerge, CmdPR:
		return from != session.StateInitializing
	case CmdDevServer:
		return from.IsActive() && from != session.StateInitializing
	}
	return false
}

// acceptsDetected reports whether a detector result may move a session out
// of from. Only monitored sessions follow the detector, and the detector
// never produces Idle, Initializing or Paused for them.
func acceptsDetected(from, to session.State) bool {
	if from == to || !from.IsMonitored() {
		return false
	}
	switch to {
	case session.StateBusy, session.StateWaiting, session.StateDone, session.StateError:
		return true
	}
	return false
}
