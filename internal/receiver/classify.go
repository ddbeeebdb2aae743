package receiver

import (
	"github.com/ChuLiYu/candlepin-async/internal/joberr"
	"github.com/ChuLiYu/candlepin-async/internal/metrics"
)

// Action settles a handled message
type Action int

const (
	// Commit settles the message; it is never redelivered
	Commit Action = iota
	// Rollback returns the message to the broker for redelivery
	Rollback
)

func (a Action) String() string {
	if a == Commit {
		return metrics.ActionCommit
	}
	return metrics.ActionRollback
}

// Disposition is what the receiver does with a message once the job manager
// has returned
type Disposition struct {
	Action Action
	// DeadLetter is set when the message is committed but the job needs
	// manual reconciliation
	DeadLetter bool
	Reason     string
}

// Classify maps the outcome of JobManager.ExecuteJob to a disposition.
//
//	nil                                     commit
//	execution failure                       commit (status already records it)
//	state failure, non-terminal target      rollback
//	state failure, terminal/unknown target  commit + dead letter
//	dispatch failure                        rollback
//	initialization failure, terminal        commit (nothing left to run)
//	initialization failure, non-terminal    rollback
//	other job error, terminal               commit + dead letter
//	other job error, non-terminal           rollback
//	anything else                           rollback
func Classify(err error) Disposition {
	if err == nil {
		return Disposition{Action: Commit, Reason: "job completed"}
	}

	jerr, ok := joberr.As(err)
	if !ok {
		return Disposition{Action: Rollback, Reason: "unexpected error"}
	}

	switch jerr.Kind {
	case joberr.KindExecution:
		return Disposition{Action: Commit, Reason: "job execution failed"}

	case joberr.KindStateManagement:
		intended := jerr.IntendedState
		if !intended.IsKnown() || intended.IsTerminal() {
			return Disposition{Action: Commit, DeadLetter: true, Reason: "unable to record terminal job state"}
		}
		return Disposition{Action: Rollback, Reason: "unable to record job state"}

	case joberr.KindDispatch:
		return Disposition{Action: Rollback, Reason: "unable to dispatch retry message"}

	case joberr.KindInitialization:
		if jerr.Terminal {
			return Disposition{Action: Commit, Reason: "job cannot be started"}
		}
		return Disposition{Action: Rollback, Reason: "job is not ready to start"}
	}

	if jerr.Terminal {
		return Disposition{Action: Commit, DeadLetter: true, Reason: "terminal job error"}
	}
	return Disposition{Action: Rollback, Reason: "job error"}
}
