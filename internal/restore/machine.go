package restore

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Restore phases. A run enters them in order; a single-application restore
// skips the preconditions and the runtime restart.
const (
	statePending           = "pending"
	statePlan              = "plan"
	statePreconditions     = "preconditions"
	stateVolumeRollback    = "volume_rollback"
	stateRuntimeRestart    = "runtime_restart"
	statePlatformResources = "platform_resources"
	stateAppRestore        = "app_restore"
	stateRedeployDrain     = "redeploy_drain"
	stateDatabaseRestore   = "database_restore"
	stateReport            = "report"
	stateAborted           = "aborted"

	eventAbort = "abort"
)

// StateReport and StateAborted are the terminal states a Report can carry.
const (
	StateReport  = stateReport
	StateAborted = stateAborted
)

func newMachine(logger zerolog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		statePending,
		fsm.Events{
			{Name: statePlan, Src: []string{statePending}, Dst: statePlan},
			{Name: statePreconditions, Src: []string{statePlan}, Dst: statePreconditions},
			{Name: stateVolumeRollback, Src: []string{statePlan, statePreconditions}, Dst: stateVolumeRollback},
			{Name: stateRuntimeRestart, Src: []string{stateVolumeRollback}, Dst: stateRuntimeRestart},
			{Name: statePlatformResources, Src: []string{stateVolumeRollback, stateRuntimeRestart}, Dst: statePlatformResources},
			{Name: stateAppRestore, Src: []string{statePlatformResources}, Dst: stateAppRestore},
			{Name: stateRedeployDrain, Src: []string{stateAppRestore}, Dst: stateRedeployDrain},
			{Name: stateDatabaseRestore, Src: []string{stateRedeployDrain}, Dst: stateDatabaseRestore},
			{Name: stateReport, Src: []string{stateDatabaseRestore}, Dst: stateReport},
			{
				Name: eventAbort,
				Src: []string{
					statePlan, statePreconditions, stateVolumeRollback, stateRuntimeRestart,
					statePlatformResources, stateAppRestore, stateRedeployDrain, stateDatabaseRestore,
				},
				Dst: stateAborted,
			},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("Restore phase changed")
			},
		},
	)
}
