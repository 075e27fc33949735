package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// AbortStep is one step of the MANUAL_ABORT sequence: an ordered,
// critical/non-critical action with its own timeout, adapted from
// internal/failsafe/emergency.go's ProcedureStep shape, simplified from
// that package's Primary/Backup/Emergency redundancy framing into the
// single linear sequence spec.md's MANUAL_ABORT state actually performs:
// cut throttle, disarm the mixer, and record why.
type AbortStep struct {
	Description string
	Action      func(context.Context) error
	Critical    bool
	Timeout     time.Duration
}

// AbortProcedure runs an ordered sequence of AbortSteps once
// MANUAL_ABORT is entered, logging progress and stopping at the first
// critical failure — matching failsafe.ExecuteProcedure's loop, minus
// the emergency-type map dispatch (this state machine has exactly one
// abort procedure, not a family keyed by failure type).
type AbortProcedure struct {
	Steps []AbortStep
	Log   *logrus.Entry
}

// NewAbortProcedure builds the standard sequence: disable throttle
// output, cut motor power, log the trigger reason. cutThrottle and
// disarmMotors are supplied by the caller (internal/actuators), keeping
// this package free of any direct serial/actuator dependency.
func NewAbortProcedure(cutThrottle, disarmMotors func(context.Context) error, log *logrus.Entry) *AbortProcedure {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &AbortProcedure{
		Log: log,
		Steps: []AbortStep{
			{
				Description: "cut throttle to minimum",
				Action:      cutThrottle,
				Critical:    true,
				Timeout:     200 * time.Millisecond,
			},
			{
				Description: "disarm motor controller",
				Action:      disarmMotors,
				Critical:    true,
				Timeout:     500 * time.Millisecond,
			},
		},
	}
}

// Execute runs every step in order, stopping and returning an error the
// first time a critical step fails; a non-critical step's failure is
// logged and execution continues.
func (p *AbortProcedure) Execute(ctx context.Context, reason string) error {
	p.Log.WithField("reason", reason).Warn("supervisor: executing abort procedure")

	for i, step := range p.Steps {
		stepCtx := ctx
		if step.Timeout > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
			defer cancel()
		}

		p.Log.WithField("step", i+1).WithField("description", step.Description).Info("supervisor: abort step")
		if err := step.Action(stepCtx); err != nil {
			if step.Critical {
				p.Log.WithError(err).Error("supervisor: critical abort step failed")
				return fmt.Errorf("abort step %d (%s) failed: %w", i+1, step.Description, err)
			}
			p.Log.WithError(err).Warn("supervisor: non-critical abort step failed, continuing")
		}
	}

	p.Log.Warn("supervisor: abort procedure complete")
	return nil
}
