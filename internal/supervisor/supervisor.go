// Package supervisor implements the flight-mode state machine
// (Component F, spec.md §4.6): IDLE -> DISARM -> ARM -> scenario sequence
// or MANUAL, with MANUAL_ABORT reachable from any armed state. Grounded
// on original_source/quadcontrol/control.c's quad_run/quad_idle/
// quad_disarm/quad_arm/quad_rcbusHandler state machine.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/chewxy/math32"
	"github.com/sirupsen/logrus"

	"github.com/skyforge/flightcore/internal/mission"
)

// Mode enumerates the flight-mode state machine's states, matching
// flight_type_t's ordering (states below flight_manual are scenario
// states; the RC abort/manual checks rely on this ordering, preserved
// here via explicit comparisons rather than iota magnitude).
type Mode int

const (
	ModeIdle Mode = iota
	ModeDisarm
	ModeArm
	ModeTakeoff
	ModeHover
	ModePosition
	ModeLanding
	ModeEnd
	ModeManual
	ModeManualAbort
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "IDLE"
	case ModeDisarm:
		return "DISARM"
	case ModeArm:
		return "ARM"
	case ModeTakeoff:
		return "TAKEOFF"
	case ModeHover:
		return "HOVER"
	case ModePosition:
		return "POSITION"
	case ModeLanding:
		return "LANDING"
	case ModeEnd:
		return "END"
	case ModeManual:
		return "MANUAL"
	case ModeManualAbort:
		return "MANUAL_ABORT"
	default:
		return "UNKNOWN"
	}
}

// isArmedScenario reports whether m is one of the armed, scenario-driven
// states (ARM..END), mirroring control.c's `currFlight >= flight_arm &&
// currFlight < flight_manual` range check.
func (m Mode) isArmedScenario() bool {
	return m >= ModeArm && m < ModeManual
}

// RC channel thresholds: 5%/95% of the channel's span, matching
// RC_CHANNEL_THR_LOW/HIGH.
const (
	rcChannelMin  = 1000
	rcChannelMax  = 2000
	rcChannelSpan = rcChannelMax - rcChannelMin
	rcThrLow      = rcChannelMin + 5*rcChannelSpan/100
	rcThrHigh     = rcChannelMin + 95*rcChannelSpan/100

	abortFramesThresh = 5
	rcErrorTimeout    = 2 * time.Second
	armHoldMin        = 3 * time.Second
	armTimeout        = 30 * time.Second
)

func rcLow(ch int32) bool  { return ch <= rcThrLow }
func rcHigh(ch int32) bool { return ch >= rcThrHigh }

// Channels is one RC frame snapshot; field meaning matches control.c's
// channel indices (SWA/SWD switches, throttle/yaw sticks).
type Channels struct {
	SWA, SWB, SWC, SWD int32
	Throttle, Yaw      int32
	Roll, Pitch        int32
}

// Position is the slice of an EKF snapshot the per-mode Step* methods
// need: altitude (positive up, the caller's -posNED.Z) and horizontal
// position in the local NED tangent plane, plus current roll/pitch for
// the takeoff tip check. Kept to plain float32s rather than importing
// fusion/algebra, so this package stays free of any estimator dependency.
type Position struct {
	AltitudeM     float32
	NorthM, EastM float32
	Roll, Pitch   float32
}

// ModeCommand is what a Step* method hands back to the control thread:
// the altitude/attitude targets to drive through the PID stack this tick
// and the altitude-integrator flags the phase wants, mirroring
// control.c's PID_IGNORE_I/PID_RESET_I toggling (pid.h) without this
// package importing control's Flags bitmask. TargetRoll/TargetPitch are
// the BASE commanded attitude before any horizontal-position PID output
// is added on top (quad_attPos's "additive" framing) — the caller adds
// PositionTargetN/E-derived roll/pitch when PositionHold is set.
type ModeCommand struct {
	TargetAltitudeM                        float32
	TargetRoll, TargetPitch, TargetYawRate float32

	FollowRCYaw bool // MANUAL/stabilize: yaw comes from the RC stick, not TargetYawRate

	IgnoreAltitudeI bool
	ResetAltitudeI  bool

	PositionHold                     bool
	PositionTargetN, PositionTargetE float32

	StabilizeThrottle bool // MANUAL/stabilize: throttle is the raw RC stick, not the altitude PID output

	StopMotors bool // this phase's own tip-stop check tripped (takeoff's stricter pi/4 bound)
}

// takeoffAltSagM is the fixed altitude target held during TAKEOFF's idle
// and spool phases, matching QCTRL_TAKEOFF_ALTSAG: a small negative
// (below-ground) setpoint that keeps the altitude PID's output bounded
// while its integrator is frozen, rather than fighting toward the real
// target altitude before the motors have spooled up.
const takeoffAltSagM = -5.0

// takeoffTipLimitRad is TAKEOFF's own stricter tip-stop bound (pi/4,
// control.c's ANGLE_THRESHOLD_LOW), tighter than TippingGuard's general
// low-throttle check.
const takeoffTipLimitRad = 0.7853981633974483

// positionToleranceM is how close (metres, both horizontally and in
// altitude) a POSITION step must get to its target before the scenario
// advances. original_source/quadcontrol/control.c leaves flight_pos
// entirely unimplemented ("/* TBD */"); this threshold and the
// advance-on-arrival rule are this port's own resolution, recorded in
// DESIGN.md.
const positionToleranceM = 1.0

// Supervisor drives the flight-mode state machine at the RC/control
// loop's rate. Unlike original_source/quadcontrol/control.c's blocking
// per-mode loops (quad_idle, quad_disarm, ...), Step is called once per
// tick from the control thread (spec.md §5's "Control thread"), so the
// state machine here is expressed as a single step function rather than
// nested while loops; the logic each branch performs is unchanged.
type Supervisor struct {
	mode Mode

	armRequestedAt time.Time
	armBeginAt     time.Time

	abortCount int
	rcErrSince time.Time

	Scenario []mission.Step // scenario sequence played after ARM, e.g. [TAKEOFF, HOVER, LANDING, END]
	scenIdx  int

	// Per-phase execution state, reset whenever enterMode transitions
	// into a new scenario/manual mode.
	phaseStart       time.Time
	phaseAltCaptured bool
	phaseStartAltM   float32 // LANDING's descent-ramp origin
	landingSusSince  time.Time

	manualAltCaptured bool
	manualAltHoldM    float32
	manualNorthHoldM  float32
	manualEastHoldM   float32

	Log *logrus.Entry
}

// New returns a Supervisor starting in IDLE, matching quad_run's initial
// currFlight.
func New(scenario []mission.Step, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{mode: ModeIdle, Scenario: scenario, Log: log}
}

// Mode reports the current state.
func (s *Supervisor) Mode() Mode { return s.mode }

// RCError feeds a continuous RC-link failure signal; once more than
// rcErrorTimeout has passed since the last good frame (or, before any
// good frame, since the first RCError) the supervisor transitions to
// MANUAL_ABORT (control.c's quad_rcbusHandler `rc_err` branch).
func (s *Supervisor) RCError(now time.Time) {
	if s.mode >= ModeManualAbort {
		return
	}
	if s.rcErrSince.IsZero() {
		s.rcErrSince = now
		return
	}
	if now.Sub(s.rcErrSince) > rcErrorTimeout {
		s.Log.Warn("supervisor: RC link silent past timeout, aborting")
		s.mode = ModeManualAbort
	}
}

// RCFrame processes one good RC frame: emergency-abort gesture counting
// (SWD high + throttle stick low, sustained for abortFramesThresh
// frames), the manual-mode switch (SWA low while armed), and otherwise
// clears the abort counter; every good frame restarts the RC-error clock
// at now, matching quad_rcbusHandler.
func (s *Supervisor) RCFrame(ch Channels, now time.Time) {
	s.rcErrSince = now

	if rcHigh(ch.SWD) && rcLow(ch.Throttle) && s.mode < ModeManualAbort {
		s.abortCount++
		s.Log.WithField("count", s.abortCount).Warn("supervisor: abort gesture held")
		if s.abortCount >= abortFramesThresh {
			s.Log.Warn("supervisor: abort gesture threshold reached")
			s.mode = ModeManualAbort
		}
		return
	}

	if rcLow(ch.SWA) && s.mode > ModeArm && s.mode < ModeManual {
		s.Log.Info("supervisor: switching to manual")
		s.mode = ModeManual
	}

	s.abortCount = 0
}

// StepIdle evaluates IDLE -> DISARM: every switch and the throttle stick
// must read low (quad_idle).
func (s *Supervisor) StepIdle(ch Channels) {
	if s.mode != ModeIdle {
		return
	}
	if rcLow(ch.SWA) && rcLow(ch.SWB) && rcLow(ch.SWC) && rcLow(ch.SWD) && rcLow(ch.Throttle) {
		s.mode = ModeDisarm
	}
}

// StepDisarm evaluates DISARM -> IDLE (any switch/stick leaves the
// default position) or DISARM -> ARM (yaw stick held high for
// armHoldMin), matching quad_disarm.
func (s *Supervisor) StepDisarm(ch Channels, now time.Time) {
	if s.mode != ModeDisarm {
		return
	}
	if !rcLow(ch.SWA) || !rcLow(ch.SWB) || !rcLow(ch.SWC) || !rcLow(ch.SWD) || !rcLow(ch.Throttle) {
		s.mode = ModeIdle
		s.armRequestedAt = time.Time{}
		return
	}
	if rcHigh(ch.Yaw) {
		if s.armRequestedAt.IsZero() {
			s.armRequestedAt = now
		} else if now.Sub(s.armRequestedAt) > armHoldMin {
			s.mode = ModeArm
			s.armBeginAt = now
		}
	} else {
		s.armRequestedAt = time.Time{}
	}
}

// StepArm evaluates ARM -> first scenario state, ARM -> MANUAL, or
// ARM -> DISARM on inactivity timeout, matching quad_arm.
func (s *Supervisor) StepArm(ch Channels, now time.Time) {
	if s.mode != ModeArm {
		return
	}
	if !rcLow(ch.SWA) {
		s.scenIdx = 0
		if len(s.Scenario) > 0 {
			s.enterMode(modeForStepType(s.Scenario[0].Type), now)
		} else {
			s.enterMode(ModeEnd, now)
		}
		return
	}
	if !rcLow(ch.Throttle) {
		s.enterMode(ModeManual, now)
		return
	}
	if now.Sub(s.armBeginAt) > armTimeout {
		s.Log.Info("supervisor: ARM inactivity timeout, disarming")
		s.mode = ModeDisarm
	}
}

// modeForStepType maps a mission-script step kind onto the Mode the
// scenario-sequence state machine enters for it.
func modeForStepType(t mission.StepType) Mode {
	switch t {
	case mission.StepTakeoff:
		return ModeTakeoff
	case mission.StepPosition:
		return ModePosition
	case mission.StepHover:
		return ModeHover
	case mission.StepLanding:
		return ModeLanding
	case mission.StepManual:
		return ModeManual
	case mission.StepManualAbort:
		return ModeManualAbort
	default:
		return ModeEnd
	}
}

// enterMode transitions into m at now, resetting every piece of
// per-phase execution state (TAKEOFF/LANDING's timers, MANUAL's
// captured hold point) so a mode entered a second time (e.g. a later
// scenario HOVER step) starts clean.
func (s *Supervisor) enterMode(m Mode, now time.Time) {
	s.mode = m
	s.phaseStart = now
	s.phaseAltCaptured = false
	s.landingSusSince = time.Time{}
	s.manualAltCaptured = false
}

// CurrentStep returns the mission-script step backing the current
// scenario mode (its AltMM/HoverTimeM/... fields), or the zero Step
// outside a scenario state.
func (s *Supervisor) CurrentStep() mission.Step {
	if s.scenIdx < 0 || s.scenIdx >= len(s.Scenario) {
		return mission.Step{}
	}
	return s.Scenario[s.scenIdx]
}

// AdvanceScenario moves to the next scenario entry once the current
// phase (TAKEOFF/HOVER/POSITION/LANDING handler) reports completion,
// matching quad_run's `quad_common.scenario[i++]` indexing.
func (s *Supervisor) AdvanceScenario() {
	s.scenIdx++
	now := time.Now()
	if s.scenIdx >= len(s.Scenario) {
		s.enterMode(ModeEnd, now)
		return
	}
	s.enterMode(modeForStepType(s.Scenario[s.scenIdx].Type), now)
}

// StepTakeoff drives TAKEOFF's three sub-phases (quad_takeoff): idle
// (integrator reset, altitude target held at takeoffAltSagM), spool
// (integrator frozen, still at takeoffAltSagM), and lift (altitude ramped
// from takeoffAltSagM up to step.AltMM, integrator unfrozen once within
// the last metre of target). No sub-phase sets a throttle of its own:
// the command carries only altitude targets and integrator flags, and
// throttle comes from the caller's altitude PID.
// Any sub-phase stops the motors outright if roll/pitch exceed
// takeoffTipLimitRad (control.c checks this specifically during
// takeoff, tighter than TippingGuard's general low-throttle bound).
func (s *Supervisor) StepTakeoff(now time.Time, pos Position, step mission.Step) ModeCommand {
	if err := TippingGuard(rcChannelMin, pos.Roll, pos.Pitch, takeoffTipLimitRad); err != nil {
		s.Log.WithError(err).Error("supervisor: takeoff tip-stop")
		return ModeCommand{StopMotors: true}
	}

	elapsed := now.Sub(s.phaseStart)
	targetAltM := float32(step.AltMM) / 1000

	idleEnd := time.Duration(step.IdleTimeMS) * time.Millisecond
	spoolEnd := idleEnd + time.Duration(step.SpoolTimeMS)*time.Millisecond
	liftEnd := spoolEnd + time.Duration(step.LiftTimeMS)*time.Millisecond

	switch {
	case elapsed < idleEnd:
		return ModeCommand{TargetAltitudeM: takeoffAltSagM, ResetAltitudeI: true}
	case elapsed < spoolEnd:
		return ModeCommand{TargetAltitudeM: takeoffAltSagM, IgnoreAltitudeI: true}
	case elapsed < liftEnd:
		frac := float32(elapsed-spoolEnd) / float32(liftEnd-spoolEnd)
		if frac > 1 {
			frac = 1
		}
		rampAltM := takeoffAltSagM + frac*(targetAltM-takeoffAltSagM)
		ignoreI := targetAltM-pos.AltitudeM > 1.0
		return ModeCommand{TargetAltitudeM: rampAltM, IgnoreAltitudeI: ignoreI}
	default:
		s.AdvanceScenario()
		return ModeCommand{TargetAltitudeM: targetAltM}
	}
}

// StepHover holds step.HoverAltMM for step.HoverTimeM milliseconds,
// letting RC override level/yaw, with the altitude integrator frozen
// whenever the altitude error exceeds 1m (quad_hover's IGNORE_I
// toggle), then advances the scenario once the hold duration elapses.
func (s *Supervisor) StepHover(now time.Time, pos Position, step mission.Step) ModeCommand {
	targetAltM := float32(step.HoverAltMM) / 1000
	holdDur := time.Duration(step.HoverTimeM) * time.Millisecond

	if now.Sub(s.phaseStart) >= holdDur {
		s.AdvanceScenario()
	}

	absF := targetAltM - pos.AltitudeM
	if absF < 0 {
		absF = -absF
	}
	return ModeCommand{
		TargetAltitudeM: targetAltM,
		IgnoreAltitudeI: absF > 1.0,
		FollowRCYaw:     true,
	}
}

// StepPosition holds altitude at step.PosAltMM while adding the
// horizontal-position PID output to the commanded roll/pitch
// (quad_attPos's additive framing); since flight_pos was left
// unimplemented upstream ("/* TBD */"), this port advances once both
// horizontal and altitude error fall within positionToleranceM — see
// DESIGN.md.
func (s *Supervisor) StepPosition(now time.Time, pos Position, targetAltM, targetNorthM, targetEastM float32) ModeCommand {
	dAlt := targetAltM - pos.AltitudeM
	dN := targetNorthM - pos.NorthM
	dE := targetEastM - pos.EastM
	dist := math32.Sqrt(dN*dN + dE*dE)
	if dist < positionToleranceM {
		absAlt := dAlt
		if absAlt < 0 {
			absAlt = -absAlt
		}
		if absAlt < positionToleranceM {
			s.AdvanceScenario()
		}
	}
	return ModeCommand{
		TargetAltitudeM:  targetAltM,
		PositionHold:     true,
		PositionTargetN:  targetNorthM,
		PositionTargetE:  targetEastM,
	}
}

// StepLanding ramps the commanded altitude down from the altitude
// captured on phase entry at step.DescentMMPerS, and reports landing
// complete once the measured altitude has failed to track the ramp by
// more than step.DiffMM for step.TimeoutMS — control.c's "suspected
// landing" timer persisting past landTimeout, rather than a bare
// altitude threshold, since touching down stalls the descent while the
// ramp keeps falling.
func (s *Supervisor) StepLanding(now time.Time, pos Position, step mission.Step) ModeCommand {
	if !s.phaseAltCaptured {
		s.phaseStartAltM = pos.AltitudeM
		s.phaseAltCaptured = true
	}

	descentMPS := float32(step.DescentMMPerS) / 1000
	rampAltM := s.phaseStartAltM - descentMPS*float32(now.Sub(s.phaseStart).Seconds())

	diffM := float32(step.DiffMM) / 1000
	timeout := time.Duration(step.TimeoutMS) * time.Millisecond

	gap := rampAltM - pos.AltitudeM
	if gap < 0 {
		gap = -gap
	}
	if gap > diffM {
		if s.landingSusSince.IsZero() {
			s.landingSusSince = now
		} else if now.Sub(s.landingSusSince) > timeout {
			s.Log.Info("supervisor: landing complete")
			s.AdvanceScenario()
			return ModeCommand{StopMotors: true}
		}
	} else {
		s.landingSusSince = time.Time{}
	}

	return ModeCommand{TargetAltitudeM: rampAltM}
}

// StepManual implements the SWC-switched manual submodes (quad_manual):
// stabilize (no altitude integrator, RC overrides level/yaw/throttle,
// tip-stop at low throttle via the caller's TippingGuard call),
// althold (RC overrides level/yaw only, altitude PID tracks the
// altitude captured at mode entry), and poshold (althold plus the
// horizontal position captured at mode entry). The hold point is
// recaptured every tick spent in stabilize, mirroring
// `alt = setAlt = measure.enuZ*1000` being reassigned on each
// stabilize-submode tick in the original.
func (s *Supervisor) StepManual(ch Channels, pos Position) ModeCommand {
	stabilize := rcLow(ch.SWC)
	poshold := rcHigh(ch.SWC)

	if stabilize {
		s.manualAltCaptured = false
		return ModeCommand{
			FollowRCYaw:       true,
			StabilizeThrottle: true,
			ResetAltitudeI:    true,
		}
	}

	if !s.manualAltCaptured {
		s.manualAltHoldM = pos.AltitudeM
		s.manualNorthHoldM = pos.NorthM
		s.manualEastHoldM = pos.EastM
		s.manualAltCaptured = true
	}

	cmd := ModeCommand{
		TargetAltitudeM: s.manualAltHoldM,
		FollowRCYaw:     true,
	}
	if poshold {
		cmd.PositionHold = true
		cmd.PositionTargetN = s.manualNorthHoldM
		cmd.PositionTargetE = s.manualEastHoldM
	}
	return cmd
}

// Abort forces an immediate transition to MANUAL_ABORT, used by the
// supplemented procedural abort sequence (abort.go) and by any caller
// detecting a condition spec.md's error taxonomy treats as unrecoverable
// in flight (e.g. a persistent sensor error during a scenario state).
func (s *Supervisor) Abort(reason string) {
	s.Log.WithField("reason", reason).Error("supervisor: forced abort")
	s.mode = ModeManualAbort
}

// TippingGuard implements control.c's low-throttle tip check: when the
// stick is near minimum (a probable landing/disarm moment) and roll or
// pitch exceed angleLimit, the caller must stop the motors immediately.
// Returns an error describing the violation rather than stopping motors
// itself, keeping this package free of any direct actuator dependency.
func TippingGuard(rcThrottle int32, roll, pitch, angleLimit float32) error {
	if rcThrottle >= rcChannelMin+5*rcChannelSpan/100 {
		return nil
	}
	absF := func(v float32) float32 {
		if v < 0 {
			return -v
		}
		return v
	}
	if absF(roll) > angleLimit || absF(pitch) > angleLimit {
		return fmt.Errorf("supervisor: angles over threshold, roll=%v pitch=%v: motors must stop", roll, pitch)
	}
	return nil
}

// Run drives RC-frame handling and StepIdle/StepDisarm/StepArm once per
// tick (the per-mode flight Step* methods are left to the caller) until
// ctx is cancelled or the state machine reaches END or MANUAL_ABORT,
// matching quad_run's top-level
// while loop shape (the same Run-loop-plus-ticker idiom Component C's
// EKF.Run uses).
func (s *Supervisor) Run(ctx context.Context, tickRate time.Duration, latestChannels func() (Channels, bool)) error {
	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			ch, ok := latestChannels()
			if !ok {
				s.RCError(now)
				continue
			}
			s.RCFrame(ch, now)
			s.StepIdle(ch)
			s.StepDisarm(ch, now)
			s.StepArm(ch, now)

			if s.mode == ModeEnd || s.mode == ModeManualAbort {
				return nil
			}
		}
	}
}
