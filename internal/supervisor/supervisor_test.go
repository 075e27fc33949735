package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skyforge/flightcore/internal/mission"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func neutralChannels() Channels {
	return Channels{
		SWA: rcChannelMin, SWB: rcChannelMin, SWC: rcChannelMin, SWD: rcChannelMin,
		Throttle: rcChannelMin, Yaw: rcChannelMin,
	}
}

// TestAbortGestureWithinFiveFrames is testable property 11: from the
// first RC frame carrying the abort gesture, no more than 5 RC frames
// later the supervisor has entered MANUAL_ABORT.
func TestAbortGestureWithinFiveFrames(t *testing.T) {
	s := New(nil, testLog())
	s.mode = ModeArm // any armed, non-manual state

	abortCh := neutralChannels()
	abortCh.SWD = rcChannelMax
	abortCh.Throttle = rcChannelMin

	now := time.Now()
	for i := 1; i <= abortFramesThresh; i++ {
		s.RCFrame(abortCh, now.Add(time.Duration(i)*20*time.Millisecond))
		if s.Mode() == ModeManualAbort {
			if i > abortFramesThresh {
				t.Fatalf("aborted after %d frames, exceeds threshold %d", i, abortFramesThresh)
			}
			return
		}
	}
	t.Fatalf("supervisor did not reach MANUAL_ABORT within %d frames of the abort gesture", abortFramesThresh)
}

// TestRCSilenceTriggersAbortWithinTimeout is testable property 12: RC
// silence after entering flight must trigger MANUAL_ABORT within
// rcErrorTimeout (2.0s) of the last good frame, not materially later.
func TestRCSilenceTriggersAbortWithinTimeout(t *testing.T) {
	s := New(nil, testLog())
	s.mode = ModeHover

	base := time.Now()
	s.RCFrame(neutralChannels(), base)

	// Before the timeout elapses, no abort yet.
	s.RCError(base.Add(rcErrorTimeout - 100*time.Millisecond))
	if s.Mode() == ModeManualAbort {
		t.Fatalf("aborted before RC silence timeout elapsed")
	}

	s.RCError(base.Add(rcErrorTimeout + 60*time.Millisecond))
	if s.Mode() != ModeManualAbort {
		t.Fatalf("expected MANUAL_ABORT after RC silence timeout, got %v", s.Mode())
	}
}

// TestRCErrorResetsOnGoodFrame ensures a good frame in between keeps the
// RC-silence clock from accumulating across the gap (RCFrame clears
// rcErrSince).
func TestRCErrorResetsOnGoodFrame(t *testing.T) {
	s := New(nil, testLog())
	s.mode = ModeHover

	base := time.Now()
	s.RCError(base)
	s.RCFrame(neutralChannels(), base.Add(time.Second))
	s.RCError(base.Add(time.Second + rcErrorTimeout - 100*time.Millisecond))

	if s.Mode() == ModeManualAbort {
		t.Fatalf("RC error clock should have reset on the intervening good frame")
	}
}

func TestManualSwitchFromArmedNonManualState(t *testing.T) {
	s := New(nil, testLog())
	s.mode = ModeHover

	ch := neutralChannels()
	ch.SWA = rcChannelMin
	s.RCFrame(ch, time.Now())

	if s.Mode() != ModeManual {
		t.Fatalf("expected switch to MANUAL, got %v", s.Mode())
	}
}

func TestIdleToDisarmRequiresAllNeutral(t *testing.T) {
	s := New(nil, testLog())
	ch := neutralChannels()
	ch.Throttle = rcChannelMax
	s.StepIdle(ch)
	if s.Mode() != ModeIdle {
		t.Fatalf("expected to stay IDLE with throttle high, got %v", s.Mode())
	}

	s.StepIdle(neutralChannels())
	if s.Mode() != ModeDisarm {
		t.Fatalf("expected DISARM with all channels neutral, got %v", s.Mode())
	}
}

func TestDisarmToArmRequiresSustainedYawHold(t *testing.T) {
	s := New(nil, testLog())
	s.mode = ModeDisarm

	ch := neutralChannels()
	ch.Yaw = rcChannelMax

	now := time.Now()
	s.StepDisarm(ch, now)
	if s.Mode() != ModeDisarm {
		t.Fatalf("should not arm immediately, got %v", s.Mode())
	}

	s.StepDisarm(ch, now.Add(armHoldMin+10*time.Millisecond))
	if s.Mode() != ModeArm {
		t.Fatalf("expected ARM after sustained yaw hold, got %v", s.Mode())
	}
}

func TestArmTimeoutReturnsToDisarm(t *testing.T) {
	s := New(nil, testLog())
	s.mode = ModeArm
	s.armBeginAt = time.Now()

	s.StepArm(neutralChannels(), s.armBeginAt.Add(armTimeout+time.Second))
	if s.Mode() != ModeDisarm {
		t.Fatalf("expected ARM inactivity timeout to fall back to DISARM, got %v", s.Mode())
	}
}

func TestTippingGuardOnlyGuardsLowThrottle(t *testing.T) {
	if err := TippingGuard(rcChannelMax, 1.0, 0, 0.2); err != nil {
		t.Fatalf("high throttle should bypass the tipping guard, got %v", err)
	}
	if err := TippingGuard(rcChannelMin, 1.0, 0, 0.2); err == nil {
		t.Fatalf("low throttle with excessive roll should trigger the tipping guard")
	}
}

func TestAbortProcedureStopsOnCriticalFailure(t *testing.T) {
	calledDisarm := false
	p := NewAbortProcedure(
		func(ctx context.Context) error { return context.DeadlineExceeded },
		func(ctx context.Context) error { calledDisarm = true; return nil },
		testLog(),
	)
	err := p.Execute(context.Background(), "test")
	if err == nil {
		t.Fatalf("expected error when the critical throttle-cut step fails")
	}
	if calledDisarm {
		t.Fatalf("disarm step must not run after a critical step failure")
	}
}

func TestStepTakeoffIdlePhaseHoldsSagAltitudeWithResetI(t *testing.T) {
	s := New(nil, testLog())
	s.enterMode(ModeTakeoff, time.Now())

	step := mission.Step{AltMM: 2000, IdleTimeMS: 1000, SpoolTimeMS: 1000, LiftTimeMS: 1000}
	cmd := s.StepTakeoff(s.phaseStart.Add(200*time.Millisecond), Position{}, step)

	if cmd.TargetAltitudeM != takeoffAltSagM {
		t.Fatalf("expected idle phase to target the sag altitude %v, got %v", takeoffAltSagM, cmd.TargetAltitudeM)
	}
	if !cmd.ResetAltitudeI {
		t.Fatalf("expected idle phase to reset the altitude integrator")
	}
}

func TestStepTakeoffLiftPhaseRampsTowardCommandedAltitude(t *testing.T) {
	s := New(nil, testLog())
	s.enterMode(ModeTakeoff, time.Now())

	step := mission.Step{AltMM: 2000, IdleTimeMS: 100, SpoolTimeMS: 100, LiftTimeMS: 1000}
	// Midway through the lift phase, the ramp target should sit strictly
	// between the sag altitude and the commanded 2m.
	cmd := s.StepTakeoff(s.phaseStart.Add(700*time.Millisecond), Position{}, step)
	if cmd.TargetAltitudeM <= takeoffAltSagM || cmd.TargetAltitudeM >= 2.0 {
		t.Fatalf("expected a lift-phase ramp value between %v and 2.0, got %v", takeoffAltSagM, cmd.TargetAltitudeM)
	}
}

func TestStepTakeoffTipStopOverridesEverything(t *testing.T) {
	s := New(nil, testLog())
	s.enterMode(ModeTakeoff, time.Now())

	step := mission.Step{AltMM: 2000, IdleTimeMS: 100, SpoolTimeMS: 100, LiftTimeMS: 1000}
	cmd := s.StepTakeoff(s.phaseStart.Add(50*time.Millisecond), Position{Roll: 1.2}, step)
	if !cmd.StopMotors {
		t.Fatalf("expected a roll past the takeoff tip limit to stop the motors")
	}
}

func TestStepTakeoffAdvancesToNextScenarioStepAfterLiftCompletes(t *testing.T) {
	s := New([]mission.Step{
		{Type: mission.StepTakeoff, AltMM: 2000, IdleTimeMS: 10, SpoolTimeMS: 10, LiftTimeMS: 10},
		{Type: mission.StepHover, HoverAltMM: 2000, HoverTimeM: 5000},
	}, testLog())
	s.enterMode(ModeTakeoff, time.Now())

	s.StepTakeoff(s.phaseStart.Add(100*time.Millisecond), Position{AltitudeM: 2.0}, s.Scenario[0])
	if s.Mode() != ModeHover {
		t.Fatalf("expected takeoff completion to advance into HOVER, got %v", s.Mode())
	}
}

func TestStepHoverFreezesIntegratorPastOneMetreError(t *testing.T) {
	s := New(nil, testLog())
	s.enterMode(ModeHover, time.Now())

	step := mission.Step{HoverAltMM: 2000, HoverTimeM: 5000}
	cmd := s.StepHover(s.phaseStart.Add(10*time.Millisecond), Position{AltitudeM: 0}, step)
	if !cmd.IgnoreAltitudeI {
		t.Fatalf("expected a 2m altitude error to freeze the altitude integrator")
	}
	if !cmd.FollowRCYaw {
		t.Fatalf("expected HOVER to let RC override level/yaw")
	}
}

func TestStepHoverAdvancesAfterHoldDuration(t *testing.T) {
	s := New([]mission.Step{
		{Type: mission.StepHover, HoverAltMM: 2000, HoverTimeM: 100},
		{Type: mission.StepEnd},
	}, testLog())
	s.enterMode(ModeHover, time.Now())

	s.StepHover(s.phaseStart.Add(150*time.Millisecond), Position{AltitudeM: 2.0}, s.Scenario[0])
	if s.Mode() != ModeEnd {
		t.Fatalf("expected HOVER to advance to END after its hold duration elapsed, got %v", s.Mode())
	}
}

func TestStepPositionAdvancesOnlyWithinTolerance(t *testing.T) {
	s := New([]mission.Step{
		{Type: mission.StepPosition},
		{Type: mission.StepEnd},
	}, testLog())
	s.enterMode(ModePosition, time.Now())

	far := s.StepPosition(time.Now(), Position{AltitudeM: 0, NorthM: 0, EastM: 0}, 2.0, 10, 10)
	if s.Mode() != ModePosition {
		t.Fatalf("expected POSITION to hold while far from target, got %v", s.Mode())
	}
	if !far.PositionHold {
		t.Fatalf("expected StepPosition to always request position hold")
	}

	s.StepPosition(time.Now(), Position{AltitudeM: 2.0, NorthM: 10, EastM: 10}, 2.0, 10, 10)
	if s.Mode() != ModeEnd {
		t.Fatalf("expected POSITION to advance once within tolerance, got %v", s.Mode())
	}
}

func TestStepLandingCompletesAfterSustainedTrackingGap(t *testing.T) {
	s := New([]mission.Step{
		{Type: mission.StepLanding, DescentMMPerS: 500, DiffMM: 200, TimeoutMS: 100},
		{Type: mission.StepEnd},
	}, testLog())
	s.enterMode(ModeLanding, time.Now())

	step := s.Scenario[0]
	// Establish the descent-ramp origin at 5m, then hold altitude fixed
	// there (a touchdown) while the ramp keeps falling away from it.
	s.StepLanding(s.phaseStart, Position{AltitudeM: 5.0}, step)

	s.StepLanding(s.phaseStart.Add(500*time.Millisecond), Position{AltitudeM: 5.0}, step)
	if s.Mode() != ModeLanding {
		t.Fatalf("expected landing to still be in progress immediately after the gap opens")
	}

	cmd := s.StepLanding(s.phaseStart.Add(700*time.Millisecond), Position{AltitudeM: 5.0}, step)
	if s.Mode() != ModeEnd {
		t.Fatalf("expected landing to complete after the tracking gap persisted past timeout, got %v", s.Mode())
	}
	if !cmd.StopMotors {
		t.Fatalf("expected landing completion to stop the motors")
	}
}

func TestStepManualStabilizeIgnoresAltitudeIntegrator(t *testing.T) {
	s := New(nil, testLog())
	s.enterMode(ModeManual, time.Now())

	ch := neutralChannels() // SWC low -> stabilize
	cmd := s.StepManual(ch, Position{AltitudeM: 3.0})
	if !cmd.StabilizeThrottle || !cmd.ResetAltitudeI {
		t.Fatalf("expected stabilize submode to pass raw throttle and hold no altitude integral, got %+v", cmd)
	}
}

func TestStepManualAlthodCapturesEntryAltitudeOnce(t *testing.T) {
	s := New(nil, testLog())
	s.enterMode(ModeManual, time.Now())

	ch := neutralChannels()
	ch.SWC = rcChannelMin + rcChannelSpan/2 // between low and high: althold, not poshold
	cmd := s.StepManual(ch, Position{AltitudeM: 3.0})
	if cmd.TargetAltitudeM != 3.0 {
		t.Fatalf("expected althold to capture the altitude at mode entry, got %v", cmd.TargetAltitudeM)
	}
	if cmd.PositionHold {
		t.Fatalf("althold (not poshold) must not request horizontal position hold")
	}

	// A later tick at a different altitude must keep holding the captured one.
	cmd = s.StepManual(ch, Position{AltitudeM: 9.0})
	if cmd.TargetAltitudeM != 3.0 {
		t.Fatalf("expected althold's captured altitude to persist, got %v", cmd.TargetAltitudeM)
	}
}

func TestStepManualPoshold(t *testing.T) {
	s := New(nil, testLog())
	s.enterMode(ModeManual, time.Now())

	ch := neutralChannels()
	ch.SWC = rcChannelMax
	cmd := s.StepManual(ch, Position{AltitudeM: 3.0, NorthM: 5, EastM: -2})
	if !cmd.PositionHold || cmd.PositionTargetN != 5 || cmd.PositionTargetE != -2 {
		t.Fatalf("expected poshold to capture and hold the entry position, got %+v", cmd)
	}
}

func TestAdvanceScenarioReachesEndPastLastStep(t *testing.T) {
	s := New([]mission.Step{{Type: mission.StepTakeoff}}, testLog())
	s.enterMode(ModeTakeoff, time.Now())
	s.AdvanceScenario()
	if s.Mode() != ModeEnd {
		t.Fatalf("expected advancing past the last scenario step to reach END, got %v", s.Mode())
	}
}

func TestAbortProcedureRunsAllStepsOnSuccess(t *testing.T) {
	var ran []string
	p := NewAbortProcedure(
		func(ctx context.Context) error { ran = append(ran, "throttle"); return nil },
		func(ctx context.Context) error { ran = append(ran, "disarm"); return nil },
		testLog(),
	)
	if err := p.Execute(context.Background(), "test"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(ran) != 2 || ran[0] != "throttle" || ran[1] != "disarm" {
		t.Fatalf("expected both steps to run in order, got %v", ran)
	}
}
