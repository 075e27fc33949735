package actuators

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type fakePort struct {
	duties    []float32
	tempos    []Tempo
	armedMode ArmMode
	armCalls  int
	disarms   int
	closed    bool
	failWrite bool
}

func (f *fakePort) WriteDuty(fraction float32, tempo Tempo) error {
	if f.failWrite {
		return errors.New("write failed")
	}
	f.duties = append(f.duties, fraction)
	f.tempos = append(f.tempos, tempo)
	return nil
}

func (f *fakePort) WriteArmSequence(mode ArmMode) error {
	f.armCalls++
	f.armedMode = mode
	return nil
}

func (f *fakePort) WriteDisarm() error {
	f.disarms++
	return nil
}

func (f *fakePort) Close() error {
	f.closed = true
	return nil
}

func newFakeController(n int) (*MotorController, []*fakePort) {
	ports := make([]Port, n)
	fakes := make([]*fakePort, n)
	for i := 0; i < n; i++ {
		fp := &fakePort{}
		fakes[i] = fp
		ports[i] = fp
	}
	return NewMotorController(ports, testLog()), fakes
}

func TestArmFailsWhenNotInitialized(t *testing.T) {
	m := NewMotorController(nil, testLog())
	if err := m.Arm(context.Background(), ArmAuto); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestArmTwiceFails(t *testing.T) {
	m, _ := newFakeController(4)
	if err := m.Arm(context.Background(), ArmAuto); err != nil {
		t.Fatalf("first arm: %v", err)
	}
	if err := m.Arm(context.Background(), ArmAuto); !errors.Is(err, ErrAlreadyArmed) {
		t.Fatalf("expected ErrAlreadyArmed, got %v", err)
	}
}

func TestArmSequencePropagatesModeToEveryChannel(t *testing.T) {
	m, fakes := newFakeController(4)
	if err := m.Arm(context.Background(), ArmUser); err != nil {
		t.Fatalf("arm: %v", err)
	}
	for i, f := range fakes {
		if f.armCalls != 1 || f.armedMode != ArmUser {
			t.Fatalf("motor %d: expected one ArmUser sequence, got calls=%d mode=%v", i, f.armCalls, f.armedMode)
		}
	}
}

func TestDisarmIsIdempotent(t *testing.T) {
	m, fakes := newFakeController(2)
	if err := m.Disarm(context.Background()); err != nil {
		t.Fatalf("disarm while never armed should be a no-op, got %v", err)
	}
	for _, f := range fakes {
		if f.disarms != 0 {
			t.Fatalf("expected no disarm writes before ever arming")
		}
	}

	if err := m.Arm(context.Background(), ArmAuto); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := m.Disarm(context.Background()); err != nil {
		t.Fatalf("disarm: %v", err)
	}
	if m.IsArmed() {
		t.Fatalf("expected disarmed after Disarm")
	}
	if err := m.Disarm(context.Background()); err != nil {
		t.Fatalf("second disarm should also be a no-op, got %v", err)
	}
}

func TestSetDutyRejectsWhenNotArmed(t *testing.T) {
	m, _ := newFakeController(2)
	if err := m.SetDuty(0, 0.5, TempoInstantaneous); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("expected ErrNotArmed, got %v", err)
	}
}

func TestSetDutyClampsFractionToUnitRange(t *testing.T) {
	m, fakes := newFakeController(1)
	if err := m.Arm(context.Background(), ArmAuto); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := m.SetDuty(0, 1.5, TempoInstantaneous); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}
	if err := m.SetDuty(0, -0.3, TempoInstantaneous); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}
	if got := fakes[0].duties; len(got) != 2 || got[0] != 1 || got[1] != 0 {
		t.Fatalf("expected clamped duties [1,0], got %v", got)
	}
}

func TestSetDutyOutOfRangeIndexFails(t *testing.T) {
	m, _ := newFakeController(2)
	m.Arm(context.Background(), ArmAuto)
	if err := m.SetDuty(5, 0.5, TempoInstantaneous); err == nil {
		t.Fatalf("expected error for out-of-range motor index")
	}
}

func TestSetDutyWriteFailureIsCountedNotFatalToCaller(t *testing.T) {
	m, fakes := newFakeController(1)
	m.Arm(context.Background(), ArmAuto)
	fakes[0].failWrite = true

	if err := m.SetDuty(0, 0.5, TempoInstantaneous); err == nil {
		t.Fatalf("expected write error to propagate")
	}
	if m.WriteFailures() != 1 {
		t.Fatalf("expected one counted write failure, got %d", m.WriteFailures())
	}
}

func TestSetAllReturnsFailureCountAndWritesSurvivingMotors(t *testing.T) {
	m, fakes := newFakeController(3)
	m.Arm(context.Background(), ArmAuto)
	fakes[1].failWrite = true

	failed := m.SetAll([]float32{0.1, 0.2, 0.3}, TempoHigh)
	if failed != 1 {
		t.Fatalf("expected exactly one failure, got %d", failed)
	}
	if len(fakes[0].duties) != 1 || fakes[0].duties[0] != 0.1 {
		t.Fatalf("motor 0 duty not written: %v", fakes[0].duties)
	}
	if len(fakes[2].duties) != 1 || fakes[2].duties[0] != 0.3 {
		t.Fatalf("motor 2 duty not written: %v", fakes[2].duties)
	}
}

func TestCutThrottleWritesZeroInstantaneousToAllMotors(t *testing.T) {
	m, fakes := newFakeController(4)
	m.Arm(context.Background(), ArmAuto)
	m.SetAll([]float32{0.5, 0.6, 0.7, 0.8}, TempoHigh)

	if err := m.CutThrottle(context.Background()); err != nil {
		t.Fatalf("CutThrottle: %v", err)
	}
	for i, f := range fakes {
		last := len(f.duties) - 1
		if f.duties[last] != 0 || f.tempos[last] != TempoInstantaneous {
			t.Fatalf("motor %d: expected final write duty=0 tempo=instantaneous, got duty=%v tempo=%v", i, f.duties[last], f.tempos[last])
		}
	}
}

func TestDeinitClosesAllPorts(t *testing.T) {
	m, fakes := newFakeController(3)
	if err := m.Deinit(); err != nil {
		t.Fatalf("Deinit: %v", err)
	}
	for i, f := range fakes {
		if !f.closed {
			t.Fatalf("motor %d port not closed", i)
		}
	}
}
