// Package actuators implements the motor-controller client (spec.md
// §6.2): per-channel duty-fraction writes, ESC arm/disarm sequencing, and
// the abort target consumed by internal/supervisor's abort procedure.
// Follows internal/actuators/mavlink.go's MAVLinkController shape
// (mutex-guarded connection/armed state, Connect/Disconnect/Arm/Disarm
// lifecycle) but with the MAVLink wire framing and command-queue
// goroutines dropped in favour of spec.md §6.2's much smaller synchronous
// per-channel duty-fraction protocol.
package actuators

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"go.bug.st/serial"
)

// ArmMode selects the ESC arming behaviour (spec.md §6.2): auto arms
// silently, user plays the ESC calibration beep sequence.
type ArmMode int

const (
	ArmAuto ArmMode = iota
	ArmUser
)

func (m ArmMode) String() string {
	if m == ArmUser {
		return "user"
	}
	return "auto"
}

// Tempo controls the underlying ESC driver's ramp rate for a duty-cycle
// write. The control loop MUST use TempoInstantaneous (spec.md §6.2).
type Tempo int

const (
	TempoInstantaneous Tempo = iota
	TempoHigh
	TempoLow
)

// Port is a single motor channel's duty-fraction transport — one per
// device path in spec.md §6.2's init(n, device_paths[]) — implemented
// over go.bug.st/serial in production and by a fake in tests, mirroring
// how MAVLinkController keeps its protocol behind a narrow interface
// rather than embedding serial.Port calls directly in the controller.
type Port interface {
	WriteDuty(fraction float32, tempo Tempo) error
	WriteArmSequence(mode ArmMode) error
	WriteDisarm() error
	Close() error
}

var (
	ErrNotInitialized = fmt.Errorf("actuators: motor controller not initialised")
	ErrAlreadyArmed   = fmt.Errorf("actuators: already armed")
	ErrNotArmed       = fmt.Errorf("actuators: not armed")
)

// MotorController owns the arm/disarm state machine and per-channel duty
// writes for the motors described by devicePaths, matching
// MAVLinkController's connected/armed bookkeeping pattern generalised
// from a single link to one Port per motor.
type MotorController struct {
	mu sync.RWMutex

	ports []Port
	armed bool
	log   *logrus.Entry

	writeFailures uint64
}

// Init opens one serial device per motor, matching spec.md §6.2's init(n,
// device_paths[]); n is inferred from len(devicePaths). Grounded on
// MAVLinkController.Connect's OpenSerialPort construction, generalised to
// a fleet of independent links rather than one.
func Init(devicePaths []string, baudRate int, log *logrus.Entry) (*MotorController, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if len(devicePaths) == 0 {
		return nil, fmt.Errorf("actuators: init requires at least one motor device path")
	}

	ports := make([]Port, 0, len(devicePaths))
	for i, path := range devicePaths {
		p, err := openSerialPort(path, baudRate)
		if err != nil {
			for _, opened := range ports {
				opened.Close()
			}
			return nil, fmt.Errorf("actuators: init motor %d (%s): %w", i, path, err)
		}
		ports = append(ports, p)
	}

	return &MotorController{ports: ports, log: log}, nil
}

// NewMotorController wires already-open Ports directly, the seam tests
// use to supply fakes without opening real serial devices.
func NewMotorController(ports []Port, log *logrus.Entry) *MotorController {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &MotorController{ports: ports, log: log}
}

// Arm plays the ESC arm sequence on every channel and marks the
// controller armed, matching MAVLinkController.Arm's lock-log-send-lock
// shape.
func (m *MotorController) Arm(ctx context.Context, mode ArmMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.ports) == 0 {
		return ErrNotInitialized
	}
	if m.armed {
		return ErrAlreadyArmed
	}

	m.log.WithField("mode", mode).Info("actuators: arming")
	for i, p := range m.ports {
		if err := p.WriteArmSequence(mode); err != nil {
			return fmt.Errorf("actuators: arm sequence motor %d: %w", i, err)
		}
	}
	m.armed = true
	return nil
}

// Disarm is idempotent: disarming an already-disarmed controller is not
// an error, since the supervisor's abort path calls it unconditionally on
// every MANUAL_ABORT entry regardless of prior state. It disarms every
// channel even if an earlier channel fails, reporting the first error.
func (m *MotorController) Disarm(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.ports) == 0 {
		return ErrNotInitialized
	}
	if !m.armed {
		return nil
	}

	m.log.Info("actuators: disarming")
	var firstErr error
	for i, p := range m.ports {
		if err := p.WriteDisarm(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("actuators: disarm motor %d: %w", i, err)
		}
	}
	m.armed = false
	return firstErr
}

// IsArmed reports the controller's current arm state.
func (m *MotorController) IsArmed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.armed
}

// SetDuty writes a single motor's duty fraction, clamped to [0,1]
// (spec.md §6.2). A write failure is an actuator error (spec.md §7):
// logged and counted, control continues with best effort rather than
// aborting the loop on one bad write.
func (m *MotorController) SetDuty(motor int, fraction float32, tempo Tempo) error {
	m.mu.RLock()
	armed := m.armed
	var port Port
	if motor >= 0 && motor < len(m.ports) {
		port = m.ports[motor]
	}
	m.mu.RUnlock()

	if port == nil {
		if len(m.ports) == 0 {
			return ErrNotInitialized
		}
		return fmt.Errorf("actuators: motor index %d out of range [0,%d)", motor, len(m.ports))
	}
	if !armed {
		return ErrNotArmed
	}
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}

	if err := port.WriteDuty(fraction, tempo); err != nil {
		m.mu.Lock()
		m.writeFailures++
		m.mu.Unlock()
		m.log.WithError(err).WithField("motor", motor).Warn("actuators: duty write failed")
		return fmt.Errorf("actuators: write motor %d duty: %w", motor, err)
	}
	return nil
}

// SetAll writes all motor duties in order, continuing past individual
// failures and returning the count of motors that failed — the control
// loop's "best effort, do not abort on one failure" requirement applied
// across the whole mix at once.
func (m *MotorController) SetAll(duties []float32, tempo Tempo) (failed int) {
	for i, d := range duties {
		if err := m.SetDuty(i, d, tempo); err != nil {
			failed++
		}
	}
	return failed
}

// WriteFailures returns the cumulative actuator-error counter.
func (m *MotorController) WriteFailures() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writeFailures
}

// Deinit closes every motor's port, matching spec.md §6.2's deinit().
func (m *MotorController) Deinit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for i, p := range m.ports {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("actuators: close motor %d: %w", i, err)
		}
	}
	m.ports = nil
	return firstErr
}

// CutThrottle and Disarm are the two AbortProcedure steps
// internal/supervisor's abort.go expects (cutThrottle, disarmMotors
// func(context.Context) error); kept here rather than in supervisor so
// that package stays free of any actuator/serial dependency.

// CutThrottle drives every motor's duty to zero with TempoInstantaneous,
// the spec.md §6.2-mandated tempo for the control-loop abort path.
func (m *MotorController) CutThrottle(ctx context.Context) error {
	m.mu.RLock()
	n := len(m.ports)
	m.mu.RUnlock()

	var firstErr error
	for i := 0; i < n; i++ {
		if err := m.SetDuty(i, 0, TempoInstantaneous); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// serialPort adapts a single go.bug.st/serial link to the Port
// interface, grounded on mavlink_protocol.go's OpenSerialPort/Write shape
// but encoding spec.md §6.2's plain per-channel frame instead of a
// MAVLink message: a 1-byte opcode followed by the opcode's payload.
type serialPort struct {
	mu   sync.Mutex
	port serial.Port
}

const (
	opDuty   byte = 1
	opArm    byte = 2
	opDisarm byte = 3
)

func openSerialPort(devicePath string, baudRate int) (*serialPort, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, fmt.Errorf("actuators: open %s: %w", devicePath, err)
	}
	return &serialPort{port: port}, nil
}

func (s *serialPort) WriteDuty(fraction float32, tempo Tempo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := []byte{opDuty, byte(tempo)}
	frame = append(frame, float32Bytes(fraction)...)
	_, err := s.port.Write(frame)
	return err
}

func (s *serialPort) WriteArmSequence(mode ArmMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.port.Write([]byte{opArm, byte(mode)})
	return err
}

func (s *serialPort) WriteDisarm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.port.Write([]byte{opDisarm})
	return err
}

func (s *serialPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}

func float32Bytes(f float32) []byte {
	bits := math.Float32bits(f)
	return []byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}
}
