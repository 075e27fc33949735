// Command flightcore runs the quadrotor autopilot's estimation and
// control core: the EKF thread, the control thread, and the RC-input
// thread (spec.md §5), wired to the reference serial sensor client,
// motor controller, and RC bus (spec.md §6), plus the optional telemetry
// streamer. Follows the Initialize/Start/Shutdown composition-root shape
// used throughout this codebase's service commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chewxy/math32"
	"github.com/sirupsen/logrus"

	"github.com/skyforge/flightcore/internal/actuators"
	"github.com/skyforge/flightcore/internal/algebra"
	"github.com/skyforge/flightcore/internal/calib"
	"github.com/skyforge/flightcore/internal/control"
	"github.com/skyforge/flightcore/internal/fusion"
	"github.com/skyforge/flightcore/internal/mission"
	"github.com/skyforge/flightcore/internal/mixing"
	"github.com/skyforge/flightcore/internal/sensors"
	"github.com/skyforge/flightcore/internal/supervisor"
	"github.com/skyforge/flightcore/internal/telemetry"
	"github.com/skyforge/flightcore/pkg/logging"
)

const (
	controlRateHz = 200.0
	ekfRateHz     = 1000.0
	cockpitPeriod = time.Second
	maxTiltRad    = 35 * math32.Pi / 180
	maxYawRateRad = 3.0
)

func main() {
	os.Exit(run())
}

// run returns the process exit code, matching spec.md §6.5: 0 on clean
// shutdown, non-zero on init failure.
func run() int {
	var (
		initialMode   = flag.String("c", "rc", "initial control mode: rc|auto")
		missionPath   = flag.String("mission", "", "mission/config script path (spec.md §6.4)")
		imuDevice     = flag.String("imu-device", "/dev/ttyUSB0", "sensor client IMU/baro/mag serial device")
		gpsDevice     = flag.String("gps-device", "", "sensor client GPS NMEA serial device (empty disables GPS)")
		rcDevice      = flag.String("rc-device", "/dev/ttyUSB1", "RC bus serial device")
		motorDevs     = flag.String("motor-devices", "", "comma-separated motor controller serial devices, front-left,rear-right,rear-left,front-right order")
		baudRate      = flag.Int("baud", 115200, "serial baud rate shared by all transports")
		logLevel      = flag.String("log-level", "info", "debug|info|warn|error")
		telemetryOn   = flag.Bool("telemetry", false, "serve the websocket cockpit telemetry stream")
		telemetryAddr = flag.String("telemetry-addr", ":8765", "telemetry HTTP listen address")
		jwtSecret     = flag.String("telemetry-secret", "", "HMAC secret for telemetry clearance tokens")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: flightcore -c rc|auto [flags]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *initialMode != "rc" && *initialMode != "auto" {
		fmt.Fprintf(os.Stderr, "flightcore: -c must be \"rc\" or \"auto\", got %q\n", *initialMode)
		return 1
	}

	log := logging.New(*logLevel, "stdout")
	entry := logrus.NewEntry(log)

	a, err := initialize(entry, appConfig{
		missionPath:   *missionPath,
		imuDevice:     *imuDevice,
		gpsDevice:     *gpsDevice,
		rcDevice:      *rcDevice,
		motorDevices:  splitNonEmpty(*motorDevs),
		baudRate:      *baudRate,
		telemetryOn:   *telemetryOn,
		telemetryAddr: *telemetryAddr,
		jwtSecret:     []byte(*jwtSecret),
	})
	if err != nil {
		entry.WithError(err).Error("flightcore: initialization failed")
		return 1
	}

	return a.runUntilShutdown()
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				out = append(out, csv[start:i])
			}
			start = i + 1
		}
	}
	return out
}

type appConfig struct {
	missionPath   string
	imuDevice     string
	gpsDevice     string
	rcDevice      string
	motorDevices  []string
	baudRate      int
	telemetryOn   bool
	telemetryAddr string
	jwtSecret     []byte
}

// app wires Components A-F plus the external interfaces into the three
// threads spec.md §5 requires: one struct owning every subsystem plus
// the shared context/cancel pair, initialize populating it and
// runUntilShutdown launching the goroutines.
type app struct {
	log *logrus.Entry
	cfg appConfig

	sensorClient *sensors.Client
	adapter      *sensors.Adapter

	nedGravity  algebra.Vec3
	nedMagnetic algebra.Vec3

	ekf       *fusion.EKF
	attitudeP [3]*control.Controller
	altitudeP *control.Controller
	positionP *control.Controller3D
	geoRef    sensors.GeodeticRef
	mixer     mixing.Mixer
	motors    *actuators.MotorController
	rcBus     *supervisor.RCBus
	sup       *supervisor.Supervisor
	abort     *supervisor.AbortProcedure

	streamer   *telemetry.Streamer
	httpServer *http.Server

	mu       sync.RWMutex
	channels supervisor.Channels
	haveRC   bool

	lastAccel algebra.Vec3
	lastGyro  algebra.Vec3
	lastMag   algebra.Vec3
	haveIMU   bool

	lastBaroTs int64

	ctx    context.Context
	cancel context.CancelFunc
}

// calibSource adapts a sensors.Client's single demultiplexed Read into
// the calib package's per-kind blocking Next* calls, filtering out
// unrelated event kinds while it waits for the one it needs. Grounded
// on internal/calib's IMUSource/BaroSource/GPSSource being a narrower
// cut of the full sensor-client interface than Client exposes.
type calibSource struct {
	c *sensors.Client
}

func newCalibSource(c *sensors.Client) *calibSource {
	return &calibSource{c: c}
}

func (s *calibSource) NextIMU(ctx context.Context) (accel, gyro, mag sensors.Event, err error) {
	var haveAccel, haveGyro, haveMag bool
	for !haveAccel || !haveGyro || !haveMag {
		if ctx.Err() != nil {
			return sensors.Event{}, sensors.Event{}, sensors.Event{}, ctx.Err()
		}
		evt, rerr := s.c.Read()
		if rerr != nil {
			return sensors.Event{}, sensors.Event{}, sensors.Event{}, rerr
		}
		switch evt.Kind {
		case sensors.KindAccel:
			accel, haveAccel = evt, true
		case sensors.KindGyro:
			gyro, haveGyro = evt, true
		case sensors.KindMag:
			mag, haveMag = evt, true
		}
	}
	return accel, gyro, mag, nil
}

func (s *calibSource) NextBaro(ctx context.Context) (sensors.Event, error) {
	for {
		if ctx.Err() != nil {
			return sensors.Event{}, ctx.Err()
		}
		evt, err := s.c.Read()
		if err != nil {
			return sensors.Event{}, err
		}
		if evt.Kind == sensors.KindBaro {
			return evt, nil
		}
	}
}

func (s *calibSource) NextGPS(ctx context.Context) (sensors.Event, error) {
	for {
		if ctx.Err() != nil {
			return sensors.Event{}, ctx.Err()
		}
		evt, err := s.c.Read()
		if err != nil {
			return sensors.Event{}, err
		}
		if evt.Kind == sensors.KindGPS {
			return evt, nil
		}
	}
}

// initialize performs the sensor-client connection, calibration
// acquisition, and subsystem construction spec.md §4.2/§9 and §6
// describe as a sequential subsystem bring-up that unwinds already-opened
// resources on a later failure (this repo has no simulation-mode bypass:
// every device path must open or startup fails, spec.md §7's
// configuration-error category).
func initialize(log *logrus.Entry, cfg appConfig) (*app, error) {
	ctx, cancel := context.WithCancel(context.Background())

	sensorClient, err := sensors.OpenClient(cfg.imuDevice, cfg.gpsDevice, cfg.baudRate, log.WithField("component", "sensors"))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("flightcore: open sensor client: %w", err)
	}

	src := newCalibSource(sensorClient)

	log.Info("flightcore: acquiring IMU calibration (stationary)")
	gyroBias, initMag, initAttitude, err := calib.AcquireIMU(ctx, src, log)
	if err != nil {
		sensorClient.Close()
		cancel()
		return nil, fmt.Errorf("flightcore: IMU calibration: %w", err)
	}

	log.Info("flightcore: acquiring barometric reference")
	refPressurePa, refTempMK, err := calib.AcquireBaro(ctx, src, log)
	if err != nil {
		sensorClient.Close()
		cancel()
		return nil, fmt.Errorf("flightcore: baro calibration: %w", err)
	}

	var geoRef sensors.GeodeticRef
	if cfg.gpsDevice != "" {
		log.Info("flightcore: acquiring GPS reference point")
		geoRef, err = calib.AcquireGPS(ctx, src, log)
		if err != nil {
			sensorClient.Close()
			cancel()
			return nil, fmt.Errorf("flightcore: GPS calibration: %w", err)
		}
	}

	calibration := &sensors.Calibration{
		AccelNonOrtho:       identity3x3(),
		InitialAttitude:     initAttitude,
		GravityMag:          9.80665,
		MagSoftIron:         identity3x3(),
		GyroBias:            gyroBias,
		ReferencePressurePa: refPressurePa,
		ReferenceTempMK:     refTempMK,
		Reference:           geoRef,
	}
	if err := calibration.Validate(); err != nil {
		sensorClient.Close()
		cancel()
		return nil, fmt.Errorf("flightcore: calibration invalid: %w", err)
	}

	ekf := fusion.New(fusion.Config{
		UpdateRateHz:   ekfRateHz,
		GyroNoise:      1e-4,
		GyroBiasNoise:  1e-6,
		AccelBiasNoise: 1e-6,
		VelocityNoise:  1e-3,
		Gravity:        algebra.Vec3{Z: calibration.GravityMag},
		Log:            log.WithField("component", "fusion"),
	}, calibration.InitialAttitude)

	scenario := defaultScenario()
	pids := defaultPIDs()
	altPID := defaultAltitudePID()
	posPID := defaultPositionPID()
	mixer := mixing.Mixer{Atten: defaultAttenuation()}
	for i := range mixer.Calib {
		mixer.Calib[i] = mixing.MotorCalibration{Gain: 1}
	}

	if cfg.missionPath != "" {
		f, ferr := os.Open(cfg.missionPath)
		if ferr != nil {
			sensorClient.Close()
			cancel()
			return nil, fmt.Errorf("flightcore: open mission script: %w", ferr)
		}
		mcfg, perr := mission.Parse(f, log)
		f.Close()
		if perr != nil {
			sensorClient.Close()
			cancel()
			return nil, fmt.Errorf("flightcore: parse mission script: %w", perr)
		}
		if len(mcfg.Scenario) > 0 {
			scenario = mcfg.Scenario
		}
		if len(mcfg.PIDs) == 3 {
			pids = [3]mission.PIDConfig{mcfg.PIDs[0], mcfg.PIDs[1], mcfg.PIDs[2]}
		}
		if len(mcfg.PIDs) == 4 {
			pids = [3]mission.PIDConfig{mcfg.PIDs[0], mcfg.PIDs[1], mcfg.PIDs[2]}
			altPID = newScalarController(mcfg.PIDs[3])
		}
		if mcfg.Attenuation.Gain != 0 {
			if atten, aerr := mixing.NewAttenuation(mcfg.Attenuation.Start, mcfg.Attenuation.Mid, mcfg.Attenuation.End, mcfg.Attenuation.MidArg); aerr == nil {
				mixer.Atten = atten
			}
		}
	}

	var motors *actuators.MotorController
	if len(cfg.motorDevices) > 0 {
		motors, err = actuators.Init(cfg.motorDevices, cfg.baudRate, log.WithField("component", "actuators"))
		if err != nil {
			sensorClient.Close()
			cancel()
			return nil, fmt.Errorf("flightcore: open motor controller: %w", err)
		}
		if err := motors.Arm(ctx, actuators.ArmAuto); err != nil {
			sensorClient.Close()
			motors.Deinit()
			cancel()
			return nil, fmt.Errorf("flightcore: arm motor controller: %w", err)
		}
	}

	rcBus, err := supervisor.OpenRCBus(cfg.rcDevice, cfg.baudRate)
	if err != nil {
		sensorClient.Close()
		if motors != nil {
			motors.Deinit()
		}
		cancel()
		return nil, fmt.Errorf("flightcore: open RC bus: %w", err)
	}

	sup := supervisor.New(scenario, log.WithField("component", "supervisor"))
	abort := supervisor.NewAbortProcedure(
		func(ctx context.Context) error {
			if motors == nil {
				return nil
			}
			return motors.CutThrottle(ctx)
		},
		func(ctx context.Context) error {
			if motors == nil {
				return nil
			}
			return motors.Disarm(ctx)
		},
		log.WithField("component", "abort"),
	)

	var streamer *telemetry.Streamer
	var httpServer *http.Server
	if cfg.telemetryOn {
		streamer = telemetry.NewStreamer(cfg.jwtSecret, log.WithField("component", "telemetry"))
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", streamer.HandleWebSocket)
		httpServer = &http.Server{Addr: cfg.telemetryAddr, Handler: mux}
	}

	a := &app{
		log:          log,
		cfg:          cfg,
		sensorClient: sensorClient,
		adapter:      sensors.NewAdapter(calibration),
		nedGravity:   algebra.Vec3{Z: calibration.GravityMag},
		nedMagnetic:  algebra.VecRot(initMag, calibration.InitialAttitude).Normalize(),
		ekf:          ekf,
		altitudeP:    altPID,
		positionP:    posPID,
		geoRef:       calibration.Reference,
		mixer:        mixer,
		motors:       motors,
		rcBus:        rcBus,
		sup:          sup,
		abort:        abort,
		streamer:     streamer,
		httpServer:   httpServer,
		ctx:          ctx,
		cancel:       cancel,
	}
	for i := range a.attitudeP {
		a.attitudeP[i] = newScalarController(pids[i])
	}
	return a, nil
}

func identity3x3() [3][3]float32 {
	return [3][3]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// defaultPIDs is a conservative starting gain set; a real deployment
// always overrides this via the mission script's @PID sections.
func defaultPIDs() [3]mission.PIDConfig {
	p := mission.PIDConfig{P: 4.0, I: 0.3, D: 0.02, Max: 3.0, Min: -3.0, IMax: 1.0, IMin: -1.0}
	return [3]mission.PIDConfig{p, p, p}
}

func defaultAttenuation() mixing.Attenuation {
	a, _ := mixing.NewAttenuation(0.5, 1.0, 1.5, 0.5)
	return a
}

// defaultScenario is the scenario played when no -mission script supplies
// one: a short takeoff to 2m, a 5s hover, then a landing, matching the
// three-phase shape control.c's quad_run default scenario exercises.
func defaultScenario() []mission.Step {
	return []mission.Step{
		{Type: mission.StepTakeoff, AltMM: 2000, IdleTimeMS: 500, SpoolTimeMS: 500, LiftTimeMS: 3000},
		{Type: mission.StepHover, HoverAltMM: 2000, HoverTimeM: 5000},
		{Type: mission.StepLanding, DescentMMPerS: 300, DiffMM: 300, TimeoutMS: 1500},
		{Type: mission.StepEnd},
	}
}

// defaultAltitudePID is the altitude axis's conservative starting gain
// set, the fourth PID context spec.md §3.6's "each axis owns one context"
// calls for alongside roll/pitch/yaw.
func defaultAltitudePID() *control.Controller {
	return newScalarController(mission.PIDConfig{P: 0.8, I: 0.15, D: 0.05, Max: 1.0, Min: -1.0, IMax: 0.4, IMin: -0.4})
}

// defaultPositionPID is the horizontal-position hold's starting gain set,
// driving Controller3D's R->PID chain down to a target earth-frame
// acceleration that AttitudeFromAccel converts to roll/pitch.
func defaultPositionPID() *control.Controller3D {
	c := control.NewController3D()
	c.R.K, c.R.Max = 0.6, 3.0
	c.P.K, c.P.Max = 0.5, 2.0
	c.I.K, c.I.Max = 0.05, 0.5
	c.D.K, c.D.Max = 0.1, 2.0
	return c
}

// newScalarController builds a rate-then-PID controller from one mission
// PID section. The R stage is left at unity gain/wide clamp so the
// position error (an angle, in the attitude-loop case) passes through to
// the rate stage unscaled; callers that want a pure rate controller (the
// yaw loop) feed a target rate as the position argument with currPos 0.
func newScalarController(pc mission.PIDConfig) *control.Controller {
	c := control.NewController()
	c.R.K = 1
	c.R.Max = maxYawRateRad * 4
	c.P.K, c.P.Max = pc.P, pc.Max
	c.I.K, c.I.Max = pc.I, pc.IMax
	c.D.K, c.D.Max = pc.D, pc.Max
	return c
}

// runUntilShutdown launches the three threads, waits for a terminal
// signal or an unrecoverable supervisor state, runs the abort procedure,
// and joins every goroutine within a bounded timeout, matching spec.md
// §5's "thread join MUST be bounded" requirement.
func (a *app) runUntilShutdown() int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.ekf.Run(a.ctx, a.latestIMU); err != nil && err != context.Canceled {
			a.log.WithError(err).Warn("flightcore: EKF thread exited")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sensorPumpLoop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.rcInputLoop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.controlLoop()
	}()

	if a.httpServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.WithError(err).Warn("flightcore: telemetry HTTP server exited")
			}
		}()
	}

	select {
	case <-sigCh:
		a.log.Warn("flightcore: shutdown signal received")
	case <-a.ctx.Done():
	}

	abortCtx, abortCancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := a.abort.Execute(abortCtx, "shutdown"); err != nil {
		a.log.WithError(err).Error("flightcore: abort procedure failed during shutdown")
	}
	abortCancel()

	a.cancel()
	if a.httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		a.httpServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	joined := make(chan struct{})
	go func() {
		wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(5 * time.Second):
		a.log.Error("flightcore: threads did not join within timeout")
	}

	a.sensorClient.Close()
	a.rcBus.Close()
	if a.motors != nil {
		a.motors.Deinit()
	}

	a.log.Info("flightcore: shutdown complete")
	return 0
}

// latestIMU supplies the EKF thread's ticker-driven Predict with the most
// recent calibrated accel/gyro pair, cached by sensorPumpLoop under the
// app mutex — the single-producer/single-consumer snapshot discipline
// spec.md §5 describes for shared sensor state.
func (a *app) latestIMU() (algebra.Vec3, algebra.Vec3, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.haveIMU {
		return algebra.Vec3{}, algebra.Vec3{}, false
	}
	return a.lastGyro, a.lastAccel, true
}

// sensorPumpLoop is the sensor-measurement adapter's consumer: it drains
// the sensor client, runs each event through Component B, caches the
// latest IMU sample for the EKF thread's Predict, and submits every
// measurement kind to the EKF's update queue.
func (a *app) sensorPumpLoop() {
	var pendingAccel sensors.Event
	var haveAccel bool

	for {
		if a.ctx.Err() != nil {
			return
		}
		evt, err := a.sensorClient.Read()
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.log.WithError(err).Debug("flightcore: sensor client read error")
			continue
		}

		switch evt.Kind {
		case sensors.KindAccel:
			pendingAccel = evt
			haveAccel = true

		case sensors.KindGyro:
			if !haveAccel {
				continue
			}
			sample, err := a.adapter.ProcessIMU(pendingAccel, evt)
			haveAccel = false
			if err != nil {
				a.log.WithError(err).Debug("flightcore: IMU sample rejected")
				continue
			}
			a.mu.Lock()
			a.lastAccel, a.lastGyro, a.haveIMU = sample.Accel, sample.Gyro, true
			mag := a.lastMag
			a.mu.Unlock()

			fusion.IMUMeasurement{
				AccelFiltered: sample.Accel,
				MagFiltered:   mag,
				GyroFiltered:  sample.Gyro,
				NEDGravity:    a.nedGravity,
				NEDMagnetic:   a.nedMagnetic,
			}.Apply(a.ctx, a.ekf)

		case sensors.KindMag:
			magSample, err := a.adapter.ProcessMag(evt)
			if err == nil {
				a.mu.Lock()
				a.lastMag = magSample.Field
				a.mu.Unlock()
			}

		case sensors.KindBaro:
			baroSample, err := a.adapter.ProcessBaro(evt)
			if err != nil {
				continue
			}
			dtUs := evt.TimestampUs - a.lastBaroTs
			a.lastBaroTs = evt.TimestampUs
			if dtUs <= 0 {
				continue
			}
			fusion.BaroMeasurement{
				DeltaAltM: baroSample.DeltaAltM,
				Dt:        float32(dtUs) / 1e6,
			}.Apply(a.ctx, a.ekf)

		case sensors.KindGPS:
			nedSample, err := a.adapter.ProcessGPS(evt)
			if err != nil {
				continue
			}
			fusion.GPSMeasurement{NED: nedSample}.Apply(a.ctx, a.ekf)
		}
	}
}

func (a *app) rcInputLoop() {
	stop := make(chan struct{})
	go func() {
		<-a.ctx.Done()
		close(stop)
	}()

	a.rcBus.FeedLoop(stop, 50*time.Millisecond, func(ch supervisor.Channels, errCode uint8) {
		a.mu.Lock()
		a.channels = ch
		a.haveRC = true
		a.mu.Unlock()

		if errCode != 0 {
			a.sup.RCError(time.Now())
			return
		}
		a.sup.RCFrame(ch, time.Now())
	}, func(err error) {
		a.sup.RCError(time.Now())
	})
}

// controlLoop is the control thread (spec.md §5): it steps the
// supervisor's state machine, runs the cascaded PID/MMA stack, and writes
// motor duty — the single owner of motor PWM output spec.md §5 requires.
func (a *app) controlLoop() {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / controlRateHz))
	defer ticker.Stop()
	cockpitTicker := time.NewTicker(cockpitPeriod)
	defer cockpitTicker.Stop()

	dt := float32(1 / controlRateHz)

	for {
		select {
		case <-a.ctx.Done():
			return

		case <-cockpitTicker.C:
			a.printCockpitLine()
			if a.streamer != nil {
				state, _ := a.ekf.GetState()
				a.streamer.Publish(telemetry.Snapshot{State: state, FlightMode: a.sup.Mode()})
			}

		case <-ticker.C:
			a.mu.RLock()
			ch, haveRC := a.channels, a.haveRC
			gyro := a.lastGyro
			a.mu.RUnlock()
			if !haveRC {
				continue
			}

			now := time.Now()
			a.sup.StepIdle(ch)
			a.sup.StepDisarm(ch, now)
			a.sup.StepArm(ch, now)

			state, _ := a.ekf.GetState()
			roll, pitch, yaw := state.Quat().ToEuler()
			pos := state.Position()
			vel := state.Velocity()

			if err := supervisor.TippingGuard(ch.Throttle, roll, pitch, maxTiltRad); err != nil {
				a.log.WithError(err).Warn("flightcore: tipping guard triggered")
				if a.motors != nil {
					a.motors.CutThrottle(a.ctx)
				}
				continue
			}

			sp := supervisor.Position{AltitudeM: -pos.Z, NorthM: pos.X, EastM: pos.Y, Roll: roll, Pitch: pitch}
			cmd := a.dispatchMode(now, ch, sp)

			if cmd.StopMotors {
				if a.motors != nil {
					a.motors.CutThrottle(a.ctx)
				}
				continue
			}

			targetRoll, targetPitch := cmd.TargetRoll, cmd.TargetPitch
			if cmd.FollowRCYaw {
				targetRoll = rcToAngle(ch.Roll)
				targetPitch = rcToAngle(ch.Pitch)
			}
			if cmd.PositionHold {
				targetPosNED := algebra.Vec3{X: cmd.PositionTargetN, Y: cmd.PositionTargetE}
				currPosNED := algebra.Vec3{X: sp.NorthM, Y: sp.EastM}
				accelEarth := a.positionP.Calc(targetPosNED, currPosNED, algebra.Vec3{X: vel.X, Y: vel.Y}, dt)
				posRoll, posPitch := control.AttitudeFromAccel(accelEarth, yaw, a.nedGravity.Z, maxTiltRad)
				targetRoll += posRoll
				targetPitch += posPitch
			}

			targetYawRate := cmd.TargetYawRate
			if cmd.FollowRCYaw {
				targetYawRate = rcToRate(ch.Yaw)
			}

			var throttle float32
			if cmd.StabilizeThrottle {
				throttle = rcToUnit(ch.Throttle)
			} else {
				a.altitudeP.Flags = 0
				if cmd.IgnoreAltitudeI {
					a.altitudeP.Flags |= control.FlagIgnoreI
				}
				if cmd.ResetAltitudeI {
					a.altitudeP.Flags |= control.FlagResetI
				}
				altOut := a.altitudeP.Calc(cmd.TargetAltitudeM, sp.AltitudeM, -vel.Z, dt)
				throttle = hoverThrottle + altOut
				if throttle < 0 {
					throttle = 0
				}
				if throttle > 1 {
					throttle = 1
				}
			}

			rollOut := a.attitudeP[0].Calc(targetRoll, roll, gyro.X, dt)
			pitchOut := a.attitudeP[1].Calc(targetPitch, pitch, gyro.Y, dt)
			yawOut := a.attitudeP[2].Calc(targetYawRate, 0, gyro.Z, dt)

			duties := a.mixer.Mix(throttle, rollOut, pitchOut, yawOut)

			mode := a.sup.Mode()
			if a.motors != nil && mode != supervisor.ModeIdle && mode != supervisor.ModeDisarm {
				a.motors.SetAll(duties[:], actuators.TempoInstantaneous)
			}

			if mode == supervisor.ModeEnd || mode == supervisor.ModeManualAbort {
				a.log.WithField("mode", mode).Info("flightcore: supervisor reached a terminal mode")
				a.cancel()
				return
			}
		}
	}
}

// hoverThrottle is the nominal duty fraction that holds level altitude
// with zero altitude-PID contribution, matching defaultAttenuation's mid
// point (the attenuation curve's centre is tuned around this duty).
const hoverThrottle = 0.5

// dispatchMode runs the current flight mode's Step* handler, converting
// the current scenario step's geodetic POSITION target (if any) into the
// local NED frame, and routes IDLE/DISARM/ARM/END/MANUAL_ABORT to a
// level-attitude command whose throttle is taken straight from the RC
// throttle stick; controlLoop writes no motor output in IDLE/DISARM and
// exits on END/MANUAL_ABORT.
func (a *app) dispatchMode(now time.Time, ch supervisor.Channels, pos supervisor.Position) supervisor.ModeCommand {
	step := a.sup.CurrentStep()
	switch a.sup.Mode() {
	case supervisor.ModeTakeoff:
		return a.sup.StepTakeoff(now, pos, step)
	case supervisor.ModeHover:
		return a.sup.StepHover(now, pos, step)
	case supervisor.ModePosition:
		targetAltM := float32(step.PosAltMM) / 1000
		targetN, targetE := a.positionTargetNED(step)
		return a.sup.StepPosition(now, pos, targetAltM, targetN, targetE)
	case supervisor.ModeLanding:
		return a.sup.StepLanding(now, pos, step)
	case supervisor.ModeManual:
		return a.sup.StepManual(ch, pos)
	default:
		return supervisor.ModeCommand{StabilizeThrottle: true}
	}
}

// positionTargetNED converts a POSITION step's E7-scaled lat/lon into the
// local NED tangent plane established at GPS calibration.
func (a *app) positionTargetNED(step mission.Step) (northM, eastM float32) {
	latRad := float32(float64(step.LatE7)/1e7) * math32.Pi / 180
	lonRad := float32(float64(step.LonE7)/1e7) * math32.Pi / 180
	ned := sensors.GeodeticToNED(latRad, lonRad, a.geoRef.HeightM, a.geoRef)
	return ned.X, ned.Y
}

func rcToUnit(ch int32) float32 {
	v := float32(ch-1000) / 1000
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func rcToAngle(ch int32) float32 {
	v := float32(ch-1500) / 500
	return v * maxTiltRad
}

func rcToRate(ch int32) float32 {
	v := float32(ch-1500) / 500
	return v * maxYawRateRad
}

// printCockpitLine is the per-LOG_PERIOD one-line stdout summary spec.md
// §7 requires regardless of whether the telemetry streamer is enabled.
func (a *app) printCockpitLine() {
	state, _ := a.ekf.GetState()
	pos := state.Position()
	vel := state.Velocity()
	roll, pitch, yaw := state.Quat().ToEuler()
	altitudeM := -pos.Z
	distM := math32.Sqrt(pos.X*pos.X + pos.Y*pos.Y)
	speedMPS := math32.Sqrt(vel.X*vel.X + vel.Y*vel.Y + vel.Z*vel.Z)

	fmt.Printf("[%s] mode=%-12s alt=%6.2fm dist=%6.2fm speed=%5.2fm/s rpy=(%+.2f,%+.2f,%+.2f)\n",
		time.Now().Format("15:04:05.000"), a.sup.Mode(), altitudeM, distM, speedMPS, roll, pitch, yaw)
}
