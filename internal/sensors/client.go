package sensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// Sensor-frame wire format (spec.md §6.1): a 2-byte magic/sync, a 1-byte
// kind, an 8-byte little-endian microsecond timestamp, a 1-byte device id,
// and a kind-specific payload. Grounded on supervisor/rc.go's fixed-frame
// RCBus transport (same magic-resync idiom), generalised from one frame
// shape to one-frame-per-sensor-kind since accel/gyro/mag/baro payloads
// differ in size.
const (
	sensorFrameMagic0 = 0x5E
	sensorFrameMagic1 = 0xE5

	sensorHeaderLen = 1 + 8 + 1 // kind + timestamp + deviceID

	accelPayloadLen = 3 * 4
	gyroPayloadLen  = 3*4 + 3*4
	magPayloadLen   = 3 * 4
	baroPayloadLen  = 4 + 4
)

// Client is the reference sensor-client implementation: one serial port
// carrying framed IMU/mag/baro events, and an independent serial port
// carrying NMEA 0183 GPS sentences, merged into a single blocking Read
// call. Grounded on supervisor.RCBus (single serial.Port behind a mutex,
// magic-byte resync) for the framed side and on the
// relabs-tech-inertial_computer gps_producer's line-oriented
// nmea.Parse loop for the GPS side.
type Client struct {
	muIMU sync.Mutex
	imu   serial.Port

	muGPS sync.Mutex
	gps   serial.Port

	events chan Event
	errs   chan error
	stop   chan struct{}

	log *logrus.Entry
}

// OpenClient opens the IMU/baro/mag device and, if gpsDevicePath is
// non-empty, the GPS NMEA device, matching the motor controller's
// one-port-per-concern shape (actuators.Init) rather than multiplexing
// unrelated sensor kinds over a single link.
func OpenClient(imuDevicePath string, gpsDevicePath string, baudRate int, log *logrus.Entry) (*Client, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	mode := &serial.Mode{BaudRate: baudRate, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}

	imuPort, err := serial.Open(imuDevicePath, mode)
	if err != nil {
		return nil, fmt.Errorf("sensors: open IMU device %s: %w", imuDevicePath, err)
	}

	var gpsPort serial.Port
	if gpsDevicePath != "" {
		gpsPort, err = serial.Open(gpsDevicePath, mode)
		if err != nil {
			imuPort.Close()
			return nil, fmt.Errorf("sensors: open GPS device %s: %w", gpsDevicePath, err)
		}
	}

	c := &Client{
		imu:    imuPort,
		gps:    gpsPort,
		events: make(chan Event, 32),
		errs:   make(chan error, 32),
		stop:   make(chan struct{}),
		log:    log,
	}
	go c.readIMULoop()
	if gpsPort != nil {
		go c.readGPSLoop()
	}
	return c, nil
}

// Read blocks for the next decoded event, a transport error, or client
// shutdown, matching spec.md §6.1's "blocking read returns on next event
// or on client shutdown" contract.
func (c *Client) Read() (Event, error) {
	select {
	case evt := <-c.events:
		return evt, nil
	case err := <-c.errs:
		return Event{}, err
	case <-c.stop:
		return Event{}, io.EOF
	}
}

// Close stops both read loops and closes the underlying ports.
func (c *Client) Close() error {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}

	c.muIMU.Lock()
	imuErr := c.imu.Close()
	c.muIMU.Unlock()

	var gpsErr error
	c.muGPS.Lock()
	if c.gps != nil {
		gpsErr = c.gps.Close()
	}
	c.muGPS.Unlock()

	if imuErr != nil {
		return fmt.Errorf("sensors: close IMU device: %w", imuErr)
	}
	if gpsErr != nil {
		return fmt.Errorf("sensors: close GPS device: %w", gpsErr)
	}
	return nil
}

func (c *Client) readIMULoop() {
	c.muIMU.Lock()
	port := c.imu
	c.muIMU.Unlock()
	port.SetReadTimeout(500 * time.Millisecond)

	r := bufio.NewReader(port)
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		evt, err := readSensorFrame(r)
		if err != nil {
			select {
			case c.errs <- fmt.Errorf("sensors: IMU frame: %w", err):
			case <-c.stop:
				return
			default:
			}
			continue
		}
		select {
		case c.events <- evt:
		case <-c.stop:
			return
		}
	}
}

// readSensorFrame resyncs to the two-byte magic and decodes one
// kind-tagged frame, matching supervisor.resyncToMagic's tolerance of a
// misaligned stream recovering from a dropped byte.
func readSensorFrame(r *bufio.Reader) (Event, error) {
	if err := resyncToSensorMagic(r); err != nil {
		return Event{}, err
	}

	header := make([]byte, sensorHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Event{}, fmt.Errorf("read header: %w", err)
	}
	kind := Kind(header[0])
	tsUs := int64(binary.LittleEndian.Uint64(header[1:9]))
	deviceID := int(header[9])

	evt := Event{TimestampUs: tsUs, Kind: kind, DeviceID: deviceID}

	switch kind {
	case KindAccel:
		body := make([]byte, accelPayloadLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return Event{}, fmt.Errorf("read accel payload: %w", err)
		}
		for i := 0; i < 3; i++ {
			evt.AccelMilliG[i] = int32(binary.LittleEndian.Uint32(body[i*4 : i*4+4]))
		}
	case KindGyro:
		body := make([]byte, gyroPayloadLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return Event{}, fmt.Errorf("read gyro payload: %w", err)
		}
		for i := 0; i < 3; i++ {
			evt.GyroRateMilliRad[i] = int32(binary.LittleEndian.Uint32(body[i*4 : i*4+4]))
		}
		for i := 0; i < 3; i++ {
			off := 12 + i*4
			evt.GyroDeltaAngleUrad[i] = binary.LittleEndian.Uint32(body[off : off+4])
		}
	case KindMag:
		body := make([]byte, magPayloadLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return Event{}, fmt.Errorf("read mag payload: %w", err)
		}
		for i := 0; i < 3; i++ {
			evt.Mag[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4 : i*4+4]))
		}
	case KindBaro:
		body := make([]byte, baroPayloadLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return Event{}, fmt.Errorf("read baro payload: %w", err)
		}
		evt.PressurePa = math.Float32frombits(binary.LittleEndian.Uint32(body[0:4]))
		evt.TemperatureMK = int32(binary.LittleEndian.Uint32(body[4:8]))
	default:
		return Event{}, fmt.Errorf("unrecognised sensor frame kind %d", kind)
	}
	return evt, nil
}

func resyncToSensorMagic(r *bufio.Reader) error {
	var prev byte
	first := true
	for {
		b, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("resync: %w", err)
		}
		if !first && prev == sensorFrameMagic0 && b == sensorFrameMagic1 {
			return nil
		}
		prev = b
		first = false
	}
}

// readGPSLoop decodes NMEA 0183 sentences line-by-line, matching the
// relabs-tech-inertial_computer GPS producer's ReadString('\n')-plus-
// nmea.Parse loop, converting RMC (position/validity/speed/course) and
// GGA (altitude/fix quality/satellite count/HDOP) sentences into one
// merged GPS Event.
func (c *Client) readGPSLoop() {
	c.muGPS.Lock()
	port := c.gps
	c.muGPS.Unlock()
	if port == nil {
		return
	}
	port.SetReadTimeout(500 * time.Millisecond)

	reader := bufio.NewReader(port)
	var evt Event
	evt.Kind = KindGPS

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" {
			if err != nil {
				continue
			}
		}
		if !strings.HasPrefix(line, "$") {
			continue
		}

		sentence, perr := nmea.Parse(line)
		if perr != nil {
			continue
		}

		switch sentence.DataType() {
		case nmea.TypeRMC:
			m := sentence.(nmea.RMC)
			evt.TimestampUs = time.Now().UnixMicro()
			evt.LatNano = int64(m.Latitude * 1e9)
			evt.LonNano = int64(m.Longitude * 1e9)
			evt.VelNorthMM = int32(m.Speed * 514.444 * math.Cos(float64(m.Course)*math.Pi/180))
			evt.VelEastMM = int32(m.Speed * 514.444 * math.Sin(float64(m.Course)*math.Pi/180))
			if m.Validity == "A" {
				if evt.Fix == 0 {
					evt.Fix = 2
				}
			} else {
				evt.Fix = 0
			}
			c.publishGPS(evt)

		case nmea.TypeGGA:
			m := sentence.(nmea.GGA)
			evt.TimestampUs = time.Now().UnixMicro()
			evt.AltMM = int32(m.Altitude * 1000)
			evt.HDOP = float32(m.HDOP)
			evt.SatCount = int(m.NumSatellites)
			switch m.FixQuality {
			case "0":
				evt.Fix = 0
			case "1":
				evt.Fix = 2
			default:
				evt.Fix = 3
			}
			c.publishGPS(evt)
		}
	}
}

func (c *Client) publishGPS(evt Event) {
	select {
	case c.events <- evt:
	case <-c.stop:
	}
}
