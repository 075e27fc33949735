// Package telemetry streams the cockpit summary (spec.md §4.6, §7) over a
// WebSocket endpoint in addition to the stdout line the supervisor
// prints every LOG_PERIOD, and optionally mirrors it to an MQTT topic.
// Follows internal/livefeed/streamer.go's LiveFeedStreamer/Client
// broadcast-with-clearance-filtering pattern, generalised from its
// literal-string clearance stub to a real JWT bearer-token check.
package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/skyforge/flightcore/internal/fusion"
	"github.com/skyforge/flightcore/internal/supervisor"
)

// Clearance mirrors livefeed's tiered access model, generalised to this
// domain's cockpit data instead of mission/command data.
type Clearance int

const (
	ClearancePublic Clearance = iota
	ClearanceOperator
	ClearanceCommander
)

// CockpitMessage is the streamed equivalent of the stdout cockpit line
// (spec.md §4.6/§7: altitude, distance-from-origin, heading, speed), kept
// a superset for connected clients with sufficient clearance.
type CockpitMessage struct {
	Timestamp      time.Time  `json:"timestamp"`
	Position       [3]float32 `json:"position_ned_m"`
	Velocity       [3]float32 `json:"velocity_ned_mps"`
	RollPitchYaw   [3]float32 `json:"roll_pitch_yaw_rad"`
	AltitudeM      float32    `json:"altitude_m"`
	DistanceFromOriginM float32 `json:"distance_from_origin_m"`
	HeadingRad     float32    `json:"heading_rad"`
	SpeedMPS       float32    `json:"speed_mps"`
	FlightMode     string     `json:"flight_mode"`

	// GyroBias/AccelBias are only included for ClearanceOperator+, since
	// they are an internal EKF estimation-quality signal rather than
	// pilot-facing flight data.
	GyroBias  *[3]float32 `json:"gyro_bias_rad_s,omitempty"`
	AccelBias *[3]float32 `json:"accel_bias_mps2,omitempty"`
}

// Snapshot is the subset of supervisor/EKF state the streamer needs per
// tick; the caller (the supervisor's own 1 kHz loop, or a slower ticker
// reading its published snapshot) assembles this without the streamer
// reaching back into fusion/supervisor internals itself.
type Snapshot struct {
	State      fusion.State
	FlightMode supervisor.Mode
}

func toCockpitMessage(snap Snapshot, clearance Clearance) *CockpitMessage {
	pos := snap.State.Position()
	vel := snap.State.Velocity()
	roll, pitch, yaw := snap.State.Quat().ToEuler()

	msg := &CockpitMessage{
		Timestamp:           time.Now(),
		Position:            [3]float32{pos.X, pos.Y, pos.Z},
		Velocity:            [3]float32{vel.X, vel.Y, vel.Z},
		RollPitchYaw:         [3]float32{roll, pitch, yaw},
		AltitudeM:            -pos.Z,
		DistanceFromOriginM: pos.Len(),
		HeadingRad:           yaw,
		SpeedMPS:             vel.Len(),
		FlightMode:           snap.FlightMode.String(),
	}

	if clearance >= ClearanceOperator {
		gb := snap.State.GyroBias()
		ab := snap.State.AccelBias()
		gbArr := [3]float32{gb.X, gb.Y, gb.Z}
		abArr := [3]float32{ab.X, ab.Y, ab.Z}
		msg.GyroBias = &gbArr
		msg.AccelBias = &abArr
	}
	return msg
}

// Client is a connected WebSocket subscriber: conn, clearance, and a
// buffered send channel.
type Client struct {
	conn      *websocket.Conn
	clearance Clearance
	send      chan *CockpitMessage
	id        string
}

// Streamer broadcasts cockpit telemetry to WebSocket clients and,
// optionally, an MQTT broker — matching LiveFeedStreamer's
// clients-map-plus-broadcast-channel shape.
type Streamer struct {
	mu        sync.RWMutex
	clients   map[*Client]bool
	broadcast chan *CockpitMessage

	upgrader websocket.Upgrader
	log      *logrus.Entry

	jwtSecret []byte

	mqttClient mqtt.Client
	mqttTopic  string

	messagesSent  uint64
	clientsServed uint64
}

// Option configures a Streamer at construction, a narrow functional-
// option seam favoured elsewhere in the pack (inertial_computer's MQTT
// client) for optional transports.
type Option func(*Streamer)

// WithMQTT mirrors every broadcast cockpit message to topic on client,
// matching how a ground-station integration would subscribe without
// needing a WebSocket connection.
func WithMQTT(client mqtt.Client, topic string) Option {
	return func(s *Streamer) {
		s.mqttClient = client
		s.mqttTopic = topic
	}
}

// NewStreamer constructs a Streamer; jwtSecret verifies the bearer token
// supplied in the X-Clearance-Token header, replacing a literal-string
// clearance stub (validateClearance) with a real check.
func NewStreamer(jwtSecret []byte, log *logrus.Entry, opts ...Option) *Streamer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Streamer{
		clients:   make(map[*Client]bool),
		broadcast: make(chan *CockpitMessage, 100),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:       log,
		jwtSecret: jwtSecret,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleWebSocket upgrades an HTTP connection and registers the client,
// matching LiveFeedStreamer.HandleWebSocket's upgrade-then-register flow.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Error("telemetry: websocket upgrade failed")
		return
	}

	clearance := s.clearanceFromRequest(r)
	client := &Client{
		conn:      conn,
		clearance: clearance,
		send:      make(chan *CockpitMessage, 50),
		id:        r.RemoteAddr,
	}

	s.registerClient(client)
	s.log.WithFields(logrus.Fields{"client": client.id, "clearance": clearance}).Info("telemetry: client connected")

	ctx, cancel := context.WithCancel(context.Background())
	go s.writePump(ctx, client)
	go s.readPump(ctx, cancel, client)
}

// clearanceFromRequest validates the bearer token against jwtSecret and
// maps its "clearance" claim to a Clearance level, defaulting to
// ClearancePublic for a missing or invalid token rather than rejecting
// the connection outright — an unauthenticated client still gets the
// public cockpit line, just not the estimator internals.
func (s *Streamer) clearanceFromRequest(r *http.Request) Clearance {
	tokenStr := r.Header.Get("X-Clearance-Token")
	if tokenStr == "" {
		return ClearancePublic
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		s.log.WithError(err).Warn("telemetry: rejecting invalid clearance token")
		return ClearancePublic
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ClearancePublic
	}
	switch claims["clearance"] {
	case "commander":
		return ClearanceCommander
	case "operator":
		return ClearanceOperator
	default:
		return ClearancePublic
	}
}

func (s *Streamer) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = true
	s.clientsServed++
}

func (s *Streamer) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// Publish enqueues a cockpit snapshot for broadcast, matching
// BroadcastTelemetry's drop-oldest-on-full-buffer policy — telemetry is
// lossy by design, never allowed to backpressure the supervisor loop
// that calls Publish.
func (s *Streamer) Publish(snap Snapshot) {
	msg := toCockpitMessage(snap, ClearanceCommander)
	select {
	case s.broadcast <- msg:
	default:
		select {
		case <-s.broadcast:
		default:
		}
		s.broadcast <- msg
	}
}

// Run drains the broadcast channel and fans each message out to
// connected clients (filtered per-client by clearance) and, if
// configured, to the MQTT topic, until ctx is cancelled.
func (s *Streamer) Run(ctx context.Context) error {
	s.log.Info("telemetry: streamer started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("telemetry: streamer stopping")
			s.closeAllClients()
			return ctx.Err()
		case msg := <-s.broadcast:
			s.sendToClients(msg)
			s.publishMQTT(msg)
		}
	}
}

func (s *Streamer) sendToClients(fullMsg *CockpitMessage) {
	s.mu.RLock()
	var sent uint64
	for c := range s.clients {
		filtered := filterForClearance(fullMsg, c.clearance)
		select {
		case c.send <- filtered:
			sent++
		default:
		}
	}
	s.mu.RUnlock()

	if sent > 0 {
		s.mu.Lock()
		s.messagesSent += sent
		s.mu.Unlock()
	}
}

// filterForClearance strips operator-only fields for lower-clearance
// clients, matching LiveFeedStreamer.filterMessage's copy-then-zero
// approach.
func filterForClearance(msg *CockpitMessage, clearance Clearance) *CockpitMessage {
	if clearance >= ClearanceOperator {
		return msg
	}
	filtered := *msg
	filtered.GyroBias = nil
	filtered.AccelBias = nil
	return &filtered
}

func (s *Streamer) publishMQTT(msg *CockpitMessage) {
	if s.mqttClient == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	token := s.mqttClient.Publish(s.mqttTopic, 0, false, data)
	if token.Wait() && token.Error() != nil {
		s.log.WithError(token.Error()).Warn("telemetry: MQTT publish failed")
	}
}

func (s *Streamer) closeAllClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.conn.Close()
		close(c.send)
		delete(s.clients, c)
	}
}

// Stats returns connection/throughput counters, matching
// LiveFeedStreamer.GetStats.
func (s *Streamer) Stats() (clients int, sent, served uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients), s.messagesSent, s.clientsServed
}

func (s *Streamer) writePump(ctx context.Context, c *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Streamer) readPump(ctx context.Context, cancel context.CancelFunc, c *Client) {
	defer func() {
		cancel()
		s.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.WithError(err).Warn("telemetry: websocket read error")
			}
			return
		}
		// The cockpit feed is one-directional; inbound frames (pings
		// aside) are acknowledged and otherwise ignored.
	}
}
