package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/skyforge/flightcore/internal/algebra"
	"github.com/skyforge/flightcore/internal/fusion"
	"github.com/skyforge/flightcore/internal/supervisor"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func signedToken(t *testing.T, secret []byte, clearance string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"clearance": clearance})
	s, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestClearanceFromRequestDefaultsToPublicWithoutToken(t *testing.T) {
	s := NewStreamer([]byte("secret"), testLog())
	req := httpRequest(t, "")
	if got := s.clearanceFromRequest(req); got != ClearancePublic {
		t.Fatalf("expected ClearancePublic, got %v", got)
	}
}

func TestClearanceFromRequestAcceptsValidCommanderToken(t *testing.T) {
	secret := []byte("secret")
	s := NewStreamer(secret, testLog())
	req := httpRequest(t, signedToken(t, secret, "commander"))
	if got := s.clearanceFromRequest(req); got != ClearanceCommander {
		t.Fatalf("expected ClearanceCommander, got %v", got)
	}
}

func TestClearanceFromRequestRejectsBadSignature(t *testing.T) {
	s := NewStreamer([]byte("secret"), testLog())
	req := httpRequest(t, signedToken(t, []byte("wrong-secret"), "commander"))
	if got := s.clearanceFromRequest(req); got != ClearancePublic {
		t.Fatalf("expected ClearancePublic for invalid signature, got %v", got)
	}
}

func TestFilterForClearanceStripsOperatorFieldsForPublic(t *testing.T) {
	gb := [3]float32{1, 2, 3}
	msg := &CockpitMessage{GyroBias: &gb}
	filtered := filterForClearance(msg, ClearancePublic)
	if filtered.GyroBias != nil {
		t.Fatalf("expected GyroBias stripped for public clearance")
	}
	if msg.GyroBias == nil {
		t.Fatalf("original message must not be mutated")
	}
}

func TestFilterForClearanceKeepsOperatorFields(t *testing.T) {
	gb := [3]float32{1, 2, 3}
	msg := &CockpitMessage{GyroBias: &gb}
	filtered := filterForClearance(msg, ClearanceOperator)
	if filtered.GyroBias == nil {
		t.Fatalf("expected GyroBias retained for operator clearance")
	}
}

func TestToCockpitMessageDerivesAltitudeFromNEDDown(t *testing.T) {
	var state fusion.State
	state.SetPosition(algebra.Vec3{X: 3, Y: 4, Z: -10})
	snap := Snapshot{State: state, FlightMode: supervisor.ModeIdle}

	msg := toCockpitMessage(snap, ClearanceCommander)
	if msg.AltitudeM != 10 {
		t.Fatalf("expected altitude 10 (negated down), got %v", msg.AltitudeM)
	}
	if msg.DistanceFromOriginM < 11.1 || msg.DistanceFromOriginM > 11.3 {
		t.Fatalf("expected distance-from-origin ~= 11.18, got %v", msg.DistanceFromOriginM)
	}
	if msg.GyroBias == nil {
		t.Fatalf("commander clearance should include gyro bias")
	}
}

func TestPublishDropsOldestWhenBufferFull(t *testing.T) {
	s := NewStreamer([]byte("secret"), testLog())
	for i := 0; i < 150; i++ {
		s.Publish(Snapshot{FlightMode: supervisor.ModeIdle})
	}
	if len(s.broadcast) != cap(s.broadcast) {
		t.Fatalf("expected broadcast buffer to stay full, got %d/%d", len(s.broadcast), cap(s.broadcast))
	}
}

func httpRequest(t *testing.T, token string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if token != "" {
		req.Header.Set("X-Clearance-Token", token)
	}
	return req
}
