// Package mission parses the mission/config script format (spec.md
// §6.4): a text file of "@header" sections, each holding key=value
// pairs, describing the flight scenario and the PID/throttle/attenuation
// tuning that goes with it. Grounded on
// original_source/quadcontrol/config.c's hmap_t-based section parser:
// the two-pass header/field structure and obligatory-vs-optional field
// handling are carried over; the per-parser-type fixed-size reallocating
// buffers (config_reallocData/config_trimUnusedData) are replaced by a
// plain Go slice append, which is the idiomatic equivalent of that
// growth strategy without a hand-managed capacity.
package mission

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// StepType enumerates the mission section kinds, matching flight_mode_t's
// type field (config.c's "flight_takeoff"/"flight_position"/... strings).
type StepType int

const (
	StepTakeoff StepType = iota
	StepPosition
	StepHover
	StepLanding
	StepManual
	StepManualAbort
	StepEnd
)

func (t StepType) String() string {
	switch t {
	case StepTakeoff:
		return "flight_takeoff"
	case StepPosition:
		return "flight_position"
	case StepHover:
		return "flight_hover"
	case StepLanding:
		return "flight_landing"
	case StepManual:
		return "flight_manual"
	case StepManualAbort:
		return "flight_manualAbort"
	case StepEnd:
		return "flight_end"
	default:
		return "unknown"
	}
}

// Step is one mission-script entry (spec.md §3.5).
type Step struct {
	Type StepType

	// flight_takeoff
	AltMM       int32
	IdleTimeMS  int64
	SpoolTimeMS int64
	LiftTimeMS  int64

	// flight_position
	PosAltMM int32
	LatE7    int32
	LonE7    int32

	// flight_hover
	HoverAltMM int32
	HoverTimeM int64

	// flight_landing
	DescentMMPerS int32
	DiffMM        int32
	TimeoutMS     int64
}

// Script is the ordered sequence the supervisor plays after ARM.
type Script []Step

// PIDConfig is one @PID section (spec.md §6.4 / §3.6's coefficient block
// shape, flattened to the on-disk field names).
type PIDConfig struct {
	P, I, D          float32
	Max, Min         float32
	IMax, IMin       float32
}

// ThrottleConfig is the @THROTTLE section.
type ThrottleConfig struct {
	Max, Min float32
}

// AttenuationConfig is the @ATTENUATION section (spec.md §4.5's five
// floats: start/mid/end values and the mid breakpoint, plus the PID gain
// they scale — matching mma.c's mma_atten_t plus its enclosing gain).
type AttenuationConfig struct {
	Start, Mid, End float32
	MidArg          float32
	Gain            float32
}

// Config is the whole parsed mission/config file.
type Config struct {
	Scenario    Script
	PIDs        []PIDConfig
	Throttle    ThrottleConfig
	Attenuation AttenuationConfig
}

type section struct {
	header string
	fields map[string]string
}

// Parse reads a mission/config file from r. Unknown headers are skipped
// (lenient mode, spec.md §6.4). Within a recognised header, missing or
// malformed required fields are rejected; fields the header does not
// define are not checked and are silently ignored.
func Parse(r io.Reader, log *logrus.Entry) (Config, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	sections, err := scanSections(r)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	for _, sec := range sections {
		switch sec.header {
		case "flight_mode":
			step, err := parseStep(sec.fields)
			if err != nil {
				return Config{}, fmt.Errorf("mission: section @flight_mode: %w", err)
			}
			cfg.Scenario = append(cfg.Scenario, step)
		case "PID":
			pid, err := parsePID(sec.fields)
			if err != nil {
				return Config{}, fmt.Errorf("mission: section @PID: %w", err)
			}
			cfg.PIDs = append(cfg.PIDs, pid)
		case "THROTTLE":
			th, err := parseThrottle(sec.fields)
			if err != nil {
				return Config{}, fmt.Errorf("mission: section @THROTTLE: %w", err)
			}
			cfg.Throttle = th
		case "ATTENUATION":
			at, err := parseAttenuation(sec.fields)
			if err != nil {
				return Config{}, fmt.Errorf("mission: section @ATTENUATION: %w", err)
			}
			cfg.Attenuation = at
		default:
			log.WithField("header", sec.header).Debug("mission: ignoring unrecognised header")
		}
	}
	return cfg, nil
}

// scanSections splits the file into "@header" blocks of key=value lines,
// matching config.c's line-oriented hmap_t population (blank lines and
// lines starting with '#' are skipped as comments).
func scanSections(r io.Reader) ([]section, error) {
	var sections []section
	var cur *section

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "@") {
			sections = append(sections, section{header: strings.TrimSpace(line[1:]), fields: map[string]string{}})
			cur = &sections[len(sections)-1]
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("mission: line %d: key=value outside any @header section", lineNo)
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("mission: line %d: expected key=value, got %q", lineNo, line)
		}
		cur.fields[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mission: scan: %w", err)
	}
	return sections, nil
}

func requireInt32(fields map[string]string, key string) (int32, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("missing required field %q", key)
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", key, err)
	}
	return int32(n), nil
}

func optionalInt64(fields map[string]string, key string, def int64) int64 {
	v, ok := fields[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func requireInt64(fields map[string]string, key string) (int64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("missing required field %q", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", key, err)
	}
	return n, nil
}

func requireFloat(fields map[string]string, key string) (float32, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("missing required field %q", key)
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", key, err)
	}
	return float32(f), nil
}

func parseStep(fields map[string]string) (Step, error) {
	typeStr, ok := fields["type"]
	if !ok {
		return Step{}, fmt.Errorf("no \"type\" field in header")
	}

	switch typeStr {
	case "flight_takeoff":
		alt, err := requireInt32(fields, "alt")
		if err != nil {
			return Step{}, err
		}
		// Optional fields with defaults 3000/3000/2000ms. Unlike the
		// original config_takeoffParse, a missing or malformed spoolT
		// does not silently clobber idleT's value — that appears to be
		// a copy-paste slip in the source (both the idleT and spoolT
		// fallback branches assign mode->takeoff.idleTime), not a
		// documented behaviour, so it is not reproduced here.
		return Step{
			Type:        StepTakeoff,
			AltMM:       alt,
			IdleTimeMS:  optionalInt64(fields, "idleT", 3000),
			SpoolTimeMS: optionalInt64(fields, "spoolT", 3000),
			LiftTimeMS:  optionalInt64(fields, "liftT", 2000),
		}, nil

	case "flight_position":
		alt, err := requireInt32(fields, "alt")
		if err != nil {
			return Step{}, err
		}
		lat, err := requireInt32(fields, "lat")
		if err != nil {
			return Step{}, err
		}
		lon, err := requireInt32(fields, "lon")
		if err != nil {
			return Step{}, err
		}
		return Step{Type: StepPosition, PosAltMM: alt, LatE7: lat, LonE7: lon}, nil

	case "flight_hover":
		alt, err := requireInt32(fields, "alt")
		if err != nil {
			return Step{}, err
		}
		if alt < 0 {
			return Step{}, fmt.Errorf("field \"alt\" must be non-negative, got %d", alt)
		}
		t, err := requireInt64(fields, "time")
		if err != nil {
			return Step{}, err
		}
		return Step{Type: StepHover, HoverAltMM: alt, HoverTimeM: t}, nil

	case "flight_landing":
		descent, err := requireInt32(fields, "descent")
		if err != nil {
			return Step{}, err
		}
		diff, err := requireInt32(fields, "diff")
		if err != nil {
			return Step{}, err
		}
		timeout, err := requireInt64(fields, "timeout")
		if err != nil {
			return Step{}, err
		}
		return Step{Type: StepLanding, DescentMMPerS: descent, DiffMM: diff, TimeoutMS: timeout}, nil

	case "flight_manual":
		return Step{Type: StepManual}, nil
	case "flight_manualAbort":
		return Step{Type: StepManualAbort}, nil
	case "flight_end":
		return Step{Type: StepEnd}, nil

	default:
		return Step{}, fmt.Errorf("not a recognised flight mode: %q", typeStr)
	}
}

func parsePID(fields map[string]string) (PIDConfig, error) {
	var pid PIDConfig
	var err error
	if pid.P, err = requireFloat(fields, "P"); err != nil {
		return PIDConfig{}, err
	}
	if pid.I, err = requireFloat(fields, "I"); err != nil {
		return PIDConfig{}, err
	}
	if pid.D, err = requireFloat(fields, "D"); err != nil {
		return PIDConfig{}, err
	}
	if pid.Max, err = requireFloat(fields, "MAX"); err != nil {
		return PIDConfig{}, err
	}
	if pid.Min, err = requireFloat(fields, "MIN"); err != nil {
		return PIDConfig{}, err
	}
	if pid.IMax, err = requireFloat(fields, "IMAX"); err != nil {
		return PIDConfig{}, err
	}
	if pid.IMin, err = requireFloat(fields, "IMIN"); err != nil {
		return PIDConfig{}, err
	}
	return pid, nil
}

func parseThrottle(fields map[string]string) (ThrottleConfig, error) {
	var th ThrottleConfig
	var err error
	if th.Max, err = requireFloat(fields, "MAX"); err != nil {
		return ThrottleConfig{}, err
	}
	if th.Min, err = requireFloat(fields, "MIN"); err != nil {
		return ThrottleConfig{}, err
	}
	return th, nil
}

func parseAttenuation(fields map[string]string) (AttenuationConfig, error) {
	var at AttenuationConfig
	var err error
	if at.Start, err = requireFloat(fields, "START"); err != nil {
		return AttenuationConfig{}, err
	}
	if at.Mid, err = requireFloat(fields, "MID"); err != nil {
		return AttenuationConfig{}, err
	}
	if at.End, err = requireFloat(fields, "END"); err != nil {
		return AttenuationConfig{}, err
	}
	if at.MidArg, err = requireFloat(fields, "MIDARG"); err != nil {
		return AttenuationConfig{}, err
	}
	if at.Gain, err = requireFloat(fields, "GAIN"); err != nil {
		return AttenuationConfig{}, err
	}
	if at.Start < 0 || at.Start > 2 || at.Mid < 0 || at.Mid > 2 || at.End < 0 || at.End > 2 {
		return AttenuationConfig{}, fmt.Errorf("attenuation curve values must lie in [0,2]")
	}
	if at.MidArg < 0.1 || at.MidArg > 0.9 {
		return AttenuationConfig{}, fmt.Errorf("attenuation mid-argument must lie in [0.1,0.9]")
	}
	return at, nil
}
