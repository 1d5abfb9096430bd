package codec

import (
	"bytes"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"chroniclesink/internal/clock"
	"chroniclesink/internal/event"
)

// GELF field names.
const (
	GELFVersion      = "version"
	GELFHost         = "host"
	GELFShortMessage = "short_message"
	GELFFullMessage  = "full_message"
	GELFTimestamp    = "timestamp"
	GELFLevel        = "level"
	GELFFacility     = "facility"
	GELFLine         = "line"
	GELFFile         = "file"

	gelfSpecVersion = "1.1"
)

var validGELFField = regexp.MustCompile(`^[\w\.\-]*$`)

// GELFDecoder parses GELF 1.1 messages strictly: unknown top-level keys
// must be underscore-prefixed additional fields holding strings or
// numbers.
type GELFDecoder struct {
	Clock clock.Clock
}

func (d GELFDecoder) Decode(frame []byte) (event.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(frame)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return event.Event{}, fmt.Errorf("gelf: %w", err)
	}

	version, err := requiredString(raw, GELFVersion)
	if err != nil {
		return event.Event{}, err
	}
	if version != gelfSpecVersion {
		return event.Event{}, fmt.Errorf("gelf: %s %q does not match GELF spec version (%s)", GELFVersion, version, gelfSpecVersion)
	}
	host, err := requiredString(raw, GELFHost)
	if err != nil {
		return event.Event{}, err
	}
	short, err := requiredString(raw, GELFShortMessage)
	if err != nil {
		return event.Event{}, err
	}

	fields := map[string]any{
		event.MessageKey: short,
		GELFVersion:      version,
		GELFHost:         host,
	}
	for _, name := range []string{GELFFullMessage, GELFFacility, GELFFile} {
		s, ok, err := optionalString(raw, name)
		if err != nil {
			return event.Event{}, err
		}
		if ok {
			fields[name] = s
		}
	}

	ts, ok, err := optionalNumber(raw, GELFTimestamp)
	if err != nil {
		return event.Event{}, err
	}
	if ok {
		sec, frac := math.Modf(ts)
		fields[event.TimestampKey] = time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
	} else {
		clk := d.Clock
		if clk == nil {
			clk = clock.Real()
		}
		fields[event.TimestampKey] = clk.Now().UTC()
	}

	level, ok, err := optionalNumber(raw, GELFLevel)
	if err != nil {
		return event.Event{}, err
	}
	if ok {
		if level != math.Trunc(level) || level < 0 || level > 255 {
			return event.Event{}, fmt.Errorf("gelf: %s must be an integer between 0 and 255", GELFLevel)
		}
		fields[GELFLevel] = int64(level)
	}
	line, ok, err := optionalNumber(raw, GELFLine)
	if err != nil {
		return event.Event{}, err
	}
	if ok {
		fields[GELFLine] = line
	}

	for key, val := range raw {
		if isGELFField(key) || key == "_id" {
			continue
		}
		if !strings.HasPrefix(key, "_") {
			return event.Event{}, fmt.Errorf("gelf: %q field is invalid. Additional field names must be prefixed with an underscore", key)
		}
		if !validGELFField.MatchString(key) {
			return event.Event{}, fmt.Errorf("gelf: %q field contains invalid characters. Field names may contain only letters, numbers, underscores, dashes and dots", key)
		}
		switch v := val.(type) {
		case string:
			fields[key] = v
		case json.Number:
			fields[key] = numberValue(v)
		default:
			return event.Event{}, fmt.Errorf("gelf: the value type for field %s is an invalid type (%s). Additional field values should be either strings or numbers", key, jsonType(val))
		}
	}
	return event.NewLog(fields), nil
}

func isGELFField(key string) bool {
	switch key {
	case GELFVersion, GELFHost, GELFShortMessage, GELFFullMessage, GELFTimestamp,
		GELFLevel, GELFFacility, GELFLine, GELFFile:
		return true
	}
	return false
}

func requiredString(raw map[string]any, key string) (string, error) {
	s, ok, err := optionalString(raw, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("gelf: missing field %q", key)
	}
	return s, nil
}

func optionalString(raw map[string]any, key string) (string, bool, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, fmt.Errorf("gelf: field %q must be a string, got %s", key, jsonType(v))
	}
	return s, true, nil
}

func optionalNumber(raw map[string]any, key string) (float64, bool, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, false, fmt.Errorf("gelf: field %q must be a number, got %s", key, jsonType(v))
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false, fmt.Errorf("gelf: field %q: %w", key, err)
	}
	return f, true, nil
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, _ := n.Float64()
	return f
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
