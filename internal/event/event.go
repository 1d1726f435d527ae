// Package event defines the SDK payload model and the validator/normalizer.
//
// SDK payloads are polymorphic: many fields accept several legacy shapes and
// several scalar encodings. Decoding is lenient: a field that cannot be
// coerced is nulled out and recorded in the event's Errors list rather than
// failing the whole event.
package event

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Type classifies an ingested event.
type Type string

const (
	TypeError       Type = "error"
	TypeDefault     Type = "default"
	TypeCSP         Type = "csp"
	TypeTransaction Type = "transaction"
)

// Level is the severity reported by the SDK.
type Level string

const (
	LevelFatal   Level = "fatal"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
	LevelDebug   Level = "debug"
)

// ParseLevel maps SDK level strings (including legacy aliases) onto Level.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "fatal", "critical":
		return LevelFatal
	case "warning", "warn":
		return LevelWarning
	case "info", "log":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelError
	}
}

// ProcessingError is a recoverable field-level failure recorded on the event.
type ProcessingError struct {
	Type  string      `json:"type"`
	Name  string      `json:"name,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

const (
	ErrTypeDatetime     = "datetime_from_date_parsing"
	ErrTypeInvalidData  = "invalid_data"
	ErrTypeValueTooLong = "value_too_long"
)

// Event is one inbound SDK event after JSON decoding, before normalization.
type Event struct {
	EventID        string                 `json:"event_id"`
	Timestamp      FlexTime               `json:"timestamp"`
	StartTimestamp FlexTime               `json:"start_timestamp"`
	Platform       string                 `json:"platform"`
	Level          string                 `json:"level"`
	Message        json.RawMessage        `json:"message"`
	LogEntry       *LogEntry              `json:"logentry"`
	Transaction    string                 `json:"transaction"`
	Culprit        string                 `json:"culprit"`
	Fingerprint    []string               `json:"fingerprint"`
	Exception      ExceptionList          `json:"exception"`
	Breadcrumbs    BreadcrumbList         `json:"breadcrumbs"`
	Request        *RequestInfo           `json:"request"`
	Tags           TagMap                 `json:"tags"`
	User           *UserInfo              `json:"user"`
	Contexts       ContextMap             `json:"contexts"`
	DebugMeta      *DebugMeta             `json:"debug_meta"`
	Environment    string                 `json:"environment"`
	Release        string                 `json:"release"`
	Dist           string                 `json:"dist"`
	ServerName     string                 `json:"server_name"`
	Modules        map[string]string      `json:"modules"`
	Extra          map[string]interface{} `json:"extra"`
	SDK            *SDKInfo               `json:"sdk"`

	// Errors collects recoverable normalization failures.
	Errors []ProcessingError `json:"errors,omitempty"`

	// Filled in by the security endpoint, persisted with the event data.
	CSP *CSPReport `json:"csp,omitempty"`

	// Filled in by the normalizer, not the SDK.
	Type     Type      `json:"-"`
	Received time.Time `json:"-"`
}

// SDKInfo identifies the submitting client SDK.
type SDKInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// LogEntry is the structured message form: either pre-formatted or a
// template with positional or named parameters.
type LogEntry struct {
	Formatted string          `json:"formatted"`
	Message   string          `json:"message"`
	Params    json.RawMessage `json:"params"`
}

// UserInfo is the SDK-reported user. IPAddress may be scrubbed by the gate.
type UserInfo struct {
	ID        FlexString `json:"id"`
	Email     string     `json:"email"`
	Username  string     `json:"username"`
	IPAddress string     `json:"ip_address"`
}

// DebugMeta carries debug-image references used by symbolication.
type DebugMeta struct {
	Images []DebugImage `json:"images"`
}

// DebugImage is discriminated by Type; unknown variants keep their raw fields.
type DebugImage struct {
	Type     string `json:"type"`
	DebugID  string `json:"debug_id"`
	CodeFile string `json:"code_file"`

	Extra map[string]interface{} `json:"-"`
}

func (d *DebugImage) UnmarshalJSON(b []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"].(string); ok {
		d.Type = v
	}
	if v, ok := raw["debug_id"].(string); ok {
		d.DebugID = v
	}
	if v, ok := raw["code_file"].(string); ok {
		d.CodeFile = v
	}
	delete(raw, "type")
	delete(raw, "debug_id")
	delete(raw, "code_file")
	d.Extra = raw
	return nil
}

// FlexString accepts JSON strings and numbers and always yields a string.
type FlexString string

func (s *FlexString) UnmarshalJSON(b []byte) error {
	b = trimSpaceJSON(b)
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	// Number, bool, or anything scalar: keep the literal text.
	*s = FlexString(string(b))
	return nil
}

func (s FlexString) String() string { return string(s) }

// FlexInt accepts JSON numbers and numeric strings.
type FlexInt struct {
	Int   int
	Valid bool
}

func (i *FlexInt) UnmarshalJSON(b []byte) error {
	b = trimSpaceJSON(b)
	if len(b) == 0 || string(b) == "null" {
		*i = FlexInt{}
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*i = FlexInt{Int: int(f), Valid: true}
	}
	return nil
}

func (i FlexInt) MarshalJSON() ([]byte, error) {
	if !i.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(i.Int)), nil
}

// FlexTime accepts ISO 8601 strings and epoch seconds. A value that parses
// as neither is kept with Invalid=true so the normalizer can substitute the
// server clock and record a ProcessingError.
type FlexTime struct {
	Time    time.Time
	Set     bool
	Invalid bool
	Raw     string
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05",
}

func (t *FlexTime) UnmarshalJSON(b []byte) error {
	b = trimSpaceJSON(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	t.Set = true
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			t.Invalid = true
			t.Raw = string(b)
			return nil
		}
		t.Raw = s
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time = parsed.UTC()
				return nil
			}
		}
		t.Invalid = true
		return nil
	}
	var epoch float64
	if err := json.Unmarshal(b, &epoch); err != nil {
		t.Invalid = true
		t.Raw = string(b)
		return nil
	}
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * 1e9)
	t.Time = time.Unix(sec, nsec).UTC()
	return nil
}

func (t FlexTime) MarshalJSON() ([]byte, error) {
	if !t.Set || t.Invalid {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func trimSpaceJSON(b []byte) []byte {
	return []byte(strings.TrimSpace(string(b)))
}
