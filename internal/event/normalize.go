package event

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxMessageLength caps the formatted message.
	MaxMessageLength = 8192
	// MaxTagLength caps tag keys and values.
	MaxTagLength = 200
)

// Truncate cuts s to at most n bytes on a rune boundary.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && !isUTF8Boundary(s, len(cut)) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

func isUTF8Boundary(s string, i int) bool {
	return i == 0 || i == len(s) || (s[i]&0xC0) != 0x80
}

// Normalize validates and coerces a decoded event in place. Recoverable
// failures append to ev.Errors; only a missing payload is fatal upstream.
func Normalize(ev *Event, now time.Time) {
	ev.Received = now.UTC()

	// Event id: 32 lowercase hex chars, dashes tolerated. Regenerate when
	// missing or malformed.
	ev.EventID = NormalizeEventID(ev.EventID)
	if ev.EventID == "" {
		ev.EventID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	if !ev.Timestamp.Set {
		ev.Timestamp.Time = ev.Received
		ev.Timestamp.Set = true
	} else if ev.Timestamp.Invalid {
		ev.Errors = append(ev.Errors, ProcessingError{
			Type:  ErrTypeDatetime,
			Name:  "timestamp",
			Value: ev.Timestamp.Raw,
		})
		ev.Timestamp.Time = ev.Received
		ev.Timestamp.Invalid = false
	}

	ev.Level = string(ParseLevel(ev.Level))

	if ev.Type == "" {
		if len(ev.Exception.Values) > 0 {
			ev.Type = TypeError
		} else {
			ev.Type = TypeDefault
		}
	}

	recordInvalidFields(ev)
	deriveContexts(ev)
	deriveTags(ev)

	SanitizeEvent(ev)
}

// recordInvalidFields nulls fields whose encoding could not be coerced and
// records each as a recoverable error, keeping the rest of the event.
func recordInvalidFields(ev *Event) {
	if ev.Tags.Invalid {
		ev.Errors = append(ev.Errors, ProcessingError{
			Type: ErrTypeInvalidData, Name: "tags", Value: ev.Tags.Raw,
		})
		ev.Tags = TagMap{}
	}
	if ev.Request == nil {
		return
	}
	if ev.Request.Headers.Invalid {
		ev.Errors = append(ev.Errors, ProcessingError{
			Type: ErrTypeInvalidData, Name: "request.headers", Value: ev.Request.Headers.Raw,
		})
		ev.Request.Headers = HeaderList{}
	}
	if ev.Request.QueryString.Invalid {
		ev.Errors = append(ev.Errors, ProcessingError{
			Type: ErrTypeInvalidData, Name: "request.query_string", Value: ev.Request.QueryString.Raw,
		})
		ev.Request.QueryString = QueryPairs{}
	}
}

var eventIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// NormalizeEventID lowercases and strips dashes; returns "" when invalid.
func NormalizeEventID(id string) string {
	id = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(id)), "-", "")
	if !eventIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// FormattedMessage renders the message field: plain string, {formatted},
// or {message, params} with positional or named interpolation. Truncated to
// MaxMessageLength.
func (ev *Event) FormattedMessage() string {
	if ev.LogEntry != nil {
		return Truncate(formatLogEntry(ev.LogEntry), MaxMessageLength)
	}
	if len(ev.Message) == 0 {
		return ""
	}
	raw := trimSpaceJSON(ev.Message)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return Truncate(s, MaxMessageLength)
	}
	var le LogEntry
	if err := json.Unmarshal(raw, &le); err != nil {
		return ""
	}
	return Truncate(formatLogEntry(&le), MaxMessageLength)
}

func formatLogEntry(le *LogEntry) string {
	if le.Formatted != "" {
		return le.Formatted
	}
	msg := le.Message
	if len(le.Params) == 0 {
		return msg
	}
	params := trimSpaceJSON(le.Params)
	switch {
	case len(params) > 0 && params[0] == '[':
		var list []interface{}
		if err := json.Unmarshal(params, &list); err != nil {
			return msg
		}
		return interpolatePercent(msg, list)
	case len(params) > 0 && params[0] == '{':
		var m map[string]interface{}
		if err := json.Unmarshal(params, &m); err != nil {
			return msg
		}
		return interpolateBraces(msg, m)
	}
	return msg
}

var percentVerb = regexp.MustCompile(`%[sdifoxXgeu%]`)

// interpolatePercent substitutes C-style %-verbs left to right from an
// ordered parameter list. Unmatched verbs and surplus params are left alone.
func interpolatePercent(msg string, params []interface{}) string {
	idx := 0
	return percentVerb.ReplaceAllStringFunc(msg, func(verb string) string {
		if verb == "%%" {
			return "%"
		}
		if idx >= len(params) {
			return verb
		}
		out := stringifyParam(params[idx])
		idx++
		return out
	})
}

func interpolateBraces(msg string, params map[string]interface{}) string {
	for k, v := range params {
		msg = strings.ReplaceAll(msg, "{"+k+"}", stringifyParam(v))
	}
	return msg
}

func stringifyParam(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		b, _ := json.Marshal(t)
		return string(b)
	case nil:
		return "None"
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// deriveContexts populates browser/os/device contexts from the User-Agent
// header when the SDK did not supply them.
func deriveContexts(ev *Event) {
	if ev.Request == nil {
		return
	}
	ua := ev.Request.Headers.Get("User-Agent")
	if ua == "" {
		return
	}
	if ev.Contexts == nil {
		ev.Contexts = make(ContextMap)
	}
	fillUserAgentContexts(ev.Contexts, ua)
}

// deriveTags projects SDK-supplied and derived tags into a flat map. Keys
// and values are truncated to MaxTagLength; empty values are dropped.
func deriveTags(ev *Event) {
	tags := make(map[string]string, len(ev.Tags.Map)+8)
	for k, v := range ev.Tags.Map {
		tags[k] = v
	}

	if browser, ok := ev.Contexts["browser"]; ok {
		name, _ := browser["name"].(string)
		version, _ := browser["version"].(string)
		if name != "" {
			tags["browser.name"] = name
			if version != "" {
				tags["browser"] = name + " " + version
			}
		}
	}
	if osCtx, ok := ev.Contexts["os"]; ok {
		if name, _ := osCtx["name"].(string); name != "" {
			tags["os.name"] = name
		}
	}
	if device, ok := ev.Contexts["device"]; ok {
		if model, _ := device["model"].(string); model != "" {
			tags["device"] = model
		}
	}
	if ev.User != nil {
		if ev.User.ID != "" {
			tags["user.id"] = ev.User.ID.String()
		}
		if ev.User.Email != "" {
			tags["user.email"] = ev.User.Email
		}
		if ev.User.Username != "" {
			tags["user.username"] = ev.User.Username
		}
	}
	if ev.Environment != "" {
		tags["environment"] = ev.Environment
	}
	if ev.Release != "" {
		tags["release"] = ev.Release
	}
	if ev.ServerName != "" {
		tags["server_name"] = ev.ServerName
	}

	out := make(map[string]string, len(tags))
	for k, v := range tags {
		k = Truncate(k, MaxTagLength)
		v = Truncate(v, MaxTagLength)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	ev.Tags = TagMap{Map: out}
}
