package event

import (
	"encoding/json"
	"strings"
)

// The storage engine rejects U+0000 in text and jsonb columns, so every
// string leaf is scrubbed before persistence.

// StripNul removes U+0000 from a string.
func StripNul(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// SanitizeValue recursively scrubs NUL characters from string leaves and map
// keys of arbitrary decoded JSON.
func SanitizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return StripNul(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[StripNul(k)] = SanitizeValue(val)
		}
		return out
	case []interface{}:
		for i, val := range t {
			t[i] = SanitizeValue(val)
		}
		return t
	default:
		return v
	}
}

// SanitizeEvent scrubs the string fields the pipeline persists.
func SanitizeEvent(ev *Event) {
	if len(ev.Message) > 0 {
		var v interface{}
		if err := json.Unmarshal(ev.Message, &v); err == nil {
			if clean, err := json.Marshal(SanitizeValue(v)); err == nil {
				ev.Message = clean
			}
		}
	}
	if ev.LogEntry != nil {
		ev.LogEntry.Formatted = StripNul(ev.LogEntry.Formatted)
		ev.LogEntry.Message = StripNul(ev.LogEntry.Message)
	}
	ev.Transaction = StripNul(ev.Transaction)
	ev.Culprit = StripNul(ev.Culprit)
	ev.Environment = StripNul(ev.Environment)
	ev.Release = StripNul(ev.Release)
	ev.ServerName = StripNul(ev.ServerName)

	for i, fp := range ev.Fingerprint {
		ev.Fingerprint[i] = StripNul(fp)
	}

	tags := make(map[string]string, len(ev.Tags.Map))
	for k, v := range ev.Tags.Map {
		tags[StripNul(k)] = StripNul(v)
	}
	ev.Tags = TagMap{Map: tags}

	for _, exc := range ev.Exception.Values {
		exc.Type = StripNul(exc.Type)
		exc.Value = FlexString(StripNul(exc.Value.String()))
		sanitizeStacktrace(exc.Stacktrace)
		sanitizeStacktrace(exc.RawStacktrace)
	}

	for _, crumb := range ev.Breadcrumbs.Values {
		crumb.Message = FlexString(StripNul(crumb.Message.String()))
		crumb.Category = StripNul(crumb.Category)
		if crumb.Data != nil {
			crumb.Data = SanitizeValue(crumb.Data).(map[string]interface{})
		}
	}

	if ev.Extra != nil {
		ev.Extra = SanitizeValue(ev.Extra).(map[string]interface{})
	}
	if ev.Contexts != nil {
		for name, ctx := range ev.Contexts {
			clean := SanitizeValue(map[string]interface{}(ctx)).(map[string]interface{})
			delete(ev.Contexts, name)
			ev.Contexts[StripNul(name)] = clean
		}
	}
	if ev.Request != nil {
		ev.Request.URL = StripNul(ev.Request.URL)
		if ev.Request.Data != nil {
			ev.Request.Data = SanitizeValue(ev.Request.Data)
		}
	}
}

func sanitizeStacktrace(st *Stacktrace) {
	if st == nil {
		return
	}
	for _, f := range st.Frames {
		f.Filename = StripNul(f.Filename)
		f.Function = StripNul(f.Function)
		f.Module = StripNul(f.Module)
		f.AbsPath = StripNul(f.AbsPath)
		f.ContextLine = StripNul(f.ContextLine)
	}
}
