package event

import (
	"encoding/json"
	"sort"
	"strings"
)

// ExceptionList accepts both the modern `{"values": [...]}` form and the
// legacy bare-list form `[{...}, {...}]`.
type ExceptionList struct {
	Values []*Exception `json:"values"`
}

func (e *ExceptionList) UnmarshalJSON(b []byte) error {
	b = trimSpaceJSON(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, &e.Values)
	}
	type alias ExceptionList
	return json.Unmarshal(b, (*alias)(e))
}

func (e ExceptionList) MarshalJSON() ([]byte, error) {
	type alias ExceptionList
	return json.Marshal(alias(e))
}

// Exception is one exception in the chain, innermost last.
type Exception struct {
	Type          string      `json:"type"`
	Value         FlexString  `json:"value"`
	Module        string      `json:"module,omitempty"`
	ThreadID      FlexString  `json:"thread_id,omitempty"`
	Mechanism     *Mechanism  `json:"mechanism,omitempty"`
	Stacktrace    *Stacktrace `json:"stacktrace,omitempty"`
	RawStacktrace *Stacktrace `json:"raw_stacktrace,omitempty"`
}

// Mechanism is discriminated by Type; unrecognized keys are preserved.
type Mechanism struct {
	Type    string `json:"type"`
	Handled *bool  `json:"handled"`

	Extra map[string]interface{} `json:"-"`
}

func (m *Mechanism) UnmarshalJSON(b []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"].(string); ok {
		m.Type = v
	}
	if v, ok := raw["handled"].(bool); ok {
		m.Handled = &v
	}
	delete(raw, "type")
	delete(raw, "handled")
	m.Extra = raw
	return nil
}

func (m Mechanism) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(m.Extra)+2)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["type"] = m.Type
	if m.Handled != nil {
		out["handled"] = *m.Handled
	}
	return json.Marshal(out)
}

// Stacktrace holds frames ordered outermost first.
type Stacktrace struct {
	Frames []*Frame `json:"frames"`
}

// Copy deep-copies the stacktrace. Used to preserve raw_stacktrace before
// symbolication mutates frames in place.
func (s *Stacktrace) Copy() *Stacktrace {
	if s == nil {
		return nil
	}
	out := &Stacktrace{Frames: make([]*Frame, len(s.Frames))}
	for i, f := range s.Frames {
		clone := *f
		if f.PreContext != nil {
			clone.PreContext = append([]string(nil), f.PreContext...)
		}
		if f.PostContext != nil {
			clone.PostContext = append([]string(nil), f.PostContext...)
		}
		if f.InApp != nil {
			v := *f.InApp
			clone.InApp = &v
		}
		out.Frames[i] = &clone
	}
	return out
}

// Frame is one stack frame. Lineno/Colno tolerate string encodings.
type Frame struct {
	Filename    string                 `json:"filename,omitempty"`
	Function    string                 `json:"function,omitempty"`
	Module      string                 `json:"module,omitempty"`
	AbsPath     string                 `json:"abs_path,omitempty"`
	Lineno      FlexInt                `json:"lineno,omitempty"`
	Colno       FlexInt                `json:"colno,omitempty"`
	ContextLine string                 `json:"context_line,omitempty"`
	PreContext  []string               `json:"pre_context,omitempty"`
	PostContext []string               `json:"post_context,omitempty"`
	InApp       *bool                  `json:"in_app,omitempty"`
	Vars        map[string]interface{} `json:"vars,omitempty"`
}

// BreadcrumbList accepts `{"values": [...]}` and the legacy bare list.
type BreadcrumbList struct {
	Values []*Breadcrumb `json:"values"`
}

func (b *BreadcrumbList) UnmarshalJSON(data []byte) error {
	data = trimSpaceJSON(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '[' {
		return json.Unmarshal(data, &b.Values)
	}
	type alias BreadcrumbList
	return json.Unmarshal(data, (*alias)(b))
}

func (b BreadcrumbList) MarshalJSON() ([]byte, error) {
	type alias BreadcrumbList
	return json.Marshal(alias(b))
}

// Breadcrumb kinds are discriminated by Type; Data carries kind-specific
// payload as an opaque map.
type Breadcrumb struct {
	Timestamp FlexTime               `json:"timestamp"`
	Type      string                 `json:"type,omitempty"`
	Category  string                 `json:"category,omitempty"`
	Message   FlexString             `json:"message,omitempty"`
	Level     string                 `json:"level,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// RequestInfo is the HTTP request that produced the event.
type RequestInfo struct {
	URL         string                 `json:"url,omitempty"`
	Method      string                 `json:"method,omitempty"`
	Headers     HeaderList             `json:"headers,omitempty"`
	QueryString QueryPairs             `json:"query_string,omitempty"`
	Data        interface{}            `json:"data,omitempty"`
	Env         map[string]interface{} `json:"env,omitempty"`
}

// HeaderList normalizes the three accepted header encodings (list of pairs,
// map of string, map of list) to a sorted list of [key, value] pairs with
// Cookie entries and empty pairs dropped. A scalar encoding marks the list
// Invalid; the normalizer nulls the field and records the failure instead of
// rejecting the event.
type HeaderList struct {
	Pairs   [][2]string
	Invalid bool
	Raw     string
}

func (h *HeaderList) UnmarshalJSON(b []byte) error {
	b = trimSpaceJSON(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var pairs [][2]string
	switch b[0] {
	case '[':
		var list [][]FlexString
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		for _, kv := range list {
			if len(kv) != 2 {
				continue
			}
			pairs = append(pairs, [2]string{kv[0].String(), kv[1].String()})
		}
	case '{':
		var m map[string]json.RawMessage
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		for k, raw := range m {
			raw = trimSpaceJSON(raw)
			if len(raw) > 0 && raw[0] == '[' {
				var vals []FlexString
				if err := json.Unmarshal(raw, &vals); err != nil {
					continue
				}
				strs := make([]string, 0, len(vals))
				for _, v := range vals {
					strs = append(strs, v.String())
				}
				pairs = append(pairs, [2]string{k, strings.Join(strs, ",")})
			} else {
				var v FlexString
				if err := json.Unmarshal(raw, &v); err != nil {
					continue
				}
				pairs = append(pairs, [2]string{k, v.String()})
			}
		}
	default:
		h.Invalid = true
		h.Raw = string(b)
		return nil
	}

	out := pairs[:0]
	for _, kv := range pairs {
		if kv[0] == "" || kv[1] == "" {
			continue
		}
		if strings.EqualFold(kv[0], "Cookie") {
			continue
		}
		out = append(out, kv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	h.Pairs = out
	return nil
}

func (h HeaderList) MarshalJSON() ([]byte, error) {
	if h.Pairs == nil {
		return []byte("null"), nil
	}
	return json.Marshal(h.Pairs)
}

// Get returns the first header value for key, case-insensitively.
func (h HeaderList) Get(key string) string {
	for _, kv := range h.Pairs {
		if strings.EqualFold(kv[0], key) {
			return kv[1]
		}
	}
	return ""
}

// QueryPairs normalizes a raw query string, list of pairs, or map into a
// sorted list of [key, value] pairs. Unsupported encodings mark it Invalid
// for the normalizer, like HeaderList.
type QueryPairs struct {
	Pairs   [][2]string
	Invalid bool
	Raw     string
}

func (q *QueryPairs) UnmarshalJSON(b []byte) error {
	b = trimSpaceJSON(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var pairs [][2]string
	switch b[0] {
	case '"':
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		for _, part := range strings.Split(raw, "&") {
			if part == "" {
				continue
			}
			k, v, _ := strings.Cut(part, "=")
			pairs = append(pairs, [2]string{k, v})
		}
	case '[':
		var list [][]FlexString
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		for _, kv := range list {
			if len(kv) != 2 {
				continue
			}
			pairs = append(pairs, [2]string{kv[0].String(), kv[1].String()})
		}
	case '{':
		var m map[string]FlexString
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		for k, v := range m {
			pairs = append(pairs, [2]string{k, v.String()})
		}
	default:
		q.Invalid = true
		q.Raw = string(b)
		return nil
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	q.Pairs = pairs
	return nil
}

func (q QueryPairs) MarshalJSON() ([]byte, error) {
	if q.Pairs == nil {
		return []byte("null"), nil
	}
	return json.Marshal(q.Pairs)
}

// TagMap accepts a map (string or numeric values) or a list of pairs.
// Unsupported encodings mark it Invalid for the normalizer.
type TagMap struct {
	Map     map[string]string
	Invalid bool
	Raw     string
}

func (t *TagMap) UnmarshalJSON(b []byte) error {
	b = trimSpaceJSON(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	out := make(map[string]string)
	switch b[0] {
	case '{':
		var m map[string]FlexString
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		for k, v := range m {
			out[k] = v.String()
		}
	case '[':
		var list [][]FlexString
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		for _, kv := range list {
			if len(kv) != 2 {
				continue
			}
			out[kv[0].String()] = kv[1].String()
		}
	default:
		t.Invalid = true
		t.Raw = string(b)
		return nil
	}
	t.Map = out
	return nil
}

func (t TagMap) MarshalJSON() ([]byte, error) {
	if t.Map == nil {
		return []byte("null"), nil
	}
	return json.Marshal(t.Map)
}

// ContextMap holds contexts discriminated by their "type" key (or the map
// key when absent). Unknown context variants are preserved verbatim.
type ContextMap map[string]map[string]interface{}

// TypeOf returns the discriminator for the named context.
func (c ContextMap) TypeOf(name string) string {
	ctx, ok := c[name]
	if !ok {
		return ""
	}
	if t, ok := ctx["type"].(string); ok {
		return t
	}
	return name
}
