package event

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CSPReport is a browser-emitted Content-Security-Policy violation, as
// posted to the security endpoint wrapped in a "csp-report" object.
type CSPReport struct {
	DocumentURI        string  `json:"document-uri"`
	Referrer           string  `json:"referrer"`
	ViolatedDirective  string  `json:"violated-directive"`
	EffectiveDirective string  `json:"effective-directive"`
	OriginalPolicy     string  `json:"original-policy"`
	Disposition        string  `json:"disposition"`
	BlockedURI         string  `json:"blocked-uri"`
	LineNumber         FlexInt `json:"line-number"`
	SourceFile         string  `json:"source-file"`
	StatusCode         FlexInt `json:"status-code"`
	ScriptSample       string  `json:"script-sample"`
}

type cspEnvelope struct {
	Report *CSPReport `json:"csp-report"`
}

// ParseCSPReport decodes a security-endpoint body into an Event of type csp.
func ParseCSPReport(body []byte, now time.Time) (*Event, error) {
	var wrapper cspEnvelope
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("decode csp report: %w", err)
	}
	if wrapper.Report == nil {
		return nil, fmt.Errorf("csp report: missing csp-report object")
	}

	ev := &Event{
		EventID:  strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:     TypeCSP,
		CSP:      wrapper.Report,
		Level:    string(LevelInfo),
		Platform: "other",
	}
	Normalize(ev, now)
	return ev, nil
}

// Directive returns the effective directive, falling back to the first token
// of the violated directive for older browsers.
func (r *CSPReport) Directive() string {
	if r.EffectiveDirective != "" {
		return r.EffectiveDirective
	}
	fields := strings.Fields(r.ViolatedDirective)
	if len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// BlockedNetloc reduces the blocked URI to its network location. Keyword
// sources like "self", "inline" and "eval" pass through quoted by the caller.
func (r *CSPReport) BlockedNetloc() string {
	blocked := r.BlockedURI
	if blocked == "" {
		return "self"
	}
	if !strings.Contains(blocked, "://") {
		return blocked
	}
	u, err := url.Parse(blocked)
	if err != nil || u.Host == "" {
		return blocked
	}
	return u.Host
}
