package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCSPReport(t *testing.T) {
	body := []byte(`{
		"csp-report": {
			"document-uri": "https://example.com/page",
			"violated-directive": "script-src 'self' cdn.example.com",
			"effective-directive": "script-src",
			"blocked-uri": "https://evil.example.net/x.js"
		}
	}`)
	now := time.Now()
	ev, err := ParseCSPReport(body, now)
	require.NoError(t, err)

	assert.Equal(t, TypeCSP, ev.Type)
	require.NotNil(t, ev.CSP)
	assert.Equal(t, "script-src", ev.CSP.Directive())
	assert.Equal(t, "evil.example.net", ev.CSP.BlockedNetloc())
}

func TestCSPReportSurvivesEventMarshal(t *testing.T) {
	ev, err := ParseCSPReport([]byte(`{
		"csp-report": {
			"effective-directive": "img-src",
			"blocked-uri": "https://tracker.example.org/p.gif"
		}
	}`), time.Now())
	require.NoError(t, err)

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var round Event
	require.NoError(t, json.Unmarshal(data, &round))
	require.NotNil(t, round.CSP)
	assert.Equal(t, "img-src", round.CSP.EffectiveDirective)
	assert.Equal(t, "https://tracker.example.org/p.gif", round.CSP.BlockedURI)
}

func TestCSPDirectiveFallsBackToViolated(t *testing.T) {
	r := &CSPReport{ViolatedDirective: "style-src 'unsafe-inline'"}
	assert.Equal(t, "style-src", r.Directive())
}

func TestCSPBlockedNetlocSelf(t *testing.T) {
	r := &CSPReport{BlockedURI: "self"}
	assert.Equal(t, "self", r.BlockedNetloc())
}

func TestParseCSPReportRejectsGarbage(t *testing.T) {
	_, err := ParseCSPReport([]byte(`not json`), time.Now())
	assert.Error(t, err)
}
