package grouping

import (
	"net/url"
	"strings"

	"github.com/glitchtip/backend/internal/event"
)

// Bounds on the search text an event may contribute to its issue's
// full-text vector. Keeping the contribution small keeps vector appends
// cheap under the per-issue lexeme cap.
const (
	searchPartMax     = 250
	searchFrameMax    = 100
	searchMaxFrames   = 3
	searchMaxTraces   = 2
	searchMaxFrameTot = 5
	searchTextMax     = 2048
)

// SearchText builds the bounded, deduplicated string of search terms an
// event contributes: title, culprit, simplified request URL and a handful
// of stack frame basenames (outermost first).
func SearchText(ev *event.Event, title, culprit string) string {
	var parts []string
	add := func(s string, max int) {
		s = event.StripNul(strings.TrimSpace(s))
		if s == "" {
			return
		}
		parts = append(parts, event.Truncate(s, max))
	}

	add(title, searchPartMax)
	if culprit != title {
		add(culprit, searchPartMax)
	}
	if ev.Transaction != "" && ev.Transaction != culprit {
		add(ev.Transaction, searchPartMax)
	}
	if ev.Request != nil && ev.Request.URL != "" {
		add(simplifyURL(ev.Request.URL), searchPartMax)
	}

	total := 0
	traces := 0
	for i := len(ev.Exception.Values) - 1; i >= 0 && traces < searchMaxTraces && total < searchMaxFrameTot; i-- {
		st := ev.Exception.Values[i].Stacktrace
		if st == nil || len(st.Frames) == 0 {
			continue
		}
		traces++
		taken := 0
		// Frames arrive outermost first; contribute them in that order.
		for _, f := range st.Frames {
			if taken >= searchMaxFrames || total >= searchMaxFrameTot {
				break
			}
			name := frameBasename(f)
			if name == "" || len(name) > searchFrameMax {
				continue
			}
			parts = append(parts, name)
			taken++
			total++
		}
	}

	// Dedup preserving first occurrence.
	seen := make(map[string]bool, len(parts))
	out := parts[:0]
	for _, p := range parts {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}

	text := strings.Join(out, " ")
	if len(text) > searchTextMax {
		text = text[:searchTextMax]
		if idx := strings.LastIndexByte(text, ' '); idx > 0 {
			text = text[:idx]
		}
	}
	return text
}

// simplifyURL reduces a request URL to scheme://host + path, dropping query
// and fragment. Unparseable URLs pass through raw.
func simplifyURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host + u.Path
}
