// Package grouping computes issue fingerprints, titles and culprits, and the
// bounded search text an event contributes to its issue.
package grouping

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/glitchtip/backend/internal/event"
)

// TitleColumnWidth bounds stored issue titles.
const TitleColumnWidth = 80

// DefaultFingerprintToken in a client fingerprint is substituted with the
// server-side default hash input.
const DefaultFingerprintToken = "{{ default }}"

// TitleAndCulprit derives the display title and culprit for an event.
func TitleAndCulprit(ev *event.Event) (title, culprit string) {
	switch ev.Type {
	case event.TypeCSP:
		directive := ev.CSP.Directive()
		title = fmt.Sprintf("Blocked '%s' from '%s'", directive, ev.CSP.BlockedNetloc())
		culprit = directive
	case event.TypeError:
		title = errorTitle(ev)
		culprit = eventLocation(ev)
	default:
		title = ev.FormattedMessage()
		if title == "" {
			title = "<unlabeled event>"
		}
		if ev.Transaction != "" {
			culprit = ev.Transaction
		} else {
			culprit = eventLocation(ev)
		}
	}
	return event.Truncate(title, TitleColumnWidth), culprit
}

// errorTitle reads the last exception in the chain, which SDKs place
// outermost, as "Type: value".
func errorTitle(ev *event.Event) string {
	values := ev.Exception.Values
	if len(values) == 0 {
		return "<unknown>"
	}
	exc := values[len(values)-1]
	value := firstLine(exc.Value.String())
	switch {
	case exc.Type != "" && value != "":
		return exc.Type + ": " + value
	case exc.Type != "":
		return exc.Type
	case value != "":
		return value
	}
	return "<unknown>"
}

// eventLocation is the Sentry-style culprit: the top in-app frame when one
// exists, otherwise the top frame, rendered as "module in function".
func eventLocation(ev *event.Event) string {
	frame := topFrame(ev, true)
	if frame == nil {
		frame = topFrame(ev, false)
	}
	if frame == nil {
		return ev.Transaction
	}

	where := frame.Module
	if where == "" {
		where = frame.Filename
	}
	if where == "" {
		where = "?"
	}
	fn := frame.Function
	if fn == "" {
		fn = "?"
	}
	return where + " in " + fn
}

// topFrame scans exceptions innermost-first; frames are ordered outermost
// first, so the call site is the last frame.
func topFrame(ev *event.Event, inAppOnly bool) *event.Frame {
	for i := len(ev.Exception.Values) - 1; i >= 0; i-- {
		st := ev.Exception.Values[i].Stacktrace
		if st == nil {
			continue
		}
		for j := len(st.Frames) - 1; j >= 0; j-- {
			f := st.Frames[j]
			if inAppOnly && (f.InApp == nil || !*f.InApp) {
				continue
			}
			return f
		}
	}
	return nil
}

// Fingerprint returns the grouping hash: MD5 of the client fingerprint
// elements (with the default token substituted), or of the default input
// when the SDK supplied none.
func Fingerprint(ev *event.Event, title, culprit string) string {
	defaultInput := title + culprit + string(ev.Type)

	var input string
	if len(ev.Fingerprint) > 0 {
		parts := make([]string, len(ev.Fingerprint))
		for i, part := range ev.Fingerprint {
			if part == DefaultFingerprintToken {
				parts[i] = defaultInput
			} else {
				parts[i] = part
			}
		}
		input = strings.Join(parts, "")
	} else {
		input = defaultInput
	}

	sum := md5.Sum([]byte(input))
	return hex.EncodeToString(sum[:])
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

// frameBasename is the short file name a frame contributes to search text.
func frameBasename(f *event.Frame) string {
	name := f.Filename
	if name == "" {
		name = f.AbsPath
	}
	if name == "" {
		return ""
	}
	return path.Base(strings.ReplaceAll(name, "\\", "/"))
}
