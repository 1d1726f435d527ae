package event

import ua "github.com/mileusna/useragent"

// fillUserAgentContexts parses the User-Agent header and fills browser, os
// and device contexts that the SDK left absent. SDK-supplied contexts win.
func fillUserAgentContexts(contexts ContextMap, userAgent string) {
	parsed := ua.Parse(userAgent)

	if _, ok := contexts["browser"]; !ok && parsed.Name != "" {
		contexts["browser"] = map[string]interface{}{
			"type":    "browser",
			"name":    parsed.Name,
			"version": parsed.Version,
		}
	}
	if _, ok := contexts["os"]; !ok && parsed.OS != "" {
		contexts["os"] = map[string]interface{}{
			"type":    "os",
			"name":    parsed.OS,
			"version": parsed.OSVersion,
		}
	}
	if _, ok := contexts["device"]; !ok && parsed.Device != "" {
		contexts["device"] = map[string]interface{}{
			"type":  "device",
			"model": parsed.Device,
		}
	}
}
