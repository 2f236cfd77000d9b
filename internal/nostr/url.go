package nostr

import (
	"net/url"
	"strings"

	"nostr-threadfeed/internal/util"
)

// NormalizeRelayURL validates and normalizes a relay URL from configuration or nevent hints.
// Returns empty string if URL is invalid/malformed
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" || !strings.Contains(relayURL, "://") {
		return ""
	}

	// Reject URL-encoded spaces and double protocols (wss://https://...)
	if strings.Contains(relayURL, "%20") || strings.Count(relayURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return ""
	}

	host := parsed.Hostname()
	if len(host) < 3 || strings.Contains(host, " ") {
		return ""
	}
	if !util.IsLoopbackHost(host) {
		if !strings.Contains(host, ".") || util.IsInternalHost(host) {
			return ""
		}
	}

	// Normalize: strip trailing slash, lowercase
	result := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(host)
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if parsed.Path != "" && parsed.Path != "/" {
		result += parsed.Path
	}
	return result
}

// NormalizeRelayURLs normalizes and deduplicates a relay list, dropping invalid entries
func NormalizeRelayURLs(relays []string) []string {
	seen := make(map[string]bool, len(relays))
	out := make([]string, 0, len(relays))
	for _, r := range relays {
		n := NormalizeRelayURL(r)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
