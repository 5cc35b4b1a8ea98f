package pool

import (
	"fmt"
	"net/url"
	"strings"

	nostr "github.com/nbd-wtf/go-nostr"
)

// NormalizeRelayURL canonicalizes a relay URL so that each relay has exactly
// one identity inside a pool: scheme forced to ws/wss, host lowercased,
// default ports and trailing slashes stripped.
func NormalizeRelayURL(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("empty relay url")
	}

	normalized := nostr.NormalizeURL(raw)
	u, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid relay url %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid relay url %q: missing host", raw)
	}
	return normalized, nil
}
