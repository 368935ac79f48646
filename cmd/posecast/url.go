package main

import (
	"fmt"
	"net/url"
	"strings"
)

// normalizeWSURL validates a relay address. A bare host gets the ws scheme
// and http(s) schemes are mapped to ws(s). An empty path becomes wsPath.
func normalizeWSURL(raw, wsPath string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = wsPath
	}
	return u.String(), nil
}
