package validation

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateFeedURL checks that rawURL is an absolute websocket (or http)
// URL suitable for the change-feed transport.
func ValidateFeedURL(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return fmt.Errorf("feed URL is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid feed URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("invalid feed URL scheme %q (use ws, wss, http, or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid feed URL: missing host")
	}
	if u.User != nil {
		return fmt.Errorf("invalid feed URL: credentials must not be embedded in the URL")
	}
	return nil
}

// WebsocketURL converts http(s) URLs to their ws(s) equivalent.
func WebsocketURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String()
}
