package transport

import (
	"fmt"
	"net/url"
)

// LivePath is the path the live bridge serves on.
const LivePath = "/api/live"

// EndpointURL builds the bridge URL for host, using wss when secure is set.
func EndpointURL(host string, secure bool) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: host, Path: LivePath}
	return u.String()
}

// EndpointFromPage derives the bridge URL from the address of the page or
// service the client was loaded from: https maps to wss, http to ws.
func EndpointFromPage(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("transport: parse page url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		return EndpointURL(u.Host, true), nil
	case "http", "ws":
		return EndpointURL(u.Host, false), nil
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
}
