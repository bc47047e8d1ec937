package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a unique identifier for acks and connections.
func NewID() string {
	return uuid.NewString()
}

// NormalizeNamespace ensures a namespace has exactly one leading slash.
func NormalizeNamespace(ns string) string {
	ns = strings.TrimSpace(ns)
	if ns == "" {
		return "/"
	}
	return "/" + strings.Trim(ns, "/")
}

// EndpointURL joins the base URL and namespace into a dialable endpoint.
func EndpointURL(base, namespace string) string {
	base = strings.TrimRight(base, "/")
	ns := NormalizeNamespace(namespace)
	if ns == "/" {
		return base + "/"
	}
	return base + ns
}

// IsWebSocketURL reports whether the URL uses a ws or wss scheme.
func IsWebSocketURL(url string) bool {
	return strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://")
}
