package websocket

import (
	"net"
	"net/http"

	"github.com/conneroisu/hyro/internal/session"
)

// Options configures a Manager.
type Options struct {
	// OriginPatterns lists extra hosts allowed to open the reload channel.
	// Same-origin requests are always allowed.
	OriginPatterns []string
	// MaxConnectionsPerIP limits concurrent channels per client. Zero means
	// unlimited.
	MaxConnectionsPerIP int
	// Identify derives the client identity from the upgrade request.
	// Defaults to RemoteHost.
	Identify func(r *http.Request) string
	// Session configures handshake timeouts.
	Session session.Options
}

// Stats is a snapshot of reload channel activity.
type Stats struct {
	Active   int64  `json:"active"`
	Total    int64  `json:"total"`
	Rejected int64  `json:"rejected"`
	Dropped  uint64 `json:"dropped"`
}

// RemoteHost returns the host part of r.RemoteAddr.
func RemoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
