// Package security guards the WebSocket edge: client IP extraction,
// User-Agent validation, connection caps and handshake throttling.
package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"regexp"
	"strings"
)

// ClientIP returns the canonical address of the peer. Only RemoteAddr is
// consulted; forwarding headers are client-controlled. IPv4-mapped IPv6
// addresses are unmapped and zones dropped so one host always produces
// one rate-limit and connection-cap key.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}
	return addr.Unmap().WithZone("").String()
}

// UserAgent is a parsed "client-name/version (comment)" header.
type UserAgent struct {
	Raw     string
	Name    string
	Version string
	Comment string
}

// String returns "name/version".
func (u *UserAgent) String() string {
	return u.Name + "/" + u.Version
}

var (
	// ErrMissingUserAgent is returned when the User-Agent header is empty.
	ErrMissingUserAgent = errors.New("User-Agent header is required")

	// ErrInvalidUserAgent is returned when the product token is malformed.
	ErrInvalidUserAgent = errors.New("User-Agent must be in format: client-name/version (e.g., ripple-web/v1.0.0)")

	// name: 1-64 of [A-Za-z0-9_-]; version: 1-32 non-space characters.
	productPattern = regexp.MustCompile(`^([a-zA-Z0-9_-]{1,64})/(\S{1,32})$`)
)

// ParseUserAgent validates the request's User-Agent. Only the leading
// product token must match; a parenthesized comment after it, as in
// "ripple-web/2.4.1 (darwin; arm64)", is kept in Comment.
func ParseUserAgent(r *http.Request) (*UserAgent, error) {
	raw := strings.TrimSpace(r.UserAgent())
	if raw == "" {
		return nil, ErrMissingUserAgent
	}

	product, rest, _ := strings.Cut(raw, " ")
	m := productPattern.FindStringSubmatch(product)
	if m == nil {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidUserAgent, raw)
	}

	ua := &UserAgent{Raw: raw, Name: m[1], Version: m[2]}
	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, "(") {
		if end := strings.IndexByte(rest, ')'); end > 0 {
			ua.Comment = rest[1:end]
		}
	}
	return ua, nil
}
