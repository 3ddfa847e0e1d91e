// Package inviteurl parses and constructs the portable a2a:// invite
// identifier described in spec.md §4.7: scheme a2a, authority host[:port],
// path /{wire_token}, with transport selection rules that pick HTTP for
// loopback/.local hosts and explicit non-443 ports, HTTPS otherwise.
package inviteurl

import (
	"net"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Invite is a parsed a2a:// invite URL.
type Invite struct {
	Host      string
	Port      string // empty if not explicit
	WireToken string
}

// Parse parses a raw a2a://host[:port]/{wire_token} string.
func Parse(raw string) (*Invite, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse invite url")
	}
	if u.Scheme != "a2a" {
		return nil, errors.Errorf("invite url must use the a2a scheme, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, errors.New("invite url is missing a host")
	}
	token := strings.TrimPrefix(u.Path, "/")
	if token == "" {
		return nil, errors.New("invite url is missing a wire token")
	}

	return &Invite{
		Host:      host,
		Port:      u.Port(),
		WireToken: token,
	}, nil
}

// isLoopbackOrLocal reports whether host is a loopback address, localhost,
// or a .local mDNS hostname.
func isLoopbackOrLocal(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if strings.HasSuffix(strings.ToLower(host), ".local") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// Transport returns "http" or "https" for this invite, per spec.md §4.7:
// loopback/.local hosts and an explicit :80 use HTTP; any other explicit
// non-443 port also implies HTTP; every other case uses HTTPS.
func (i *Invite) Transport() string {
	if isLoopbackOrLocal(i.Host) {
		return "http"
	}
	if i.Port == "" {
		return "https"
	}
	if i.Port == "80" {
		return "http"
	}
	if i.Port == "443" {
		return "https"
	}
	return "http"
}

// Authority returns the bracketed-if-IPv6 host[:port] authority.
func (i *Invite) Authority() string {
	host := i.Host
	if ip := net.ParseIP(host); ip != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if i.Port == "" {
		return host
	}
	return host + ":" + i.Port
}

// BaseURL returns the scheme://authority prefix this invite resolves to,
// e.g. "http://localhost:8088" or "https://peer.example.com".
func (i *Invite) BaseURL() string {
	return i.Transport() + "://" + i.Authority()
}

// String reconstructs the a2a:// form of this invite.
func (i *Invite) String() string {
	return "a2a://" + i.Authority() + "/" + i.WireToken
}

// New constructs an Invite from its parts.
func New(host, port, wireToken string) *Invite {
	return &Invite{Host: host, Port: port, WireToken: wireToken}
}
