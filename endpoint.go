package p2p

import (
	"fmt"
	"net"
	"regexp"
)

// endpointPattern matches "host:port" where host is a DNS name, an IPv4
// literal, or a bracketed IPv6 literal, per spec §4.1.
var endpointPattern = regexp.MustCompile(`^(\[([^\]]+)\]|([^:]+)):([^:]+)$`)

// ParsedEndpoint is a "host:port" split into its components, with the IPv6
// brackets stripped from Host.
type ParsedEndpoint struct {
	Host string
	Port string
}

// ParseEndpoint splits a "host:port" string, returning ErrInvalidEndpoint
// if it doesn't match the accepted syntax.
func ParseEndpoint(endpoint string) (ParsedEndpoint, error) {
	m := endpointPattern.FindStringSubmatch(endpoint)
	if m == nil {
		return ParsedEndpoint{}, newErr(ErrInvalidEndpoint, "invalid endpoint %q, want host:port", endpoint)
	}

	host := m[2]
	if host == "" {
		host = m[3]
	}
	return ParsedEndpoint{Host: host, Port: m[4]}, nil
}

// String reassembles the endpoint, bracketing the host if it is a literal
// IPv6 address.
func (e ParsedEndpoint) String() string {
	if ip := net.ParseIP(e.Host); ip != nil && ip.To4() == nil {
		return fmt.Sprintf("[%s]:%s", e.Host, e.Port)
	}
	return fmt.Sprintf("%s:%s", e.Host, e.Port)
}
