package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used when an address string carries no port.
const DefaultPort = 27017

// ServerAddress identifies one server by host and port. It is a value type:
// two addresses are equal when their normalized host and port are equal.
type ServerAddress struct {
	Host string
	Port int
}

// ParseAddress parses "host", "host:port" or "[ipv6]:port" into a
// normalized ServerAddress. Hosts are lowercased and the default port is
// applied when absent.
func ParseAddress(s string) (ServerAddress, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ServerAddress{}, fmt.Errorf("empty server address")
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port, or a bare IPv6 literal in brackets
		host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		portStr = ""
	}
	if host == "" {
		return ServerAddress{}, fmt.Errorf("address %q has no host", s)
	}

	port := DefaultPort
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return ServerAddress{}, fmt.Errorf("address %q has invalid port %q", s, portStr)
		}
	}

	return ServerAddress{
		Host: strings.ToLower(host),
		Port: port,
	}, nil
}

// MustParseAddress is ParseAddress for addresses known to be valid,
// panicking on error. Intended for tests and literals.
func MustParseAddress(s string) ServerAddress {
	addr, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// String renders the address as host:port, bracketing IPv6 literals.
func (a ServerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
