package opc

import (
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the standard OPC UA TCP port.
const DefaultPort = 4840

// Endpoint builds "opc.tcp://host:port/" from a bare address. Addresses that
// already carry a scheme are returned as is; an address with its own port
// keeps it. An empty address yields "".
func Endpoint(addr string, port int) string {
	s := strings.TrimSpace(addr)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		return s
	}
	if port <= 0 {
		port = DefaultPort
	}
	if host, p, err := net.SplitHostPort(s); err == nil && host != "" && p != "" {
		return "opc.tcp://" + s + "/"
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	return "opc.tcp://" + net.JoinHostPort(s, strconv.Itoa(port)) + "/"
}
