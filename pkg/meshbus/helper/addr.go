package helper

import (
	"net"
	"strconv"
)

// HostPort joins a hostname or ip literal with a numeric port into a
// dialable address.
func HostPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
