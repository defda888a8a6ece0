//go:build !linux

package udp

import "net"

// listenConfig is a plain listener on platforms without SO_REUSEPORT
// support in the form the Linux build uses.
func listenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
