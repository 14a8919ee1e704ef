//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly || windows)

package network

import "net"

// ReuseAddrListenConfig returns the default listen config on platforms
// where the oracle does not tune socket options.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
