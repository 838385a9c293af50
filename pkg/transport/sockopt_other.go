//go:build !linux

package transport

import "net"

// tuneSocket на платформах без Linux-специфичных опций ограничивается
// стандартными настройками буферов, выполняемыми в NewUDPChannel.
func tuneSocket(conn *net.UDPConn) error {
	return nil
}
