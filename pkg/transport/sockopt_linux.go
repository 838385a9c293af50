//go:build linux

package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// tuneSocket применяет Linux-специфичные опции сокета для голосового трафика.
func tuneSocket(conn *net.UDPConn) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		// SO_REUSEADDR для быстрого перезапуска на том же порту
		if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); e != nil {
			sockErr = e
			return
		}

		// SO_REUSEPORT позволяет нескольким сокетам слушать один порт
		// с распределением нагрузки на уровне ядра
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)

		// Приоритет интерактивного аудио; в контейнерах может быть недоступен
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_PRIORITY, 6)

		// DSCP EF (46) для QoS маркировки голосового трафика, RFC 4594
		syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, 46<<2)
	})
	if err != nil {
		return err
	}
	return sockErr
}
