//go:build linux

package rtp

import (
	"golang.org/x/sys/unix"
)

// setSockOptVoice выставляет приоритет сокета и DSCP маркировку (Linux)
func setSockOptVoice(fd, dscp int) error {
	// 6 соответствует интерактивному аудио, без CAP_NET_ADMIN выше не поднять
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, 6); err != nil {
		return err
	}

	if dscp <= 0 {
		return nil
	}

	// DSCP в старших 6 битах TOS
	tos := dscp << 2
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		return err
	}
	// для IPv6 сокета может не сработать, это не ошибка
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	return nil
}
