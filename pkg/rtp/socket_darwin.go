//go:build darwin

package rtp

import (
	"golang.org/x/sys/unix"
)

// setSockOptVoice на macOS доступна только DSCP маркировка
func setSockOptVoice(fd, dscp int) error {
	if dscp <= 0 {
		return nil
	}
	tos := dscp << 2
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
}
