package rtp

import (
	"net"
)

// Размер буфера приема: ~3 секунды G.711 при пакетах по 20ms
const voiceRecvBuffer = 64 * 1024

// DSCPExpeditedForwarding EF (RFC 4594) для интерактивного аудио
const DSCPExpeditedForwarding = 46

// tuneSocket настраивает UDP сокет под голосовой трафик.
// Ошибки платформенных опций не фатальны: в контейнерах часть из них запрещена.
func tuneSocket(conn *net.UDPConn, dscp int) error {
	if err := conn.SetReadBuffer(voiceRecvBuffer); err != nil {
		return err
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		sockErr = setSockOptVoice(int(fd), dscp)
	})
	if err != nil {
		return err
	}
	return sockErr
}
