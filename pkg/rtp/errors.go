package rtp

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/pion/rtp"
)

// Ограничения на входящие датаграммы
const (
	MinRTPPacketSize   = 12   // фиксированный заголовок RTP
	MaxRTPPacketSize   = 1500 // MTU
	ExpectedRTPVersion = 2
)

// Причины отбрасывания пакетов (метка метрики)
const (
	DropUndersized  = "undersized"
	DropOversized   = "oversized"
	DropMalformed   = "malformed"
	DropEmpty       = "empty_payload"
	DropRateLimited = "rate_limited"
)

// NetworkErrorType тип сетевой ошибки
type NetworkErrorType int

const (
	ErrorTypeTimeout    NetworkErrorType = iota // таймаут чтения, штатная ситуация
	ErrorTypeClosed                             // сокет закрыт
	ErrorTypeConnection                         // проблемы соединения
	ErrorTypeUnknown
)

// ClassifiedError сетевая ошибка с классификацией
type ClassifiedError struct {
	Type      NetworkErrorType
	Operation string
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v (retryable: %t)", e.Operation, e.Err, e.Retryable)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// classifyNetworkError определяет, можно ли продолжать цикл чтения после ошибки
func classifyNetworkError(operation string, err error) *ClassifiedError {
	classified := &ClassifiedError{
		Operation: operation,
		Err:       err,
		Type:      ErrorTypeUnknown,
	}

	var netErr net.Error
	switch {
	case errors.Is(err, net.ErrClosed):
		classified.Type = ErrorTypeClosed
	case errors.As(err, &netErr) && netErr.Timeout():
		classified.Type = ErrorTypeTimeout
		classified.Retryable = true
	case isConnectionError(err):
		// ICMP port unreachable от предыдущей отправки и подобное
		classified.Type = ErrorTypeConnection
		classified.Retryable = true
	}

	return classified
}

func isConnectionError(err error) bool {
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"network is unreachable",
		"host is unreachable",
		"no route to host",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// parsePacket проверяет датаграмму и возвращает полезную нагрузку.
// Вторым значением возвращается причина отбрасывания, пустая для валидного пакета.
func parsePacket(data []byte) ([]byte, string) {
	if len(data) < MinRTPPacketSize {
		return nil, DropUndersized
	}
	if len(data) > MaxRTPPacketSize {
		return nil, DropOversized
	}

	var packet rtp.Packet
	if err := packet.Unmarshal(data); err != nil {
		return nil, DropMalformed
	}
	if packet.Version != ExpectedRTPVersion {
		return nil, DropMalformed
	}
	if len(packet.Payload) == 0 {
		return nil, DropEmpty
	}
	return packet.Payload, ""
}
