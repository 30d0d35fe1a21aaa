package rtp

import (
	"fmt"
	"strings"
)

// DecodeFunc декодирует полезную нагрузку RTP в 16-битный линейный PCM (little-endian)
type DecodeFunc func(payload []byte) []byte

// Имена форматов, которые принимает управляющая плоскость для external media
const (
	FormatULaw = "ulaw"
	FormatALaw = "alaw"
	FormatSlin = "slin"
)

var (
	ulawTable [256]int16
	alawTable [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		ulawTable[i] = ulawToLinear(byte(i))
		alawTable[i] = alawToLinear(byte(i))
	}
}

// DecoderFor возвращает функцию декодирования для формата линии
func DecoderFor(format string) (DecodeFunc, error) {
	switch strings.ToLower(format) {
	case FormatULaw, "pcmu", "mulaw":
		return DecodeULaw, nil
	case FormatALaw, "pcma":
		return DecodeALaw, nil
	case FormatSlin:
		return DecodeSlin, nil
	default:
		return nil, fmt.Errorf("неподдерживаемый формат медиа: %q", format)
	}
}

// DecodeULaw G.711 μ-law -> PCM16
func DecodeULaw(payload []byte) []byte {
	return decodeTable(payload, &ulawTable)
}

// DecodeALaw G.711 A-law -> PCM16
func DecodeALaw(payload []byte) []byte {
	return decodeTable(payload, &alawTable)
}

// DecodeSlin переставляет байты сетевого порядка (big-endian) в little-endian.
// Нечетный хвост отбрасывается.
func DecodeSlin(payload []byte) []byte {
	n := len(payload) &^ 1
	out := make([]byte, n)
	for i := 0; i < n; i += 2 {
		out[i] = payload[i+1]
		out[i+1] = payload[i]
	}
	return out
}

func decodeTable(payload []byte, table *[256]int16) []byte {
	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		s := uint16(table[b])
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

func ulawToLinear(u byte) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	mantissa := int(u & 0x0F)
	sample := ((mantissa << 3) + 0x84) << exponent
	sample -= 0x84
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func alawToLinear(a byte) int16 {
	a ^= 0x55
	t := int(a&0x0F) << 4
	seg := int(a&0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}
