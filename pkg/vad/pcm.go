package vad

import (
	"encoding/binary"
	"math"
)

// Параметры PCM линии телефонии: 8 kHz, 16 бит, моно
const (
	SampleRate     = 8000
	BytesPerSample = 2
	BytesPerSecond = SampleRate * BytesPerSample
)

// RMS среднеквадратичная амплитуда 16-битного little-endian PCM.
// Нечетный последний байт игнорируется.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// ApplyGain умножает отсчеты на коэффициент с насыщением до границ int16.
// Возвращает новый срез, исходный не меняется.
func ApplyGain(pcm []byte, gain float64) []byte {
	out := make([]byte, len(pcm)&^1)
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) * gain
		binary.LittleEndian.PutUint16(out[i:], uint16(clamp16(s)))
	}
	return out
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}

// Duration длительность PCM телефонного качества
func Duration(pcm []byte) float64 {
	return float64(len(pcm)) / BytesPerSecond
}
