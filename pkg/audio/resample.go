// Package audio приводит звук между форматами линии телефонии и сервисов STT/TTS.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Частоты дискретизации
const (
	TelephonyRate  = 8000
	bytesPerSample = 2
)

// ErrOddLength длина PCM16 не кратна размеру отсчета
var ErrOddLength = errors.New("длина PCM не кратна 2 байтам")

// ResamplePCM16 меняет частоту 16-битного little-endian PCM линейной интерполяцией.
func ResamplePCM16(input []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("некорректные частоты: from=%d, to=%d", fromRate, toRate)
	}
	if len(input)%bytesPerSample != 0 {
		return nil, ErrOddLength
	}

	if fromRate == toRate {
		out := make([]byte, len(input))
		copy(out, input)
		return out, nil
	}

	in := toSamples(input)
	if len(in) == 0 {
		return []byte{}, nil
	}

	outLen := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	out := make([]int16, outLen)
	ratio := float64(fromRate) / float64(toRate)

	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		s0 := float64(in[idx])
		s1 := float64(in[idx+1])
		out[i] = int16(s0 + frac*(s1-s0))
	}

	return fromSamples(out), nil
}

// DownmixToMono усредняет каналы чередующегося PCM16
func DownmixToMono(input []byte, channels int) ([]byte, error) {
	if channels <= 1 {
		return input, nil
	}
	frame := channels * bytesPerSample
	if len(input)%frame != 0 {
		return nil, fmt.Errorf("длина %d не кратна размеру кадра %d", len(input), frame)
	}

	in := toSamples(input)
	out := make([]int16, len(in)/channels)
	for i := range out {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(in[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return fromSamples(out), nil
}

func toSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/bytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
	}
	return samples
}

func fromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(s))
	}
	return out
}
