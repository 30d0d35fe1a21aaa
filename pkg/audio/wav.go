package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const wavHeaderSize = 44

// Format параметры PCM потока
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// TelephonyFormat 8 kHz, 16 бит, моно
var TelephonyFormat = Format{SampleRate: TelephonyRate, Channels: 1, BitsPerSample: 16}

// ErrNotWAV данные не начинаются с RIFF/WAVE
var ErrNotWAV = errors.New("не WAV")

// WrapPCMAsWAV добавляет к PCM канонический 44-байтный заголовок WAV
func WrapPCMAsWAV(pcm []byte, f Format) []byte {
	dataSize := len(pcm)
	byteRate := f.SampleRate * f.Channels * f.BitsPerSample / 8
	blockAlign := f.Channels * f.BitsPerSample / 8

	wav := make([]byte, wavHeaderSize+dataSize)
	copy(wav[0:4], "RIFF")
	binary.LittleEndian.PutUint32(wav[4:8], uint32(36+dataSize))
	copy(wav[8:12], "WAVE")

	copy(wav[12:16], "fmt ")
	binary.LittleEndian.PutUint32(wav[16:20], 16)
	binary.LittleEndian.PutUint16(wav[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(wav[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(wav[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(wav[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(wav[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(wav[34:36], uint16(f.BitsPerSample))

	copy(wav[36:40], "data")
	binary.LittleEndian.PutUint32(wav[40:44], uint32(dataSize))
	copy(wav[44:], pcm)
	return wav
}

// IsWAV проверяет сигнатуру RIFF/WAVE
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// ParseWAV извлекает PCM и формат, пропуская служебные чанки (LIST и т.п.)
func ParseWAV(data []byte) ([]byte, Format, error) {
	var f Format
	if !IsWAV(data) {
		return nil, f, ErrNotWAV
	}

	pos := 12
	haveFmt := false
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return nil, f, errors.New("fmt чанк слишком мал")
			}
			if code := binary.LittleEndian.Uint16(data[body:]); code != 1 {
				return nil, f, fmt.Errorf("неподдерживаемый формат WAV: %d", code)
			}
			f.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			f.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			f.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, f, errors.New("data чанк до fmt")
			}
			end := body + size
			// потоковые TTS пишут размер 0 или 0xFFFFFFFF
			if size == 0 || end > len(data) || end < body {
				end = len(data)
			}
			return data[body:end], f, nil
		}

		pos = body + size + size%2
	}

	return nil, f, errors.New("data чанк не найден")
}
