package audio

import (
	"fmt"
)

// Converted результат приведения аудио TTS к формату линии
type Converted struct {
	PCM    []byte
	Format Format
	// Degraded означает, что преобразование не удалось и используется исходный звук
	Degraded bool
	Err      error
}

// ToTelephony приводит ответ TTS к 8 kHz/16 бит/моно.
// Ответ может быть WAV или сырым PCM16 с частотой nativeRate.
// Ошибка преобразования не прерывает ход: возвращается исходный звук с Degraded=true.
func ToTelephony(data []byte, nativeRate int) Converted {
	pcm := data
	src := Format{SampleRate: nativeRate, Channels: 1, BitsPerSample: 16}

	if IsWAV(data) {
		parsed, f, err := ParseWAV(data)
		if err != nil {
			return degraded(data, src, fmt.Errorf("разбор WAV: %w", err))
		}
		pcm, src = parsed, f
	}

	if src.BitsPerSample != 16 {
		return degraded(pcm, src, fmt.Errorf("неподдерживаемая разрядность %d бит", src.BitsPerSample))
	}

	mono, err := DownmixToMono(pcm, src.Channels)
	if err != nil {
		return degraded(pcm, src, err)
	}
	src.Channels = 1

	out, err := ResamplePCM16(mono, src.SampleRate, TelephonyRate)
	if err != nil {
		return degraded(mono, src, fmt.Errorf("ресемплинг %d -> %d: %w", src.SampleRate, TelephonyRate, err))
	}

	return Converted{PCM: out, Format: TelephonyFormat}
}

func degraded(pcm []byte, f Format, err error) Converted {
	if f.SampleRate <= 0 {
		f.SampleRate = TelephonyRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	if f.BitsPerSample <= 0 {
		f.BitsPerSample = 16
	}
	return Converted{PCM: pcm, Format: f, Degraded: true, Err: err}
}
