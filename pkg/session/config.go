package session

import (
	"time"

	"github.com/arzzra/voice_bot/pkg/config"
	"github.com/arzzra/voice_bot/pkg/vad"
)

// Config параметры поведения сессии
type Config struct {
	VAD             vad.Config
	MinSegmentBytes int
	Gain            float64
	BargeInFactor   float64

	HistoryWindow     int
	DTMFAutoSubmit    time.Duration
	InactivityTimeout time.Duration // 0 = без таймаута
	HangupDelay       time.Duration
	BusyRetryInterval time.Duration

	ClosingRemark  string
	FallbackReply  string
	MalformedReply string

	HallucinationMaxDistinct int
	HallucinationPhrases     []string
	HallucinationReply       string // пусто = молча считать отсутствием ввода

	// TTSNativeRate частота ответа TTS, если сервис ее не сообщил
	TTSNativeRate int

	// Media
	BindHost            string
	AdvertiseHost       string
	MediaFormat         string
	ReceiveTimeout      time.Duration
	MaxPacketsPerSecond int
	DSCP                int
}

// ConfigFrom собирает параметры сессии из общей конфигурации
func ConfigFrom(c *config.Config) Config {
	return Config{
		VAD: vad.Config{
			SilenceThresholdRMS: c.VAD.SilenceThresholdRMS,
			SilenceDuration:     c.VAD.SilenceDuration,
			MaxRecording:        c.VAD.MaxRecording,
		},
		MinSegmentBytes: c.VAD.MinSegmentBytes,
		Gain:            c.VAD.Gain,
		BargeInFactor:   c.VAD.BargeInFactor,

		HistoryWindow:     c.Session.HistoryWindow,
		DTMFAutoSubmit:    c.Session.DTMFAutoSubmit,
		InactivityTimeout: c.Session.InactivityTimeout,
		HangupDelay:       c.Session.HangupDelay,
		BusyRetryInterval: c.Dialogue.BusyRetryInterval,

		ClosingRemark:  c.Session.ClosingRemark,
		FallbackReply:  c.Dialogue.FallbackReply,
		MalformedReply: c.Dialogue.MalformedReply,

		HallucinationMaxDistinct: c.Session.HallucinationMaxDistinct,
		HallucinationPhrases:     c.Session.HallucinationPhrases,
		HallucinationReply:       c.Session.HallucinationReply,

		TTSNativeRate: c.TTS.SampleRate,

		BindHost:            c.Media.BindHost,
		AdvertiseHost:       c.Media.AdvertiseHost,
		MediaFormat:         c.Media.Format,
		ReceiveTimeout:      c.Media.ReceiveTimeout,
		MaxPacketsPerSecond: c.Media.MaxPacketsPerSecond,
		DSCP:                c.Media.DSCP,
	}
}

// DefaultConfig параметры по умолчанию
func DefaultConfig() Config {
	return ConfigFrom(config.Default())
}

// bargeInThreshold порог RMS сырого звука, выше которого воспроизведение прерывается
func (c Config) bargeInThreshold() float64 {
	factor := c.BargeInFactor
	if factor <= 0 {
		factor = 1.5
	}
	return c.VAD.SilenceThresholdRMS * factor
}
