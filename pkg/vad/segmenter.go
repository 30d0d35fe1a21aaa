// Package vad выделяет фразы абонента из непрерывного PCM потока по амплитуде.
//
// Segmenter копит звук, пока абонент говорит, и сообщает о готовности фразы,
// когда после последнего голосового куска прошло SilenceDuration, либо когда
// фраза длится дольше MaxRecording. Segmenter не потокобезопасен: владелец
// (сессия звонка) вызывает его под своей блокировкой.
package vad

import (
	"time"
)

// Config параметры детектора
type Config struct {
	SilenceThresholdRMS float64
	SilenceDuration     time.Duration
	MaxRecording        time.Duration
}

// DefaultConfig значения, подобранные под G.711 с усилением 4x
func DefaultConfig() Config {
	return Config{
		SilenceThresholdRMS: 500,
		SilenceDuration:     500 * time.Millisecond,
		MaxRecording:        20 * time.Second,
	}
}

// Segment извлеченная фраза
type Segment struct {
	PCM         []byte
	StartedAt   time.Time
	LastVoiceAt time.Time
}

// Len размер фразы в байтах
func (s Segment) Len() int {
	return len(s.PCM)
}

// Segmenter детектор границ фраз
type Segmenter struct {
	cfg Config
	now func() time.Time

	buffer      []byte
	speaking    bool
	// held в буфере лежит отложенная фраза, тишина до нового голоса не копится
	held        bool
	startedAt   time.Time
	lastVoiceAt time.Time
}

// NewSegmenter создает детектор. now позволяет подменить часы в тестах, nil = time.Now.
func NewSegmenter(cfg Config, now func() time.Time) *Segmenter {
	if now == nil {
		now = time.Now
	}
	return &Segmenter{cfg: cfg, now: now}
}

// Feed добавляет кусок PCM и возвращает его RMS.
// Тишина до начала фразы не буферизуется.
func (s *Segmenter) Feed(pcm []byte) float64 {
	rms := RMS(pcm)
	voiced := rms > s.cfg.SilenceThresholdRMS

	if !voiced && (!s.speaking || s.held) {
		return rms
	}

	s.buffer = append(s.buffer, pcm...)
	if voiced {
		s.held = false
		now := s.now()
		if !s.speaking {
			s.speaking = true
			s.startedAt = now
		}
		s.lastVoiceAt = now
	}
	return rms
}

// Ready сообщает, что фраза завершена тишиной или достигла максимальной длины
func (s *Segmenter) Ready() bool {
	if !s.speaking || len(s.buffer) == 0 {
		return false
	}

	now := s.now()
	if now.Sub(s.lastVoiceAt) >= s.cfg.SilenceDuration {
		return true
	}
	return now.Sub(s.startedAt) >= s.cfg.MaxRecording
}

// Drain забирает весь буфер и сбрасывает детектор в исходное состояние
func (s *Segmenter) Drain() Segment {
	seg := Segment{
		PCM:         s.buffer,
		StartedAt:   s.startedAt,
		LastVoiceAt: s.lastVoiceAt,
	}
	s.buffer = nil
	s.speaking = false
	s.held = false
	s.startedAt = time.Time{}
	s.lastVoiceAt = time.Time{}
	return seg
}

// Requeue возвращает ранее извлеченную фразу в начало буфера.
// Используется, когда бэкенд занят: фраза уйдет вместе со следующей границей тишины.
// Пока не пришел новый голос, тишина линии в буфер не добавляется, так что
// долгое ожидание бэкенда не раздувает фразу.
func (s *Segmenter) Requeue(seg Segment) {
	if seg.Len() == 0 {
		return
	}

	// новая фраза уже идет: ее паузы копятся как обычно
	s.held = s.held || !s.speaking

	merged := make([]byte, 0, seg.Len()+len(s.buffer))
	merged = append(merged, seg.PCM...)
	merged = append(merged, s.buffer...)
	s.buffer = merged

	if !s.speaking || seg.StartedAt.Before(s.startedAt) {
		s.startedAt = seg.StartedAt
	}
	if seg.LastVoiceAt.After(s.lastVoiceAt) {
		s.lastVoiceAt = seg.LastVoiceAt
	}
	s.speaking = true
}

// Speaking идет ли сейчас фраза
func (s *Segmenter) Speaking() bool {
	return s.speaking
}

// Buffered количество накопленных байт
func (s *Segmenter) Buffered() int {
	return len(s.buffer)
}
