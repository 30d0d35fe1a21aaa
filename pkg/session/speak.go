package session

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arzzra/voice_bot/pkg/audio"
)

// Speak синтезирует текст и запускает воспроизведение в канале звонка
func (s *CallSession) Speak(ctx context.Context, text string) error {
	staged, err := s.Render(ctx, text)
	if err != nil {
		return err
	}
	return s.Play(ctx, staged)
}

// Render синтезирует текст, приводит звук к формату линии и раскладывает
// файл для плеера. Используется отдельно от Play для приветствия, которое
// готовится пока звонок еще не отвечен.
func (s *CallSession) Render(ctx context.Context, text string) (audio.Staged, error) {
	ctx, span := s.tracer.Start(ctx, "session.render",
		trace.WithAttributes(
			attribute.String("call.id", s.info.ID),
			attribute.Int("text.length", len(text)),
		))
	defer span.End()

	start := time.Now()
	synth, err := s.deps.TTS.Synthesize(ctx, text)
	s.deps.Metrics.ObserveStage("tts", time.Since(start))
	if err != nil {
		s.deps.Metrics.TurnError(Classify(err).String())
		span.RecordError(err)
		return audio.Staged{}, fmt.Errorf("ошибка синтеза: %w", err)
	}
	if !s.Alive() {
		return audio.Staged{}, ErrSessionClosed
	}

	rate := synth.SampleRate
	if rate <= 0 {
		rate = s.cfg.TTSNativeRate
	}
	converted := audio.ToTelephony(synth.Data, rate)
	if converted.Degraded {
		s.deps.Metrics.TurnError(CategoryResample.String())
		s.log.Warn("tts audio not converted, playing as is", "native_rate", rate, "error", converted.Err)
	}

	staged, err := s.deps.Stager.Stage(s.info.ID, converted.PCM, converted.Format)
	if err != nil {
		span.RecordError(err)
		return audio.Staged{}, fmt.Errorf("ошибка сохранения аудио: %w", err)
	}
	return staged, nil
}

// Play запускает воспроизведение подготовленного файла. Если сессия уже
// закрыта, файл удаляется и возвращается ErrSessionClosed.
func (s *CallSession) Play(ctx context.Context, staged audio.Staged) error {
	if !s.Alive() {
		_ = s.deps.Stager.Remove(staged)
		return ErrSessionClosed
	}

	start := time.Now()
	playbackID, err := s.deps.Plane.PlayMedia(ctx, s.info.ID, staged.MediaRef)
	s.deps.Metrics.ObserveStage("playback", time.Since(start))
	if err != nil {
		_ = s.deps.Stager.Remove(staged)
		return fmt.Errorf("ошибка запуска воспроизведения: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = s.deps.Stager.Remove(staged)
		return ErrSessionClosed
	}
	if _, done := s.finishedEarly[playbackID]; done {
		// событие окончания пришло раньше ответа на запрос воспроизведения
		delete(s.finishedEarly, playbackID)
		s.mu.Unlock()
		_ = s.deps.Stager.Remove(staged)
		return nil
	}
	s.staged[playbackID] = staged
	s.isPlaying = true
	s.activePlaybackID = playbackID
	s.transition(eventSpeak)
	s.mu.Unlock()

	s.log.Debug("playback started", "playback_id", playbackID, "media", staged.MediaRef)
	return nil
}
