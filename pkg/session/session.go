// Package session ведет один звонок: принимает PCM от приемника RTP, режет
// речь на фразы, прерывает воспроизведение при перебивании, собирает DTMF,
// следит за молчанием абонента и ведет ход разговора через распознавание,
// диалоговый бэкенд и синтез.
//
// Поток приемника никогда не ждет сеть. Все обращения к коллабораторам
// выполняются фоновыми задачами, а их результат применяется только если
// сессия еще жива. Флаги сессии защищены одним мьютексом, на нем же
// линеаризуются таймеры. Ходы выполняются строго по одному.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/arzzra/voice_bot/pkg/audio"
	"github.com/arzzra/voice_bot/pkg/callstate"
	"github.com/arzzra/voice_bot/pkg/control"
	"github.com/arzzra/voice_bot/pkg/dialogue"
	"github.com/arzzra/voice_bot/pkg/logger"
	"github.com/arzzra/voice_bot/pkg/metrics"
	"github.com/arzzra/voice_bot/pkg/rtp"
	"github.com/arzzra/voice_bot/pkg/tts"
	"github.com/arzzra/voice_bot/pkg/vad"
)

const tracerName = "github.com/arzzra/voice_bot/pkg/session"

// Transcriber распознавание речи
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// Synthesizer синтез речи
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (tts.Audio, error)
}

// Responder диалоговый бэкенд
type Responder interface {
	Reply(ctx context.Context, req dialogue.Request) (string, error)
}

// BusyChecker очередь диалогового бэкенда
type BusyChecker interface {
	Busy(ctx context.Context) bool
}

// MediaStager раскладывает аудио туда, откуда его читает плеер
type MediaStager interface {
	Stage(sessionID string, pcm []byte, f audio.Format) (audio.Staged, error)
	Remove(st audio.Staged) error
}

// Deps коллабораторы сессии
type Deps struct {
	Plane     control.Plane
	STT       Transcriber
	TTS       Synthesizer
	Dialogue  Responder
	Busy      BusyChecker // nil = проверка отключена
	Stager    MediaStager
	Ports     *rtp.PortManager
	Metrics   *metrics.Collector
	Publisher callstate.Publisher
	Tracer    trace.Tracer
	Now       func() time.Time
	// OnClosed вызывается один раз в конце Close
	OnClosed func(*CallSession)
}

// Info данные звонка
type Info struct {
	ID       string
	Name     string
	Caller   string
	Route    string
	Metadata map[string]string
}

// Snapshot состояние сессии для служебного API
type Snapshot struct {
	ID        string            `json:"id"`
	Caller    string            `json:"caller"`
	Route     string            `json:"route"`
	State     string            `json:"state"`
	Playing   bool              `json:"playing"`
	Turns     int               `json:"turns"`
	RTPPort   int               `json:"rtp_port,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CallSession сессия одного звонка
type CallSession struct {
	info   Info
	cfg    Config
	deps   Deps
	log    *slog.Logger
	tracer trace.Tracer
	filter HallucinationFilter
	now    func() time.Time

	createdAt time.Time
	state     *fsm.FSM

	// Защищено mu
	mu               sync.Mutex
	segmenter        *vad.Segmenter
	sttBusy          bool
	busyUntil        time.Time
	isPlaying        bool
	activePlaybackID string
	staged           map[string]audio.Staged
	finishedEarly    map[string]struct{}
	dtmfDigits       string
	history          []dialogue.Turn
	timers           *timerSet
	closing          bool
	closed           bool
	receiver         *rtp.Receiver
	legs             mediaLegs

	// turnMu сериализует ходы: история меняется только под ним
	turnMu sync.Mutex
	wg     sync.WaitGroup
}

// New создает сессию. Звук начинает поступать после StartMedia.
func New(info Info, cfg Config, deps Deps) *CallSession {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Publisher == nil {
		deps.Publisher = callstate.Nop{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if info.Metadata == nil {
		info.Metadata = map[string]string{}
	}

	s := &CallSession{
		info:          info,
		cfg:           cfg,
		deps:          deps,
		log:           logger.ForCall("session", info.ID, info.Route),
		tracer:        deps.Tracer,
		filter:        NewHallucinationFilter(cfg.HallucinationMaxDistinct, cfg.HallucinationPhrases),
		now:           deps.Now,
		createdAt:     deps.Now(),
		segmenter:     vad.NewSegmenter(cfg.VAD, deps.Now),
		staged:        make(map[string]audio.Staged),
		finishedEarly: make(map[string]struct{}),
		timers:        newTimerSet(),
	}
	s.initStateMachine()

	deps.Metrics.SessionStarted()
	deps.Publisher.Publish(callstate.Event{
		Type:   callstate.TypeCallStarted,
		CallID: info.ID,
		Caller: info.Caller,
		Route:  info.Route,
		State:  StateIdle,
	})
	return s
}

// ID id звонка
func (s *CallSession) ID() string {
	return s.info.ID
}

// Info данные звонка
func (s *CallSession) Info() Info {
	return s.info
}

// Alive false после Close
func (s *CallSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Playing идет ли воспроизведение
func (s *CallSession) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPlaying
}

// History копия истории разговора
func (s *CallSession) History() []dialogue.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dialogue.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Snapshot состояние для служебного API
func (s *CallSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:        s.info.ID,
		Caller:    s.info.Caller,
		Route:     s.info.Route,
		State:     s.state.Current(),
		Playing:   s.isPlaying,
		Turns:     len(s.history),
		StartedAt: s.createdAt,
		Metadata:  s.info.Metadata,
	}
	if s.receiver != nil {
		snap.RTPPort = s.receiver.Port()
	}
	return snap
}

// HandleAudio обработчик PCM из приемника RTP. Не блокируется на сети.
func (s *CallSession) HandleAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	// перебивание проверяется по сырому звуку, до усиления
	s.checkBargeInLocked(pcm)

	boosted := vad.ApplyGain(pcm, s.cfg.Gain)
	wasSpeaking := s.segmenter.Speaking()
	s.segmenter.Feed(boosted)
	if !wasSpeaking && s.segmenter.Speaking() {
		s.transition(eventHear)
	}

	if !s.segmenter.Ready() || s.sttBusy || s.now().Before(s.busyUntil) {
		return
	}

	seg := s.segmenter.Drain()
	if seg.Len() < s.cfg.MinSegmentBytes {
		s.log.Debug("segment too short, discarded", "bytes", seg.Len())
		s.transition(eventSilence)
		return
	}

	s.sttBusy = true
	s.goBackground("segment", func() { s.processSegment(seg) })
}

// checkBargeInLocked останавливает воспроизведение, если абонент заговорил громче порога
func (s *CallSession) checkBargeInLocked(pcm []byte) {
	if !s.isPlaying {
		return
	}
	rms := vad.RMS(pcm)
	if rms <= s.cfg.bargeInThreshold() {
		return
	}

	playbackID := s.activePlaybackID
	s.isPlaying = false
	s.activePlaybackID = ""
	s.transition(eventInterrupt)
	s.deps.Metrics.BargeIn()
	s.log.Info("barge-in, stopping playback", "playback_id", playbackID, "rms", rms)

	if playbackID == "" {
		return
	}
	s.goBackground("stop-playback", func() {
		err := s.deps.Plane.StopPlayback(context.Background(), playbackID)
		if err != nil && !errors.Is(err, control.ErrNotFound) {
			s.log.Warn("stop playback failed", "playback_id", playbackID, "error", err)
		}
	})
}

// processSegment распознает фразу и запускает ход. Выполняется в фоне,
// sttBusy уже выставлен и снимается здесь.
func (s *CallSession) processSegment(seg vad.Segment) {
	defer s.releaseSTT()

	ctx, span := s.tracer.Start(context.Background(), "session.segment",
		trace.WithAttributes(
			attribute.String("call.id", s.info.ID),
			attribute.Int("segment.bytes", seg.Len()),
		))
	defer span.End()

	if s.deps.Busy != nil && s.deps.Busy.Busy(ctx) {
		s.requeue(seg)
		span.SetAttributes(attribute.Bool("segment.requeued", true))
		return
	}

	s.mu.Lock()
	s.transition(eventTranscribe)
	s.mu.Unlock()

	start := time.Now()
	text, err := s.deps.STT.Transcribe(ctx, seg.PCM)
	s.deps.Metrics.ObserveStage("stt", time.Since(start))

	if !s.Alive() {
		return
	}
	if err != nil {
		category := Classify(err)
		s.deps.Metrics.TurnError(category.String())
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		if !sttUnreachable(err) {
			s.log.Warn("transcription failed, turn dropped", "category", category, "error", err)
			s.resetState()
			return
		}
		// абонент говорил, но сервис не ответил: молчание хуже извинения
		s.log.Warn("transcription service unreachable, speaking fallback", "category", category, "error", err)
		outcome := "fallback"
		if err := s.Speak(ctx, s.cfg.FallbackReply); err != nil {
			if Classify(err) != CategorySessionGone {
				s.log.Warn("fallback playback failed", "error", err)
				s.resetState()
			}
			outcome = "silent"
		}
		s.deps.Metrics.TurnCompleted("speech", outcome)
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		s.resetState()
		return
	}

	if s.filter.Reject(text) {
		s.deps.Metrics.Hallucination()
		s.log.Info("transcript rejected as hallucination", "text", text, "distinct_letters", DistinctLetters(text))
		if s.cfg.HallucinationReply != "" {
			if err := s.Speak(ctx, s.cfg.HallucinationReply); err != nil {
				s.log.Warn("hallucination reply failed", "error", err)
			}
			return
		}
		s.resetState()
		return
	}

	s.log.Info("caller said", "text", text)
	s.deps.Publisher.Publish(callstate.Event{
		Type: callstate.TypeTranscript, CallID: s.info.ID, Role: dialogue.RoleUser, Text: text,
	})
	s.runTurn(ctx, "speech", text)
}

// requeue возвращает фразу в сегментатор: бэкенд занят, ввод не подтверждается
func (s *CallSession) requeue(seg vad.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.segmenter.Requeue(seg)
	s.busyUntil = s.now().Add(s.cfg.BusyRetryInterval)
	s.deps.Metrics.Requeued()
	s.deps.Metrics.TurnError(CategoryBusy.String())
	s.log.Debug("dialogue backend busy, segment requeued", "bytes", seg.Len())
}

func (s *CallSession) releaseSTT() {
	s.mu.Lock()
	s.sttBusy = false
	s.mu.Unlock()
}

func (s *CallSession) resetState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.isPlaying {
		return
	}
	s.transition(eventReset)
}

// runTurn ход разговора: текст абонента уходит в диалог, ответ озвучивается.
// Ошибка диалога заменяется извинением, тишины в ответ быть не должно.
func (s *CallSession) runTurn(ctx context.Context, source, text string) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "session.turn",
		trace.WithAttributes(
			attribute.String("call.id", s.info.ID),
			attribute.String("turn.source", source),
		))
	defer span.End()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.history = append(s.history, dialogue.Turn{Role: dialogue.RoleUser, Content: text})
	s.resetInactivityLocked()
	s.transition(eventDispatch)
	s.mu.Unlock()

	outcome := "replied"
	reply, err := s.ask(ctx, text, false)
	if err != nil {
		category := Classify(err)
		if category == CategorySessionGone {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "dialogue failed")
		s.deps.Metrics.TurnError(category.String())
		s.log.Warn("dialogue failed, speaking fallback", "category", category, "error", err)

		reply = s.cfg.FallbackReply
		if category == CategoryMalformed && s.cfg.MalformedReply != "" {
			reply = s.cfg.MalformedReply
		}
		outcome = "fallback"
	} else {
		s.mu.Lock()
		s.history = append(s.history, dialogue.Turn{Role: dialogue.RoleAssistant, Content: reply})
		s.mu.Unlock()
	}

	if err := s.Speak(ctx, reply); err != nil {
		span.RecordError(err)
		if Classify(err) != CategorySessionGone {
			s.log.Warn("reply playback failed", "error", err)
			s.resetState()
		}
		outcome = "silent"
	}
	s.deps.Metrics.TurnCompleted(source, outcome)
}

// ask отправляет текст в диалоговый бэкенд маршрута
func (s *CallSession) ask(ctx context.Context, text string, initial bool) (string, error) {
	s.mu.Lock()
	window := s.cfg.HistoryWindow
	if window <= 0 {
		window = 5
	}
	from := len(s.history) - window
	if from < 0 {
		from = 0
	}
	recent := make([]dialogue.Turn, len(s.history)-from)
	copy(recent, s.history[from:])
	s.mu.Unlock()

	start := time.Now()
	reply, err := s.deps.Dialogue.Reply(ctx, dialogue.Request{
		CallID:    s.info.ID,
		Caller:    s.info.Caller,
		Text:      text,
		Context:   recent,
		Metadata:  s.info.Metadata,
		IsInitial: initial,
		Route:     s.info.Route,
	})
	s.deps.Metrics.ObserveStage("dialogue", time.Since(start))

	if !s.Alive() {
		return "", ErrSessionClosed
	}
	if err != nil {
		return "", err
	}
	s.deps.Publisher.Publish(callstate.Event{
		Type: callstate.TypeTranscript, CallID: s.info.ID, Role: dialogue.RoleAssistant, Text: reply,
	})
	return reply, nil
}

// OpeningReply получает приветствие из диалогового бэкенда по начальному
// промпту. При ошибке возвращается fallback, чтобы звонок не начался с тишины.
func (s *CallSession) OpeningReply(ctx context.Context, prompt, fallback string) string {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "session.opening",
		trace.WithAttributes(attribute.String("call.id", s.info.ID)))
	defer span.End()

	reply, err := s.ask(ctx, prompt, true)
	if err != nil {
		category := Classify(err)
		span.RecordError(err)
		s.deps.Metrics.TurnError(category.String())
		s.log.Warn("initial turn failed, using local greeting", "category", category, "error", err)
		return fallback
	}

	s.mu.Lock()
	s.history = append(s.history, dialogue.Turn{Role: dialogue.RoleAssistant, Content: reply})
	s.mu.Unlock()
	s.deps.Metrics.TurnCompleted("initial", "replied")
	return reply
}

// PlaybackFinished событие окончания воспроизведения
func (s *CallSession) PlaybackFinished(playbackID string) {
	s.mu.Lock()
	st, ok := s.staged[playbackID]
	delete(s.staged, playbackID)
	switch {
	case s.closed:
	case s.activePlaybackID == playbackID:
		s.isPlaying = false
		s.activePlaybackID = ""
		s.transition(eventFinish)
	case !ok:
		s.finishedEarly[playbackID] = struct{}{}
	}
	s.mu.Unlock()

	if ok {
		if err := s.deps.Stager.Remove(st); err != nil {
			s.log.Debug("staged audio cleanup failed", "path", st.Path, "error", err)
		}
	}
}

// ArmInactivity взводит таймер молчания. Вызывается после приветствия.
func (s *CallSession) ArmInactivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetInactivityLocked()
}

func (s *CallSession) resetInactivityLocked() {
	if s.closed || s.closing || s.cfg.InactivityTimeout <= 0 {
		return
	}
	s.timers.set(timerInactivity, s.cfg.InactivityTimeout, s.onInactivity)
}

// onInactivity абонент молчит: прощаемся и кладем трубку после паузы,
// за которую фраза успевает проиграться
func (s *CallSession) onInactivity(gen uint64) {
	s.mu.Lock()
	if !s.timers.claim(timerInactivity, gen) || s.closed {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()

	s.log.Info("caller inactive, closing call", "timeout", s.cfg.InactivityTimeout)
	s.goBackground("closing", func() {
		if s.cfg.ClosingRemark != "" {
			if err := s.Speak(context.Background(), s.cfg.ClosingRemark); err != nil {
				s.log.Warn("closing remark failed", "error", err)
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		s.timers.set(timerHangup, s.cfg.HangupDelay, s.onHangup)
	})
}

func (s *CallSession) onHangup(gen uint64) {
	s.mu.Lock()
	if !s.timers.claim(timerHangup, gen) || s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.goBackground("hangup", func() {
		err := s.deps.Plane.Hangup(context.Background(), s.info.ID)
		switch {
		case errors.Is(err, control.ErrNotFound):
			// канал уже ушел, а событие о завершении потерялось
			s.log.Info("channel already gone, closing session")
			s.Close()
		case err != nil:
			s.log.Warn("hangup failed", "error", err)
		}
	})
}

// Close завершает сессию: таймеры, приемник, вспомогательные каналы,
// файлы воспроизведения. Идемпотентен.
func (s *CallSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.timers.stopAll()
	s.isPlaying = false
	s.activePlaybackID = ""
	s.transition(eventClose)

	receiver := s.receiver
	legs := s.legs
	staged := make([]audio.Staged, 0, len(s.staged))
	for id, st := range s.staged {
		staged = append(staged, st)
		delete(s.staged, id)
	}
	s.mu.Unlock()

	if receiver != nil {
		receiver.Stop()
	}
	s.releaseMedia(legs)

	for _, st := range staged {
		_ = s.deps.Stager.Remove(st)
	}

	lifetime := s.now().Sub(s.createdAt)
	s.deps.Metrics.SessionClosed(lifetime)
	s.deps.Publisher.Publish(callstate.Event{
		Type:   callstate.TypeCallEnded,
		CallID: s.info.ID,
		Caller: s.info.Caller,
		Route:  s.info.Route,
		State:  StateClosed,
	})
	s.log.Info("session closed", "lifetime", lifetime)
	if s.deps.OnClosed != nil {
		s.deps.OnClosed(s)
	}
}
