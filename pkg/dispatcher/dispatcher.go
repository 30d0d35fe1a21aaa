// Package dispatcher разбирает поток событий управляющей плоскости и
// направляет их в сессии звонков.
//
// События читаются одним циклом из канала. Обработчик каждого события
// трогает только свою сессию и не ждет сеть: подготовка звонка
// (приветствие, ответ, медиа) и закрытие выполняются в отдельных горутинах.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/voice_bot/pkg/audio"
	"github.com/arzzra/voice_bot/pkg/config"
	"github.com/arzzra/voice_bot/pkg/control"
	"github.com/arzzra/voice_bot/pkg/dialogue"
	"github.com/arzzra/voice_bot/pkg/logger"
	"github.com/arzzra/voice_bot/pkg/metrics"
	"github.com/arzzra/voice_bot/pkg/session"
)

const bootstrapTimeout = time.Minute

// Причины игнорирования событий (метка метрики)
const (
	IgnoredTechnicalLeg = "technical_leg"
	IgnoredDuplicate    = "duplicate"
	IgnoredUnknownCall  = "unknown_call"
)

// Переменные канала, которые выставляет бот после ответа
const (
	VarCallID = "VOICEBOT_CALL_ID"
	VarRoute  = "VOICEBOT_ROUTE"
)

// Config параметры диспетчера
type Config struct {
	TechnicalLegPatterns []string
	RouteKey             string
	DefaultRoute         string
	GreetingDelay        time.Duration
	PregenerateGreeting  bool
	Greeter              Greeter
	Session              session.Config
}

// ConfigFrom собирает параметры диспетчера из общей конфигурации
func ConfigFrom(c *config.Config) Config {
	return Config{
		TechnicalLegPatterns: c.ARI.TechnicalLegPatterns,
		RouteKey:             c.Dialogue.RouteKey,
		DefaultRoute:         c.Dialogue.DefaultRoute,
		GreetingDelay:        c.Session.GreetingDelay,
		PregenerateGreeting:  c.Session.PregenerateGreeting,
		Greeter: Greeter{
			ContextKey:     c.Session.ContextKey,
			CustomerKey:    c.Session.CustomerKey,
			PromptTemplate: c.Session.InitialPromptTemplate,
			Greetings:      c.Session.Greetings,
			Default:        c.Session.DefaultGreeting,
		},
		Session: session.ConfigFrom(c),
	}
}

// Dispatcher реестр сессий и обработчик событий
type Dispatcher struct {
	cfg      Config
	deps     session.Deps
	registry *Registry
	metrics  *metrics.Collector
	log      *slog.Logger

	wg sync.WaitGroup
}

// New создает диспетчер. deps передаются в каждую новую сессию.
func New(cfg Config, deps session.Deps, registry *Registry) *Dispatcher {
	if registry == nil {
		registry = NewRegistry()
	}
	d := &Dispatcher{
		cfg:      cfg,
		registry: registry,
		metrics:  deps.Metrics,
		log:      logger.With("dispatcher"),
	}
	// сессия, закрытая без CallEnded (событие потерялось при
	// переподключении), не должна оставаться в реестре
	next := deps.OnClosed
	deps.OnClosed = func(s *session.CallSession) {
		if d.registry.Delete(s) {
			d.log.Info("closed session removed from registry", "call_id", s.ID())
		}
		if next != nil {
			next(s)
		}
	}
	d.deps = deps
	return d
}

// Registry реестр сессий
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Sessions снимки активных сессий
func (d *Dispatcher) Sessions() []session.Snapshot {
	var out []session.Snapshot
	d.registry.ForEach(func(s *session.CallSession) {
		out = append(out, s.Snapshot())
	})
	return out
}

// Run обрабатывает события до закрытия канала или отмены контекста,
// после чего закрывает все сессии
func (d *Dispatcher) Run(ctx context.Context, events <-chan control.Event) error {
	defer d.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.Handle(ctx, ev)
		}
	}
}

// Handle обрабатывает одно событие
func (d *Dispatcher) Handle(ctx context.Context, ev control.Event) {
	switch e := ev.(type) {
	case control.CallStarted:
		d.handleStart(ctx, e)
	case control.CallEnded:
		d.handleEnd(e)
	case control.DTMFReceived:
		if s, ok := d.lookup(e.ID); ok {
			s.HandleDTMF(e.Digit)
		}
	case control.PlaybackFinished:
		if s, ok := d.lookup(e.ID); ok {
			s.PlaybackFinished(e.PlaybackID)
		}
	case control.Connected:
		d.log.Info("control plane connected", "sessions", d.registry.Count())
	case control.Disconnected:
		d.log.Warn("control plane disconnected", "error", e.Err, "sessions", d.registry.Count())
	default:
		d.log.Debug("unhandled event", "type", fmt.Sprintf("%T", ev))
	}
}

func (d *Dispatcher) lookup(callID string) (*session.CallSession, bool) {
	s, ok := d.registry.Get(callID)
	if !ok {
		d.metrics.EventIgnored(IgnoredUnknownCall)
	}
	return s, ok
}

// IsTechnicalLeg вспомогательный канал самого бота (external media, snoop)
func (d *Dispatcher) IsTechnicalLeg(name string) bool {
	for _, p := range d.cfg.TechnicalLegPatterns {
		if p != "" && strings.Contains(name, p) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) handleStart(ctx context.Context, e control.CallStarted) {
	if d.IsTechnicalLeg(e.Name) {
		d.metrics.EventIgnored(IgnoredTechnicalLeg)
		d.log.Debug("technical leg ignored", "channel", e.ID, "name", e.Name)
		return
	}
	if _, exists := d.registry.Get(e.ID); exists {
		d.metrics.EventIgnored(IgnoredDuplicate)
		d.log.Warn("duplicate call start ignored", "call_id", e.ID)
		return
	}

	metadata := ParseArgs(e.Args)
	route := metadata[d.cfg.RouteKey]
	if route == "" {
		route = d.cfg.DefaultRoute
	}

	s := session.New(session.Info{
		ID:       e.ID,
		Name:     e.Name,
		Caller:   e.CallerNumber,
		Route:    route,
		Metadata: metadata,
	}, d.cfg.Session, d.deps)

	if !d.registry.Add(s) {
		d.metrics.EventIgnored(IgnoredDuplicate)
		s.Close()
		return
	}

	d.log.Info("call started", "call_id", e.ID, "caller", e.CallerNumber, "route", route, "metadata", metadata)
	greeting := d.cfg.Greeter.Build(route, metadata)
	d.goSafe(e.ID, func() { d.bootstrap(ctx, s, greeting) })
}

func (d *Dispatcher) handleEnd(e control.CallEnded) {
	s, ok := d.registry.Remove(e.ID)
	if !ok {
		d.metrics.EventIgnored(IgnoredUnknownCall)
		return
	}
	d.log.Info("call ended", "call_id", e.ID)
	d.goSafe(e.ID, s.Close)
}

// bootstrap готовит звонок: приветствие от бэкенда (до ответа, чтобы
// абонент не слушал тишину), ответ, медиа, пауза, воспроизведение
func (d *Dispatcher) bootstrap(ctx context.Context, s *session.CallSession, g Greeting) {
	ctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()
	log := logger.ForCall("dispatcher", s.ID(), s.Info().Route)

	var err error
	text := g.Text
	if g.Prompt != "" {
		text = s.OpeningReply(ctx, g.Prompt, g.Text)
	}

	// аудио приветствия можно синтезировать пока звонок еще звонит
	var staged audio.Staged
	pregenerated := false
	defer func() {
		// файл не ушел в Play: звонок сорвался до приветствия
		if pregenerated {
			_ = d.deps.Stager.Remove(staged)
		}
	}()
	if d.cfg.PregenerateGreeting && text != "" {
		st, err := s.Render(ctx, text)
		if err != nil {
			log.Warn("greeting pre-generation failed", "error", err)
		} else {
			staged, pregenerated = st, true
		}
	}

	if !s.Alive() {
		return
	}
	if err := d.deps.Plane.Answer(ctx, s.ID()); err != nil {
		log.Error("answer failed", "error", err)
		return
	}
	d.tagChannel(ctx, log, s)

	if err := s.StartMedia(ctx); err != nil {
		// DTMF и воспроизведение работают и без приема звука
		log.Error("media setup failed", "error", err)
	}

	if d.cfg.GreetingDelay > 0 {
		timer := time.NewTimer(d.cfg.GreetingDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	switch {
	case pregenerated:
		pregenerated = false
		err = s.Play(ctx, staged)
	case text != "":
		err = s.Speak(ctx, text)
	}
	if err != nil && !errors.Is(err, session.ErrSessionClosed) {
		log.Warn("greeting playback failed", "error", err)
	}

	s.ArmInactivity()
}

// tagChannel кладет id звонка и маршрут в переменные канала, чтобы
// диалплан и CDR видели, кто обслуживал звонок. Ошибка не мешает звонку.
func (d *Dispatcher) tagChannel(ctx context.Context, log *slog.Logger, s *session.CallSession) {
	vars := [][2]string{
		{VarCallID, dialogue.SafeCallID(s.ID())},
		{VarRoute, s.Info().Route},
	}
	for _, v := range vars {
		if err := d.deps.Plane.SetVariable(ctx, s.ID(), v[0], v[1]); err != nil {
			log.Warn("set channel variable failed", "key", v[0], "error", err)
		}
	}
}

func (d *Dispatcher) goSafe(callID string, fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("panic recovered in call task",
					"call_id", callID,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}

// Wait ждет завершения фоновых задач диспетчера
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) shutdown() {
	sessions := d.registry.Drain()
	if len(sessions) > 0 {
		d.log.Info("closing active sessions", "count", len(sessions))
	}
	for _, s := range sessions {
		d.goSafe(s.ID(), s.Close)
	}
	d.wg.Wait()
}
