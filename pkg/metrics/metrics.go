// Package metrics собирает Prometheus метрики голосового бота.
//
// Все методы Collector безопасны для nil получателя: компоненты, созданные
// без метрик (в тестах), просто ничего не записывают.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicebot"

// Collector метрики бота
type Collector struct {
	sessionsTotal    prometheus.Counter
	sessionsActive   prometheus.Gauge
	sessionDuration  prometheus.Histogram
	stateTransitions *prometheus.CounterVec
	turnsTotal       *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	errorsTotal      *prometheus.CounterVec
	bargeIns         prometheus.Counter
	hallucinations   prometheus.Counter
	requeues         prometheus.Counter
	dtmfSubmits      *prometheus.CounterVec
	rtpPackets       prometheus.Counter
	rtpBytes         prometheus.Counter
	rtpDropped       *prometheus.CounterVec
	ignoredEvents    *prometheus.CounterVec
}

// New регистрирует метрики в reg. nil reg = prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "created_total",
			Help: "Total number of call sessions created",
		}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "active",
			Help: "Number of currently active call sessions",
		}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "session", Name: "duration_seconds",
			Help:    "Call session lifetime",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200},
		}),
		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "state_transitions_total",
			Help: "Turn state machine transitions",
		}, []string{"from", "to"}),
		turnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "turn", Name: "total",
			Help: "Completed turns by source and outcome",
		}, []string{"source", "outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "turn", Name: "stage_duration_seconds",
			Help:    "Latency of STT, dialogue and TTS stages",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"stage"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "turn", Name: "errors_total",
			Help: "Turn failures by category",
		}, []string{"category"}),
		bargeIns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "turn", Name: "barge_ins_total",
			Help: "Playbacks stopped because the caller started speaking",
		}),
		hallucinations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "turn", Name: "hallucinations_total",
			Help: "Transcripts rejected by the hallucination filter",
		}),
		requeues: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "turn", Name: "requeued_total",
			Help: "Segments requeued because the dialogue backend was busy",
		}),
		dtmfSubmits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dtmf", Name: "submits_total",
			Help: "DTMF submissions by trigger",
		}, []string{"trigger"}),
		rtpPackets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rtp", Name: "packets_total",
			Help: "RTP packets decoded",
		}),
		rtpBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rtp", Name: "pcm_bytes_total",
			Help: "Decoded PCM bytes",
		}),
		rtpDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rtp", Name: "dropped_total",
			Help: "Dropped datagrams by reason",
		}, []string{"reason"}),
		ignoredEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "ignored_events_total",
			Help: "Control plane events ignored by the dispatcher",
		}, []string{"reason"}),
	}
}

// SessionStarted новая сессия
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsTotal.Inc()
	c.sessionsActive.Inc()
}

// SessionClosed сессия закрыта
func (c *Collector) SessionClosed(lifetime time.Duration) {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
	c.sessionDuration.Observe(lifetime.Seconds())
}

// StateTransition переход машины состояний хода
func (c *Collector) StateTransition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// TurnCompleted ход завершен. source: speech, dtmf, initial, system
func (c *Collector) TurnCompleted(source, outcome string) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveStage длительность этапа stt, dialogue, tts, playback
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// TurnError ошибка хода по категории
func (c *Collector) TurnError(category string) {
	if c == nil {
		return
	}
	c.errorsTotal.WithLabelValues(category).Inc()
}

// BargeIn воспроизведение прервано абонентом
func (c *Collector) BargeIn() {
	if c == nil {
		return
	}
	c.bargeIns.Inc()
}

// Hallucination отклонена расшифровка
func (c *Collector) Hallucination() {
	if c == nil {
		return
	}
	c.hallucinations.Inc()
}

// Requeued сегмент возвращен в буфер
func (c *Collector) Requeued() {
	if c == nil {
		return
	}
	c.requeues.Inc()
}

// DTMFSubmitted отправка набранных цифр. trigger: hash, timeout
func (c *Collector) DTMFSubmitted(trigger string) {
	if c == nil {
		return
	}
	c.dtmfSubmits.WithLabelValues(trigger).Inc()
}

// PacketReceived реализует rtp.Observer
func (c *Collector) PacketReceived(bytes int) {
	if c == nil {
		return
	}
	c.rtpPackets.Inc()
	c.rtpBytes.Add(float64(bytes))
}

// PacketDropped реализует rtp.Observer
func (c *Collector) PacketDropped(reason string) {
	if c == nil {
		return
	}
	c.rtpDropped.WithLabelValues(reason).Inc()
}

// EventIgnored событие управляющей плоскости не обработано
func (c *Collector) EventIgnored(reason string) {
	if c == nil {
		return
	}
	c.ignoredEvents.WithLabelValues(reason).Inc()
}
