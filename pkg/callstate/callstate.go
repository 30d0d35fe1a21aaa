// Package callstate публикует жизненный цикл звонков и смену состояний хода
// для панелей мониторинга. Публикация асинхронная и никогда не блокирует
// обработку звука: при переполнении очереди события отбрасываются.
package callstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arzzra/voice_bot/pkg/logger"
)

// Типы событий
const (
	TypeCallStarted = "call_started"
	TypeCallEnded   = "call_ended"
	TypeState       = "state"
	TypeTranscript  = "transcript"
)

// Event событие звонка
type Event struct {
	Type   string    `json:"type"`
	CallID string    `json:"call_id"`
	Caller string    `json:"caller,omitempty"`
	Route  string    `json:"route,omitempty"`
	State  string    `json:"state,omitempty"`
	Role   string    `json:"role,omitempty"`
	Text   string    `json:"text,omitempty"`
	At     time.Time `json:"at"`
}

// Publisher получатель событий
type Publisher interface {
	Publish(ev Event)
}

// Nop отбрасывает события
type Nop struct{}

// Publish ничего не делает
func (Nop) Publish(Event) {}

const defaultQueueSize = 1024

// RedisPublisher публикует события в канал Redis (PUBLISH) и держит хэш
// активных звонков: call_id -> последнее событие
type RedisPublisher struct {
	client    *redis.Client
	channel   string
	activeKey string
	queue     chan Event
	dropped   atomic.Uint64
	log       *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// Option настройка публикатора
type Option func(*RedisPublisher)

// WithChannel канал PUBLISH
func WithChannel(name string) Option {
	return func(p *RedisPublisher) { p.channel = name }
}

// WithActiveKey ключ хэша активных звонков
func WithActiveKey(key string) Option {
	return func(p *RedisPublisher) { p.activeKey = key }
}

// WithQueueSize размер очереди
func WithQueueSize(n int) Option {
	return func(p *RedisPublisher) { p.queue = make(chan Event, n) }
}

// NewRedisPublisher создает публикатор. Запись начинается после Run.
func NewRedisPublisher(client *redis.Client, opts ...Option) *RedisPublisher {
	p := &RedisPublisher{
		client:    client,
		channel:   "voicebot:events",
		activeKey: "voicebot:active_calls",
		queue:     make(chan Event, defaultQueueSize),
		log:       logger.With("callstate"),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish ставит событие в очередь без блокировки
func (p *RedisPublisher) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Dropped количество отброшенных событий
func (p *RedisPublisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Run пишет события в Redis до отмены контекста
func (p *RedisPublisher) Run(ctx context.Context) error {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return ctx.Err()
		case ev := <-p.queue:
			if err := p.write(ctx, ev); err != nil {
				p.log.Warn("call state publish failed", "call_id", ev.CallID, "type", ev.Type, "error", err)
			}
		}
	}
}

// flush дописывает остаток очереди с коротким таймаутом
func (p *RedisPublisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-p.queue:
			if err := p.write(ctx, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *RedisPublisher) write(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ошибка кодирования события: %w", err)
	}

	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.channel, data)
	switch ev.Type {
	case TypeCallEnded:
		pipe.HDel(ctx, p.activeKey, ev.CallID)
	case TypeCallStarted, TypeState:
		pipe.HSet(ctx, p.activeKey, ev.CallID, data)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Active снимок активных звонков из Redis
func (p *RedisPublisher) Active(ctx context.Context) (map[string]Event, error) {
	raw, err := p.client.HGetAll(ctx, p.activeKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}

	out := make(map[string]Event, len(raw))
	for id, data := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		out[id] = ev
	}
	return out, nil
}

// Reset удаляет хэш активных звонков. Вызывается при старте процесса:
// звонки предыдущего запуска уже не обслуживаются.
func (p *RedisPublisher) Reset(ctx context.Context) error {
	return p.client.Del(ctx, p.activeKey).Err()
}
