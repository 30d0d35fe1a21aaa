package ari

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arzzra/voice_bot/pkg/control"
)

const (
	defaultReconnectDelay = 5 * time.Second
	maxEventSize          = 1 << 20
)

// rawEvent общая часть событий ARI, которые интересуют бота
type rawEvent struct {
	Type     string    `json:"type"`
	Args     []string  `json:"args"`
	Digit    string    `json:"digit"`
	Channel  *channel  `json:"channel"`
	Playback *playback `json:"playback"`
}

// EventStream читает события приложения из websocket ARI с переподключением
type EventStream struct {
	client         *Client
	reconnectDelay time.Duration
	dialer         websocket.Dialer
}

// NewEventStream создает поток событий для приложения клиента
func NewEventStream(client *Client, reconnectDelay time.Duration) *EventStream {
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	return &EventStream{
		client:         client,
		reconnectDelay: reconnectDelay,
		dialer:         websocket.Dialer{HandshakeTimeout: client.cfg.Timeout},
	}
}

// eventsURL строит ws(s)://host/ari/events?app=...
func (s *EventStream) eventsURL() string {
	u := *s.client.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	u.RawQuery = url.Values{"app": {s.client.cfg.App}, "subscribeAll": {"false"}}.Encode()
	return u.String()
}

// Run читает события до отмены контекста. После обрыва соединения ждет
// reconnectDelay и подключается снова. Возвращает ctx.Err().
func (s *EventStream) Run(ctx context.Context, out chan<- control.Event) error {
	log := s.client.log
	for {
		err := s.session(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warn("ari event stream lost, reconnecting", "error", err, "delay", s.reconnectDelay)
		if !emit(ctx, out, control.Disconnected{Err: err}) {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

// session одно подключение к websocket
func (s *EventStream) session(ctx context.Context, out chan<- control.Event) error {
	header := http.Header{}
	creds := s.client.cfg.User + ":" + s.client.cfg.Password
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))

	conn, resp, err := s.dialer.DialContext(ctx, s.eventsURL(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("ошибка подключения к событиям ARI: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxEventSize)

	s.client.log.Info("ari event stream connected", "app", s.client.cfg.App)
	if !emit(ctx, out, control.Connected{}) {
		return ctx.Err()
	}

	// ReadMessage не принимает контекст: закрываем соединение при отмене
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		ev, ok := decodeEvent(data)
		if !ok {
			continue
		}
		if !emit(ctx, out, ev) {
			return ctx.Err()
		}
	}
}

func emit(ctx context.Context, out chan<- control.Event, ev control.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// decodeEvent переводит JSON события ARI в событие control. Прочие типы пропускаются.
func decodeEvent(data []byte) (control.Event, bool) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}

	switch raw.Type {
	case "StasisStart":
		if raw.Channel == nil {
			return nil, false
		}
		return control.CallStarted{
			ID:           raw.Channel.ID,
			Name:         raw.Channel.Name,
			CallerNumber: raw.Channel.Caller.Number,
			Args:         raw.Args,
		}, true
	case "StasisEnd":
		if raw.Channel == nil {
			return nil, false
		}
		return control.CallEnded{ID: raw.Channel.ID}, true
	case "ChannelDtmfReceived":
		if raw.Channel == nil || raw.Digit == "" {
			return nil, false
		}
		return control.DTMFReceived{ID: raw.Channel.ID, Digit: raw.Digit}, true
	case "PlaybackFinished":
		if raw.Playback == nil {
			return nil, false
		}
		channelID, ok := strings.CutPrefix(raw.Playback.TargetURI, "channel:")
		if !ok {
			return nil, false
		}
		return control.PlaybackFinished{ID: channelID, PlaybackID: raw.Playback.ID}, true
	default:
		return nil, false
	}
}
