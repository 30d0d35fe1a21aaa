// Package ari реализует control.Plane поверх Asterisk REST Interface.
//
// Действия идут через REST (basic auth, JSON ответы), события читаются
// из websocket /events и преобразуются в типизированные события control.
package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/arzzra/voice_bot/pkg/control"
	"github.com/arzzra/voice_bot/pkg/logger"
)

// ErrNotFound объект уже не существует (канал положен, проигрывание закончилось)
var ErrNotFound = control.ErrNotFound

// APIError ответ ARI с кодом ошибки
type APIError struct {
	Method string
	Path   string
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ARI %s %s: статус %d: %s", e.Method, e.Path, e.Status, e.Msg)
}

// Is позволяет проверять 404 через errors.Is(err, ErrNotFound)
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Config параметры клиента
type Config struct {
	URL      string // например http://localhost:8088/ari
	User     string
	Password string
	App      string
	Timeout  time.Duration
}

// Client REST клиент ARI
type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client
	log  *slog.Logger
}

var _ control.Plane = (*Client)(nil)

// Option настройка клиента
type Option func(*Client)

// WithHTTPClient подменяет HTTP клиент
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// NewClient создает клиент. Транспорт инструментирован OpenTelemetry.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("некорректный url ARI: %w", err)
	}
	if cfg.App == "" {
		return nil, errors.New("имя приложения ARI не задано")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	c := &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: logger.With("ari"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// App имя Stasis приложения
func (c *Client) App() string {
	return c.cfg.App
}

type channel struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Caller struct {
		Number string `json:"number"`
		Name   string `json:"name"`
	} `json:"caller"`
}

type bridge struct {
	ID string `json:"id"`
}

type playback struct {
	ID        string `json:"id"`
	TargetURI string `json:"target_uri"`
	State     string `json:"state"`
}

// Answer отвечает на звонок
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil, nil)
}

// Hangup кладет канал
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, nil, nil)
}

// SetVariable устанавливает переменную канала
func (c *Client) SetVariable(ctx context.Context, channelID, key, value string) error {
	q := url.Values{"variable": {key}, "value": {value}}
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/variable", q, nil, nil)
}

// PlayMedia запускает воспроизведение с заранее выбранным id, чтобы событие
// PlaybackFinished нельзя было получить раньше, чем id станет известен вызывающему
func (c *Client) PlayMedia(ctx context.Context, channelID, mediaRef string) (string, error) {
	id := uuid.NewString()
	q := url.Values{"media": {mediaRef}}

	var pb playback
	path := "/channels/" + url.PathEscape(channelID) + "/play/" + id
	if err := c.do(ctx, http.MethodPost, path, q, nil, &pb); err != nil {
		return "", err
	}
	if pb.ID != "" {
		id = pb.ID
	}
	return id, nil
}

// StopPlayback останавливает воспроизведение
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	return c.do(ctx, http.MethodDelete, "/playbacks/"+url.PathEscape(playbackID), nil, nil, nil)
}

// CreateExternalMedia создает канал external media, отправляющий RTP на targetHost
func (c *Client) CreateExternalMedia(ctx context.Context, targetHost, format string) (string, error) {
	q := url.Values{
		"app":           {c.cfg.App},
		"external_host": {targetHost},
		"format":        {format},
	}
	var ch channel
	if err := c.do(ctx, http.MethodPost, "/channels/externalMedia", q, nil, &ch); err != nil {
		return "", err
	}
	return ch.ID, nil
}

// CreateBridge создает микширующий мост
func (c *Client) CreateBridge(ctx context.Context) (string, error) {
	var br bridge
	if err := c.do(ctx, http.MethodPost, "/bridges", url.Values{"type": {"mixing"}}, nil, &br); err != nil {
		return "", err
	}
	return br.ID, nil
}

// AddToBridge добавляет канал в мост
func (c *Client) AddToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	return c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil, nil)
}

// DestroyBridge удаляет мост
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil, nil, nil)
}

// Snoop создает канал прослушивания. Шепот отключен: бот только слушает.
func (c *Client) Snoop(ctx context.Context, channelID, direction string) (string, error) {
	q := url.Values{
		"spy":     {direction},
		"whisper": {"none"},
		"app":     {c.cfg.App},
		"appArgs": {"snooper"},
	}
	var ch channel
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/snoop", q, nil, &ch); err != nil {
		return "", err
	}
	return ch.ID, nil
}

// Originate создает исходящий звонок, который попадет в приложение бота
func (c *Client) Originate(ctx context.Context, req control.OriginateRequest) (string, error) {
	q := url.Values{
		"endpoint": {req.Endpoint},
		"app":      {c.cfg.App},
	}
	if len(req.AppArgs) > 0 {
		q.Set("appArgs", strings.Join(req.AppArgs, ","))
	}
	if req.CallerID != "" {
		q.Set("callerId", req.CallerID)
	}
	if req.Timeout > 0 {
		q.Set("timeout", strconv.Itoa(req.Timeout))
	}
	if req.ChannelID != "" {
		q.Set("channelId", req.ChannelID)
	}

	var body any
	if len(req.Variables) > 0 {
		body = map[string]any{"variables": req.Variables}
	}

	var ch channel
	if err := c.do(ctx, http.MethodPost, "/channels", q, body, &ch); err != nil {
		return "", err
	}
	return ch.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ошибка кодирования тела запроса: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ARI %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log.Debug("ari request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode}
		var payload struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &payload) == nil && payload.Message != "" {
			apiErr.Msg = payload.Message
		} else {
			apiErr.Msg = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("ошибка декодирования ответа ARI: %w", err)
	}
	return nil
}
