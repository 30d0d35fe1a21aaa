// Package dialogue клиент диалогового бэкенда (вебхуки n8n по отделам).
//
// Каждый ход отправляется POST запросом с историей последних реплик, а ответ
// должен содержать текст в одном из настроенных полей (response, text, output).
// Отдельно Busy проверяет, не выполняется ли у бэкенда предыдущий ход.
package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/arzzra/voice_bot/pkg/logger"
)

// Роли реплик истории
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var defaultReplyFields = []string{"response", "text", "output"}

// Turn реплика истории
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request ход диалога
type Request struct {
	CallID    string
	Caller    string
	Text      string
	Context   []Turn
	Metadata  map[string]string
	IsInitial bool
	Route     string
}

type payload struct {
	CallID    string            `json:"call_id"`
	Caller    string            `json:"caller"`
	Text      string            `json:"text"`
	Context   []Turn            `json:"context"`
	Metadata  map[string]string `json:"metadata"`
	IsInitial bool              `json:"is_initial"`
	Route     string            `json:"route"`
}

// Config параметры клиента
type Config struct {
	ReplyFields []string
	Timeout     time.Duration
}

// Client клиент вебхуков
type Client struct {
	router      *Router
	replyFields []string
	http        *http.Client
	log         *slog.Logger
}

// Option настройка клиента
type Option func(*Client)

// WithHTTPClient подменяет HTTP клиент
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// NewClient создает клиент
func NewClient(router *Router, cfg Config, opts ...Option) *Client {
	fields := cfg.ReplyFields
	if len(fields) == 0 {
		fields = defaultReplyFields
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}

	c := &Client{
		router:      router,
		replyFields: fields,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: logger.With("dialogue"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SafeCallID id звонка без точек: id каналов Asterisk вида 1700000000.42
// ломают ключи в сценариях n8n
func SafeCallID(id string) string {
	return strings.ReplaceAll(id, ".", "_")
}

// Reply отправляет ход в вебхук маршрута и возвращает текст ответа.
// Любая ошибка возвращается как *WebhookError.
func (c *Client) Reply(ctx context.Context, req Request) (string, error) {
	route, url := c.router.Resolve(req.Route)

	history := req.Context
	if history == nil {
		history = []Turn{}
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	body, err := json.Marshal(payload{
		CallID:    SafeCallID(req.CallID),
		Caller:    req.Caller,
		Text:      req.Text,
		Context:   history,
		Metadata:  metadata,
		IsInitial: req.IsInitial,
		Route:     route,
	})
	if err != nil {
		return "", fmt.Errorf("ошибка кодирования хода: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &WebhookError{Route: route, URL: url, Kind: KindTransport, Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", &WebhookError{Route: route, URL: url, Kind: KindTransport, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &WebhookError{Route: route, URL: url, Kind: KindTransport, Cause: err}
	}

	c.log.Debug("webhook answered", "route", route, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return "", &WebhookError{Route: route, URL: url, Kind: KindStatus, Status: resp.StatusCode}
	}

	reply, err := ExtractReply(raw, c.replyFields)
	if err != nil {
		return "", &WebhookError{Route: route, URL: url, Kind: KindMalformed, Status: resp.StatusCode, Cause: err}
	}
	return reply, nil
}

// ExtractReply ищет текст реплики в полях по порядку, первое непустое строковое
// значение выигрывает. n8n может вернуть массив элементов: берется первый.
func ExtractReply(raw []byte, fields []string) (string, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	if list, ok := decoded.([]any); ok {
		if len(list) == 0 {
			return "", ErrMissingReply
		}
		decoded = list[0]
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return "", ErrMissingReply
	}

	for _, field := range fields {
		if s, ok := obj[field].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), nil
		}
	}
	return "", ErrMissingReply
}
