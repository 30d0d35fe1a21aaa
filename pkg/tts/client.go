// Package tts клиент сервиса синтеза речи.
//
// Сервис принимает GET {url}?text=...&voice=... и возвращает WAV или сырой PCM16
// на своей частоте (обычно 22050 Гц). Приведение к формату линии делает пакет audio.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	providerName    = "tts"
	defaultTimeout  = 30 * time.Second
	maxAudioBytes   = 32 << 20
	DefaultNativeHz = 22050
)

var (
	// ErrEmptyText нечего синтезировать
	ErrEmptyText = errors.New("пустой текст")
	// ErrEmptyAudio сервис вернул пустое тело
	ErrEmptyAudio = errors.New("пустой ответ синтеза")
)

// SynthesisError ошибка синтеза
type SynthesisError struct {
	Provider  string
	Status    int
	Message   string
	Cause     error
	Retryable bool
}

func (e *SynthesisError) Error() string {
	msg := e.Provider + ": " + e.Message
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: статус %d: %s", e.Provider, e.Status, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SynthesisError) Unwrap() error {
	return e.Cause
}

// Config параметры сервиса
type Config struct {
	URL        string
	Voice      string
	SampleRate int
	Timeout    time.Duration
}

// Audio результат синтеза
type Audio struct {
	Data        []byte
	ContentType string
	// SampleRate частота на случай, если Data сырой PCM без заголовка
	SampleRate int
}

// Client HTTP клиент TTS
type Client struct {
	cfg  Config
	http *http.Client
}

// Option настройка клиента
type Option func(*Client)

// WithHTTPClient подменяет HTTP клиент
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// NewClient создает клиент
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultNativeHz
	}
	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Synthesize синтезирует текст
func (c *Client) Synthesize(ctx context.Context, text string) (Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Audio{}, ErrEmptyText
	}

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return Audio{}, fmt.Errorf("некорректный url TTS: %w", err)
	}
	q := u.Query()
	q.Set("text", text)
	if c.cfg.Voice != "" {
		q.Set("voice", c.cfg.Voice)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Audio{}, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := c.http.Do(req)
	if err != nil {
		return Audio{}, &SynthesisError{Provider: providerName, Message: "запрос не выполнен", Cause: err, Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Audio{}, &SynthesisError{
			Provider:  providerName,
			Status:    resp.StatusCode,
			Message:   strings.TrimSpace(string(msg)),
			Retryable: resp.StatusCode >= 500,
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return Audio{}, &SynthesisError{Provider: providerName, Message: "ошибка чтения ответа", Cause: err, Retryable: true}
	}
	if len(data) == 0 {
		return Audio{}, &SynthesisError{Provider: providerName, Message: "нет аудио", Cause: ErrEmptyAudio}
	}

	return Audio{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		SampleRate:  c.cfg.SampleRate,
	}, nil
}
