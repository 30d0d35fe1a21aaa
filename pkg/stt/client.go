// Package stt клиент сервиса распознавания речи с Whisper-совместимым API.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/arzzra/voice_bot/pkg/audio"
)

const (
	providerName   = "whisper"
	defaultTimeout = 30 * time.Second
)

// Config параметры запроса распознавания
type Config struct {
	URL         string
	Model       string
	Language    string
	Temperature float64
	Timeout     time.Duration
}

// Client HTTP клиент STT
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

// Transcribe отправляет PCM телефонного качества (8 kHz/16 бит/моно) как WAV
// и возвращает текст. Любой ответ кроме 200 с полем text считается ошибкой.
func (c *Client) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	if len(pcm) == 0 {
		return "", ErrEmptyAudio
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("ошибка создания формы: %w", err)
	}
	if _, err := part.Write(audio.WrapPCMAsWAV(pcm, audio.TelephonyFormat)); err != nil {
		return "", fmt.Errorf("ошибка записи аудио: %w", err)
	}

	fields := map[string]string{
		"model":       c.cfg.Model,
		"language":    c.cfg.Language,
		"temperature": strconv.FormatFloat(c.cfg.Temperature, 'f', -1, 64),
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return "", fmt.Errorf("ошибка записи поля %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("ошибка формирования запроса: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, &buf)
	if err != nil {
		return "", fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &TranscriptionError{Provider: providerName, Message: "запрос не выполнен", Cause: err, Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &TranscriptionError{Provider: providerName, Message: "ошибка чтения ответа", Cause: err, Retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &TranscriptionError{
			Provider:  providerName,
			Status:    resp.StatusCode,
			Message:   string(bytes.TrimSpace(body)),
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var result struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.Text == nil {
		return "", &TranscriptionError{Provider: providerName, Message: "нет поля text", Cause: ErrMalformedResponse}
	}
	return *result.Text, nil
}
