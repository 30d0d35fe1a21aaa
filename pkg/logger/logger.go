// Package logger предоставляет структурированное логирование поверх log/slog.
//
// Пакет хранит глобальный логгер по умолчанию, который настраивается один раз
// при старте процесса (уровень, формат) и используется всеми компонентами:
//   - приемником RTP и сегментатором речи
//   - сессиями звонков (с атрибутами call_id и route)
//   - диспетчером событий и HTTP клиентами коллабораторов
//
// Уровень по умолчанию берется из переменной окружения LOG_LEVEL.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Format формат вывода логов
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

var defaultLogger atomic.Pointer[slog.Logger]

func init() {
	level := ParseLevel(os.Getenv("LOG_LEVEL"))
	defaultLogger.Store(newLogger(os.Stderr, level, FormatText))
}

// ParseLevel преобразует строковое имя уровня в slog.Level.
// Неизвестные значения дают LevelInfo.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, level slog.Level, format Format) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Configure заменяет глобальный логгер. Безопасно для конкурентного использования:
// уже созданные дочерние логгеры продолжают писать через старый обработчик.
func Configure(level string, format Format) {
	defaultLogger.Store(newLogger(os.Stderr, ParseLevel(level), format))
}

// SetOutput перенаправляет вывод глобального логгера (используется в тестах)
func SetOutput(w io.Writer, level slog.Level, format Format) {
	defaultLogger.Store(newLogger(w, level, format))
}

// Default возвращает текущий глобальный логгер
func Default() *slog.Logger {
	return defaultLogger.Load()
}

// With возвращает дочерний логгер с атрибутом component
func With(component string) *slog.Logger {
	return Default().With("component", component)
}

// ForCall возвращает логгер, привязанный к конкретному звонку
func ForCall(component, callID, route string) *slog.Logger {
	return With(component).With("call_id", callID, "route", route)
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// InfoContext логирует информационное сообщение с контекстом
func InfoContext(ctx context.Context, msg string, args ...any) {
	Default().InfoContext(ctx, msg, args...)
}

// ErrorContext логирует ошибку с контекстом
func ErrorContext(ctx context.Context, msg string, args ...any) {
	Default().ErrorContext(ctx, msg, args...)
}

// Discard возвращает логгер, который ничего не пишет
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
