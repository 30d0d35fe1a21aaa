package session

import (
	"errors"

	"github.com/arzzra/voice_bot/pkg/dialogue"
	"github.com/arzzra/voice_bot/pkg/stt"
)

// ErrSessionClosed результат фоновой задачи пришел после завершения звонка
var ErrSessionClosed = errors.New("сессия закрыта")

// ErrorCategory класс сбоя хода для логов и метрик
type ErrorCategory string

const (
	CategoryTransientIO ErrorCategory = "transient_io"       // коллаборатор недоступен или таймаут
	CategoryMalformed   ErrorCategory = "malformed_response" // ответ не разобрать
	CategoryResample    ErrorCategory = "resample"           // звук TTS воспроизведен без преобразования
	CategorySessionGone ErrorCategory = "session_gone"       // звонок завершился раньше задачи
	CategoryBusy        ErrorCategory = "busy"               // бэкенд диалога занят, фраза отложена
	CategoryPanic       ErrorCategory = "panic"
)

// String возвращает строковое представление категории
func (c ErrorCategory) String() string {
	return string(c)
}

// Classify относит ошибку хода к категории
func Classify(err error) ErrorCategory {
	if errors.Is(err, ErrSessionClosed) {
		return CategorySessionGone
	}

	var webhookErr *dialogue.WebhookError
	if errors.As(err, &webhookErr) && webhookErr.Malformed() {
		return CategoryMalformed
	}
	if errors.Is(err, stt.ErrMalformedResponse) {
		return CategoryMalformed
	}
	return CategoryTransientIO
}

// sttUnreachable сервис распознавания недоступен или не ответил вовремя.
// Ответ с кодом ошибки и неразборчивый ответ сюда не относятся.
func sttUnreachable(err error) bool {
	if errors.Is(err, stt.ErrMalformedResponse) || errors.Is(err, stt.ErrEmptyAudio) {
		return false
	}
	var te *stt.TranscriptionError
	if errors.As(err, &te) {
		return te.Status == 0
	}
	return Classify(err) == CategoryTransientIO
}
