package dialogue

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingReply в ответе нет ни одного из ожидаемых полей
	ErrMissingReply = errors.New("в ответе нет текста реплики")
	// ErrMalformedReply тело ответа не JSON
	ErrMalformedReply = errors.New("ответ не является JSON")
)

// Kind класс ошибки вебхука
type Kind int

const (
	KindTransport Kind = iota // сеть, таймаут
	KindStatus                // код ответа не 200
	KindMalformed             // тело не разобрать или нет реплики
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// WebhookError ошибка обращения к диалоговому бэкенду
type WebhookError struct {
	Route  string
	URL    string
	Kind   Kind
	Status int
	Cause  error
}

func (e *WebhookError) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("вебхук %s (%s): статус %d", e.Route, e.URL, e.Status)
	}
	return fmt.Sprintf("вебхук %s (%s): %s: %v", e.Route, e.URL, e.Kind, e.Cause)
}

func (e *WebhookError) Unwrap() error {
	return e.Cause
}

// Malformed ответ получен, но не годится
func (e *WebhookError) Malformed() bool {
	return e.Kind == KindMalformed
}
