package stt

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyAudio пустой сегмент
	ErrEmptyAudio = errors.New("пустое аудио")

	// ErrMalformedResponse ответ сервиса не удалось разобрать
	ErrMalformedResponse = errors.New("некорректный ответ сервиса распознавания")
)

// TranscriptionError ошибка распознавания
type TranscriptionError struct {
	Provider  string
	Status    int
	Message   string
	Cause     error
	Retryable bool
}

func (e *TranscriptionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: статус %d: %s", e.Provider, e.Status, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return e.Provider + ": " + e.Message
}

func (e *TranscriptionError) Unwrap() error {
	return e.Cause
}
