package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/arzzra/voice_bot/pkg/dialogue"
	"github.com/arzzra/voice_bot/pkg/stt"
)

func TestHallucinationFilter(t *testing.T) {
	f := NewHallucinationFilter(3, []string{"gracias por ver", "Suscríbete", "subtitles by", "gracias."})

	tests := []struct {
		text   string
		reject bool
	}{
		{"si si si si", true},
		{"Sí sí", true},
		{"necesito ayuda con mi factura", false},
		{"no sé", false},
		{"Gracias por ver", true},
		{"  gracias   por   ver ", true},
		{"gracias.", true},
		{"gracias, muy amable", false},
		{"SUSCRÍBETE", true},
		{"", true},
		{"...", true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.reject, f.Reject(tt.text))
		})
	}
}

func TestHallucinationFilterDisabled(t *testing.T) {
	f := NewHallucinationFilter(0, nil)
	assert.False(t, f.Reject("si si"))
	assert.True(t, f.Reject("   "))
}

func TestDistinctLetters(t *testing.T) {
	assert.Equal(t, 2, DistinctLetters("si si si si"))
	assert.Equal(t, 0, DistinctLetters("123 !!"))
	assert.Equal(t, 4, DistinctLetters("No Sé"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"сессия закрыта", fmt.Errorf("turn: %w", ErrSessionClosed), CategorySessionGone},
		{"вебхук без реплики", &dialogue.WebhookError{Kind: dialogue.KindMalformed}, CategoryMalformed},
		{"вебхук недоступен", &dialogue.WebhookError{Kind: dialogue.KindTransport}, CategoryTransientIO},
		{"stt мусор", &stt.TranscriptionError{Provider: "whisper", Cause: stt.ErrMalformedResponse}, CategoryMalformed},
		{"произвольная", errors.New("boom"), CategoryTransientIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestSTTUnreachable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"таймаут", &stt.TranscriptionError{Cause: context.DeadlineExceeded, Retryable: true}, true},
		{"код 500", &stt.TranscriptionError{Status: 500, Retryable: true}, false},
		{"код 400", &stt.TranscriptionError{Status: 400}, false},
		{"мусор", &stt.TranscriptionError{Cause: stt.ErrMalformedResponse}, false},
		{"пустое аудио", stt.ErrEmptyAudio, false},
		{"обернутая сетевая", fmt.Errorf("stt: %w", errors.New("connection reset")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sttUnreachable(tt.err))
		})
	}
}

func TestTimerSet(t *testing.T) {
	t.Run("перевзвод делает старое срабатывание неактуальным", func(t *testing.T) {
		ts := newTimerSet()
		var fired atomic.Int32
		var firstGen uint64

		ts.set("a", time.Hour, func(gen uint64) {})
		firstGen = ts.active["a"].gen
		ts.set("a", time.Hour, func(gen uint64) { fired.Add(1) })

		assert.False(t, ts.claim("a", firstGen))
		assert.True(t, ts.claim("a", ts.gen))
		assert.False(t, ts.armed("a"))
		assert.Zero(t, fired.Load())
	})

	t.Run("stopAll запрещает новые таймеры", func(t *testing.T) {
		ts := newTimerSet()
		ts.set("a", time.Hour, func(uint64) {})
		ts.set("b", time.Hour, func(uint64) {})
		ts.stopAll()

		assert.False(t, ts.armed("a"))
		ts.set("c", time.Millisecond, func(uint64) {})
		assert.False(t, ts.armed("c"))
		assert.EqualValues(t, 2, ts.cancelled)
	})

	t.Run("срабатывание", func(t *testing.T) {
		ts := newTimerSet()
		done := make(chan uint64, 1)
		ts.set("a", 5*time.Millisecond, func(gen uint64) { done <- gen })

		select {
		case gen := <-done:
			assert.True(t, ts.claim("a", gen))
		case <-time.After(time.Second):
			t.Fatal("таймер не сработал")
		}
	})
}
