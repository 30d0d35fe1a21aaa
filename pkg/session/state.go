package session

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"github.com/arzzra/voice_bot/pkg/callstate"
)

// Состояния хода. Захват звука не прекращается ни в одном состоянии,
// поэтому listening означает только то, что абонент начал фразу при
// свободном конвейере.
const (
	StateIdle         = "idle"
	StateListening    = "listening"
	StateTranscribing = "transcribing"
	StateDispatching  = "dispatching"
	StateSpeaking     = "speaking"
	StateClosed       = "closed"
)

// События автомата
const (
	eventHear       = "hear"
	eventSilence    = "silence"
	eventTranscribe = "transcribe"
	eventDispatch   = "dispatch"
	eventSpeak      = "speak"
	eventFinish     = "finish"
	eventInterrupt  = "interrupt"
	eventReset      = "reset"
	eventClose      = "close"
)

var openStates = []string{StateIdle, StateListening, StateTranscribing, StateDispatching, StateSpeaking}

// initStateMachine инициализирует конечный автомат хода
func (s *CallSession) initStateMachine() {
	s.state = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			// абонент начал фразу
			{Name: eventHear, Src: []string{StateIdle}, Dst: StateListening},
			// фраза оказалась слишком короткой
			{Name: eventSilence, Src: []string{StateListening}, Dst: StateIdle},
			{Name: eventTranscribe, Src: []string{StateIdle, StateListening, StateSpeaking}, Dst: StateTranscribing},
			// DTMF попадает в диалог минуя распознавание
			{Name: eventDispatch, Src: []string{StateIdle, StateListening, StateTranscribing, StateSpeaking}, Dst: StateDispatching},
			{Name: eventSpeak, Src: []string{StateIdle, StateListening, StateTranscribing, StateDispatching}, Dst: StateSpeaking},
			{Name: eventFinish, Src: []string{StateSpeaking}, Dst: StateIdle},
			// перебивание
			{Name: eventInterrupt, Src: []string{StateSpeaking}, Dst: StateListening},
			{Name: eventReset, Src: []string{StateListening, StateTranscribing, StateDispatching, StateSpeaking}, Dst: StateIdle},
			{Name: eventClose, Src: openStates, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.onEnterState(e)
			},
		},
	)
}

// onEnterState вызывается изнутри fsm.Event под мьютексом сессии,
// поэтому только пишет метрики и ставит событие в очередь публикации
func (s *CallSession) onEnterState(e *fsm.Event) {
	s.deps.Metrics.StateTransition(e.Src, e.Dst)
	s.deps.Publisher.Publish(callstate.Event{
		Type:   callstate.TypeState,
		CallID: s.info.ID,
		Caller: s.info.Caller,
		Route:  s.info.Route,
		State:  e.Dst,
	})
}

// transition переводит автомат. Вызывается под s.mu.
// Недопустимый переход не ошибка: конвейер и захват звука работают
// параллельно, и событие может опоздать.
func (s *CallSession) transition(event string) {
	err := s.state.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	s.log.Debug("state transition skipped", "event", event, "state", s.state.Current(), "error", err)
}

// State текущее состояние хода
func (s *CallSession) State() string {
	return s.state.Current()
}
