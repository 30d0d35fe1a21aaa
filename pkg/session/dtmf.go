package session

import (
	"context"
	"strings"
)

// Служебные клавиши DTMF
const (
	DTMFClear  = "*"
	DTMFSubmit = "#"
)

// validDigit цифры, которые копятся в буфере (RFC 4733: 0-9, A-D)
func validDigit(d string) bool {
	if len(d) != 1 {
		return false
	}
	c := d[0]
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'D')
}

// HandleDTMF принимает цифру. "*" очищает буфер, "#" отправляет его сразу,
// иначе цифра добавляется и перевзводится таймер автоотправки.
func (s *CallSession) HandleDTMF(digit string) {
	digit = strings.ToUpper(strings.TrimSpace(digit))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	switch {
	case digit == DTMFClear:
		s.dtmfDigits = ""
		s.timers.cancel(timerDTMF)
		s.log.Debug("dtmf buffer cleared")
	case digit == DTMFSubmit:
		s.timers.cancel(timerDTMF)
		s.submitDTMFLocked("pound")
	case validDigit(digit):
		s.dtmfDigits += digit
		if s.cfg.DTMFAutoSubmit > 0 {
			s.timers.set(timerDTMF, s.cfg.DTMFAutoSubmit, s.onDTMFTimeout)
		}
		s.log.Debug("dtmf digit buffered", "digits", s.dtmfDigits)
	default:
		s.log.Debug("dtmf digit ignored", "digit", digit)
	}
}

// DTMFBuffer накопленные цифры
func (s *CallSession) DTMFBuffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dtmfDigits
}

func (s *CallSession) onDTMFTimeout(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.timers.claim(timerDTMF, gen) || s.closed {
		return
	}
	s.submitDTMFLocked("timeout")
}

// submitDTMFLocked отправляет буфер как реплику абонента
func (s *CallSession) submitDTMFLocked(trigger string) {
	digits := s.dtmfDigits
	s.dtmfDigits = ""
	if digits == "" {
		return
	}

	s.deps.Metrics.DTMFSubmitted(trigger)
	s.log.Info("dtmf submitted", "digits", digits, "trigger", trigger)
	s.goBackground("dtmf", func() {
		s.runTurn(context.Background(), "dtmf", digits)
	})
}
