package session

import (
	"time"
)

// Имена таймеров сессии
const (
	timerDTMF       = "dtmf"
	timerInactivity = "inactivity"
	timerHangup     = "hangup"
)

// scheduled активный таймер
type scheduled struct {
	timer *time.Timer
	gen   uint64
}

// timerSet именованные таймеры сессии. Своей блокировки нет: все методы
// вызываются под мьютексом сессии, а сработавший таймер берет тот же мьютекс
// и проверяет через claim, что его не перевзвели и не отменили. Поэтому
// таймер не может сработать после Close или после повторного взвода.
type timerSet struct {
	active  map[string]*scheduled
	gen     uint64
	stopped bool

	created   uint64
	fired     uint64
	cancelled uint64
}

func newTimerSet() *timerSet {
	return &timerSet{active: make(map[string]*scheduled)}
}

// set взводит таймер, отменяя предыдущий с тем же именем.
// fire получает поколение, которое нужно передать в claim.
func (t *timerSet) set(name string, d time.Duration, fire func(gen uint64)) {
	if t.stopped {
		return
	}
	t.cancel(name)

	t.gen++
	gen := t.gen
	t.active[name] = &scheduled{
		timer: time.AfterFunc(d, func() { fire(gen) }),
		gen:   gen,
	}
	t.created++
}

// cancel отменяет таймер. Возвращает false, если таймера не было.
func (t *timerSet) cancel(name string) bool {
	s, ok := t.active[name]
	if !ok {
		return false
	}
	s.timer.Stop()
	delete(t.active, name)
	t.cancelled++
	return true
}

// claim вызывается сработавшим таймером под мьютексом сессии.
// true означает, что срабатывание актуально, таймер снимается с учета.
func (t *timerSet) claim(name string, gen uint64) bool {
	if t.stopped {
		return false
	}
	s, ok := t.active[name]
	if !ok || s.gen != gen {
		return false
	}
	delete(t.active, name)
	t.fired++
	return true
}

// armed взведен ли таймер
func (t *timerSet) armed(name string) bool {
	_, ok := t.active[name]
	return ok
}

// stopAll отменяет все таймеры и запрещает новые
func (t *timerSet) stopAll() {
	for name := range t.active {
		t.cancel(name)
	}
	t.stopped = true
}
