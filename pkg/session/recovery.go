package session

import (
	"runtime/debug"
)

// goBackground запускает фоновую задачу сессии. Паника в задаче логируется
// со стеком и не выходит за пределы сессии.
func (s *CallSession) goBackground(task string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic recovered in session task",
					"task", task,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				s.deps.Metrics.TurnError(string(CategoryPanic))
			}
		}()
		fn()
	}()
}

// Wait ждет завершения фоновых задач сессии
func (s *CallSession) Wait() {
	s.wg.Wait()
}
