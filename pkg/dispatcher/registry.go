package dispatcher

import (
	"hash/fnv"
	"sync"

	"github.com/arzzra/voice_bot/pkg/session"
)

// ShardCount количество шардов реестра, степень двойки
const ShardCount = 32

type registryShard struct {
	sessions map[string]*session.CallSession
	mutex    sync.RWMutex
}

// Registry потокобезопасный реестр сессий по id звонка.
// Звонки распределяются по шардам с независимыми мьютексами, поэтому
// события разных звонков не ждут друг друга.
type Registry struct {
	shards [ShardCount]*registryShard
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{sessions: make(map[string]*session.CallSession)}
	}
	return r
}

func (r *Registry) shard(callID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(callID))
	return r.shards[h.Sum32()&(ShardCount-1)]
}

// Add регистрирует сессию. false, если звонок с таким id уже есть.
func (r *Registry) Add(s *session.CallSession) bool {
	sh := r.shard(s.ID())
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	if _, exists := sh.sessions[s.ID()]; exists {
		return false
	}
	sh.sessions[s.ID()] = s
	return true
}

// Get сессия по id звонка
func (r *Registry) Get(callID string) (*session.CallSession, bool) {
	sh := r.shard(callID)
	sh.mutex.RLock()
	defer sh.mutex.RUnlock()

	s, ok := sh.sessions[callID]
	return s, ok
}

// Remove удаляет и возвращает сессию
func (r *Registry) Remove(callID string) (*session.CallSession, bool) {
	sh := r.shard(callID)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	s, ok := sh.sessions[callID]
	if ok {
		delete(sh.sessions, callID)
	}
	return s, ok
}

// Delete удаляет s, только если под ее id зарегистрирована именно она.
// Новый звонок с тем же id не трогается.
func (r *Registry) Delete(s *session.CallSession) bool {
	sh := r.shard(s.ID())
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	if cur, ok := sh.sessions[s.ID()]; !ok || cur != s {
		return false
	}
	delete(sh.sessions, s.ID())
	return true
}

// Count количество сессий
func (r *Registry) Count() int {
	count := 0
	for _, sh := range r.shards {
		sh.mutex.RLock()
		count += len(sh.sessions)
		sh.mutex.RUnlock()
	}
	return count
}

// ForEach вызывает fn для каждой сессии вне блокировок шардов
func (r *Registry) ForEach(fn func(*session.CallSession)) {
	all := make([]*session.CallSession, 0, r.Count())
	for _, sh := range r.shards {
		sh.mutex.RLock()
		for _, s := range sh.sessions {
			all = append(all, s)
		}
		sh.mutex.RUnlock()
	}
	for _, s := range all {
		fn(s)
	}
}

// Drain удаляет и возвращает все сессии
func (r *Registry) Drain() []*session.CallSession {
	var all []*session.CallSession
	for _, sh := range r.shards {
		sh.mutex.Lock()
		for id, s := range sh.sessions {
			all = append(all, s)
			delete(sh.sessions, id)
		}
		sh.mutex.Unlock()
	}
	return all
}
