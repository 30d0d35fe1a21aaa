package rtp

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoFreePorts все порты диапазона заняты
var ErrNoFreePorts = errors.New("нет свободных портов")

// PortManager управляет выделением и освобождением портов для приемников RTP.
// Выдача идет по кругу, чтобы только что освобожденный порт не достался
// следующему звонку, пока в сеть еще могут приходить пакеты старого потока.
type PortManager struct {
	min, max  int
	usedPorts map[int]bool
	nextPort  int
	mutex     sync.Mutex
}

// NewPortManager создает менеджер для диапазона [min, max]
func NewPortManager(min, max int) (*PortManager, error) {
	if min <= 0 || max <= 0 {
		return nil, fmt.Errorf("некорректный диапазон портов: %d-%d", min, max)
	}
	if min >= max {
		return nil, fmt.Errorf("минимальный порт должен быть меньше максимального: %d >= %d", min, max)
	}

	return &PortManager{
		min:       min,
		max:       max,
		usedPorts: make(map[int]bool),
		nextPort:  min,
	}, nil
}

// Allocate выделяет свободный порт
func (pm *PortManager) Allocate() (int, error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	startPort := pm.nextPort
	for {
		port := pm.nextPort
		pm.advance()

		if !pm.usedPorts[port] {
			pm.usedPorts[port] = true
			return port, nil
		}

		// полный круг
		if pm.nextPort == startPort {
			return 0, fmt.Errorf("%w в диапазоне %d-%d", ErrNoFreePorts, pm.min, pm.max)
		}
	}
}

func (pm *PortManager) advance() {
	pm.nextPort++
	if pm.nextPort > pm.max {
		pm.nextPort = pm.min
	}
}

// Release освобождает порт
func (pm *PortManager) Release(port int) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	delete(pm.usedPorts, port)
}

// InUse количество занятых портов
func (pm *PortManager) InUse() int {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	return len(pm.usedPorts)
}

// Available количество свободных портов
func (pm *PortManager) Available() int {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	return pm.max - pm.min + 1 - len(pm.usedPorts)
}

// Listen выделяет порт и поднимает на нем приемник. Если порт занят другим
// процессом, пробует следующий. Порт освобождается при Stop приемника.
func (pm *PortManager) Listen(cfg Config, handler Handler) (*Receiver, error) {
	attempts := pm.Available()
	var lastErr error

	for i := 0; i < attempts; i++ {
		port, err := pm.Allocate()
		if err != nil {
			return nil, err
		}

		cfg.Port = port
		r, err := NewReceiver(cfg, handler)
		if err != nil {
			pm.Release(port)
			lastErr = err
			continue
		}

		r.onStop = func() { pm.Release(port) }
		return r, nil
	}

	if lastErr == nil {
		lastErr = ErrNoFreePorts
	}
	return nil, fmt.Errorf("не удалось открыть порт RTP: %w", lastErr)
}
