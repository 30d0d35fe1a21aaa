// Package controltest содержит записывающую реализацию control.Plane для тестов.
package controltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/arzzra/voice_bot/pkg/control"
)

// Имена методов для Calls и Count
const (
	MethodAnswer              = "Answer"
	MethodHangup              = "Hangup"
	MethodSetVariable         = "SetVariable"
	MethodPlayMedia           = "PlayMedia"
	MethodStopPlayback        = "StopPlayback"
	MethodCreateExternalMedia = "CreateExternalMedia"
	MethodCreateBridge        = "CreateBridge"
	MethodAddToBridge         = "AddToBridge"
	MethodDestroyBridge       = "DestroyBridge"
	MethodSnoop               = "Snoop"
	MethodOriginate           = "Originate"
)

// Call один вызов действия
type Call struct {
	Method string
	Args   []string
}

// Plane записывает вызовы и выдает последовательные id вида "playback-1"
type Plane struct {
	mu     sync.Mutex
	calls  []Call
	seq    int
	errs   map[string]error
	onCall func(Call)

	originated []control.OriginateRequest
}

var _ control.Plane = (*Plane)(nil)

// New создает пустую плоскость
func New() *Plane {
	return &Plane{errs: make(map[string]error)}
}

// FailWith заставляет метод возвращать err. nil снимает ошибку.
func (p *Plane) FailWith(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.errs, method)
		return
	}
	p.errs[method] = err
}

// OnCall вызывается после записи каждого вызова, вне блокировки
func (p *Plane) OnCall(fn func(Call)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCall = fn
}

// Calls вызовы метода по порядку. Пустой method возвращает все вызовы.
func (p *Plane) Calls(method string) []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Call
	for _, c := range p.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Count количество вызовов метода
func (p *Plane) Count(method string) int {
	return len(p.Calls(method))
}

// Originated запросы Originate по порядку
func (p *Plane) Originated() []control.OriginateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]control.OriginateRequest, len(p.originated))
	copy(out, p.originated)
	return out
}

func (p *Plane) record(method, prefix string, args ...string) (string, error) {
	p.mu.Lock()
	call := Call{Method: method, Args: args}
	p.calls = append(p.calls, call)
	err := p.errs[method]
	id := ""
	if prefix != "" && err == nil {
		p.seq++
		id = fmt.Sprintf("%s-%d", prefix, p.seq)
	}
	hook := p.onCall
	p.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return id, err
}

func (p *Plane) Answer(_ context.Context, channelID string) error {
	_, err := p.record(MethodAnswer, "", channelID)
	return err
}

func (p *Plane) Hangup(_ context.Context, channelID string) error {
	_, err := p.record(MethodHangup, "", channelID)
	return err
}

func (p *Plane) SetVariable(_ context.Context, channelID, key, value string) error {
	_, err := p.record(MethodSetVariable, "", channelID, key, value)
	return err
}

func (p *Plane) PlayMedia(_ context.Context, channelID, mediaRef string) (string, error) {
	return p.record(MethodPlayMedia, "playback", channelID, mediaRef)
}

func (p *Plane) StopPlayback(_ context.Context, playbackID string) error {
	_, err := p.record(MethodStopPlayback, "", playbackID)
	return err
}

func (p *Plane) CreateExternalMedia(_ context.Context, targetHost, format string) (string, error) {
	return p.record(MethodCreateExternalMedia, "external", targetHost, format)
}

func (p *Plane) CreateBridge(_ context.Context) (string, error) {
	return p.record(MethodCreateBridge, "bridge")
}

func (p *Plane) AddToBridge(_ context.Context, bridgeID, channelID string) error {
	_, err := p.record(MethodAddToBridge, "", bridgeID, channelID)
	return err
}

func (p *Plane) DestroyBridge(_ context.Context, bridgeID string) error {
	_, err := p.record(MethodDestroyBridge, "", bridgeID)
	return err
}

func (p *Plane) Snoop(_ context.Context, channelID, direction string) (string, error) {
	return p.record(MethodSnoop, "snoop", channelID, direction)
}

func (p *Plane) Originate(_ context.Context, req control.OriginateRequest) (string, error) {
	id, err := p.record(MethodOriginate, "channel", req.Endpoint)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.originated = append(p.originated, req)
	p.mu.Unlock()
	if req.ChannelID != "" {
		id = req.ChannelID
	}
	return id, nil
}
