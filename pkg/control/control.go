// Package control описывает управляющую плоскость телефонии так, как ее видит бот:
// поток типизированных событий звонков и набор действий над каналами.
// Реализация для Asterisk ARI находится в пакете ari.
package control

import (
	"context"
	"errors"
)

// ErrNotFound канал, мост или проигрывание уже не существуют
var ErrNotFound = errors.New("объект управляющей плоскости не найден")

// Направления прослушивания канала для Snoop
const (
	DirectionIn   = "in"
	DirectionOut  = "out"
	DirectionBoth = "both"
)

// Plane действия над звонками
type Plane interface {
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string) error
	SetVariable(ctx context.Context, channelID, key, value string) error

	// PlayMedia запускает воспроизведение и возвращает id проигрывания
	PlayMedia(ctx context.Context, channelID, mediaRef string) (string, error)
	StopPlayback(ctx context.Context, playbackID string) error

	// CreateExternalMedia создает канал, стримящий звук на targetHost ("host:port")
	CreateExternalMedia(ctx context.Context, targetHost, format string) (string, error)
	CreateBridge(ctx context.Context) (string, error)
	AddToBridge(ctx context.Context, bridgeID, channelID string) error
	DestroyBridge(ctx context.Context, bridgeID string) error
	Snoop(ctx context.Context, channelID, direction string) (string, error)

	Originate(ctx context.Context, req OriginateRequest) (string, error)
}

// OriginateRequest исходящий звонок
type OriginateRequest struct {
	Endpoint  string
	CallerID  string
	Timeout   int
	ChannelID string
	AppArgs   []string
	Variables map[string]string
}

// Event событие управляющей плоскости
type Event interface {
	// CallID id канала, к которому относится событие
	CallID() string
}

// CallStarted канал вошел в приложение бота
type CallStarted struct {
	ID           string
	Name         string
	CallerNumber string
	Args         []string
}

// CallEnded канал покинул приложение
type CallEnded struct {
	ID string
}

// DTMFReceived нажата клавиша
type DTMFReceived struct {
	ID    string
	Digit string
}

// PlaybackFinished воспроизведение завершено
type PlaybackFinished struct {
	ID         string
	PlaybackID string
}

// Connected соединение с потоком событий установлено
type Connected struct{}

// Disconnected соединение с потоком событий потеряно
type Disconnected struct {
	Err error
}

func (e CallStarted) CallID() string      { return e.ID }
func (e CallEnded) CallID() string        { return e.ID }
func (e DTMFReceived) CallID() string     { return e.ID }
func (e PlaybackFinished) CallID() string { return e.ID }
func (Connected) CallID() string          { return "" }
func (Disconnected) CallID() string       { return "" }
