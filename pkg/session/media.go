package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/arzzra/voice_bot/pkg/control"
	"github.com/arzzra/voice_bot/pkg/rtp"
)

const releaseTimeout = 5 * time.Second

// mediaLegs вспомогательные каналы и мост, через которые звук абонента
// попадает на приемник
type mediaLegs struct {
	externalID string
	snoopID    string
	bridgeID   string
}

// StartMedia поднимает приемник RTP и строит цепочку управляющей плоскости:
// external media канал на наш порт, смешивающий мост, snoop канала звонка
// только на входящий звук. При ошибке уже созданное освобождается в Close.
func (s *CallSession) StartMedia(ctx context.Context) error {
	if s.deps.Ports == nil {
		return errors.New("пул портов RTP не задан")
	}

	receiver, err := s.deps.Ports.Listen(rtp.Config{
		BindHost:            s.cfg.BindHost,
		Format:              s.cfg.MediaFormat,
		ReceiveTimeout:      s.cfg.ReceiveTimeout,
		MaxPacketsPerSecond: s.cfg.MaxPacketsPerSecond,
		DSCP:                s.cfg.DSCP,
		Observer:            s.deps.Metrics,
		Logger:              s.log,
	}, s.HandleAudio)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		receiver.Stop()
		return ErrSessionClosed
	}
	s.receiver = receiver
	s.mu.Unlock()
	receiver.Start()

	target := net.JoinHostPort(s.cfg.AdvertiseHost, strconv.Itoa(receiver.Port()))
	s.log.Info("rtp receiver started", "port", receiver.Port(), "target", target)

	plane := s.deps.Plane
	externalID, err := plane.CreateExternalMedia(ctx, target, s.cfg.MediaFormat)
	if err != nil {
		return fmt.Errorf("ошибка создания external media: %w", err)
	}
	if err := s.recordLeg(func(l *mediaLegs) { l.externalID = externalID }); err != nil {
		return err
	}

	bridgeID, err := plane.CreateBridge(ctx)
	if err != nil {
		return fmt.Errorf("ошибка создания моста: %w", err)
	}
	if err := s.recordLeg(func(l *mediaLegs) { l.bridgeID = bridgeID }); err != nil {
		return err
	}

	if err := plane.AddToBridge(ctx, bridgeID, externalID); err != nil {
		return fmt.Errorf("ошибка добавления external media в мост: %w", err)
	}

	snoopID, err := plane.Snoop(ctx, s.info.ID, control.DirectionIn)
	if err != nil {
		return fmt.Errorf("ошибка snoop: %w", err)
	}
	if err := s.recordLeg(func(l *mediaLegs) { l.snoopID = snoopID }); err != nil {
		return err
	}

	if err := plane.AddToBridge(ctx, bridgeID, snoopID); err != nil {
		return fmt.Errorf("ошибка добавления snoop в мост: %w", err)
	}

	s.log.Info("media pipeline ready", "external", externalID, "snoop", snoopID, "bridge", bridgeID)
	return nil
}

// recordLeg запоминает созданный ресурс. Если звонок уже завершился,
// ресурс освобождается сразу.
func (s *CallSession) recordLeg(apply func(*mediaLegs)) error {
	s.mu.Lock()
	if !s.closed {
		apply(&s.legs)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var orphan mediaLegs
	apply(&orphan)
	s.releaseMedia(orphan)
	return ErrSessionClosed
}

// releaseMedia кладет вспомогательные каналы и разбирает мост.
// Уже исчезнувшие ресурсы не ошибка.
func (s *CallSession) releaseMedia(legs mediaLegs) {
	if legs == (mediaLegs{}) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	for _, id := range []string{legs.externalID, legs.snoopID} {
		if id == "" {
			continue
		}
		if err := s.deps.Plane.Hangup(ctx, id); err != nil && !errors.Is(err, control.ErrNotFound) {
			s.log.Warn("aux channel hangup failed", "channel", id, "error", err)
		}
	}
	if legs.bridgeID != "" {
		if err := s.deps.Plane.DestroyBridge(ctx, legs.bridgeID); err != nil && !errors.Is(err, control.ErrNotFound) {
			s.log.Warn("bridge destroy failed", "bridge", legs.bridgeID, "error", err)
		}
	}
}
