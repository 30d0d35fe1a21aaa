// Package rtp принимает аудиопоток звонка по UDP.
//
// Управляющая плоскость отправляет копию входящего звука абонента на
// external media канал, который стримит RTP на порт, выделенный под звонок.
// Receiver валидирует каждую датаграмму, снимает заголовок (pion/rtp),
// декодирует G.711 в 16-битный PCM и передает куски обработчику сессии.
//
// Невалидные пакеты отбрасываются молча и учитываются только в счетчиках.
// Цикл чтения ждет не дольше ReceiveTimeout, поэтому Stop завершается
// за один интервал таймаута.
package rtp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/arzzra/voice_bot/pkg/logger"
)

const (
	DefaultReceiveTimeout = time.Second
	DefaultBufferSize     = MaxRTPPacketSize
)

// Handler получает декодированный PCM. Вызывается из горутины приемника,
// поэтому не должен блокироваться на сетевых операциях.
type Handler func(pcm []byte)

// Observer получает события приемника для метрик
type Observer interface {
	PacketReceived(bytes int)
	PacketDropped(reason string)
}

// Config параметры приемника
type Config struct {
	BindHost            string
	Port                int // 0 = эфемерный порт
	Format              string
	ReceiveTimeout      time.Duration
	MaxPacketsPerSecond int // 0 = без ограничения
	DSCP                int
	Observer            Observer
	Logger              *slog.Logger
}

// Stats счетчики приемника
type Stats struct {
	PacketsReceived uint64
	PacketsDropped  uint64
	BytesDecoded    uint64
	LastPacketAt    time.Time
}

// Receiver приемник RTP одного звонка
type Receiver struct {
	cfg     Config
	conn    *net.UDPConn
	decode  DecodeFunc
	handler Handler
	limiter *rate.Limiter
	log     *slog.Logger

	stopCh   chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	onStop   func()

	packetsReceived atomic.Uint64
	packetsDropped  atomic.Uint64
	bytesDecoded    atomic.Uint64
	lastPacketAt    atomic.Int64
}

// NewReceiver открывает UDP сокет. Чтение начинается после Start.
func NewReceiver(cfg Config, handler Handler) (*Receiver, error) {
	if handler == nil {
		return nil, errors.New("обработчик PCM не задан")
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.Format == "" {
		cfg.Format = FormatULaw
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.With("rtp")
	}

	decode, err := DecoderFor(cfg.Format)
	if err != nil {
		return nil, err
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения локального адреса: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	if err := tuneSocket(conn, cfg.DSCP); err != nil {
		// приемник работает и без QoS
		cfg.Logger.Debug("socket tuning failed", "error", err)
	}

	r := &Receiver{
		cfg:     cfg,
		conn:    conn,
		decode:  decode,
		handler: handler,
		log:     cfg.Logger,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.MaxPacketsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.MaxPacketsPerSecond), cfg.MaxPacketsPerSecond)
	}
	return r, nil
}

// Start запускает цикл чтения в отдельной горутине. Повторный вызов ничего не делает.
func (r *Receiver) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.loop()
}

// Stop закрывает сокет и дожидается выхода из цикла. Идемпотентен.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		// Close прерывает блокирующее чтение сразу, дедлайн остается страховкой
		_ = r.conn.Close()

		if r.started.Load() {
			select {
			case <-r.done:
			case <-time.After(r.cfg.ReceiveTimeout):
				r.log.Warn("receiver loop did not exit in time")
			}
		}

		if r.onStop != nil {
			r.onStop()
		}
	})
}

// LocalAddr адрес, на котором слушает приемник
func (r *Receiver) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Port номер порта приемника
func (r *Receiver) Port() int {
	return r.LocalAddr().Port
}

// Stats снимок счетчиков
func (r *Receiver) Stats() Stats {
	s := Stats{
		PacketsReceived: r.packetsReceived.Load(),
		PacketsDropped:  r.packetsDropped.Load(),
		BytesDecoded:    r.bytesDecoded.Load(),
	}
	if ns := r.lastPacketAt.Load(); ns != 0 {
		s.LastPacketAt = time.Unix(0, ns)
	}
	return s
}

func (r *Receiver) loop() {
	defer close(r.done)

	buf := make([]byte, DefaultBufferSize+1)
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(r.cfg.ReceiveTimeout))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			cerr := classifyNetworkError("UDP read", err)
			if cerr.Retryable {
				continue
			}
			select {
			case <-r.stopCh:
			default:
				r.log.Error("receiver stopped on read error", "error", cerr)
			}
			return
		}

		r.handleDatagram(buf[:n])
	}
}

func (r *Receiver) handleDatagram(data []byte) {
	if r.limiter != nil && !r.limiter.Allow() {
		r.drop(DropRateLimited)
		return
	}

	payload, reason := parsePacket(data)
	if reason != "" {
		r.drop(reason)
		return
	}

	pcm := r.decode(payload)
	r.packetsReceived.Add(1)
	r.bytesDecoded.Add(uint64(len(pcm)))
	r.lastPacketAt.Store(time.Now().UnixNano())
	if r.cfg.Observer != nil {
		r.cfg.Observer.PacketReceived(len(pcm))
	}

	r.handler(pcm)
}

func (r *Receiver) drop(reason string) {
	r.packetsDropped.Add(1)
	if r.cfg.Observer != nil {
		r.cfg.Observer.PacketDropped(reason)
	}
}
