package rtp

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	mu       sync.Mutex
	received int
	dropped  map[string]int
}

func (o *countingObserver) PacketReceived(int) {
	o.mu.Lock()
	o.received++
	o.mu.Unlock()
}

func (o *countingObserver) PacketDropped(reason string) {
	o.mu.Lock()
	if o.dropped == nil {
		o.dropped = map[string]int{}
	}
	o.dropped[reason]++
	o.mu.Unlock()
}

func (o *countingObserver) droppedFor(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped[reason]
}

func newTestReceiver(t *testing.T, cfg Config) (*Receiver, <-chan []byte) {
	t.Helper()
	out := make(chan []byte, 64)
	cfg.BindHost = "127.0.0.1"
	if cfg.ReceiveTimeout == 0 {
		cfg.ReceiveTimeout = 50 * time.Millisecond
	}
	r, err := NewReceiver(cfg, func(pcm []byte) { out <- pcm })
	require.NoError(t, err)
	r.Start()
	t.Cleanup(r.Stop)
	return r, out
}

func dial(t *testing.T, r *Receiver) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, r.LocalAddr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func marshalPacket(t *testing.T, seq uint16, payload []byte) []byte {
	t.Helper()
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           0x1234,
		},
		Payload: payload,
	}
	data, err := p.Marshal()
	require.NoError(t, err)
	return data
}

func TestReceiverDecodesULaw(t *testing.T) {
	r, out := newTestReceiver(t, Config{Format: FormatULaw})
	conn := dial(t, r)

	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0x80
	}
	_, err := conn.Write(marshalPacket(t, 1, payload))
	require.NoError(t, err)

	select {
	case pcm := <-out:
		require.Len(t, pcm, 320)
		assert.Equal(t, int16(32124), sampleAt(pcm, 0))
	case <-time.After(time.Second):
		t.Fatal("PCM не получен")
	}

	assert.Eventually(t, func() bool { return r.Stats().PacketsReceived == 1 }, time.Second, 10*time.Millisecond)
}

func TestReceiverDropsInvalidPackets(t *testing.T) {
	obs := &countingObserver{}
	r, out := newTestReceiver(t, Config{Observer: obs})
	conn := dial(t, r)

	// меньше заголовка
	_, err := conn.Write([]byte{0x80, 0x00, 0x01})
	require.NoError(t, err)

	// заголовок без полезной нагрузки
	_, err = conn.Write(marshalPacket(t, 2, nil))
	require.NoError(t, err)

	// версия 1
	bad := marshalPacket(t, 3, []byte{0xFF, 0xFF})
	bad[0] = 0x40
	_, err = conn.Write(bad)
	require.NoError(t, err)

	// затем валидный пакет, приемник продолжает работу
	_, err = conn.Write(marshalPacket(t, 4, []byte{0xFF, 0xFF}))
	require.NoError(t, err)

	select {
	case pcm := <-out:
		assert.Len(t, pcm, 4)
	case <-time.After(time.Second):
		t.Fatal("валидный пакет не получен после невалидных")
	}

	assert.Eventually(t, func() bool { return r.Stats().PacketsDropped == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, obs.droppedFor(DropUndersized))
	assert.Equal(t, 1, obs.droppedFor(DropEmpty))
	assert.Equal(t, 1, obs.droppedFor(DropMalformed))
}

func TestReceiverRateLimit(t *testing.T) {
	obs := &countingObserver{}
	r, _ := newTestReceiver(t, Config{MaxPacketsPerSecond: 5, Observer: obs})
	conn := dial(t, r)

	for i := 0; i < 20; i++ {
		_, err := conn.Write(marshalPacket(t, uint16(i), []byte{0xFF}))
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return r.Stats().PacketsReceived+r.Stats().PacketsDropped == 20
	}, time.Second, 10*time.Millisecond)
	assert.Greater(t, obs.droppedFor(DropRateLimited), 0)
	assert.LessOrEqual(t, r.Stats().PacketsReceived, uint64(6))
}

func TestReceiverStopIsPromptAndIdempotent(t *testing.T) {
	r, err := NewReceiver(Config{BindHost: "127.0.0.1", ReceiveTimeout: 200 * time.Millisecond}, func([]byte) {})
	require.NoError(t, err)
	r.Start()

	released := 0
	r.onStop = func() { released++ }

	start := time.Now()
	r.Stop()
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	select {
	case <-r.done:
	default:
		t.Fatal("цикл чтения не завершился")
	}

	r.Stop()
	assert.Equal(t, 1, released)
}

func TestReceiverStopWithoutStart(t *testing.T) {
	r, err := NewReceiver(Config{BindHost: "127.0.0.1"}, func([]byte) {})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop без Start заблокировался")
	}
}

func TestNewReceiverRejectsUnknownFormat(t *testing.T) {
	_, err := NewReceiver(Config{BindHost: "127.0.0.1", Format: "g729"}, func([]byte) {})
	assert.Error(t, err)
}

func TestClassifyNetworkError(t *testing.T) {
	assert.Equal(t, ErrorTypeClosed, classifyNetworkError("read", net.ErrClosed).Type)

	timeoutErr := &net.OpError{Op: "read", Err: &timeoutError{}}
	c := classifyNetworkError("read", timeoutErr)
	assert.Equal(t, ErrorTypeTimeout, c.Type)
	assert.True(t, c.Retryable)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
