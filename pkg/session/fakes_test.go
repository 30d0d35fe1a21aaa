package session

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voice_bot/pkg/audio"
	"github.com/arzzra/voice_bot/pkg/control/controltest"
	"github.com/arzzra/voice_bot/pkg/dialogue"
	"github.com/arzzra/voice_bot/pkg/metrics"
	"github.com/arzzra/voice_bot/pkg/tts"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// chunk 20ms PCM с постоянной амплитудой
func chunk(amplitude int16) []byte {
	pcm := make([]byte, 320)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(amplitude))
	}
	return pcm
}

type fakeSTT struct {
	mu    sync.Mutex
	calls int
	sizes []int
	text  string
	err   error
	gate  chan struct{} // если задан, Transcribe ждет его закрытия
}

func (f *fakeSTT) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	f.mu.Lock()
	f.calls++
	f.sizes = append(f.sizes, len(pcm))
	gate, text, err := f.gate, f.text, f.err
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return text, err
}

func (f *fakeSTT) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTTS struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string) (tts.Audio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return tts.Audio{}, f.err
	}
	// 100ms тишины на 22050 Гц
	return tts.Audio{Data: make([]byte, 4410), SampleRate: 22050}, nil
}

func (f *fakeTTS) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

type fakeDialogue struct {
	mu       sync.Mutex
	requests []dialogue.Request
	reply    string
	err      error
	gate     chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeDialogue) Reply(ctx context.Context, req dialogue.Request) (string, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if n <= max || f.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	gate, reply, err := f.gate, f.reply, f.err
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return reply, err
}

func (f *fakeDialogue) Requests() []dialogue.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dialogue.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

type fakeBusy struct {
	busy atomic.Bool
}

func (f *fakeBusy) Busy(context.Context) bool {
	return f.busy.Load()
}

type harness struct {
	session  *CallSession
	plane    *controltest.Plane
	stt      *fakeSTT
	tts      *fakeTTS
	dialogue *fakeDialogue
	busy     *fakeBusy
	clock    *fakeClock
	metrics  *metrics.Collector
	stageDir string
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InactivityTimeout = 0
	cfg.DTMFAutoSubmit = 50 * time.Millisecond
	cfg.HangupDelay = 20 * time.Millisecond
	cfg.BusyRetryInterval = 200 * time.Millisecond
	cfg.BindHost = "127.0.0.1"
	cfg.AdvertiseHost = "127.0.0.1"
	cfg.ReceiveTimeout = 100 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	dir := t.TempDir()
	stager, err := audio.NewStager(dir, "sound:"+dir)
	require.NoError(t, err)

	h := &harness{
		plane:    controltest.New(),
		stt:      &fakeSTT{text: "necesito ayuda con mi factura"},
		tts:      &fakeTTS{},
		dialogue: &fakeDialogue{reply: "Claro, ¿cuál es su número de cliente?"},
		busy:     &fakeBusy{},
		clock:    newFakeClock(),
		metrics:  metrics.New(prometheus.NewRegistry()),
		stageDir: dir,
	}
	h.session = New(Info{
		ID:       "1700000000.42",
		Caller:   "3001",
		Route:    "recepcion",
		Metadata: map[string]string{"customer_name": "Edwin"},
	}, cfg, Deps{
		Plane:    h.plane,
		STT:      h.stt,
		TTS:      h.tts,
		Dialogue: h.dialogue,
		Busy:     h.busy,
		Stager:   stager,
		Metrics:  h.metrics,
		Now:      h.clock.Now,
	})
	t.Cleanup(func() {
		h.session.Close()
		h.session.Wait()
	})
	return h
}

// utter подает фразу из n голосовых кусков и кусок тишины после паузы,
// достаточной для конца фразы
func (h *harness) utter(n int) {
	for i := 0; i < n; i++ {
		h.session.HandleAudio(chunk(3000))
		h.clock.Advance(20 * time.Millisecond)
	}
	h.clock.Advance(600 * time.Millisecond)
	h.session.HandleAudio(chunk(0))
}
