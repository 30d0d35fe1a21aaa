package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voice_bot/pkg/audio"
	"github.com/arzzra/voice_bot/pkg/config"
	"github.com/arzzra/voice_bot/pkg/control"
	"github.com/arzzra/voice_bot/pkg/control/controltest"
	"github.com/arzzra/voice_bot/pkg/dialogue"
	"github.com/arzzra/voice_bot/pkg/metrics"
	"github.com/arzzra/voice_bot/pkg/rtp"
	"github.com/arzzra/voice_bot/pkg/session"
	"github.com/arzzra/voice_bot/pkg/tts"
)

type stubSTT struct{}

func (stubSTT) Transcribe(context.Context, []byte) (string, error) { return "", nil }

type recordingTTS struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingTTS) Synthesize(_ context.Context, text string) (tts.Audio, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return tts.Audio{Data: make([]byte, 1600), SampleRate: 8000}, nil
}

func (r *recordingTTS) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

type recordingDialogue struct {
	mu       sync.Mutex
	requests []dialogue.Request
	reply    string
	err      error
}

func (r *recordingDialogue) Reply(_ context.Context, req dialogue.Request) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return r.reply, r.err
}

func (r *recordingDialogue) Requests() []dialogue.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dialogue.Request(nil), r.requests...)
}

type fixture struct {
	dispatcher *Dispatcher
	plane      *controltest.Plane
	tts        *recordingTTS
	dialogue   *recordingDialogue
	ports      *rtp.PortManager
	events     chan control.Event
	cancel     context.CancelFunc
	done       chan error
}

var portBase = struct {
	sync.Mutex
	next int
}{next: 32000}

func nextPortRange() (int, int) {
	portBase.Lock()
	defer portBase.Unlock()
	min := portBase.next
	portBase.next += 20
	return min, min + 19
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	cfg := ConfigFrom(config.Default())
	cfg.GreetingDelay = 0
	cfg.Session.InactivityTimeout = 0
	cfg.Session.BindHost = "127.0.0.1"
	cfg.Session.AdvertiseHost = "127.0.0.1"
	cfg.Session.ReceiveTimeout = 100 * time.Millisecond
	cfg.Greeter.Now = func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC) }
	if mutate != nil {
		mutate(&cfg)
	}

	min, max := nextPortRange()
	ports, err := rtp.NewPortManager(min, max)
	require.NoError(t, err)

	dir := t.TempDir()
	stager, err := audio.NewStager(dir, "sound:"+dir)
	require.NoError(t, err)

	f := &fixture{
		plane:    controltest.New(),
		tts:      &recordingTTS{},
		dialogue: &recordingDialogue{reply: "Buenos días Edwin, le llamo por su factura vencida."},
		ports:    ports,
		events:   make(chan control.Event, 16),
		done:     make(chan error, 1),
	}
	f.dispatcher = New(cfg, session.Deps{
		Plane:    f.plane,
		STT:      stubSTT{},
		TTS:      f.tts,
		Dialogue: f.dialogue,
		Stager:   stager,
		Ports:    ports,
		Metrics:  metrics.New(prometheus.NewRegistry()),
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- f.dispatcher.Run(ctx, f.events) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return f
}

func (f *fixture) session(t *testing.T, id string) *session.CallSession {
	t.Helper()
	var s *session.CallSession
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = f.dispatcher.Registry().Get(id)
		return ok
	}, time.Second, 5*time.Millisecond)
	return s
}

func TestInitialTurnBeforeAnswer(t *testing.T) {
	f := newFixture(t, nil)

	// к моменту ответа начальный ход уже отправлен
	answeredAfter := make(chan int, 1)
	f.plane.OnCall(func(c controltest.Call) {
		if c.Method == controltest.MethodAnswer {
			answeredAfter <- len(f.dialogue.Requests())
		}
	})

	f.events <- control.CallStarted{
		ID:           "1700000000.1",
		Name:         "PJSIP/3001-00000001",
		CallerNumber: "3001",
		Args:         []string{"agent_context=Factura vencida", "customer_name=Edwin"},
	}

	s := f.session(t, "1700000000.1")
	assert.Equal(t, map[string]string{"agent_context": "Factura vencida", "customer_name": "Edwin"}, s.Info().Metadata)
	assert.Equal(t, "recepcion", s.Info().Route)

	select {
	case n := <-answeredAfter:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("звонок не отвечен")
	}

	reqs := f.dialogue.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].IsInitial)
	assert.Contains(t, reqs[0].Text, "[SYSTEM_INIT]")
	assert.Contains(t, reqs[0].Text, "Factura vencida")
	assert.Contains(t, reqs[0].Text, "Edwin")

	require.Eventually(t, func() bool {
		return f.plane.Count(controltest.MethodPlayMedia) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Buenos días Edwin, le llamo por su factura vencida."}, f.tts.Texts())

	// медиа поднято: external media, мост, snoop
	assert.Equal(t, 1, f.plane.Count(controltest.MethodCreateExternalMedia))
	assert.Equal(t, 1, f.plane.Count(controltest.MethodSnoop))
	assert.Equal(t, 1, f.ports.InUse())
}

func TestLocalGreetingByRoute(t *testing.T) {
	f := newFixture(t, nil)

	f.events <- control.CallStarted{ID: "1700000000.2", Name: "PJSIP/3002-00000002", CallerNumber: "3002", Args: []string{"dept=ventas"}}

	s := f.session(t, "1700000000.2")
	assert.Equal(t, "ventas", s.Info().Route)

	require.Eventually(t, func() bool { return len(f.tts.Texts()) == 1 }, 2*time.Second, 5*time.Millisecond)
	text := f.tts.Texts()[0]
	assert.True(t, strings.HasPrefix(text, "Buenos días"), text)
	assert.Contains(t, text, "asesor de ventas")
	assert.Empty(t, f.dialogue.Requests())
}

func TestInitialTurnFailureFallsBackToLocalGreeting(t *testing.T) {
	f := newFixture(t, nil)
	f.dialogue.err = errors.New("webhook down")

	f.events <- control.CallStarted{ID: "1700000000.3", Name: "PJSIP/3003-00000003", Args: []string{"agent_context=Cobranza"}}

	require.Eventually(t, func() bool { return len(f.tts.Texts()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, f.tts.Texts()[0], "Ari Bot")
}

func TestPregeneratedGreeting(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PregenerateGreeting = true })

	synthesizedBeforeAnswer := make(chan int, 1)
	f.plane.OnCall(func(c controltest.Call) {
		if c.Method == controltest.MethodAnswer {
			synthesizedBeforeAnswer <- len(f.tts.Texts())
		}
	})

	f.events <- control.CallStarted{ID: "1700000000.4", Name: "PJSIP/3004-00000004"}

	select {
	case n := <-synthesizedBeforeAnswer:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("звонок не отвечен")
	}
	require.Eventually(t, func() bool {
		return f.plane.Count(controltest.MethodPlayMedia) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, f.tts.Texts(), 1)
}

func TestTechnicalLegAndDuplicateIgnored(t *testing.T) {
	f := newFixture(t, nil)

	f.events <- control.CallStarted{ID: "1700000000.5", Name: "UnicastRTP/127.0.0.1:10000-0000abcd"}
	f.events <- control.CallStarted{ID: "1700000000.6", Name: "Snoop/1700000000.1-00000002"}
	f.events <- control.CallStarted{ID: "1700000000.7", Name: "PJSIP/3007-00000007"}
	f.events <- control.CallStarted{ID: "1700000000.7", Name: "PJSIP/3007-00000007"}

	f.session(t, "1700000000.7")
	require.Eventually(t, func() bool {
		return f.plane.Count(controltest.MethodAnswer) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Never(t, func() bool {
		return f.plane.Count(controltest.MethodAnswer) > 1
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1, f.dispatcher.Registry().Count())
}

func TestEventsRoutedToSession(t *testing.T) {
	f := newFixture(t, nil)

	f.events <- control.CallStarted{ID: "1700000000.8", Name: "PJSIP/3008-00000008"}
	s := f.session(t, "1700000000.8")
	require.Eventually(t, s.Playing, 2*time.Second, 5*time.Millisecond)

	// неизвестные звонки не ошибка
	f.events <- control.DTMFReceived{ID: "nope", Digit: "1"}
	f.events <- control.PlaybackFinished{ID: "nope", PlaybackID: "x"}

	// external-1, bridge-2, snoop-3, затем приветствие
	f.events <- control.PlaybackFinished{ID: "1700000000.8", PlaybackID: "playback-4"}
	require.Eventually(t, func() bool { return !s.Playing() }, time.Second, 5*time.Millisecond)

	f.events <- control.DTMFReceived{ID: "1700000000.8", Digit: "5"}
	require.Eventually(t, func() bool { return s.DTMFBuffer() == "5" }, time.Second, 5*time.Millisecond)

	f.events <- control.CallEnded{ID: "1700000000.8"}
	require.Eventually(t, func() bool { return !s.Alive() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.dispatcher.Registry().Count())

	require.Eventually(t, func() bool { return f.ports.InUse() == 0 }, 2*time.Second, 5*time.Millisecond)
	// external media и snoop положены, мост разобран
	require.Eventually(t, func() bool {
		return f.plane.Count(controltest.MethodHangup) == 2 && f.plane.Count(controltest.MethodDestroyBridge) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestChannelVariablesSetAfterAnswer(t *testing.T) {
	f := newFixture(t, nil)

	f.events <- control.CallStarted{ID: "1700000000.9", Name: "PJSIP/3009-00000009", Args: []string{"dept=ventas"}}

	require.Eventually(t, func() bool {
		return f.plane.Count(controltest.MethodSetVariable) == 2
	}, 2*time.Second, 5*time.Millisecond)
	calls := f.plane.Calls(controltest.MethodSetVariable)
	assert.Equal(t, []string{"1700000000.9", VarCallID, "1700000000_9"}, calls[0].Args)
	assert.Equal(t, []string{"1700000000.9", VarRoute, "ventas"}, calls[1].Args)
	assert.Equal(t, 1, f.plane.Count(controltest.MethodAnswer))
}

func TestChannelVariableFailureDoesNotBreakCall(t *testing.T) {
	f := newFixture(t, nil)
	f.plane.FailWith(controltest.MethodSetVariable, errors.New("channel locked"))

	f.events <- control.CallStarted{ID: "1700000000.10", Name: "PJSIP/3010-00000010"}

	require.Eventually(t, func() bool {
		return f.plane.Count(controltest.MethodPlayMedia) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.plane.Count(controltest.MethodSetVariable))
}

func TestSessionClosedWithoutCallEndedLeavesRegistry(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Session.InactivityTimeout = 50 * time.Millisecond
		c.Session.HangupDelay = 20 * time.Millisecond
		c.Session.ClosingRemark = ""
	})
	// CallEnded потерян: канала уже нет, завершить его нельзя
	f.plane.FailWith(controltest.MethodHangup, control.ErrNotFound)

	f.events <- control.CallStarted{ID: "1700000000.11", Name: "PJSIP/3011-00000011"}
	s := f.session(t, "1700000000.11")

	require.Eventually(t, func() bool { return !s.Alive() }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.dispatcher.Registry().Count() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.ports.InUse() == 0 }, 2*time.Second, 5*time.Millisecond)

	// поздний CallEnded для того же звонка безвреден
	f.events <- control.CallEnded{ID: "1700000000.11"}
	assert.Never(t, func() bool { return f.dispatcher.Registry().Count() != 0 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestShutdownClosesSessions(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 3; i++ {
		f.events <- control.CallStarted{ID: fmt.Sprintf("1700000001.%d", i), Name: "PJSIP/4000"}
	}
	require.Eventually(t, func() bool { return f.dispatcher.Registry().Count() == 3 }, time.Second, 5*time.Millisecond)

	var sessions []*session.CallSession
	f.dispatcher.Registry().ForEach(func(s *session.CallSession) { sessions = append(sessions, s) })

	f.cancel()
	select {
	case err := <-f.done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	f.done <- nil

	for _, s := range sessions {
		assert.False(t, s.Alive())
	}
	assert.Equal(t, 0, f.dispatcher.Registry().Count())
}
