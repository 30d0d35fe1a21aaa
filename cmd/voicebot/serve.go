package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/voice_bot/pkg/api"
	"github.com/arzzra/voice_bot/pkg/ari"
	"github.com/arzzra/voice_bot/pkg/audio"
	"github.com/arzzra/voice_bot/pkg/callstate"
	"github.com/arzzra/voice_bot/pkg/config"
	"github.com/arzzra/voice_bot/pkg/control"
	"github.com/arzzra/voice_bot/pkg/dialogue"
	"github.com/arzzra/voice_bot/pkg/dispatcher"
	"github.com/arzzra/voice_bot/pkg/logger"
	"github.com/arzzra/voice_bot/pkg/metrics"
	"github.com/arzzra/voice_bot/pkg/rtp"
	"github.com/arzzra/voice_bot/pkg/session"
	"github.com/arzzra/voice_bot/pkg/stt"
	"github.com/arzzra/voice_bot/pkg/tts"
)

const eventQueueSize = 256

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Подключается к ARI и обслуживает звонки",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", "", "адрес служебного HTTP сервера (http.addr)")
	serveCmd.Flags().String("log-level", "", "уровень логов: debug, info, warn, error (log.level)")
	serveCmd.Flags().String("ari-url", "", "адрес ARI (ari.url)")
}

// loadConfig собирает конфигурацию: значения по умолчанию, файл, окружение, флаги
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New()
	bindFlag(v, cmd, "http.addr", "http-addr")
	bindFlag(v, cmd, "log.level", "log-level")
	bindFlag(v, cmd, "ari.url", "ari-url")
	return config.Load(v, configFile)
}

// bindFlag привязывает флаг, только если он задан: пустое значение
// флага не должно перекрывать файл и окружение
func bindFlag(v *viper.Viper, cmd *cobra.Command, key, name string) {
	if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
		_ = v.BindPFlag(key, f)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger.Configure(cfg.Log.Level, logger.Format(cfg.Log.Format))
	log := logger.With("main")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	ariClient, err := ari.NewClient(ari.Config{
		URL:      cfg.ARI.URL,
		User:     cfg.ARI.User,
		Password: cfg.ARI.Password,
		App:      cfg.ARI.App,
		Timeout:  cfg.ARI.Timeout,
	})
	if err != nil {
		return err
	}

	stager, err := audio.NewStager(cfg.Staging.Dir, cfg.Staging.MediaPrefix)
	if err != nil {
		return err
	}
	ports, err := rtp.NewPortManager(cfg.Media.PortMin, cfg.Media.PortMax)
	if err != nil {
		return err
	}

	router := dialogue.NewRouter(cfg.Dialogue.Routes, cfg.Dialogue.DefaultRoute, cfg.Dialogue.DefaultWebhook)
	deps := session.Deps{
		Plane: ariClient,
		STT: stt.NewClient(stt.Config{
			URL:         cfg.STT.URL,
			Model:       cfg.STT.Model,
			Language:    cfg.STT.Language,
			Temperature: cfg.STT.Temperature,
			Timeout:     cfg.STT.Timeout,
		}),
		TTS: tts.NewClient(tts.Config{
			URL:        cfg.TTS.URL,
			Voice:      cfg.TTS.Voice,
			SampleRate: cfg.TTS.SampleRate,
			Timeout:    cfg.TTS.Timeout,
		}),
		Dialogue: dialogue.NewClient(router, dialogue.Config{
			ReplyFields: cfg.Dialogue.ReplyFields,
			Timeout:     cfg.Dialogue.Timeout,
		}),
		Busy:    dialogue.NewBusyChecker(cfg.Dialogue.BusyCheckURL, cfg.Dialogue.BusyCheckAPIKey, cfg.Dialogue.BusyCheckTimeout),
		Stager:  stager,
		Ports:   ports,
		Metrics: m,
	}

	// публикация состояния живет дольше диспетчера, чтобы call_ended
	// закрываемых при остановке сессий дошли до Redis
	pubCtx, pubCancel := context.WithCancel(context.Background())
	pubDone := make(chan struct{})
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		publisher := callstate.NewRedisPublisher(rdb,
			callstate.WithChannel(cfg.Redis.Channel),
			callstate.WithActiveKey(cfg.Redis.ActiveKey),
		)
		// звонки прошлого запуска уже не активны
		if err := publisher.Reset(ctx); err != nil {
			log.Warn("call state reset failed", "addr", cfg.Redis.Addr, "error", err)
		}
		deps.Publisher = publisher
		go func() {
			defer close(pubDone)
			_ = publisher.Run(pubCtx)
		}()
	} else {
		close(pubDone)
	}
	defer func() {
		pubCancel()
		<-pubDone
	}()

	d := dispatcher.New(dispatcher.ConfigFrom(cfg), deps, nil)
	srv := api.New(api.ConfigFrom(cfg), ariClient, d, reg)
	stream := ari.NewEventStream(ariClient, cfg.ARI.ReconnectDelay)
	events := make(chan control.Event, eventQueueSize)

	log.Info("voicebot starting",
		"ari", cfg.ARI.URL,
		"app", cfg.ARI.App,
		"http", cfg.HTTP.Addr,
		"rtp_ports", fmt.Sprintf("%d-%d", cfg.Media.PortMin, cfg.Media.PortMax),
		"redis", cfg.Redis.Addr != "",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stream.Run(gctx, events) })
	g.Go(func() error { return d.Run(gctx, events) })
	g.Go(func() error { return srv.Run(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		log.Error("voicebot stopped with error", "error", err)
		return err
	}
	log.Info("voicebot stopped")
	return nil
}
