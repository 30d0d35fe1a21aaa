// Package config загружает конфигурацию голосового бота.
//
// Источники в порядке приоритета: флаги командной строки, переменные окружения
// с префиксом VOICEBOT_ (ключи через подчеркивание: VOICEBOT_ARI_URL),
// YAML файл конфигурации и значения по умолчанию из SetDefaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "VOICEBOT"

// Config корневая конфигурация
type Config struct {
	ARI      ARIConfig      `mapstructure:"ari" yaml:"ari"`
	Media    MediaConfig    `mapstructure:"media" yaml:"media"`
	VAD      VADConfig      `mapstructure:"vad" yaml:"vad"`
	STT      STTConfig      `mapstructure:"stt" yaml:"stt"`
	TTS      TTSConfig      `mapstructure:"tts" yaml:"tts"`
	Dialogue DialogueConfig `mapstructure:"dialogue" yaml:"dialogue"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Staging  StagingConfig  `mapstructure:"staging" yaml:"staging"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// ARIConfig параметры подключения к управляющей плоскости (Asterisk ARI)
type ARIConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	User           string        `mapstructure:"user" yaml:"user"`
	Password       string        `mapstructure:"password" yaml:"password"`
	App            string        `mapstructure:"app" yaml:"app"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	// TechnicalLegPatterns подстроки имени канала, по которым распознаются служебные ноги
	TechnicalLegPatterns []string `mapstructure:"technical_leg_patterns" yaml:"technical_leg_patterns"`
	OriginateEndpoint    string   `mapstructure:"originate_endpoint" yaml:"originate_endpoint"`
	OriginateCallerID    string   `mapstructure:"originate_caller_id" yaml:"originate_caller_id"`
	OriginateTimeout     int      `mapstructure:"originate_timeout" yaml:"originate_timeout"`
}

// MediaConfig параметры приема RTP
type MediaConfig struct {
	BindHost            string        `mapstructure:"bind_host" yaml:"bind_host"`
	AdvertiseHost       string        `mapstructure:"advertise_host" yaml:"advertise_host"`
	PortMin             int           `mapstructure:"port_min" yaml:"port_min"`
	PortMax             int           `mapstructure:"port_max" yaml:"port_max"`
	Format              string        `mapstructure:"format" yaml:"format"`
	ReceiveTimeout      time.Duration `mapstructure:"receive_timeout" yaml:"receive_timeout"`
	MaxPacketsPerSecond int           `mapstructure:"max_packets_per_second" yaml:"max_packets_per_second"`
	DSCP                int           `mapstructure:"dscp" yaml:"dscp"`
}

// VADConfig параметры сегментатора речи и barge-in
type VADConfig struct {
	SilenceThresholdRMS float64       `mapstructure:"silence_threshold_rms" yaml:"silence_threshold_rms"`
	SilenceDuration     time.Duration `mapstructure:"silence_duration" yaml:"silence_duration"`
	MaxRecording        time.Duration `mapstructure:"max_recording" yaml:"max_recording"`
	MinSegmentBytes     int           `mapstructure:"min_segment_bytes" yaml:"min_segment_bytes"`
	Gain                float64       `mapstructure:"gain" yaml:"gain"`
	BargeInFactor       float64       `mapstructure:"barge_in_factor" yaml:"barge_in_factor"`
}

// STTConfig параметры сервиса распознавания речи
type STTConfig struct {
	URL         string        `mapstructure:"url" yaml:"url"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Language    string        `mapstructure:"language" yaml:"language"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// TTSConfig параметры сервиса синтеза речи
type TTSConfig struct {
	URL        string        `mapstructure:"url" yaml:"url"`
	Voice      string        `mapstructure:"voice" yaml:"voice"`
	SampleRate int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DialogueConfig параметры диалогового бэкенда
type DialogueConfig struct {
	DefaultRoute      string            `mapstructure:"default_route" yaml:"default_route"`
	RouteKey          string            `mapstructure:"route_key" yaml:"route_key"`
	DefaultWebhook    string            `mapstructure:"default_webhook" yaml:"default_webhook"`
	Routes            map[string]string `mapstructure:"routes" yaml:"routes"`
	ReplyFields       []string          `mapstructure:"reply_fields" yaml:"reply_fields"`
	Timeout           time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	BusyCheckURL      string            `mapstructure:"busy_check_url" yaml:"busy_check_url"`
	BusyCheckAPIKey   string            `mapstructure:"busy_check_api_key" yaml:"busy_check_api_key"`
	BusyCheckTimeout  time.Duration     `mapstructure:"busy_check_timeout" yaml:"busy_check_timeout"`
	BusyRetryInterval time.Duration     `mapstructure:"busy_retry_interval" yaml:"busy_retry_interval"`
	FallbackReply     string            `mapstructure:"fallback_reply" yaml:"fallback_reply"`
	MalformedReply    string            `mapstructure:"malformed_reply" yaml:"malformed_reply"`
}

// SessionConfig параметры поведения сессии звонка
type SessionConfig struct {
	HistoryWindow            int               `mapstructure:"history_window" yaml:"history_window"`
	DTMFAutoSubmit           time.Duration     `mapstructure:"dtmf_auto_submit" yaml:"dtmf_auto_submit"`
	InactivityTimeout        time.Duration     `mapstructure:"inactivity_timeout" yaml:"inactivity_timeout"`
	HangupDelay              time.Duration     `mapstructure:"hangup_delay" yaml:"hangup_delay"`
	GreetingDelay            time.Duration     `mapstructure:"greeting_delay" yaml:"greeting_delay"`
	PregenerateGreeting      bool              `mapstructure:"pregenerate_greeting" yaml:"pregenerate_greeting"`
	ContextKey               string            `mapstructure:"context_key" yaml:"context_key"`
	CustomerKey              string            `mapstructure:"customer_key" yaml:"customer_key"`
	InitialPromptTemplate    string            `mapstructure:"initial_prompt_template" yaml:"initial_prompt_template"`
	Greetings                map[string]string `mapstructure:"greetings" yaml:"greetings"`
	DefaultGreeting          string            `mapstructure:"default_greeting" yaml:"default_greeting"`
	ClosingRemark            string            `mapstructure:"closing_remark" yaml:"closing_remark"`
	HallucinationMaxDistinct int               `mapstructure:"hallucination_max_distinct" yaml:"hallucination_max_distinct"`
	HallucinationPhrases     []string          `mapstructure:"hallucination_phrases" yaml:"hallucination_phrases"`
	HallucinationReply       string            `mapstructure:"hallucination_reply" yaml:"hallucination_reply"`
}

// StagingConfig каталог для аудио файлов, которые читает управляющая плоскость
type StagingConfig struct {
	Dir         string `mapstructure:"dir" yaml:"dir"`
	MediaPrefix string `mapstructure:"media_prefix" yaml:"media_prefix"`
}

// RedisConfig публикация состояния звонков. Пустой Addr отключает публикацию.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	Channel   string `mapstructure:"channel" yaml:"channel"`
	ActiveKey string `mapstructure:"active_key" yaml:"active_key"`
}

// HTTPConfig служебный HTTP сервер
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// HangupDelay пауза перед отложенным завершением звонка через API,
	// чтобы бот успел договорить последнюю реплику
	HangupDelay time.Duration `mapstructure:"hangup_delay" yaml:"hangup_delay"`
}

// LogConfig параметры логирования
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// New создает viper с зарегистрированными значениями по умолчанию и привязкой к окружению
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load читает файл (если указан) и декодирует итоговую конфигурацию
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("ошибка чтения файла конфигурации %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("ошибка декодирования конфигурации: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default возвращает конфигурацию только из значений по умолчанию
func Default() *Config {
	cfg, err := Load(New(), "")
	if err != nil {
		panic(fmt.Sprintf("значения по умолчанию невалидны: %v", err))
	}
	return cfg
}

// ErrInvalidConfig базовая ошибка валидации
var ErrInvalidConfig = errors.New("невалидная конфигурация")

// Validate проверяет значения, при которых бот не может работать
func (c *Config) Validate() error {
	var problems []string

	if c.ARI.URL == "" {
		problems = append(problems, "ari.url пуст")
	}
	if c.ARI.App == "" {
		problems = append(problems, "ari.app пуст")
	}
	if c.Media.PortMin < 0 || c.Media.PortMax < 0 || (c.Media.PortMin > 0 && c.Media.PortMin >= c.Media.PortMax) {
		problems = append(problems, fmt.Sprintf("некорректный диапазон портов %d-%d", c.Media.PortMin, c.Media.PortMax))
	}
	if c.Media.ReceiveTimeout <= 0 {
		problems = append(problems, "media.receive_timeout должен быть > 0")
	}
	if c.Media.DSCP < 0 || c.Media.DSCP > 63 {
		problems = append(problems, "media.dscp должен быть в диапазоне 0-63")
	}
	if c.VAD.SilenceThresholdRMS <= 0 {
		problems = append(problems, "vad.silence_threshold_rms должен быть > 0")
	}
	if c.VAD.SilenceDuration <= 0 || c.VAD.MaxRecording <= 0 {
		problems = append(problems, "длительности vad должны быть > 0")
	}
	if c.VAD.Gain <= 0 || c.VAD.BargeInFactor <= 0 {
		problems = append(problems, "vad.gain и vad.barge_in_factor должны быть > 0")
	}
	if c.TTS.SampleRate <= 0 {
		problems = append(problems, "tts.sample_rate должен быть > 0")
	}
	if c.Session.HistoryWindow <= 0 {
		problems = append(problems, "session.history_window должен быть > 0")
	}
	if c.Session.DTMFAutoSubmit <= 0 || c.Session.InactivityTimeout <= 0 {
		problems = append(problems, "таймеры сессии должны быть > 0")
	}
	if len(c.Dialogue.ReplyFields) == 0 {
		problems = append(problems, "dialogue.reply_fields пуст")
	}
	if c.Staging.Dir == "" {
		problems = append(problems, "staging.dir пуст")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Dump сериализует конфигурацию в YAML со скрытыми секретами
func (c Config) Dump() ([]byte, error) {
	redacted := c
	if redacted.ARI.Password != "" {
		redacted.ARI.Password = "***"
	}
	if redacted.Dialogue.BusyCheckAPIKey != "" {
		redacted.Dialogue.BusyCheckAPIKey = "***"
	}
	if redacted.Redis.Password != "" {
		redacted.Redis.Password = "***"
	}
	return yaml.Marshal(redacted)
}
