package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults регистрирует значения по умолчанию для всех ключей.
// Ключ без значения по умолчанию не подхватывается из окружения через AutomaticEnv
// при Unmarshal, поэтому здесь перечислены все поля Config.
func SetDefaults(v *viper.Viper) {
	// ARI
	v.SetDefault("ari.url", "http://localhost:8088/ari")
	v.SetDefault("ari.user", "asterisk")
	v.SetDefault("ari.password", "")
	v.SetDefault("ari.app", "voicebot")
	v.SetDefault("ari.timeout", 10*time.Second)
	v.SetDefault("ari.reconnect_delay", 5*time.Second)
	v.SetDefault("ari.technical_leg_patterns", []string{"ExternalMedia", "UnicastRTP", "Snoop"})
	v.SetDefault("ari.originate_endpoint", "PJSIP/%s")
	v.SetDefault("ari.originate_caller_id", "")
	v.SetDefault("ari.originate_timeout", 30)

	// Медиа
	v.SetDefault("media.bind_host", "0.0.0.0")
	v.SetDefault("media.advertise_host", "127.0.0.1")
	v.SetDefault("media.port_min", 10000)
	v.SetDefault("media.port_max", 10999)
	v.SetDefault("media.format", "ulaw")
	v.SetDefault("media.receive_timeout", time.Second)
	v.SetDefault("media.max_packets_per_second", 200)
	v.SetDefault("media.dscp", 46)

	// Сегментатор
	v.SetDefault("vad.silence_threshold_rms", 500.0)
	v.SetDefault("vad.silence_duration", 500*time.Millisecond)
	v.SetDefault("vad.max_recording", 20*time.Second)
	v.SetDefault("vad.min_segment_bytes", 2000)
	v.SetDefault("vad.gain", 4.0)
	v.SetDefault("vad.barge_in_factor", 1.5)

	// STT
	v.SetDefault("stt.url", "http://localhost:9000/v1/audio/transcriptions")
	v.SetDefault("stt.model", "whisper-1")
	v.SetDefault("stt.language", "es")
	v.SetDefault("stt.temperature", 0.0)
	v.SetDefault("stt.timeout", 30*time.Second)

	// TTS
	v.SetDefault("tts.url", "http://localhost:5002/api/tts")
	v.SetDefault("tts.voice", "")
	v.SetDefault("tts.sample_rate", 22050)
	v.SetDefault("tts.timeout", 30*time.Second)

	// Диалоговый бэкенд
	v.SetDefault("dialogue.default_route", "recepcion")
	v.SetDefault("dialogue.route_key", "dept")
	v.SetDefault("dialogue.default_webhook", "http://localhost:5678/webhook/recepcion")
	v.SetDefault("dialogue.routes", map[string]string{
		"recepcion":    "http://localhost:5678/webhook/recepcion",
		"ventas":       "http://localhost:5678/webhook/ventas",
		"soporte":      "http://localhost:5678/webhook/soporte",
		"agendamiento": "http://localhost:5678/webhook/agendamiento",
	})
	v.SetDefault("dialogue.reply_fields", []string{"response", "text", "output"})
	v.SetDefault("dialogue.timeout", 30*time.Second)
	v.SetDefault("dialogue.busy_check_url", "")
	v.SetDefault("dialogue.busy_check_api_key", "")
	v.SetDefault("dialogue.busy_check_timeout", 2*time.Second)
	v.SetDefault("dialogue.busy_retry_interval", 500*time.Millisecond)
	v.SetDefault("dialogue.fallback_reply", "Perdón, tuve un problema de conexión. ¿Puedes repetir?")
	v.SetDefault("dialogue.malformed_reply", "Lo siento, no pude procesar eso.")

	// Сессия
	v.SetDefault("session.history_window", 5)
	v.SetDefault("session.dtmf_auto_submit", 3*time.Second)
	v.SetDefault("session.inactivity_timeout", 30*time.Second)
	v.SetDefault("session.hangup_delay", 6*time.Second)
	v.SetDefault("session.greeting_delay", time.Second)
	v.SetDefault("session.pregenerate_greeting", false)
	v.SetDefault("session.context_key", "agent_context")
	v.SetDefault("session.customer_key", "customer_name")
	v.SetDefault("session.initial_prompt_template",
		"[SYSTEM_INIT] Contexto: {{context}}. Cliente: {{customer}}. Genera el saludo inicial breve (máx 2 frases).")
	v.SetDefault("session.greetings", map[string]string{
		"ventas":       "{{greeting}}, bienvenido a Cloudfly, le habla su asesor de ventas. ¿En qué puedo ayudarle?",
		"soporte":      "{{greeting}}, bienvenido a Cloudfly, le habla su técnico de soporte. ¿En qué puedo ayudarle?",
		"agendamiento": "{{greeting}}, bienvenido a Cloudfly, le habla su asistente de citas. ¿En qué puedo ayudarle?",
	})
	v.SetDefault("session.default_greeting",
		"{{greeting}}, bienvenido a Cloudfly. Soy Ari Bot, tu recepcionista virtual. ¿En qué puedo ayudarte hoy?")
	v.SetDefault("session.closing_remark",
		"Parece que no hay nadie en la línea. Gracias por llamar, hasta luego.")
	v.SetDefault("session.hallucination_max_distinct", 3)
	v.SetDefault("session.hallucination_phrases", []string{
		"gracias por ver", "suscríbete", "subtitles by", "gracias.",
	})
	v.SetDefault("session.hallucination_reply", "")

	// Файлы для воспроизведения
	v.SetDefault("staging.dir", "/tmp/audio")
	v.SetDefault("staging.media_prefix", "sound:/tmp/audio")

	// Redis
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "voicebot:events")
	v.SetDefault("redis.active_key", "voicebot:active_calls")

	// HTTP
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.hangup_delay", 8*time.Second)

	// Логи
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}
