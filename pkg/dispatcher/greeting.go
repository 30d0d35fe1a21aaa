package dispatcher

import (
	"strings"
	"time"
)

// Greeting первая реплика бота
type Greeting struct {
	// Text локальное приветствие. При заданном Prompt используется,
	// если бэкенд не ответил.
	Text string
	// Prompt начальный промпт для диалогового бэкенда (is_initial)
	Prompt string
}

// Greeter выбирает приветствие по маршруту и метаданным звонка
type Greeter struct {
	ContextKey     string
	CustomerKey    string
	PromptTemplate string
	Greetings      map[string]string
	Default        string
	Now            func() time.Time
}

// Build строит приветствие. Если в метаданных есть контекст агента, первая
// реплика запрашивается у бэкенда, иначе говорится шаблон маршрута.
func (g Greeter) Build(route string, metadata map[string]string) Greeting {
	vars := g.vars(metadata)

	tmpl, ok := g.Greetings[route]
	if !ok {
		tmpl = g.Default
	}
	greeting := Greeting{Text: render(tmpl, vars)}

	if metadata[g.ContextKey] != "" && g.PromptTemplate != "" {
		greeting.Prompt = render(g.PromptTemplate, vars)
	}
	return greeting
}

func (g Greeter) vars(metadata map[string]string) map[string]string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}

	vars := make(map[string]string, len(metadata)+3)
	for k, v := range metadata {
		vars[k] = v
	}
	vars["greeting"] = TimeOfDayGreeting(now())
	vars["context"] = metadata[g.ContextKey]
	vars["customer"] = metadata[g.CustomerKey]
	return vars
}

// TimeOfDayGreeting приветствие по местному времени: с 5 до 12 утро,
// с 12 до 19 день, иначе вечер
func TimeOfDayGreeting(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return "Buenos días"
	case h >= 12 && h < 19:
		return "Buenas tardes"
	default:
		return "Buenas noches"
	}
}

// render подставляет {{key}}. Неизвестные плейсхолдеры остаются как есть.
func render(tmpl string, vars map[string]string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
