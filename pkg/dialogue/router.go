package dialogue

import (
	"strings"
)

// Router выбирает вебхук по маршруту (отделу) звонка
type Router struct {
	routes         map[string]string
	defaultRoute   string
	defaultWebhook string
}

// NewRouter создает таблицу маршрутов. Имена маршрутов нечувствительны к регистру.
func NewRouter(routes map[string]string, defaultRoute, defaultWebhook string) *Router {
	r := &Router{
		routes:         make(map[string]string, len(routes)),
		defaultRoute:   strings.ToLower(defaultRoute),
		defaultWebhook: defaultWebhook,
	}
	for name, url := range routes {
		if url != "" {
			r.routes[strings.ToLower(name)] = url
		}
	}
	return r
}

// Resolve возвращает маршрут, под которым будет обработан звонок, и адрес вебхука.
// Неизвестный маршрут обрабатывается маршрутом по умолчанию.
func (r *Router) Resolve(route string) (string, string) {
	name := strings.ToLower(strings.TrimSpace(route))
	if url, ok := r.routes[name]; ok {
		return name, url
	}
	if url, ok := r.routes[r.defaultRoute]; ok {
		return r.defaultRoute, url
	}
	return r.defaultRoute, r.defaultWebhook
}

// Known есть ли маршрут в таблице
func (r *Router) Known(route string) bool {
	_, ok := r.routes[strings.ToLower(strings.TrimSpace(route))]
	return ok
}

// Default маршрут по умолчанию
func (r *Router) Default() string {
	return r.defaultRoute
}
