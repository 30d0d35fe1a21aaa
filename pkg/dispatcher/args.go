package dispatcher

import (
	"strings"
)

// ParseArgs разбирает аргументы приложения вида key=value в метаданные звонка.
// Значение может содержать '=', аргументы без '=' и с пустым ключом пропускаются.
// Повторный ключ перезаписывает предыдущий.
func ParseArgs(args []string) map[string]string {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
