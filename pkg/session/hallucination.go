package session

import (
	"strings"
	"unicode"
)

// HallucinationFilter отсекает транскрипты, которые распознаватель выдает на
// тишине и шуме: повтор пары слогов ("si si si si") и служебные фразы
// из субтитров, на которых его обучали.
type HallucinationFilter struct {
	maxDistinct int
	phrases     map[string]struct{}
}

// NewHallucinationFilter maxDistinct <= 0 отключает проверку по буквам
func NewHallucinationFilter(maxDistinct int, phrases []string) HallucinationFilter {
	f := HallucinationFilter{
		maxDistinct: maxDistinct,
		phrases:     make(map[string]struct{}, len(phrases)),
	}
	for _, p := range phrases {
		if p = normalize(p); p != "" {
			f.phrases[p] = struct{}{}
		}
	}
	return f
}

// Reject true, если транскрипт нужно считать отсутствием ввода
func (f HallucinationFilter) Reject(text string) bool {
	norm := normalize(text)
	if norm == "" {
		return true
	}
	if _, ok := f.phrases[norm]; ok {
		return true
	}
	if f.maxDistinct <= 0 {
		return false
	}
	return DistinctLetters(norm) <= f.maxDistinct
}

// DistinctLetters количество различных букв без учета регистра
func DistinctLetters(text string) int {
	seen := make(map[rune]struct{})
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) {
			seen[r] = struct{}{}
		}
	}
	return len(seen)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
