// Файл diversity.go — анализ разнообразия исходящих сообщений (окно на аккаунт).
// Однообразные рассылки — главный наблюдаемый признак спама, поэтому окно
// последних сообщений сводится к скору [0,1] (выше — разнообразнее) и
// прогоняется через детектор повторяющихся паттернов.
//
// Скоринг и детекция — чистые функции над срезом текстов: движок снимает
// копию окна под пер-аккаунтным мьютексом, а считает уже без него.
package risk

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// SpamCheck — вердикт детектора паттернов по последнему сообщению.
type SpamCheck struct {
	Spam   bool
	Reason string
}

var (
	reDigits  = regexp.MustCompile(`\d+`)
	reMention = regexp.MustCompile(`@\w+`)
)

// ExtractTemplate сводит текст к индуцированному шаблону: числа → {NUM},
// упоминания → {USER}, слова с заглавной буквы → {NAME}; пробелы схлопываются,
// результат приводится к нижнему регистру. Два сообщения одного шаблона
// отличаются только подстановками.
func ExtractTemplate(text string) string {
	t := reMention.ReplaceAllString(text, "{USER}")
	t = reDigits.ReplaceAllString(t, "{NUM}")

	words := strings.Fields(t)
	for i, w := range words {
		if strings.Contains(w, "{USER}") || strings.Contains(w, "{NUM}") {
			continue
		}
		runes := []rune(w)
		if len(runes) > 0 && unicode.IsUpper(runes[0]) {
			words[i] = "{NAME}"
			continue
		}
		words[i] = strings.ToLower(w)
	}
	return strings.Join(words, " ")
}

// diversityWindow — кольцо последних сообщений аккаунта плюс множество
// индуцированных шаблонов с вытеснением самых старых. Не потокобезопасно:
// владеет им пер-аккаунтный координатор движка.
type diversityWindow struct {
	capacity    int
	templateCap int
	texts       []string
	templates   []string // уникальные шаблоны в порядке первого появления
}

func newDiversityWindow(capacity, templateCap int) *diversityWindow {
	return &diversityWindow{capacity: capacity, templateCap: templateCap}
}

// Add помещает текст в кольцо и регистрирует его шаблон.
func (w *diversityWindow) Add(text string) {
	w.texts = append(w.texts, text)
	if len(w.texts) > w.capacity {
		w.texts = append(w.texts[:0], w.texts[len(w.texts)-w.capacity:]...)
	}

	tpl := ExtractTemplate(text)
	for _, existing := range w.templates {
		if existing == tpl {
			return
		}
	}
	w.templates = append(w.templates, tpl)
	if len(w.templates) > w.templateCap {
		w.templates = w.templates[1:]
	}
}

// Snapshot возвращает копию окна для вычислений вне мьютекса.
func (w *diversityWindow) Snapshot() []string {
	out := make([]string, len(w.texts))
	copy(out, w.texts)
	return out
}

// TemplateCount возвращает размер множества шаблонов.
func (w *diversityWindow) TemplateCount() int { return len(w.templates) }

// DiversityScore — взвешенная оценка разнообразия окна:
//   - доля уникальных сообщений (вес 0.3),
//   - доля уникальных шаблонов (вес 0.4),
//   - 1 − средняя близость Жаккара по словам на выборке последних пар (вес 0.3).
//
// Пустое окно считается идеально разнообразным (1.0).
func DiversityScore(cfg Config, texts []string) float64 {
	if len(texts) == 0 {
		return 1.0
	}

	uniqueMsgs := make(map[string]struct{}, len(texts))
	uniqueTpls := make(map[string]struct{}, len(texts))
	for _, t := range texts {
		uniqueMsgs[t] = struct{}{}
		uniqueTpls[ExtractTemplate(t)] = struct{}{}
	}
	uniqueRatio := float64(len(uniqueMsgs)) / float64(len(texts))
	templateRatio := float64(len(uniqueTpls)) / float64(len(texts))

	return 0.3*uniqueRatio + 0.4*templateRatio + 0.3*similarityDiversity(cfg, texts)
}

// similarityDiversity считает 1 − mean(Jaccard) по выборке последних пар.
// Берутся соседние пары из хвоста окна, не больше cfg.PairSample.
func similarityDiversity(cfg Config, texts []string) float64 {
	if len(texts) < 2 {
		return 1.0
	}
	start := len(texts) - cfg.PairSample - 1
	if start < 0 {
		start = 0
	}
	sum, pairs := 0.0, 0
	for i := start; i < len(texts)-1; i++ {
		sum += jaccardWords(texts[i], texts[i+1])
		pairs++
	}
	if pairs == 0 {
		return 1.0
	}
	return 1.0 - sum/float64(pairs)
}

// jaccardWords — близость Жаккара по множествам слов (без регистра).
func jaccardWords(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1.0
	}
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = struct{}{}
	}
	return out
}

// DetectSpam проверяет окно на повторяющиеся паттерны:
//   - точный дубль встречается ≥ DuplicateThreshold раз;
//   - доминирующий шаблон покрывает ≥ DominanceRatio окна при размере
//     окна ≥ DominanceMinWindow.
func DetectSpam(cfg Config, texts []string) SpamCheck {
	if len(texts) == 0 {
		return SpamCheck{}
	}

	byText := make(map[string]int, len(texts))
	for _, t := range texts {
		byText[t]++
		if byText[t] >= cfg.DuplicateThreshold {
			return SpamCheck{
				Spam:   true,
				Reason: fmt.Sprintf("exact duplicate repeated %d times", byText[t]),
			}
		}
	}

	if len(texts) >= cfg.DominanceMinWindow {
		byTpl := make(map[string]int, len(texts))
		topTpl, topCount := "", 0
		for _, t := range texts {
			tpl := ExtractTemplate(t)
			byTpl[tpl]++
			if byTpl[tpl] > topCount {
				topTpl, topCount = tpl, byTpl[tpl]
			}
		}
		if share := float64(topCount) / float64(len(texts)); share >= cfg.DominanceRatio {
			return SpamCheck{
				Spam:   true,
				Reason: fmt.Sprintf("template %q dominates window (%.0f%%)", topTpl, share*100),
			}
		}
	}

	return SpamCheck{}
}
