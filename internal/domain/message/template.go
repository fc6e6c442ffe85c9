// Файл template.go — персонализация текста кампании.
// Шаблон — обычный текст с плейсхолдерами в фигурных скобках; подстановки
// берутся из профиля получателя и санитизируются, чтобы данные чужого
// профиля не протащили в сообщение разметку или мусор.
package message

import (
	"fmt"
	"regexp"
	"strings"

	"telegram-fleet/internal/domain/member"

	"github.com/go-faster/errors"
)

// Допустимые плейсхолдеры шаблона. Набор замкнут: неизвестная переменная —
// ошибка валидации, а не тихий пропуск.
var knownPlaceholders = map[string]bool{
	"first_name": true,
	"last_name":  true,
	"username":   true,
	"name":       true,
	"user_id":    true,
}

var (
	placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)
	// В подстановках остаются буквы, цифры, пробелы и @._- ; остальное
	// вырезается. Классы юникода перечислены явно, чтобы кириллические
	// имена переживали санитизацию.
	sanitizeRe = regexp.MustCompile(`[^\p{L}\p{N}\s@._-]`)
)

// maxValueLen — потолок длины одной подстановки.
const maxValueLen = 100

// ValidateTemplate проверяет шаблон: непустой текст, сбалансированные
// скобки, только известные плейсхолдеры.
func ValidateTemplate(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("template: empty text")
	}
	depth := 0
	for _, r := range text {
		switch r {
		case '{':
			depth++
			if depth > 1 {
				return errors.New("template: nested braces")
			}
		case '}':
			depth--
			if depth < 0 {
				return errors.New("template: unbalanced braces")
			}
		}
	}
	if depth != 0 {
		return errors.New("template: unbalanced braces")
	}
	for _, match := range placeholderRe.FindAllStringSubmatch(text, -1) {
		if !knownPlaceholders[match[1]] {
			return errors.Errorf("template: unknown placeholder {%s}", match[1])
		}
	}
	return nil
}

// Render подставляет данные получателя в шаблон и обрезает краевые пробелы
// результата; шаблон без плейсхолдеров возвращается неизменным с точностью
// до обрезки. Неизвестные плейсхолдеры не трогаются (валидация должна была
// их отсечь раньше).
func Render(text string, m member.Member) string {
	rendered := placeholderRe.ReplaceAllStringFunc(text, func(raw string) string {
		key := raw[1 : len(raw)-1]
		switch key {
		case "first_name":
			return sanitizeValue(m.FirstName)
		case "last_name":
			return sanitizeValue(m.LastName)
		case "username":
			return sanitizeValue(m.Username)
		case "name":
			return sanitizeValue(displayName(m))
		case "user_id":
			return fmt.Sprintf("%d", m.UserID)
		default:
			return raw
		}
	})
	return strings.TrimSpace(rendered)
}

// displayName выбирает отображаемое имя: имя, иначе username, иначе
// технический фолбэк User_<id>.
func displayName(m member.Member) string {
	if name := strings.TrimSpace(m.FirstName); name != "" {
		return name
	}
	if m.Username != "" {
		return m.Username
	}
	return fmt.Sprintf("User_%d", m.UserID)
}

// sanitizeValue вырезает недопустимые символы и обрезает значение.
// Обрезка по рунам: байтовый срез ломал бы многобайтовые символы.
func sanitizeValue(v string) string {
	v = sanitizeRe.ReplaceAllString(v, "")
	v = strings.TrimSpace(v)
	if runes := []rune(v); len(runes) > maxValueLen {
		v = string(runes[:maxValueLen])
	}
	return v
}
