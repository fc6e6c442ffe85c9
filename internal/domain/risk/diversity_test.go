package risk_test

import (
	"fmt"
	"testing"

	"telegram-fleet/internal/domain/risk"
)

func TestExtractTemplate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
		want string
	}{
		{
			name: "mentionAndNumber",
			text: "привет @ivan_petrov, твой код 4821",
			want: "привет {USER}, твой код {NUM}",
		},
		{
			name: "capitalizedName",
			text: "привет Иван, как дела?",
			want: "привет {NAME} как дела?",
		},
		{
			name: "sentenceCapitalIsName",
			text: "Привет всем",
			want: "{NAME} всем",
		},
		{
			name: "whitespaceCollapsed",
			text: "много    пробелов\t\tздесь",
			want: "много пробелов здесь",
		},
		{
			name: "plainLowercase",
			text: "просто текст без подстановок",
			want: "просто текст без подстановок",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := risk.ExtractTemplate(tc.text)
			if got != tc.want {
				t.Fatalf("ExtractTemplate(%q) = %q, want %q", tc.text, got, tc.want)
			}
		})
	}
}

func TestExtractTemplateSameTemplateForVariants(t *testing.T) {
	t.Parallel()

	a := risk.ExtractTemplate("привет @user1, скидка 50%")
	b := risk.ExtractTemplate("привет @user2, скидка 70%")
	if a != b {
		t.Fatalf("variants of one template differ: %q vs %q", a, b)
	}
}

func TestDiversityScore(t *testing.T) {
	t.Parallel()

	cfg := risk.DefaultConfig()

	identical := make([]string, 20)
	for i := range identical {
		identical[i] = "одно и то же сообщение"
	}
	varied := make([]string, 20)
	for i := range varied {
		varied[i] = fmt.Sprintf("совершенно разный текст номер %d про тему %d", i, i*7)
	}

	low := risk.DiversityScore(cfg, identical)
	high := risk.DiversityScore(cfg, varied)

	if low >= high {
		t.Fatalf("identical texts scored %v, varied %v; want low < high", low, high)
	}
	if low < 0 || low > 1 || high < 0 || high > 1 {
		t.Fatalf("scores out of [0,1]: low=%v high=%v", low, high)
	}
}

func TestDiversityScoreEmptyWindow(t *testing.T) {
	t.Parallel()

	if got := risk.DiversityScore(risk.DefaultConfig(), nil); got != 1.0 {
		t.Fatalf("empty window score = %v, want 1.0", got)
	}
}

func TestDetectSpam(t *testing.T) {
	t.Parallel()

	cfg := risk.DefaultConfig()

	cases := []struct {
		name  string
		texts []string
		spam  bool
	}{
		{
			name:  "exactDuplicates",
			texts: repeat("купи слона прямо сейчас", cfg.DuplicateThreshold),
			spam:  true,
		},
		{
			name:  "belowDuplicateThreshold",
			texts: repeat("купи слона прямо сейчас", cfg.DuplicateThreshold-1),
			spam:  false,
		},
		{
			name:  "templateDominance",
			texts: templated(12),
			spam:  true,
		},
		{
			name:  "dominanceWindowTooSmall",
			texts: templated(5),
			spam:  false,
		},
		{
			name:  "variedTexts",
			texts: varied(30),
			spam:  false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := risk.DetectSpam(cfg, tc.texts)
			if got.Spam != tc.spam {
				t.Fatalf("DetectSpam() = %+v, want spam=%v", got, tc.spam)
			}
		})
	}
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}

// templated генерирует сообщения одного индуцированного шаблона:
// отличаются только числа.
func templated(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("ваша скидка %d процентов до %d числа", i+1, i+20)
	}
	return out
}

func varied(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("текст про %s номер %d", []string{"погоду", "книги", "спорт", "кино", "музыку"}[i%5], i)
	}
	return out
}
