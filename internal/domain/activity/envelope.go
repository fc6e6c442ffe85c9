// Package activity — симуляция человеческого суточного ритма аккаунта.
// Для каждого аккаунта один раз генерируется «конверт» активности:
// 24 часовых множителя в [0,1] и окно сна в локальном времени аккаунта
// (по смещению таймзоны из фингерпринта). Конверт стабилен до ротации
// фингерпринта: новое устройство — новый профиль поведения.
package activity

import (
	"sync"
	"time"

	"telegram-fleet/internal/infra/randx"
	"telegram-fleet/internal/infra/timeutil"
)

// Границы генерации пауз в ShouldSendNow.
const (
	minSuggestedDelay = 10.0  // секунд
	maxSuggestedDelay = 300.0 // секунд
	multiplierFloor   = 0.05  // ε: защита от деления на ноль при глухой ночи
)

// Envelope — профиль активности одного аккаунта.
// Поля неизменяемы после генерации; конверт можно читать конкурентно.
type Envelope struct {
	AccountID      string
	TimezoneOffset int         // целые часы от UTC
	Hourly         [24]float64 // множитель активности по часам локального времени
	SleepStart     int         // час начала сна (локальное время)
	SleepEnd       int         // час конца сна
	WeekendFactor  float64     // множитель выходного дня
}

// hourBand описывает диапазон множителя для группы часов.
type hourBand struct {
	from, to int // [from, to)
	lo, hi   float64
}

// Суточная форма: глухая ночь почти нулевая, пик — вечер.
// Конкретные значения сэмплируются на аккаунт, чтобы профили не совпадали.
var dayShape = []hourBand{
	{0, 2, 0.05, 0.20},   // поздняя ночь
	{2, 7, 0.02, 0.10},   // глубокая ночь
	{7, 9, 0.30, 0.60},   // утро
	{9, 17, 0.50, 0.90},  // рабочие часы
	{17, 21, 0.80, 1.00}, // вечер
	{21, 24, 0.40, 0.70}, // поздний вечер
}

// Generate строит конверт для аккаунта. Окно сна выбирается в районе
// глубокой ночи: старт 0–3, длительность 5–8 часов.
func Generate(rnd randx.Source, accountID string, timezoneOffset int) *Envelope {
	env := &Envelope{
		AccountID:      accountID,
		TimezoneOffset: timezoneOffset,
		WeekendFactor:  randx.Uniform(rnd, 0.7, 1.1),
	}
	for _, band := range dayShape {
		for h := band.from; h < band.to; h++ {
			env.Hourly[h] = randx.Uniform(rnd, band.lo, band.hi)
		}
	}
	env.SleepStart = rnd.IntN(4)                    // 0..3
	env.SleepEnd = env.SleepStart + 5 + rnd.IntN(4) // 5..8 часов сна
	if env.SleepEnd >= 24 {
		env.SleepEnd -= 24
	}
	return env
}

// local переводит момент t в локальное время аккаунта.
func (e *Envelope) local(t time.Time) time.Time {
	return timeutil.AccountLocal(t, e.TimezoneOffset)
}

// IsSleeping сообщает, попадает ли момент t в окно сна аккаунта.
// Окно может переходить через полночь (например, 23 → 06).
func (e *Envelope) IsSleeping(t time.Time) bool {
	h := e.local(t).Hour()
	if e.SleepStart <= e.SleepEnd {
		return h >= e.SleepStart && h < e.SleepEnd
	}
	return h >= e.SleepStart || h < e.SleepEnd
}

// SleepEndAt возвращает ближайший момент окончания сна после t.
// Если аккаунт не спит в момент t, возвращается сам t.
func (e *Envelope) SleepEndAt(t time.Time) time.Time {
	if !e.IsSleeping(t) {
		return t
	}
	local := e.local(t)
	end := time.Date(local.Year(), local.Month(), local.Day(), e.SleepEnd, 0, 0, 0, local.Location())
	if !end.After(local) {
		end = end.Add(24 * time.Hour)
	}
	return end
}

// Multiplier возвращает множитель активности для момента t с учётом сна
// и выходного дня.
func (e *Envelope) Multiplier(t time.Time) float64 {
	if e.IsSleeping(t) {
		return 0
	}
	local := e.local(t)
	m := e.Hourly[local.Hour()]
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		m *= e.WeekendFactor
	}
	if m < 0 {
		return 0
	}
	if m > 1 {
		return 1
	}
	return m
}

// ShouldSendNow бросает Бернулли с параметром-множителем. При неудаче
// возвращает рекомендованную паузу: uniform(10,300)/max(multiplier, ε) —
// чем мертвее час, тем дольше ждать.
func (e *Envelope) ShouldSendNow(rnd randx.Source, t time.Time) (bool, float64) {
	m := e.Multiplier(t)
	if rnd.Float64() < m {
		return true, 0
	}
	base := randx.Uniform(rnd, minSuggestedDelay, maxSuggestedDelay)
	if m < multiplierFloor {
		m = multiplierFloor
	}
	return false, base / m
}

// Provider выдаёт конверты по аккаунту, генерируя их лениво, и пересоздаёт
// профиль при ротации фингерпринта (подписывается через хук реестра).
type Provider struct {
	rnd randx.Source

	mu        sync.RWMutex
	envelopes map[string]*Envelope
	offsets   func(accountID string) int // смещение таймзоны из фингерпринта
}

// NewProvider создаёт провайдер. offsets обязателен: он связывает конверт
// с таймзоной текущего фингерпринта аккаунта.
func NewProvider(rnd randx.Source, offsets func(accountID string) int) *Provider {
	return &Provider{
		rnd:       rnd,
		envelopes: make(map[string]*Envelope),
		offsets:   offsets,
	}
}

// Envelope возвращает конверт аккаунта, генерируя его при первом обращении.
func (p *Provider) Envelope(accountID string) *Envelope {
	p.mu.RLock()
	env, ok := p.envelopes[accountID]
	p.mu.RUnlock()
	if ok {
		return env
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if env, ok = p.envelopes[accountID]; ok {
		return env
	}
	env = Generate(p.rnd, accountID, p.offsets(accountID))
	p.envelopes[accountID] = env
	return env
}

// Regenerate пересоздаёт конверт (вызывается при ротации фингерпринта).
func (p *Provider) Regenerate(accountID string, timezoneOffset int) {
	env := Generate(p.rnd, accountID, timezoneOffset)
	p.mu.Lock()
	p.envelopes[accountID] = env
	p.mu.Unlock()
}
