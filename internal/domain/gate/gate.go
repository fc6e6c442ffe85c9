// Package gate — единая точка решения «можно ли аккаунту отправлять сейчас».
// Гейт опрашивает карантин, окно сна, конверт активности, пер-аккаунтные
// лимиты и уровень риска в строгом порядке с коротким замыканием на первом
// блокирующем условии. Часовой лимитер и очерёдность отправок живут в
// разделяемом Account: аккаунт, участвующий в нескольких кампаниях, имеет
// один бюджет на всех.
package gate

import (
	"fmt"
	"sync"
	"time"

	"telegram-fleet/internal/domain/activity"
	"telegram-fleet/internal/domain/risk"
	"telegram-fleet/internal/infra/randx"
)

// Kind — исход решения гейта. Замкнутая сумма.
type Kind int

const (
	// KindAllow — отправлять можно; Decision.Delay несёт обязательную
	// рисковую паузу, которую вызывающий обязан выдержать.
	KindAllow Kind = iota
	// KindDelay — сейчас нельзя, повторить через Decision.Delay.
	KindDelay
	// KindDeny — нельзя до внешнего события (снятие карантина, конец сна,
	// исчерпан лимит аккаунта).
	KindDeny
)

// Decision — результат CanSend.
type Decision struct {
	Kind      Kind
	Delay     time.Duration // пауза: обязательная (Allow) или до повтора (Delay)
	Reason    string
	ReleaseAt time.Time // для Deny: когда блокировка снимется (карантин, конец сна)
}

// Причины решений. Диспетчер ветвится по ним, поэтому набор фиксирован.
const (
	ReasonQuarantined = "quarantined"
	ReasonSleeping    = "sleeping"
	ReasonActivity    = "activity lull"
	ReasonHourlyLimit = "hourly limit"
	ReasonAccountCap  = "account capped"
	ReasonRiskLevel   = "critical risk"
)

// Рисковые паузы по уровням.
const (
	criticalRetryDelay = 600 * time.Second
	highDelayMin       = 30.0
	highDelayMax       = 120.0
	moderateDelayMin   = 10.0
	moderateDelayMax   = 30.0
)

// Limits — лимиты одного аккаунта в рамках кампании.
type Limits struct {
	MaxPerHour    int  // потолок отправок в час; 0 — без ограничения
	MaxPerAccount int  // пожизненный потолок на кампанию; 0 — без ограничения
	Warming       bool // прогревающийся аккаунт: паузы не ниже умеренных
}

// QuarantineChecker — взгляд гейта на менеджер карантина.
type QuarantineChecker interface {
	IsQuarantined(accountID string) (bool, time.Time)
}

// RiskReader — взгляд гейта на движок риска.
type RiskReader interface {
	LevelOf(accountID string) risk.Level
}

// ActivitySource выдаёт конверт активности аккаунта.
type ActivitySource interface {
	Envelope(accountID string) *activity.Envelope
}

// Account — разделяемое состояние аккаунта между кампаниями: часовой
// лимитер и очерёдность отправок. Все гейты одного аккаунта, в скольких бы
// кампаниях он ни участвовал, держат один Account — иначе каждая кампания
// получала бы собственный часовой бюджет.
type Account struct {
	sendMu sync.Mutex // одна исходящая отправка аккаунта за раз

	mu           sync.Mutex
	hourStart    time.Time
	sentThisHour int
}

// NewAccount создаёт пустое разделяемое состояние аккаунта.
func NewAccount() *Account { return &Account{} }

// hourUsage возвращает счётчик текущего часового окна и остаток окна,
// открывая новое окно при истечении старого.
func (a *Account) hourUsage(now time.Time) (int, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollHourLocked(now)
	remaining := time.Hour - now.Sub(a.hourStart)
	if remaining < time.Second {
		remaining = time.Second
	}
	return a.sentThisHour, remaining
}

// recordSent учитывает состоявшуюся отправку в часовом окне.
func (a *Account) recordSent(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollHourLocked(now)
	a.sentThisHour++
}

// rollHourLocked открывает новое часовое окно, когда старое истекло.
// Вызывается под a.mu.
func (a *Account) rollHourLocked(now time.Time) {
	if a.hourStart.IsZero() || now.Sub(a.hourStart) >= time.Hour {
		a.hourStart = now
		a.sentThisHour = 0
	}
}

// Gate — решатель для одной пары (кампания, аккаунт). Часовой счётчик
// живёт в разделяемом Account; в гейте остаётся только пожизненный счётчик
// аккаунта в рамках этой кампании.
type Gate struct {
	accountID  string
	limits     Limits
	quarantine QuarantineChecker
	riskView   RiskReader
	activity   ActivitySource
	rnd        randx.Source
	acct       *Account

	sentTotal int
}

// New создаёт гейт для аккаунта с заданными лимитами. acct — разделяемое
// состояние аккаунта; один и тот же экземпляр передаётся гейтам всех
// кампаний с этим аккаунтом.
func New(accountID string, limits Limits, q QuarantineChecker, r RiskReader, a ActivitySource, rnd randx.Source, acct *Account) *Gate {
	if acct == nil {
		acct = NewAccount()
	}
	return &Gate{
		accountID:  accountID,
		limits:     limits,
		quarantine: q,
		riskView:   r,
		activity:   a,
		rnd:        rnd,
		acct:       acct,
	}
}

// CanSend принимает решение для момента now. Порядок проверок фиксирован:
// карантин → сон → конверт активности → часовой лимит → пожизненный лимит →
// рисковые паузы.
func (g *Gate) CanSend(now time.Time) Decision {
	// 1. Карантин.
	if quarantined, releaseAt := g.quarantine.IsQuarantined(g.accountID); quarantined {
		return Decision{Kind: KindDeny, Reason: ReasonQuarantined, ReleaseAt: releaseAt}
	}

	env := g.activity.Envelope(g.accountID)

	// 2. Окно сна.
	if env.IsSleeping(now) {
		return Decision{Kind: KindDeny, Reason: ReasonSleeping, ReleaseAt: env.SleepEndAt(now)}
	}

	// 3. Бернулли по множителю активности.
	if ok, delaySec := env.ShouldSendNow(g.rnd, now); !ok {
		return Decision{
			Kind:   KindDelay,
			Delay:  secondsToDuration(delaySec),
			Reason: ReasonActivity,
		}
	}

	// 4. Часовой лимит: счётчик общий на аккаунт, поэтому эффективный темп
	// не превышает минимального из лимитов его кампаний.
	if g.limits.MaxPerHour > 0 {
		if count, remaining := g.acct.hourUsage(now); count >= g.limits.MaxPerHour {
			return Decision{Kind: KindDelay, Delay: remaining, Reason: ReasonHourlyLimit}
		}
	}

	// 5. Пожизненный лимит аккаунта в кампании.
	if g.limits.MaxPerAccount > 0 && g.sentTotal >= g.limits.MaxPerAccount {
		return Decision{Kind: KindDeny, Reason: ReasonAccountCap}
	}

	// 6. Рисковые паузы.
	switch g.riskView.LevelOf(g.accountID) {
	case risk.LevelCritical, risk.LevelQuarantined:
		// Quarantined сюда попадает только в гонке с наложением карантина;
		// трактуем как критический уровень.
		return Decision{Kind: KindDelay, Delay: criticalRetryDelay, Reason: ReasonRiskLevel}
	case risk.LevelHigh:
		return g.allow(randx.Uniform(g.rnd, highDelayMin, highDelayMax))
	case risk.LevelModerate:
		return g.allow(randx.Uniform(g.rnd, moderateDelayMin, moderateDelayMax))
	default:
		if g.limits.Warming {
			// Прогрев: даже «безопасный» аккаунт не шлёт очередями.
			return g.allow(randx.Uniform(g.rnd, moderateDelayMin, moderateDelayMax))
		}
		return Decision{Kind: KindAllow}
	}
}

// RecordSent фиксирует состоявшуюся отправку в лимитере.
func (g *Gate) RecordSent(now time.Time) {
	g.acct.recordSent(now)
	g.sentTotal++
}

// SentTotal возвращает число отправок, учтённых лимитером за кампанию.
func (g *Gate) SentTotal() int { return g.sentTotal }

// RestoreSent восстанавливает пожизненный счётчик кампании при перезапуске
// диспетчеров: источник истины — журнал сообщений, иначе каждый перезапуск
// обнулял бы лимит.
func (g *Gate) RestoreSent(n int) {
	if n > 0 {
		g.sentTotal = n
	}
}

// AcquireSend захватывает аккаунт на одну исходящую отправку: диспетчеры
// разных кампаний с общим аккаунтом не шлют параллельно.
func (g *Gate) AcquireSend() { g.acct.sendMu.Lock() }

// ReleaseSend возвращает аккаунт в оборот после отправки и её пауз.
func (g *Gate) ReleaseSend() { g.acct.sendMu.Unlock() }

func (g *Gate) allow(delaySec float64) Decision {
	return Decision{Kind: KindAllow, Delay: secondsToDuration(delaySec)}
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

// String — диагностическое описание решения для логов.
func (d Decision) String() string {
	switch d.Kind {
	case KindAllow:
		return fmt.Sprintf("allow (mandatory delay %s)", d.Delay)
	case KindDelay:
		return fmt.Sprintf("delay %s: %s", d.Delay, d.Reason)
	default:
		return "deny: " + d.Reason
	}
}
