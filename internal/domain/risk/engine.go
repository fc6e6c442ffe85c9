// Файл engine.go — движок риска: пер-аккаунтные координаторы и формула.
// Каждый аккаунт обслуживается своим координатором с собственным мьютексом;
// события RecordSend/RecordError сериализуются внутри аккаунта и никогда не
// блокируют чужие отправки. Тяжёлая часть (скоринг разнообразия) считается
// с отпущенным мьютексом на копии окна и «вкладывается» обратно.
package risk

import (
	"math"
	"sync"
	"time"

	"telegram-fleet/internal/infra/clock"
	"telegram-fleet/internal/infra/logger"

	"go.uber.org/zap"
)

// QuarantinePort — то, что движку нужно от менеджера карантина.
// RequestQuarantine не должен блокировать: движок зовёт его с отпущенным
// пер-аккаунтным мьютексом, но внутри своего событийного пути.
type QuarantinePort interface {
	RequestQuarantine(accountID, reason string, duration time.Duration, snapshot Snapshot)
	IsQuarantined(accountID string) bool
}

// Snapshot — согласованный срез метрик одного аккаунта.
// Снимается под пер-аккаунтным мьютексом и дальше живёт как значение.
type Snapshot struct {
	AccountID      string    `json:"account_id"`
	BanProbability float64   `json:"ban_probability"`
	Level          Level     `json:"risk_level"`
	Sent1h         int       `json:"messages_sent_1h"`
	Sent24h        int       `json:"messages_sent_24h"`
	Unique24h      int       `json:"unique_recipients_24h"`
	Errors24h      int       `json:"errors_24h"`
	FloodWait24h   int       `json:"floodwait_24h"`
	DiversityScore float64   `json:"diversity_score"`
	ResponseScore  float64   `json:"response_pattern_score"`
	TimingScore    float64   `json:"timing_pattern_score"`
	SentToday      int       `json:"sent_today"`
	TakenAt        time.Time `json:"taken_at"`
}

// timingSampleCap — сколько последних интервалов между отправками участвует
// в оценке timing_pattern_score.
const timingSampleCap = 20

// accountState — состояние одного аккаунта. Все поля под mu.
type accountState struct {
	mu sync.Mutex

	sent1h    eventWindow
	sent24h   recipientWindow
	errors24h eventWindow
	flood24h  eventWindow

	diversity      *diversityWindow
	diversityScore float64

	lastSendAt time.Time
	intervals  []float64 // секунды между последовательными отправками

	consecutiveFlood int // подряд идущих FLOOD_WAIT (сбрасывается успешной отправкой)

	banProbability float64
	level          Level
	sentToday      int
}

// Engine поддерживает RiskMetrics всех аккаунтов и выдаёт вероятность бана
// по запросу. Состояние не персистится: после рестарта метрики лениво
// восстанавливаются по мере поступления событий.
type Engine struct {
	cfg        Config
	clk        clock.Clock
	quarantine QuarantinePort

	mu       sync.RWMutex
	accounts map[string]*accountState
}

// NewEngine создаёт движок с данной калибровкой.
func NewEngine(cfg Config, clk clock.Clock, quarantine QuarantinePort) *Engine {
	return &Engine{
		cfg:        cfg,
		clk:        clk,
		quarantine: quarantine,
		accounts:   make(map[string]*accountState),
	}
}

// state возвращает координатор аккаунта, создавая его при первом обращении.
func (e *Engine) state(accountID string) *accountState {
	e.mu.RLock()
	st, ok := e.accounts[accountID]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.accounts[accountID]; ok {
		return st
	}
	st = &accountState{
		sent1h:         newEventWindow(time.Hour),
		sent24h:        newRecipientWindow(24 * time.Hour),
		errors24h:      newEventWindow(24 * time.Hour),
		flood24h:       newEventWindow(24 * time.Hour),
		diversity:      newDiversityWindow(e.cfg.WindowSize, e.cfg.TemplateCap),
		diversityScore: 1.0,
		level:          LevelSafe,
	}
	e.accounts[accountID] = st
	return st
}

// RecordSend учитывает успешную отправку: объёмы, интервалы, окно
// разнообразия. После обновления пересчитывает вероятность и при
// необходимости запрашивает автокарантин.
func (e *Engine) RecordSend(accountID, text string, recipientID int64, at time.Time) {
	st := e.state(accountID)

	st.mu.Lock()
	st.sent1h.Add(at)
	st.sent24h.Add(at, recipientID)
	st.sentToday++
	st.consecutiveFlood = 0
	if !st.lastSendAt.IsZero() {
		gap := at.Sub(st.lastSendAt).Seconds()
		if gap >= 0 {
			st.intervals = append(st.intervals, gap)
			if len(st.intervals) > timingSampleCap {
				st.intervals = st.intervals[1:]
			}
		}
	}
	st.lastSendAt = at
	st.diversity.Add(text)
	texts := st.diversity.Snapshot()
	st.mu.Unlock()

	// Тяжёлая часть — вне мьютекса.
	score := DiversityScore(e.cfg, texts)
	spam := DetectSpam(e.cfg, texts)

	st.mu.Lock()
	st.diversityScore = score
	p := e.recomputeLocked(accountID, st, at)
	if spam.Spam {
		p = clamp01(p + e.cfg.SpamProbabilityBoost)
		st.banProbability = p
		st.level = e.cfg.LevelFor(p)
	}
	snap := e.snapshotLocked(accountID, st, at)
	st.mu.Unlock()

	if spam.Spam {
		logger.Warn("spam pattern detected",
			zap.String("account", accountID),
			zap.String("reason", spam.Reason))
		e.quarantine.RequestQuarantine(accountID, ReasonPatternDetected, e.cfg.SpamQuarantine, snap)
		return
	}
	e.maybeAutoQuarantine(accountID, snap)
}

// RecordError учитывает ошибку отправки. FLOOD_WAIT ведёт отдельный счётчик
// и серию подряд идущих срабатываний; серия из ForceFloodCount запускает
// принудительный карантин независимо от вероятности.
func (e *Engine) RecordError(accountID string, kind ErrorKind, detail string, at time.Time) {
	st := e.state(accountID)

	st.mu.Lock()
	st.errors24h.Add(at)
	forced := time.Duration(0)
	if kind == KindFloodWait {
		st.flood24h.Add(at)
		st.consecutiveFlood++
		if st.consecutiveFlood >= e.cfg.ForceFloodCount {
			forced = time.Duration(st.flood24h.Len()) * e.cfg.PerFlood
		}
	} else {
		st.consecutiveFlood = 0
	}
	e.recomputeLocked(accountID, st, at)
	snap := e.snapshotLocked(accountID, st, at)
	st.mu.Unlock()

	logger.Debug("risk: error recorded",
		zap.String("account", accountID),
		zap.String("kind", string(kind)),
		zap.String("detail", detail),
		zap.Float64("ban_probability", snap.BanProbability))

	if forced > 0 {
		e.quarantine.RequestQuarantine(accountID, ReasonFloodWait, forced, snap)
		return
	}
	e.maybeAutoQuarantine(accountID, snap)
}

// Tick стареет окна всех аккаунтов. Вызывается супервизором не реже 1 Гц.
func (e *Engine) Tick(now time.Time) {
	for _, st := range e.states() {
		st.mu.Lock()
		st.sent1h.Prune(now)
		st.sent24h.Prune(now)
		st.errors24h.Prune(now)
		st.flood24h.Prune(now)
		st.mu.Unlock()
	}
}

// DailyReset обнуляет суточный операторский счётчик. Скользящие окна
// формулы события не трогают — это чисто учётная граница.
func (e *Engine) DailyReset(now time.Time) {
	for _, st := range e.states() {
		st.mu.Lock()
		st.sentToday = 0
		st.mu.Unlock()
	}
	logger.Info("risk: daily counters reset", zap.Time("at", now))
}

// Status возвращает снимок метрик аккаунта.
func (e *Engine) Status(accountID string) Snapshot {
	st := e.state(accountID)
	now := e.clk.Now()
	st.mu.Lock()
	defer st.mu.Unlock()
	e.recomputeLocked(accountID, st, now)
	return e.snapshotLocked(accountID, st, now)
}

// LevelOf возвращает текущий уровень риска (с учётом карантина).
func (e *Engine) LevelOf(accountID string) Level {
	return e.Status(accountID).Level
}

// Accounts возвращает идентификаторы всех известных движку аккаунтов.
func (e *Engine) Accounts() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.accounts))
	for id := range e.accounts {
		out = append(out, id)
	}
	return out
}

// states снимает срез координаторов под коротким RLock.
func (e *Engine) states() []*accountState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*accountState, 0, len(e.accounts))
	for _, st := range e.accounts {
		out = append(out, st)
	}
	return out
}

// recomputeLocked пересчитывает вероятность и уровень. Вызывается под st.mu.
func (e *Engine) recomputeLocked(accountID string, st *accountState, now time.Time) float64 {
	st.sent1h.Prune(now)
	st.sent24h.Prune(now)
	st.errors24h.Prune(now)
	st.flood24h.Prune(now)

	p := e.probabilityLocked(st)
	st.banProbability = p
	if e.quarantine != nil && e.quarantine.IsQuarantined(accountID) {
		st.level = LevelQuarantined
	} else {
		st.level = e.cfg.LevelFor(p)
	}
	return p
}

// probabilityLocked — детерминированная формула ban probability.
// Вклады суммируются и срезаются в [0,1].
func (e *Engine) probabilityLocked(st *accountState) float64 {
	cfg := e.cfg
	p := 0.0

	// Объём за час.
	switch h := st.sent1h.Len(); {
	case h > cfg.HourHigh:
		p += cfg.HourHighAdd
	case h > cfg.HourMed:
		p += cfg.HourMedAdd
	case h > cfg.HourLow:
		p += cfg.HourLowAdd
	}

	// Объём за сутки.
	switch d := st.sent24h.Total(); {
	case d > cfg.DayHigh:
		p += cfg.DayHighAdd
	case d > cfg.DayMed:
		p += cfg.DayMedAdd
	case d > cfg.DayLow:
		p += cfg.DayLowAdd
	}

	// Разнообразие.
	p += (1 - st.diversityScore) * cfg.DiversityWeight

	// Доля ошибок.
	sent := st.sent24h.Total()
	if sent < 1 {
		sent = 1
	}
	switch rate := float64(st.errors24h.Len()) / float64(sent); {
	case rate > cfg.ErrRateHigh:
		p += cfg.ErrRateHighAdd
	case rate > cfg.ErrRateMed:
		p += cfg.ErrRateMedAdd
	}

	// FLOOD_WAIT.
	switch f := st.flood24h.Len(); {
	case f > cfg.FloodHigh:
		p += cfg.FloodHighAdd
	case f > cfg.FloodMed:
		p += cfg.FloodMedAdd
	case f > cfg.FloodLow:
		p += cfg.FloodLowAdd
	}

	// Переиспользование получателей.
	if uniq := st.sent24h.Unique(); uniq > 0 {
		if float64(st.sent24h.Total())/float64(uniq) > cfg.ReuseRatio {
			p += cfg.ReuseAdd
		}
	}

	// Паттерны ответов и таймингов.
	p += (1 - st.sent24h.SingleContactShare()) * cfg.ResponseWeight
	p += (1 - timingScore(st.intervals)) * cfg.TimingWeight

	return clamp01(p)
}

// snapshotLocked собирает Snapshot. Вызывается под st.mu.
func (e *Engine) snapshotLocked(accountID string, st *accountState, now time.Time) Snapshot {
	return Snapshot{
		AccountID:      accountID,
		BanProbability: st.banProbability,
		Level:          st.level,
		Sent1h:         st.sent1h.Len(),
		Sent24h:        st.sent24h.Total(),
		Unique24h:      st.sent24h.Unique(),
		Errors24h:      st.errors24h.Len(),
		FloodWait24h:   st.flood24h.Len(),
		DiversityScore: st.diversityScore,
		ResponseScore:  st.sent24h.SingleContactShare(),
		TimingScore:    timingScore(st.intervals),
		SentToday:      st.sentToday,
		TakenAt:        now,
	}
}

// maybeAutoQuarantine запрашивает карантин, если вероятность выше порога
// и аккаунт ещё не в карантине.
func (e *Engine) maybeAutoQuarantine(accountID string, snap Snapshot) {
	if snap.BanProbability < e.cfg.AutoQuarantineAt {
		return
	}
	if e.quarantine.IsQuarantined(accountID) {
		return
	}
	e.quarantine.RequestQuarantine(accountID, ReasonHighBanRisk, e.cfg.QuarantineDuration(snap.BanProbability), snap)
}

// timingScore оценивает «человечность» интервалов между отправками через
// коэффициент вариации: строго равномерная машинная частота даёт 0,
// живой разброс — ближе к 1. Меньше двух интервалов — нейтральная 1.0.
func timingScore(intervals []float64) float64 {
	if len(intervals) < 2 {
		return 1.0
	}
	mean := 0.0
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(len(intervals))
	if mean <= 0 {
		return 0
	}
	variance := 0.0
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(intervals))
	return clamp01(math.Sqrt(variance) / mean)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
