// Package supervisor — процессный «пульс» платформы.
// Цикл с частотой 1 Гц: снимает просроченные карантины, старит рисковые
// окна, раз в минуту проверяет протухшие фингерпринты и обновляет кэш
// рисковых снимков, на границе UTC-суток рассылает дневной сброс счётчиков.
package supervisor

import (
	"context"
	"sync"
	"time"

	"telegram-fleet/internal/domain/fingerprint"
	"telegram-fleet/internal/domain/quarantine"
	"telegram-fleet/internal/domain/risk"
	"telegram-fleet/internal/infra/clock"
	"telegram-fleet/internal/infra/logger"

	"go.uber.org/zap"
)

// Периоды супервизора.
const (
	tickInterval = time.Second
	minuteEvery  = 60 // тиков между минутными обязанностями
)

// Supervisor — владелец фоновых обязанностей процесса.
type Supervisor struct {
	riskEng      *risk.Engine
	quarantine   *quarantine.Manager
	fingerprints *fingerprint.Registry
	clk          clock.Clock

	tickCount int
	lastDay   time.Time // полночь UTC последнего дневного сброса

	mu        sync.RWMutex
	snapshots map[string]risk.Snapshot // минутный кэш для читателей статуса
}

// New создаёт супервизор. Дневной сброс отсчитывается от текущих UTC-суток:
// первый сброс случится на ближайшей полуночи, а не при старте.
func New(riskEng *risk.Engine, q *quarantine.Manager, fp *fingerprint.Registry, clk clock.Clock) *Supervisor {
	return &Supervisor{
		riskEng:      riskEng,
		quarantine:   q,
		fingerprints: fp,
		clk:          clk,
		lastDay:      midnightUTC(clk.Now()),
		snapshots:    make(map[string]risk.Snapshot),
	}
}

// Run крутит цикл до отмены контекста.
func (s *Supervisor) Run(ctx context.Context) {
	logger.Info("supervisor started")
	for {
		s.TickOnce(s.clk.Now())
		if err := s.clk.Sleep(ctx, tickInterval); err != nil {
			break
		}
	}
	logger.Info("supervisor stopped")
}

// TickOnce выполняет один секундный тик для момента now.
func (s *Supervisor) TickOnce(now time.Time) {
	released := s.quarantine.SweepExpired(now)
	for _, accountID := range released {
		logger.Info("quarantine swept", zap.String("account", accountID))
	}
	s.riskEng.Tick(now)

	s.tickCount++
	if s.tickCount%minuteEvery == 0 {
		s.minuteDuties()
	}

	if day := midnightUTC(now); day.After(s.lastDay) {
		s.lastDay = day
		s.riskEng.DailyReset(now)
		logger.Info("daily counters reset", zap.Time("utc_midnight", day))
	}
}

// minuteDuties — обязанности минутной гранулярности: ротация протухших
// фингерпринтов и обновление кэша рисковых снимков.
func (s *Supervisor) minuteDuties() {
	if rotated := s.fingerprints.SweepStale(); rotated > 0 {
		logger.Info("stale fingerprints rotated", zap.Int("count", rotated))
	}

	fresh := make(map[string]risk.Snapshot)
	for _, accountID := range s.riskEng.Accounts() {
		fresh[accountID] = s.riskEng.Status(accountID)
	}
	s.mu.Lock()
	s.snapshots = fresh
	s.mu.Unlock()
}

// Snapshot возвращает кэшированный рисковый снимок аккаунта. ok=false —
// аккаунт ещё не попадал в минутный кэш.
func (s *Supervisor) Snapshot(accountID string) (risk.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[accountID]
	return snap, ok
}

func midnightUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
