// Файл scheduler.go — жизненный цикл кампаний.
// Один надзорный цикл с периодом в минуту: запускает дозревшие queued-кампании,
// гейтит running по активным часам, будит auto_paused, завершает по
// scheduled_end и дренажу очереди, клонирует рекуррентные. Ошибки одного
// шага логируются и не валят цикл; кампания с хронически падающим
// планированием переводится в error с остановкой диспетчеров.
package campaign

import (
	"context"
	"sync"
	"time"

	"telegram-fleet/internal/domain/gate"
	"telegram-fleet/internal/domain/member"
	"telegram-fleet/internal/domain/message"
	"telegram-fleet/internal/domain/telegramapi"
	"telegram-fleet/internal/infra/clock"
	"telegram-fleet/internal/infra/logger"
	"telegram-fleet/internal/infra/randx"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Параметры надзорного цикла.
const (
	tickInterval = time.Minute
	// errorThreshold — столько подряд упавших тиков по одной кампании
	// переводят её в состояние error.
	errorThreshold = 5
)

// SchedulerDeps — внешние зависимости планировщика и его диспетчеров.
type SchedulerDeps struct {
	Store      *Store
	Messages   *message.Store
	Members    member.Store
	Sender     telegramapi.Sender
	Risk       RiskRecorder
	Quarantine gate.QuarantineChecker
	Activity   gate.ActivitySource
	Clock      clock.Clock
	Rand       randx.Source
	// Warming сообщает, прогревается ли аккаунт (паузы гейта не ниже
	// умеренных). nil — все аккаунты считаются прогретыми.
	Warming func(accountID string) bool
}

// runtime — живое состояние одной запущенной кампании.
type runtime struct {
	queue  *TargetQueue
	stop   chan struct{}
	cancel context.CancelFunc // будит диспетчеры, спящие на часах
	done   chan struct{}      // закрывается, когда все диспетчеры завершились

	mu       sync.Mutex
	excluded map[string]bool // аккаунты, выбывшие по критическому риску
}

func (r *runtime) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *runtime) halt() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	r.cancel()
}

// Scheduler — владелец жизненного цикла кампаний.
type Scheduler struct {
	deps SchedulerDeps

	mu        sync.Mutex
	running   map[string]*runtime
	accounts  map[string]*gate.Account
	tickFails map[string]int
}

// NewScheduler создаёт планировщик.
func NewScheduler(deps SchedulerDeps) *Scheduler {
	return &Scheduler{
		deps:      deps,
		running:   make(map[string]*runtime),
		accounts:  make(map[string]*gate.Account),
		tickFails: make(map[string]int),
	}
}

// accountOf возвращает разделяемое состояние аккаунта, создавая его при
// первом обращении. Кампании с общим аккаунтом делят часовой бюджет и
// очерёдность отправок через один Account.
func (s *Scheduler) accountOf(accountID string) *gate.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[accountID]; ok {
		return acct
	}
	acct := gate.NewAccount()
	s.accounts[accountID] = acct
	return acct
}

// Run крутит надзорный цикл до отмены контекста. При выходе все
// диспетчеры останавливаются и дожидаются завершения.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info("campaign scheduler started")
	for {
		s.TickOnce(ctx, s.deps.Clock.Now())
		if err := s.deps.Clock.Sleep(ctx, tickInterval); err != nil {
			break
		}
	}
	s.StopAll()
	logger.Info("campaign scheduler stopped")
}

// TickOnce выполняет один проход планировщика для момента now.
func (s *Scheduler) TickOnce(ctx context.Context, now time.Time) {
	campaigns, err := s.deps.Store.List("")
	if err != nil {
		logger.Errorf("scheduler: list campaigns: %v", err)
		return
	}
	for _, c := range campaigns {
		if tickErr := s.tickCampaign(ctx, c, now); tickErr != nil {
			s.noteFailure(c.ID, tickErr)
		} else {
			s.clearFailure(c.ID)
		}
	}
}

// tickCampaign обрабатывает одну кампанию в рамках тика.
func (s *Scheduler) tickCampaign(ctx context.Context, c *Campaign, now time.Time) error {
	switch c.Status {
	case StatusQueued:
		ready := c.ScheduledStart == nil || !c.ScheduledStart.After(now)
		if ready && c.InActiveHours(now) {
			return s.promote(ctx, c.ID, now)
		}

	case StatusRunning:
		if c.ScheduledEnd != nil && !now.Before(*c.ScheduledEnd) {
			return s.complete(c.ID, now)
		}
		if !c.InActiveHours(now) {
			return s.autoPause(c.ID)
		}
		rt := s.runtimeOf(c.ID)
		if rt == nil {
			// running без живых воркеров — рестарт процесса; поднимаем заново.
			return s.respawn(ctx, c.ID)
		}
		if rt.finished() {
			if rt.queue.Len() == 0 {
				return s.complete(c.ID, now)
			}
			// Диспетчеры кончились, а цели остались: аккаунты выбыли
			// (карантин, лимиты). Перезапускаем воркеров — уцелевшие
			// аккаунты доберут очередь.
			return s.respawn(ctx, c.ID)
		}

	case StatusPaused:
		if c.AutoPaused && c.InActiveHours(now) {
			return s.promote(ctx, c.ID, now)
		}

	case StatusCompleted:
		if c.Recurring && c.RecurrenceIntervalDays > 0 && c.CompletedAt != nil {
			interval := time.Duration(c.RecurrenceIntervalDays) * 24 * time.Hour
			if !now.Before(c.CompletedAt.Add(interval)) {
				return s.recur(c, now)
			}
		}
	}
	return nil
}

// Start запускает кампанию немедленно (draft/queued/paused/error → running).
func (s *Scheduler) Start(ctx context.Context, id string) error {
	return s.promote(ctx, id, s.deps.Clock.Now())
}

// Pause ставит кампанию на ручную паузу и останавливает диспетчеры.
func (s *Scheduler) Pause(id string) error {
	_, err := s.deps.Store.Transition(id, StatusPaused, func(c *Campaign) {
		c.AutoPaused = false
	})
	if err != nil {
		return err
	}
	s.stopRuntime(id)
	logger.Info("campaign paused", zap.String("campaign", id))
	return nil
}

// Resume снимает кампанию с паузы.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	c, err := s.deps.Store.Get(id)
	if err != nil {
		return err
	}
	if c.Status != StatusPaused {
		return errors.Wrapf(ErrConflictingState, "resume from %s", c.Status)
	}
	return s.promote(ctx, id, s.deps.Clock.Now())
}

// Cancel отменяет кампанию и останавливает её диспетчеры.
func (s *Scheduler) Cancel(id string) error {
	_, err := s.deps.Store.Transition(id, StatusCancelled, nil)
	if err != nil {
		return err
	}
	s.stopRuntime(id)
	logger.Info("campaign cancelled", zap.String("campaign", id))
	return nil
}

// StopAll останавливает диспетчеры всех кампаний и ждёт их завершения.
// Статусы в сторе не меняются: после рестарта running-кампании
// продолжатся с места остановки.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	runtimes := make([]*runtime, 0, len(s.running))
	for _, rt := range s.running {
		runtimes = append(runtimes, rt)
	}
	s.running = make(map[string]*runtime)
	s.mu.Unlock()

	for _, rt := range runtimes {
		rt.halt()
		<-rt.done
	}
}

// promote переводит кампанию в running и поднимает диспетчеры.
func (s *Scheduler) promote(ctx context.Context, id string, now time.Time) error {
	c, err := s.deps.Store.Transition(id, StatusRunning, func(c *Campaign) {
		c.AutoPaused = false
		if c.StartedAt == nil {
			started := now
			c.StartedAt = &started
		}
		c.LastError = ""
	})
	if err != nil {
		return err
	}
	s.spawn(ctx, c)
	logger.Info("campaign running",
		zap.String("campaign", c.ID),
		zap.Int("targets", len(c.TargetIDs)),
		zap.Int("accounts", len(c.AccountIDs)))
	return nil
}

// respawn перезапускает диспетчеры running-кампании без смены статуса.
func (s *Scheduler) respawn(ctx context.Context, id string) error {
	c, err := s.deps.Store.Get(id)
	if err != nil {
		return err
	}
	s.spawn(ctx, c)
	return nil
}

// autoPause ставит кампанию на паузу по активным часам.
func (s *Scheduler) autoPause(id string) error {
	_, err := s.deps.Store.Transition(id, StatusPaused, func(c *Campaign) {
		c.AutoPaused = true
	})
	if err != nil {
		return err
	}
	s.stopRuntime(id)
	logger.Info("campaign auto-paused outside active hours", zap.String("campaign", id))
	return nil
}

// complete завершает кампанию.
func (s *Scheduler) complete(id string, now time.Time) error {
	_, err := s.deps.Store.Transition(id, StatusCompleted, func(c *Campaign) {
		completed := now
		c.CompletedAt = &completed
	})
	if err != nil {
		return err
	}
	s.stopRuntime(id)
	logger.Info("campaign completed", zap.String("campaign", id))
	return nil
}

// recur клонирует рекуррентную кампанию: новый id, чистые счётчики,
// scheduled_start через интервал. Исходная запись перестаёт рекуррировать,
// иначе каждый тик плодил бы по клону.
func (s *Scheduler) recur(c *Campaign, now time.Time) error {
	interval := time.Duration(c.RecurrenceIntervalDays) * 24 * time.Hour
	start := now.Add(interval)

	clone := *c
	clone.ID = uuid.NewString()
	clone.Status = StatusQueued
	clone.ScheduledStart = &start
	clone.SentCount, clone.FailedCount, clone.BlockedCount = 0, 0, 0
	clone.AutoPaused = false
	clone.LastError = ""
	clone.CreatedAt = now
	clone.StartedAt = nil
	clone.CompletedAt = nil
	clone.TargetIDs = append([]int64(nil), c.TargetIDs...)
	clone.AccountIDs = append([]string(nil), c.AccountIDs...)

	if err := s.deps.Store.Save(&clone); err != nil {
		return err
	}
	if _, err := s.deps.Store.Update(c.ID, func(orig *Campaign) error {
		orig.Recurring = false
		return nil
	}); err != nil {
		return err
	}
	logger.Info("recurring campaign cloned",
		zap.String("campaign", c.ID),
		zap.String("clone", clone.ID),
		zap.Time("scheduled_start", start))
	return nil
}

// spawn поднимает диспетчеры кампании: очередь строится из целей, у которых
// ещё нет строки в журнале (захваченные pending-строки не переотправляются —
// так сохраняется at-most-once после рестарта).
func (s *Scheduler) spawn(ctx context.Context, c *Campaign) {
	s.stopRuntime(c.ID)

	runCtx, cancel := context.WithCancel(ctx)
	rt := &runtime{
		queue:    NewTargetQueue(s.remainingTargets(c)),
		stop:     make(chan struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
		excluded: make(map[string]bool),
	}

	sentBy := s.sentByAccount(c.ID)

	var wg sync.WaitGroup
	for _, accountID := range c.AccountIDs {
		accountID := accountID
		g := gate.New(accountID, gate.Limits{
			MaxPerHour:    c.MaxPerHour,
			MaxPerAccount: c.MaxPerAccount,
			Warming:       s.deps.Warming != nil && s.deps.Warming(accountID),
		}, s.deps.Quarantine, s.deps.Risk, s.deps.Activity, s.deps.Rand, s.accountOf(accountID))
		g.RestoreSent(sentBy[accountID])

		disp := NewDispatcher(c, accountID, DispatcherDeps{
			Queue:    rt.queue,
			Gate:     g,
			Members:  s.deps.Members,
			Sender:   s.deps.Sender,
			Messages: s.deps.Messages,
			Risk:     s.deps.Risk,
			Store:    s.deps.Store,
			Clock:    s.deps.Clock,
			Rand:     s.deps.Rand,
			Stop:     rt.stop,
			OnCritical: func(accountID string) {
				rt.mu.Lock()
				rt.excluded[accountID] = true
				rt.mu.Unlock()
				logger.Warnf("campaign %s: account %s excluded on critical risk", c.ID, accountID)
			},
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			disp.Run(runCtx)
		}()
	}
	go func() {
		wg.Wait()
		cancel()
		close(rt.done)
	}()

	s.mu.Lock()
	s.running[c.ID] = rt
	s.mu.Unlock()
}

// sentByAccount считает отправленные сообщения кампании по аккаунтам:
// пожизненные лимиты продолжают действовать после перезапуска диспетчеров.
func (s *Scheduler) sentByAccount(campaignID string) map[string]int {
	records, err := s.deps.Messages.ListByCampaign(campaignID)
	if err != nil {
		logger.Errorf("scheduler: list messages for %s: %v", campaignID, err)
		return nil
	}
	counts := make(map[string]int)
	for _, rec := range records {
		if rec.Status == message.StatusSent {
			counts[rec.AccountID]++
		}
	}
	return counts
}

// remainingTargets отбирает цели без строки журнала.
func (s *Scheduler) remainingTargets(c *Campaign) []int64 {
	records, err := s.deps.Messages.ListByCampaign(c.ID)
	if err != nil {
		logger.Errorf("scheduler: list messages for %s: %v", c.ID, err)
		return append([]int64(nil), c.TargetIDs...)
	}
	seen := make(map[int64]bool, len(records))
	for _, rec := range records {
		seen[rec.TargetID] = true
	}
	var remaining []int64
	for _, id := range c.TargetIDs {
		if !seen[id] {
			remaining = append(remaining, id)
		}
	}
	return remaining
}

// runtimeOf возвращает живое состояние кампании, если она запущена.
func (s *Scheduler) runtimeOf(id string) *runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

// stopRuntime останавливает диспетчеры кампании и ждёт их завершения.
func (s *Scheduler) stopRuntime(id string) {
	s.mu.Lock()
	rt := s.running[id]
	delete(s.running, id)
	s.mu.Unlock()
	if rt == nil {
		return
	}
	rt.halt()
	<-rt.done
}

// noteFailure учитывает упавший тик кампании; после errorThreshold подряд
// кампания переводится в error и останавливается.
func (s *Scheduler) noteFailure(id string, err error) {
	logger.Errorf("scheduler: campaign %s tick failed: %v", id, err)

	s.mu.Lock()
	s.tickFails[id]++
	fails := s.tickFails[id]
	s.mu.Unlock()
	if fails < errorThreshold {
		return
	}

	if _, trErr := s.deps.Store.Transition(id, StatusError, func(c *Campaign) {
		c.LastError = err.Error()
	}); trErr != nil {
		logger.Errorf("scheduler: campaign %s transition to error failed: %v", id, trErr)
		return
	}
	s.stopRuntime(id)
	logger.Errorf("scheduler: campaign %s entered error state after %d failed ticks", id, fails)
}

func (s *Scheduler) clearFailure(id string) {
	s.mu.Lock()
	delete(s.tickFails, id)
	s.mu.Unlock()
}

// Excluded возвращает аккаунты, выбывшие из запущенной кампании по
// критическому риску.
func (s *Scheduler) Excluded(id string) []string {
	rt := s.runtimeOf(id)
	if rt == nil {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]string, 0, len(rt.excluded))
	for accountID := range rt.excluded {
		out = append(out, accountID)
	}
	return out
}
