// Файл presence.go — имитация онлайн-присутствия аккаунтов.
// Каждая отправка «пингует» менеджер присутствия: аккаунт переходит в online
// и через случайное окно простоя сам уходит в offline. Окна двух диапазонов
// (короткий/длинный) с вероятностями 80/20, чтобы рисунок присутствия не
// выглядел шаблонным. На аккаунт — одна фоновая горутина с таймером.
package telegram

import (
	"context"
	"sync"
	"time"

	"telegram-fleet/internal/infra/logger"
	"telegram-fleet/internal/infra/randx"
)

// Параметры окна простоя до авто-offline (мс).
const (
	presenceShortMinMs = 5678
	presenceShortMaxMs = 12345
	presenceLongMinMs  = 34567
	presenceLongMaxMs  = 45678
	presenceShortRatio = 0.8

	// Минимальный интервал между AccountUpdateStatus(online): частые пинги
	// не должны превращаться в шум запросов.
	presenceOnlineThrottle = time.Minute

	// Запас времени на отправку offline при остановке процесса.
	presenceOfflineGrace = 2 * time.Second
)

// presenceLoop — фоновое состояние одного аккаунта.
type presenceLoop struct {
	pingCh chan int      // буфер 1: всплески пингов схлопываются до одного сигнала
	doneCh chan struct{} // закрывается после завершения run
	cancel context.CancelFunc
}

// Presence управляет онлайн-статусом аккаунтов флота. Горутина аккаунта
// поднимается лениво при первом пинге и живёт до Close.
type Presence struct {
	pool *Pool
	rnd  randx.Source

	mu     sync.Mutex
	loops  map[string]*presenceLoop
	closed bool
}

// NewPresence создаёт менеджер присутствия поверх пула клиентов.
func NewPresence(pool *Pool, rnd randx.Source) *Presence {
	return &Presence{pool: pool, rnd: rnd, loops: make(map[string]*presenceLoop)}
}

// Touch сообщает о свежей активности аккаунта: поднимает online и заводит
// таймер авто-offline на случайное окно. При заполненном буфере сигнал
// игнорируется — таймер уже будет сброшен ближайшим пингом.
func (p *Presence) Touch(accountID string) {
	loop := p.loopFor(accountID)
	if loop == nil {
		return
	}
	select {
	case loop.pingCh <- p.idleWindowMs():
	default:
	}
}

// idleWindowMs выбирает окно простоя: 80% — короткое, 20% — длинное.
func (p *Presence) idleWindowMs() int {
	if p.rnd.Float64() < presenceShortRatio {
		return presenceShortMinMs + p.rnd.IntN(presenceShortMaxMs-presenceShortMinMs+1)
	}
	return presenceLongMinMs + p.rnd.IntN(presenceLongMaxMs-presenceLongMinMs+1)
}

// loopFor возвращает цикл аккаунта, создавая его при первом обращении.
func (p *Presence) loopFor(accountID string) *presenceLoop {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if loop, ok := p.loops[accountID]; ok {
		return loop
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := &presenceLoop{
		pingCh: make(chan int, 1),
		doneCh: make(chan struct{}),
		cancel: cancel,
	}
	p.loops[accountID] = loop
	go p.run(ctx, accountID, loop)
	return loop
}

// run — цикл присутствия одного аккаунта: пинг включает online и взводит
// таймер, истечение таймера уводит в offline. Перед Reset канал таймера
// осушается, иначе можно поймать старый тик.
func (p *Presence) run(ctx context.Context, accountID string, loop *presenceLoop) {
	online := false
	lastOnlineAt := time.Time{}
	timer := time.NewTimer(time.Hour)
	timer.Stop() // таймер взводится только пингом

	for {
		select {
		case <-ctx.Done():
			p.setOffline(ctx, accountID, "shutdown", &online)
			close(loop.doneCh)
			return

		case waitMs := <-loop.pingCh:
			p.setOnlineOnce(ctx, accountID, &online, &lastOnlineAt)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			idle := time.Duration(waitMs) * time.Millisecond
			logger.Debugf("presence %s: activity, auto-offline in %v", accountID, idle)
			timer.Reset(idle)

		case <-timer.C:
			p.setOffline(ctx, accountID, "idle timeout", &online)
		}
	}
}

// setOnlineOnce переводит аккаунт в online, если прошлый апдейт был давно.
func (p *Presence) setOnlineOnce(ctx context.Context, accountID string, online *bool, lastOnlineAt *time.Time) {
	if *online && time.Since(*lastOnlineAt) < presenceOnlineThrottle {
		return
	}
	api, err := p.pool.API(accountID)
	if err != nil {
		logger.Errorf("presence %s: acquire client: %v", accountID, err)
		return
	}
	if _, err = api.AccountUpdateStatus(ctx, false); err != nil {
		logger.Errorf("presence %s: go online: %v", accountID, err)
		return
	}
	*online = true
	*lastOnlineAt = time.Now()
}

// setOffline уводит аккаунт в offline. Если контекст уже отменён, запрос
// уходит через короткий фоновый контекст, чтобы успеть до выхода процесса.
func (p *Presence) setOffline(ctx context.Context, accountID, reason string, online *bool) {
	if !*online {
		return
	}

	callCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(context.Background(), presenceOfflineGrace)
		defer cancel()
	}

	api, err := p.pool.API(accountID)
	if err != nil {
		logger.Errorf("presence %s: acquire client: %v", accountID, err)
		return
	}
	if _, err = api.AccountUpdateStatus(callCtx, true); err != nil {
		logger.Errorf("presence %s: go offline (%s): %v", accountID, reason, err)
		return
	}
	logger.Debugf("presence %s: offline (%s)", accountID, reason)
	*online = false
}

// Close останавливает все циклы присутствия и дожидается их завершения.
// Каждый цикл напоследок пытается отправить offline.
func (p *Presence) Close() {
	p.mu.Lock()
	loops := p.loops
	p.loops = make(map[string]*presenceLoop)
	p.closed = true
	p.mu.Unlock()

	for _, loop := range loops {
		loop.cancel()
	}
	for _, loop := range loops {
		<-loop.doneCh
	}
}
