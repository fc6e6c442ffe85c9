// Файл dispatcher.go — рабочий цикл одной пары (кампания, аккаунт).
// Диспетчер последовательно снимает цели с разделяемой очереди, спрашивает
// гейт, рендерит и отправляет сообщение, раскладывает исход по журналу и
// движку риска. Ошибки внутри цикла гасятся локально: записал исход —
// пошёл дальше. Строгая последовательность отправок с одного аккаунта —
// инвариант, на нём держится корректность лимитеров.
package campaign

import (
	"context"
	"time"

	"telegram-fleet/internal/domain/gate"
	"telegram-fleet/internal/domain/member"
	"telegram-fleet/internal/domain/message"
	"telegram-fleet/internal/domain/risk"
	"telegram-fleet/internal/domain/telegramapi"
	"telegram-fleet/internal/infra/clock"
	"telegram-fleet/internal/infra/logger"
	"telegram-fleet/internal/infra/randx"
	"telegram-fleet/internal/infra/retry"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Параметры цикла диспетчера.
const (
	rpcTimeout     = 60 * time.Second // дедлайн внешнего вызова Telegram
	flushEvery     = 10               // период сброса счётчиков кампании, итераций
	floodJitterMin = 5.0              // секунд поверх floodwait
	floodJitterMax = 15.0
	rateJitter     = 1.0 // ±1 секунда к rate_limit_delay
)

// RiskRecorder — взгляд диспетчера на движок риска.
type RiskRecorder interface {
	RecordSend(accountID, text string, recipientID int64, at time.Time)
	RecordError(accountID string, kind risk.ErrorKind, detail string, at time.Time)
	LevelOf(accountID string) risk.Level
}

// Dispatcher — воркер одной пары (кампания, аккаунт).
type Dispatcher struct {
	campaignID     string
	accountID      string
	template       string
	rateLimitDelay time.Duration

	queue    *TargetQueue
	gate     *gate.Gate
	members  member.Store
	sender   telegramapi.Sender
	messages *message.Store
	riskEng  RiskRecorder
	store    *Store
	clk      clock.Clock
	rnd      randx.Source

	stop       <-chan struct{}
	onCritical func(accountID string)

	// локальные дельты счётчиков кампании между сбросами
	deltaSent    int64
	deltaFailed  int64
	deltaBlocked int64
}

// DispatcherDeps — зависимости диспетчера, собираются планировщиком.
type DispatcherDeps struct {
	Queue    *TargetQueue
	Gate     *gate.Gate
	Members  member.Store
	Sender   telegramapi.Sender
	Messages *message.Store
	Risk     RiskRecorder
	Store    *Store
	Clock    clock.Clock
	Rand     randx.Source
	Stop     <-chan struct{}
	// OnCritical вызывается при выходе из-за критического риска: кампания
	// исключает аккаунт, остальные диспетчеры продолжают.
	OnCritical func(accountID string)
}

// NewDispatcher создаёт диспетчер для аккаунта в кампании.
func NewDispatcher(c *Campaign, accountID string, deps DispatcherDeps) *Dispatcher {
	return &Dispatcher{
		campaignID:     c.ID,
		accountID:      accountID,
		template:       c.Template,
		rateLimitDelay: c.RateLimitDelay,
		queue:          deps.Queue,
		gate:           deps.Gate,
		members:        deps.Members,
		sender:         deps.Sender,
		messages:       deps.Messages,
		riskEng:        deps.Risk,
		store:          deps.Store,
		clk:            deps.Clock,
		rnd:            deps.Rand,
		stop:           deps.Stop,
		onCritical:     deps.OnCritical,
	}
}

// Run крутит рабочий цикл до исчерпания очереди, сигнала остановки или
// выхода аккаунта из строя. Накопленные дельты счётчиков сбрасываются
// при любом исходе.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.flushCounters()

	log := logger.Logger().With(
		zap.String("campaign", d.campaignID),
		zap.String("account", d.accountID))
	log.Debug("dispatcher started")

	for iteration := 1; ; iteration++ {
		if d.stopped(ctx) {
			log.Debug("dispatcher stopped")
			return
		}

		targetID, ok := d.queue.Pop()
		if !ok {
			log.Debug("target queue drained")
			return
		}

		// Гейт мог сменить цель (возврат в очередь на время сна): дальше
		// обрабатывается та, на которой он остановился.
		targetID, mandatoryDelay, proceed := d.passGate(ctx, targetID, log)
		if !proceed {
			return
		}

		// Аккаунт шлёт строго по одному сообщению за раз, в какой бы
		// кампании ни состоял: захват держится и на паузах после отправки.
		d.gate.AcquireSend()
		d.processTarget(ctx, targetID, mandatoryDelay, log)
		d.gate.ReleaseSend()

		// Критический риск: аккаунт сам выводит себя из кампании.
		if d.riskEng.LevelOf(d.accountID) == risk.LevelCritical {
			log.Warn("risk turned critical, dispatcher leaving campaign")
			if d.onCritical != nil {
				d.onCritical(d.accountID)
			}
			return
		}

		if iteration%flushEvery == 0 {
			d.flushCounters()
		}
	}
}

// passGate прогоняет цель через гейт, отрабатывая Delay-циклы и Deny.
// proceed=false — диспетчер должен завершиться (цель при необходимости
// возвращена в очередь). При Allow возвращается цель, на которой гейт
// остановился (после окна сна она может отличаться от исходной), и
// обязательная рисковая пауза, которую цикл выдерживает после отправки.
func (d *Dispatcher) passGate(ctx context.Context, targetID int64, log *zap.Logger) (int64, time.Duration, bool) {
	for {
		decision := d.gate.CanSend(d.clk.Now())
		switch decision.Kind {
		case gate.KindAllow:
			return targetID, decision.Delay, true

		case gate.KindDelay:
			log.Debug("send delayed",
				zap.String("reason", decision.Reason),
				zap.Duration("delay", decision.Delay))
			if err := d.clk.Sleep(ctx, decision.Delay); err != nil {
				d.queue.PushBack(targetID)
				return 0, 0, false
			}
			if d.stopped(ctx) {
				d.queue.PushBack(targetID)
				return 0, 0, false
			}

		default: // gate.KindDeny
			switch decision.Reason {
			case gate.ReasonSleeping:
				// Спим до конца окна сна и продолжаем со следующей целью.
				d.queue.PushBack(targetID)
				until := decision.ReleaseAt.Sub(d.clk.Now())
				if until > 0 {
					if err := d.clk.Sleep(ctx, until); err != nil {
						return 0, 0, false
					}
				}
				if d.stopped(ctx) {
					return 0, 0, false
				}
				var ok bool
				if targetID, ok = d.queue.Pop(); !ok {
					return 0, 0, false
				}

			case gate.ReasonQuarantined:
				// Карантин переживает жизнь диспетчера; цель — другим.
				log.Info("account quarantined, dispatcher exits",
					zap.Time("release_at", decision.ReleaseAt))
				d.queue.PushBack(targetID)
				return 0, 0, false

			default: // account capped
				// Цель возвращается: её добьют другие аккаунты кампании,
				// а без них кампания останется незавершённой, но честной.
				log.Info("account capped, dispatcher exits")
				d.queue.PushBack(targetID)
				return 0, 0, false
			}
		}
	}
}

// processTarget выполняет один цикл «захват → рендер → RPC → исход».
// mandatoryDelay — рисковая пауза из решения гейта, выдерживается после
// каждой попытки вместе с межотправочной паузой кампании.
func (d *Dispatcher) processTarget(ctx context.Context, targetID int64, mandatoryDelay time.Duration, log *zap.Logger) {
	// Идемпотентный захват пары (кампания, цель). Дубликат означает, что
	// цель уже обработана (этим или прошлым запуском) — молча пропускаем.
	if err := d.messages.Insert(d.campaignID, targetID, d.accountID); err != nil {
		if errors.Is(err, message.ErrDuplicate) {
			return
		}
		log.Error("claim target failed", zap.Int64("target", targetID), zap.Error(err))
		return
	}

	m, err := d.members.Member(ctx, targetID)
	if err != nil {
		d.recordStatus(targetID, message.StatusFailed, "load member: "+err.Error())
		d.riskEng.RecordError(d.accountID, risk.KindGeneric, "member load failed", d.clk.Now())
		d.deltaFailed++
		return
	}
	text := message.Render(d.template, m)

	rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	sendErr := d.sender.SendMessage(rpcCtx, d.accountID, targetID, text)
	cancel()

	now := d.clk.Now()
	switch {
	case sendErr == nil:
		d.persist(func() error { return d.messages.MarkSent(d.campaignID, targetID, text) })
		d.riskEng.RecordSend(d.accountID, text, targetID, now)
		d.gate.RecordSent(now)
		d.deltaSent++

	case isFloodWait(sendErr):
		fw, _ := telegramapi.AsFloodWait(sendErr)
		d.riskEng.RecordError(d.accountID, risk.KindFloodWait, sendErr.Error(), now)
		// Захват снимается: цель вернётся в очередь и будет захвачена заново.
		if errDel := d.messages.Delete(d.campaignID, targetID); errDel != nil {
			log.Error("release claim failed", zap.Int64("target", targetID), zap.Error(errDel))
		}
		d.queue.PushBack(targetID)
		pause := fw.Duration() + time.Duration(randx.Uniform(d.rnd, floodJitterMin, floodJitterMax)*float64(time.Second))
		log.Warn("floodwait", zap.Duration("pause", pause))
		if err := d.clk.Sleep(ctx, pause); err != nil {
			return
		}

	case errors.Is(sendErr, telegramapi.ErrUserBlocked):
		d.recordStatus(targetID, message.StatusBlocked, sendErr.Error())
		d.riskEng.RecordError(d.accountID, risk.KindUserBlocked, sendErr.Error(), now)
		d.deltaBlocked++

	case errors.Is(sendErr, telegramapi.ErrPrivacyRestricted):
		d.recordStatus(targetID, message.StatusPrivacyRestricted, sendErr.Error())
		d.riskEng.RecordError(d.accountID, risk.KindPrivacyRestricted, sendErr.Error(), now)
		d.deltaBlocked++

	case telegramapi.Terminal(sendErr):
		// peer invalid / deactivated / banned: цель недостижима навсегда.
		d.recordStatus(targetID, message.StatusInvalidUser, sendErr.Error())
		d.riskEng.RecordError(d.accountID, risk.KindInvalidUser, sendErr.Error(), now)
		d.deltaFailed++

	default:
		d.recordStatus(targetID, message.StatusFailed, sendErr.Error())
		d.riskEng.RecordError(d.accountID, risk.KindGeneric, sendErr.Error(), now)
		d.deltaFailed++
	}

	// Рисковая пауза плюс межотправочная пауза кампании с джиттером ±1с —
	// после каждой попытки: неудачные исходы не должны идти очередью.
	// Floodwait свою паузу уже выдержал.
	if !isFloodWait(sendErr) {
		pause := mandatoryDelay
		if d.rateLimitDelay > 0 {
			jitter := time.Duration(randx.Uniform(d.rnd, -rateJitter, rateJitter) * float64(time.Second))
			pause += d.rateLimitDelay + jitter
		}
		if pause > 0 {
			_ = d.clk.Sleep(ctx, pause)
		}
	}
}

// recordStatus пишет терминальный статус цели с ретраями на случай отказа
// хранилища.
func (d *Dispatcher) recordStatus(targetID int64, st message.Status, detail string) {
	d.persist(func() error { return d.messages.MarkStatus(d.campaignID, targetID, st, detail) })
}

// persist выполняет запись в журнал с экспоненциальным бэкоффом. После
// исчерпания попыток ошибка логируется: исход остаётся в счётчиках памяти,
// сверку со стором сделает супервизор.
func (d *Dispatcher) persist(fn func() error) {
	err := retry.Do(context.Background(), d.clk, d.rnd, retry.DefaultPolicy(), fn)
	if err != nil {
		logger.Errorf("dispatcher %s/%s: persist failed: %v", d.campaignID, d.accountID, err)
	}
}

// flushCounters сбрасывает накопленные дельты в запись кампании.
func (d *Dispatcher) flushCounters() {
	if err := d.store.AddCounters(d.campaignID, d.deltaSent, d.deltaFailed, d.deltaBlocked); err != nil {
		logger.Errorf("dispatcher %s/%s: flush counters: %v", d.campaignID, d.accountID, err)
		return
	}
	d.deltaSent, d.deltaFailed, d.deltaBlocked = 0, 0, 0
}

// stopped проверяет сигналы остановки между отправками.
func (d *Dispatcher) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-d.stop:
		return true
	default:
		return false
	}
}

func isFloodWait(err error) bool {
	_, ok := telegramapi.AsFloodWait(err)
	return ok
}
