// Package app — верхний уровень сборки платформы управления флотом аккаунтов.
// Здесь связываются конфигурация, хранилище, движок риска, карантины,
// фингерпринты, симулятор активности, планировщик кампаний и супервизор.
// Отсюда стартуют фоновые циклы и обеспечивается корректный shutdown.
package app

import (
	"time"

	telegramadapter "telegram-fleet/internal/adapters/telegram"
	"telegram-fleet/internal/domain/activity"
	"telegram-fleet/internal/domain/campaign"
	"telegram-fleet/internal/domain/fingerprint"
	"telegram-fleet/internal/domain/member"
	"telegram-fleet/internal/domain/message"
	"telegram-fleet/internal/domain/quarantine"
	"telegram-fleet/internal/domain/risk"
	"telegram-fleet/internal/domain/telegramapi"
	"telegram-fleet/internal/infra/clock"
	"telegram-fleet/internal/infra/config"
	"telegram-fleet/internal/infra/logger"
	"telegram-fleet/internal/infra/randx"
	"telegram-fleet/internal/infra/storage"
	"telegram-fleet/internal/supervisor"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

// quarantinePort — адаптер менеджера карантина к порту движка риска.
// Движок оперирует длительностями и снимками, менеджер — типизированными
// причинами; преобразование живёт здесь, чтобы пакеты не знали друг о друге.
type quarantinePort struct {
	mgr *quarantine.Manager
}

func (p quarantinePort) RequestQuarantine(accountID, reason string, duration time.Duration, snapshot risk.Snapshot) {
	if err := p.mgr.Quarantine(accountID, quarantine.Reason(reason), duration, snapshot); err != nil {
		logger.Errorf("auto-quarantine %s: %v", accountID, err)
	}
}

func (p quarantinePort) IsQuarantined(accountID string) bool {
	active, _ := p.mgr.IsQuarantined(accountID)
	return active
}

// App агрегирует подсистемы платформы и управляет их связью.
type App struct {
	env config.EnvConfig
	clk clock.Clock
	rnd randx.Source
	db  *bbolt.DB

	quarantine   *quarantine.Manager
	riskEng      *risk.Engine
	fingerprints *fingerprint.Registry
	activity     *activity.Provider
	messages     *message.Store
	campaigns    *campaign.Store
	members      member.Store
	pool         *telegramadapter.Pool
	presence     *telegramadapter.Presence
	sender       telegramapi.Sender
	scheduler    *campaign.Scheduler
	supervisor   *supervisor.Supervisor

	warming *warmingSet
}

// Option настраивает сборку App (подмена часов, рандома и отправителя в
// тестах и при обкатке без живого Telegram).
type Option func(*App)

// WithClock подменяет источник времени.
func WithClock(clk clock.Clock) Option { return func(a *App) { a.clk = clk } }

// WithRand подменяет источник случайности.
func WithRand(rnd randx.Source) Option { return func(a *App) { a.rnd = rnd } }

// WithSender подменяет отправителя Telegram (dry-run, тесты).
func WithSender(s telegramapi.Sender) Option { return func(a *App) { a.sender = s } }

// New собирает приложение: открывает bbolt, поднимает подсистемы и
// связывает их портами. members — внешнее хранилище собранных участников.
func New(env config.EnvConfig, members member.Store, opts ...Option) (*App, error) {
	a := &App{
		env:     env,
		clk:     clock.System(),
		rnd:     randx.System(),
		members: members,
		warming: newWarmingSet(),
	}
	for _, opt := range opts {
		opt(a)
	}

	db, err := storage.Open(env.DBFile)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	a.db = db

	a.quarantine, err = quarantine.NewManager(db, a.clk)
	if err != nil {
		return nil, errors.Wrap(err, "init quarantine manager")
	}
	a.riskEng = risk.NewEngine(risk.DefaultConfig(), a.clk, quarantinePort{mgr: a.quarantine})

	a.fingerprints, err = fingerprint.NewRegistry(db, a.clk, a.rnd)
	if err != nil {
		return nil, errors.Wrap(err, "init fingerprint registry")
	}

	// Конверт активности привязан к таймзоне текущего фингерпринта.
	a.activity = activity.NewProvider(a.rnd, func(accountID string) int {
		fp, fpErr := a.fingerprints.GetOrCreate(accountID, "")
		if fpErr != nil {
			logger.Errorf("fingerprint for activity envelope %s: %v", accountID, fpErr)
			return 0
		}
		return fp.TimezoneOffset
	})

	a.messages = message.NewStore(db, a.clk)
	a.campaigns = campaign.NewStore(db)

	a.pool = telegramadapter.NewPool(env, a.fingerprints)
	a.presence = telegramadapter.NewPresence(a.pool, a.rnd)
	if a.sender == nil {
		a.sender = telegramadapter.NewSender(a.pool, a.members, a.clk, a.rnd, true, a.presence)
	}

	// Ротация фингерпринта: новое устройство — новый профиль поведения
	// и новое подключение.
	a.fingerprints.OnRotate(func(fp fingerprint.Fingerprint) {
		a.activity.Regenerate(fp.AccountID, fp.TimezoneOffset)
		a.pool.Disconnect(fp.AccountID)
	})

	a.scheduler = campaign.NewScheduler(campaign.SchedulerDeps{
		Store:      a.campaigns,
		Messages:   a.messages,
		Members:    a.members,
		Sender:     a.sender,
		Risk:       a.riskEng,
		Quarantine: a.quarantine,
		Activity:   a.activity,
		Clock:      a.clk,
		Rand:       a.rnd,
		Warming:    a.warming.contains,
	})
	a.supervisor = supervisor.New(a.riskEng, a.quarantine, a.fingerprints, a.clk)

	logger.Info("fleet core assembled")
	return a, nil
}

// Close закрывает ресурсы приложения. Вызывается после остановки циклов.
// Presence гасится до пула: его циклы успевают отправить offline.
func (a *App) Close() error {
	a.presence.Close()
	a.pool.Close()
	return a.db.Close()
}
