// Файл client.go — пул MTProto-клиентов, по одному на аккаунт.
// Паспорт устройства каждого клиента собирается из фингерпринта аккаунта:
// ротация фингерпринта означает новый DeviceConfig при следующем
// подключении. Клиенты поднимаются лениво и живут в фоне через bg.Connect;
// FLOOD_WAIT и частота запросов сглаживаются middleware из gotd/contrib.
package telegram

import (
	"sync"

	"telegram-fleet/internal/domain/fingerprint"
	"telegram-fleet/internal/infra/config"
	"telegram-fleet/internal/infra/logger"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/bg"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// accountClient — живое подключение одного аккаунта.
type accountClient struct {
	client *telegram.Client
	api    *tg.Client
	stop   bg.StopFunc
}

// Pool лениво поднимает и кэширует клиентов по аккаунтам.
type Pool struct {
	env          config.EnvConfig
	fingerprints *fingerprint.Registry

	mu      sync.Mutex
	clients map[string]*accountClient
}

// NewPool создаёт пул клиентов.
func NewPool(env config.EnvConfig, fingerprints *fingerprint.Registry) *Pool {
	return &Pool{
		env:          env,
		fingerprints: fingerprints,
		clients:      make(map[string]*accountClient),
	}
}

// API возвращает API-клиент аккаунта, поднимая подключение при первом
// обращении. Подключение остаётся жить в фоне до Close.
func (p *Pool) API(accountID string) (*tg.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ac, ok := p.clients[accountID]; ok {
		return ac.api, nil
	}

	ac, err := p.connectLocked(accountID)
	if err != nil {
		return nil, err
	}
	p.clients[accountID] = ac
	return ac.api, nil
}

// connectLocked собирает опции клиента и запускает его в фоне.
func (p *Pool) connectLocked(accountID string) (*accountClient, error) {
	fp, err := p.fingerprints.GetOrCreate(accountID, "")
	if err != nil {
		return nil, errors.Wrap(err, "fingerprint for client")
	}

	options := telegram.Options{
		SessionStorage: &FileStorage{Path: sessionPath(p.env.SessionDir, accountID)},
		Middlewares: []telegram.Middleware{
			floodwait.NewSimpleWaiter(),
			ratelimit.New(
				rate.Limit(p.env.ThrottleRPS),
				p.env.ThrottleRPS*2, //nolint:mnd // burst = 2*rate
			),
		},
		Device: deviceConfig(fp),
	}
	if p.env.TestDC {
		options.DCList = dcs.Test()
	}

	client := telegram.NewClient(p.env.APIID, p.env.APIHash, options)
	stop, err := bg.Connect(client)
	if err != nil {
		return nil, errors.Wrapf(err, "connect account %s", accountID)
	}

	logger.Info("mtproto client connected",
		zap.String("account", accountID),
		zap.String("client_type", string(fp.ClientType)),
		zap.String("device", fp.DeviceModel))
	return &accountClient{client: client, api: client.API(), stop: stop}, nil
}

// Disconnect закрывает подключение одного аккаунта (например, при ротации
// фингерпринта: следующее обращение поднимет клиента с новым паспортом).
func (p *Pool) Disconnect(accountID string) {
	p.mu.Lock()
	ac := p.clients[accountID]
	delete(p.clients, accountID)
	p.mu.Unlock()
	if ac == nil {
		return
	}
	if err := ac.stop(); err != nil {
		logger.Warnf("disconnect %s: %v", accountID, err)
	}
}

// Close закрывает все подключения пула.
func (p *Pool) Close() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*accountClient)
	p.mu.Unlock()

	for accountID, ac := range clients {
		if err := ac.stop(); err != nil {
			logger.Warnf("disconnect %s: %v", accountID, err)
		}
	}
}

// deviceConfig переводит фингерпринт аккаунта в паспорт устройства MTProto.
func deviceConfig(fp fingerprint.Fingerprint) telegram.DeviceConfig {
	return telegram.DeviceConfig{
		DeviceModel:    fp.DeviceModel,
		SystemVersion:  fp.SystemVersion,
		AppVersion:     fp.AppVersion,
		LangCode:       fp.LangCode,
		SystemLangCode: fp.SystemLangCode,
	}
}
