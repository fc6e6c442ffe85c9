// Файл registry.go — долговременный реестр фингерпринтов.
// Реестр держит горячий кэш в памяти под RW-мьютексом (чтения доминируют:
// диспетчеры заглядывают в фингерпринт на каждом цикле) и синхронно пишет
// каждую мутацию в bbolt, чтобы каденция ротации переживала рестарты.
package fingerprint

import (
	"encoding/json"
	"sync"
	"time"

	"telegram-fleet/internal/domain/risk"
	"telegram-fleet/internal/infra/clock"
	"telegram-fleet/internal/infra/logger"
	"telegram-fleet/internal/infra/randx"
	"telegram-fleet/internal/infra/storage"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// RotateHook вызывается после каждой фактической смены фингерпринта.
// Используется симулятором активности: новое «устройство» — новый профиль
// поведения. Хуки не должны блокировать реестр надолго.
type RotateHook func(fp Fingerprint)

// Registry выдаёт и ротирует фингерпринты аккаунтов.
type Registry struct {
	db  *bbolt.DB
	clk clock.Clock
	rnd randx.Source

	rotationInterval time.Duration

	mu    sync.RWMutex
	cache map[string]Fingerprint
	hooks []RotateHook
}

// Option настраивает реестр при создании.
type Option func(*Registry)

// WithRotationInterval переопределяет интервал плановой ротации.
func WithRotationInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.rotationInterval = d
		}
	}
}

// NewRegistry загружает все сохранённые фингерпринты из bbolt в кэш.
// Битые записи пропускаются с предупреждением — терять весь реестр из-за
// одной повреждённой строки нельзя.
func NewRegistry(db *bbolt.DB, clk clock.Clock, rnd randx.Source, opts ...Option) (*Registry, error) {
	r := &Registry{
		db:               db,
		clk:              clk,
		rnd:              rnd,
		rotationInterval: DefaultRotationInterval,
		cache:            make(map[string]Fingerprint),
	}
	for _, opt := range opts {
		opt(r)
	}

	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(storage.BucketFingerprints).ForEach(func(k, v []byte) error {
			var fp Fingerprint
			if errJSON := json.Unmarshal(v, &fp); errJSON != nil {
				logger.Warnf("fingerprint: skip corrupted record %q: %v", k, errJSON)
				return nil
			}
			r.cache[fp.AccountID] = fp
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "load fingerprints")
	}
	return r, nil
}

// OnRotate регистрирует хук, вызываемый при каждой смене фингерпринта.
func (r *Registry) OnRotate(hook RotateHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// GetOrCreate возвращает фингерпринт аккаунта, создавая его при первом
// обращении. preferred задаёт тип клиента; пустое значение — случайный выбор
// по целевому распределению.
func (r *Registry) GetOrCreate(accountID string, preferred ClientType) (Fingerprint, error) {
	r.mu.RLock()
	fp, ok := r.cache[accountID]
	r.mu.RUnlock()
	if ok {
		return fp, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Перепроверка после эскалации блокировки.
	if fp, ok = r.cache[accountID]; ok {
		return fp, nil
	}
	fp = generate(r.rnd, accountID, preferred, "", 0, r.clk.Now())
	if err := r.persistLocked(fp); err != nil {
		return Fingerprint{}, err
	}
	r.cache[accountID] = fp
	logger.Debug("fingerprint created",
		zap.String("account", accountID),
		zap.String("client_type", string(fp.ClientType)),
		zap.String("device", fp.DeviceModel))
	return fp, nil
}

// Get возвращает фингерпринт без создания. ok=false, если аккаунт неизвестен.
func (r *Registry) Get(accountID string) (Fingerprint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fp, ok := r.cache[accountID]
	return fp, ok
}

// Rotate выдаёт новое устройство в рамках того же типа клиента, сохраняя язык
// и таймзону. Счётчик ротаций увеличивается ровно на 1, last_rotated — now.
func (r *Registry) Rotate(accountID string) (Fingerprint, error) {
	return r.rotate(accountID, func(old Fingerprint) Fingerprint {
		return generate(r.rnd, accountID, old.ClientType, old.LangCode, old.TimezoneOffset, r.clk.Now())
	})
}

// RotateToType — намеренная смена типа клиента. При preserveLanguage язык и
// таймзона переносятся со старого фингерпринта.
func (r *Registry) RotateToType(accountID string, newType ClientType, preserveLanguage bool) (Fingerprint, error) {
	return r.rotate(accountID, func(old Fingerprint) Fingerprint {
		lang, offset := "", 0
		if preserveLanguage {
			lang, offset = old.LangCode, old.TimezoneOffset
		}
		return generate(r.rnd, accountID, newType, lang, offset, r.clk.Now())
	})
}

// CycleType сдвигает тип клиента по кругу android → ios → desktop → android,
// сохраняя язык.
func (r *Registry) CycleType(accountID string) (Fingerprint, error) {
	return r.rotate(accountID, func(old Fingerprint) Fingerprint {
		return generate(r.rnd, accountID, nextClientType(old.ClientType), old.LangCode, old.TimezoneOffset, r.clk.Now())
	})
}

// SmartRotate подбирает стратегию ротации по уровню риска:
// safe/low — ничего, moderate — смена устройства, high/critical — смена типа.
// Возвращает rotated=false, если ротация не потребовалась.
func (r *Registry) SmartRotate(accountID string, level risk.Level) (Fingerprint, bool, error) {
	switch level {
	case risk.LevelModerate:
		fp, err := r.Rotate(accountID)
		return fp, err == nil, err
	case risk.LevelHigh, risk.LevelCritical:
		fp, err := r.CycleType(accountID)
		return fp, err == nil, err
	default:
		fp, _ := r.Get(accountID)
		return fp, false, nil
	}
}

// AutoRotateIfStale ротирует фингерпринт, если тот старше maxAge.
// Нулевой maxAge означает интервал реестра по умолчанию.
func (r *Registry) AutoRotateIfStale(accountID string, maxAge time.Duration) (bool, error) {
	if maxAge <= 0 {
		maxAge = r.rotationInterval
	}
	fp, ok := r.Get(accountID)
	if !ok {
		return false, nil
	}
	if !fp.DueForRotation(r.clk.Now(), maxAge) {
		return false, nil
	}
	_, err := r.Rotate(accountID)
	return err == nil, err
}

// SweepStale прогоняет AutoRotateIfStale по всем известным аккаунтам.
// Вызывается супервизором раз в минуту; возвращает число ротаций.
func (r *Registry) SweepStale() int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.cache))
	for id := range r.cache {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	rotated := 0
	for _, id := range ids {
		ok, err := r.AutoRotateIfStale(id, 0)
		if err != nil {
			logger.Warnf("fingerprint: auto-rotate %s failed: %v", id, err)
			continue
		}
		if ok {
			rotated++
		}
	}
	return rotated
}

// rotate — общий путь всех ротаций: построить нового, перенести счётчики,
// персистнуть, обновить кэш, дёрнуть хуки.
func (r *Registry) rotate(accountID string, build func(old Fingerprint) Fingerprint) (Fingerprint, error) {
	r.mu.Lock()
	old, ok := r.cache[accountID]
	if !ok {
		// Ротация неизвестного аккаунта эквивалентна созданию.
		old = generate(r.rnd, accountID, "", "", 0, r.clk.Now())
	}
	fp := build(old)
	fp.CreatedAt = old.CreatedAt
	if fp.CreatedAt.IsZero() {
		fp.CreatedAt = r.clk.Now()
	}
	fp.RotationCount = old.RotationCount + 1
	if err := r.persistLocked(fp); err != nil {
		r.mu.Unlock()
		return Fingerprint{}, err
	}
	r.cache[accountID] = fp
	hooks := make([]RotateHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	logger.Info("fingerprint rotated",
		zap.String("account", accountID),
		zap.String("client_type", string(fp.ClientType)),
		zap.Int("rotation_count", fp.RotationCount))
	for _, hook := range hooks {
		hook(fp)
	}
	return fp, nil
}

// persistLocked пишет запись в bbolt. Вызывается под r.mu.
func (r *Registry) persistLocked(fp Fingerprint) error {
	raw, err := json.Marshal(fp)
	if err != nil {
		return errors.Wrap(err, "encode fingerprint")
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(storage.BucketFingerprints).Put([]byte(fp.AccountID), raw)
	})
	if err != nil {
		return errors.Wrap(err, "persist fingerprint")
	}
	return nil
}
