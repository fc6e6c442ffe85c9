// Файл manager.go — менеджер карантинов.
// Активные записи держатся в горячем кэше под мьютексом (IsQuarantined
// дёргается гейтом на каждом цикле каждого диспетчера) и синхронно пишутся
// в bbolt. История — append-only журнал с ключом "<account>/<uuid>",
// что даёт дешёвый префиксный скан для Stats.
package quarantine

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"telegram-fleet/internal/infra/clock"
	"telegram-fleet/internal/infra/logger"
	"telegram-fleet/internal/infra/storage"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ErrNotQuarantined возвращается Release для аккаунта без активного карантина.
var ErrNotQuarantined = errors.New("quarantine: account is not quarantined")

// Manager — владелец карантинного состояния. Все мутации идут через него.
type Manager struct {
	db  *bbolt.DB
	clk clock.Clock

	mu        sync.RWMutex
	active    map[string]Record // горячий кэш активных записей
	historyID map[string]string // account → id последней (активной) строки истории
	observers []Observer
}

// NewManager поднимает кэш активных карантинов из bbolt. Просроченные на
// момент старта записи не выбрасываются здесь — их снимет первый sweep,
// честно проставив released_at в истории.
func NewManager(db *bbolt.DB, clk clock.Clock) (*Manager, error) {
	m := &Manager{
		db:        db,
		clk:       clk,
		active:    make(map[string]Record),
		historyID: make(map[string]string),
	}
	err := db.View(func(tx *bbolt.Tx) error {
		errActive := tx.Bucket(storage.BucketQuarantineActive).ForEach(func(k, v []byte) error {
			var rec Record
			if errJSON := json.Unmarshal(v, &rec); errJSON != nil {
				logger.Warnf("quarantine: skip corrupted active record %q: %v", k, errJSON)
				return nil
			}
			m.active[rec.AccountID] = rec
			return nil
		})
		if errActive != nil {
			return errActive
		}
		// Восстанавливаем связь аккаунт → активная строка истории.
		return tx.Bucket(storage.BucketQuarantineHistory).ForEach(func(k, v []byte) error {
			var h HistoryRecord
			if errJSON := json.Unmarshal(v, &h); errJSON != nil {
				return nil
			}
			if h.ReleasedAt == nil {
				if _, ok := m.active[h.AccountID]; ok {
					m.historyID[h.AccountID] = h.ID
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "load quarantine state")
	}
	return m, nil
}

// Subscribe регистрирует наблюдателя событий карантина.
func (m *Manager) Subscribe(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// Quarantine накладывает карантин на duration. Существующая активная запись
// перезаписывается, причём release_at берётся более поздний из двух:
// карантин никогда не укорачивается повторным наложением.
// metrics — произвольный снимок (обычно risk.Snapshot), сериализуется в JSON.
func (m *Manager) Quarantine(accountID string, reason Reason, duration time.Duration, metrics any) error {
	if duration <= 0 {
		return errors.New("quarantine: duration must be positive")
	}
	now := m.clk.Now()
	release := now.Add(duration)

	var raw json.RawMessage
	if metrics != nil {
		b, err := json.Marshal(metrics)
		if err != nil {
			return errors.Wrap(err, "encode metrics snapshot")
		}
		raw = b
	}

	m.mu.Lock()
	if existing, ok := m.active[accountID]; ok && existing.ReleaseAt.After(release) {
		release = existing.ReleaseAt
	}
	rec := Record{
		AccountID:     accountID,
		Reason:        reason,
		QuarantinedAt: now,
		ReleaseAt:     release,
		Metrics:       raw,
	}
	hist := HistoryRecord{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		Reason:          reason,
		QuarantinedAt:   now,
		DurationMinutes: int(release.Sub(now) / time.Minute),
		Metrics:         raw,
	}
	if err := m.persistLocked(rec, hist); err != nil {
		m.mu.Unlock()
		return err
	}
	m.active[accountID] = rec
	m.historyID[accountID] = hist.ID
	observers := m.observersLocked()
	m.mu.Unlock()

	logger.Warn("account quarantined",
		zap.String("account", accountID),
		zap.String("reason", string(reason)),
		zap.Time("release_at", release))
	notify(observers, Event{Type: EventQuarantined, Record: rec})
	return nil
}

// Release снимает активный карантин и проставляет released_at в истории.
func (m *Manager) Release(accountID string) error {
	m.mu.Lock()
	rec, ok := m.active[accountID]
	if !ok {
		m.mu.Unlock()
		return ErrNotQuarantined
	}
	if err := m.releaseLocked(accountID); err != nil {
		m.mu.Unlock()
		return err
	}
	observers := m.observersLocked()
	m.mu.Unlock()

	logger.Info("account released from quarantine", zap.String("account", accountID))
	notify(observers, Event{Type: EventReleased, Record: rec})
	return nil
}

// IsQuarantined сообщает, активен ли карантин, и когда он закончится.
// Запись с наступившим release_at считается неактивной ещё до sweep.
func (m *Manager) IsQuarantined(accountID string) (bool, time.Time) {
	m.mu.RLock()
	rec, ok := m.active[accountID]
	m.mu.RUnlock()
	if !ok {
		return false, time.Time{}
	}
	if !rec.ReleaseAt.After(m.clk.Now()) {
		return false, time.Time{}
	}
	return true, rec.ReleaseAt
}

// Active возвращает активную запись аккаунта, если она есть.
func (m *Manager) Active(accountID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.active[accountID]
	if !ok || !rec.ReleaseAt.After(m.clk.Now()) {
		return Record{}, false
	}
	return rec, true
}

// SweepExpired снимает все просроченные карантины. Вызывается супервизором
// на каждом тике; возвращает идентификаторы освобождённых аккаунтов.
func (m *Manager) SweepExpired(now time.Time) []string {
	m.mu.Lock()
	var released []string
	var events []Event
	for id, rec := range m.active {
		if rec.ReleaseAt.After(now) {
			continue
		}
		if err := m.releaseLocked(id); err != nil {
			logger.Errorf("quarantine: sweep release %s failed: %v", id, err)
			continue
		}
		released = append(released, id)
		events = append(events, Event{Type: EventReleased, Record: rec})
	}
	observers := m.observersLocked()
	m.mu.Unlock()

	for _, ev := range events {
		logger.Info("quarantine expired", zap.String("account", ev.Record.AccountID))
		notify(observers, ev)
	}
	return released
}

// Stats агрегирует историю карантинов аккаунта префиксным сканом журнала.
func (m *Manager) Stats(accountID string) (Stats, error) {
	var stats Stats
	prefix := historyPrefix(accountID)
	err := m.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(storage.BucketQuarantineHistory).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var h HistoryRecord
			if errJSON := json.Unmarshal(v, &h); errJSON != nil {
				continue
			}
			stats.TotalQuarantines++
			stats.TotalMinutes += h.DurationMinutes
			if h.QuarantinedAt.After(stats.LastQuarantineAt) {
				stats.LastQuarantineAt = h.QuarantinedAt
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, errors.Wrap(err, "scan quarantine history")
	}
	return stats, nil
}

// History возвращает журнал аккаунта в порядке наложения.
func (m *Manager) History(accountID string) ([]HistoryRecord, error) {
	var out []HistoryRecord
	prefix := historyPrefix(accountID)
	err := m.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(storage.BucketQuarantineHistory).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var h HistoryRecord
			if errJSON := json.Unmarshal(v, &h); errJSON != nil {
				continue
			}
			out = append(out, h)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan quarantine history")
	}
	return out, nil
}

// persistLocked атомарно пишет активную запись и строку истории.
func (m *Manager) persistLocked(rec Record, hist HistoryRecord) error {
	rawRec, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode active record")
	}
	rawHist, err := json.Marshal(hist)
	if err != nil {
		return errors.Wrap(err, "encode history record")
	}
	err = m.db.Update(func(tx *bbolt.Tx) error {
		if errPut := tx.Bucket(storage.BucketQuarantineActive).Put([]byte(rec.AccountID), rawRec); errPut != nil {
			return errPut
		}
		return tx.Bucket(storage.BucketQuarantineHistory).Put(historyKey(hist.AccountID, hist.ID), rawHist)
	})
	if err != nil {
		return errors.Wrap(err, "persist quarantine")
	}
	return nil
}

// releaseLocked удаляет активную запись и дописывает released_at в историю.
// Вызывается под m.mu.
func (m *Manager) releaseLocked(accountID string) error {
	now := m.clk.Now()
	histID := m.historyID[accountID]
	err := m.db.Update(func(tx *bbolt.Tx) error {
		if errDel := tx.Bucket(storage.BucketQuarantineActive).Delete([]byte(accountID)); errDel != nil {
			return errDel
		}
		if histID == "" {
			return nil
		}
		bucket := tx.Bucket(storage.BucketQuarantineHistory)
		key := historyKey(accountID, histID)
		raw := bucket.Get(key)
		if raw == nil {
			return nil
		}
		var h HistoryRecord
		if errJSON := json.Unmarshal(raw, &h); errJSON != nil {
			return nil
		}
		h.ReleasedAt = &now
		updated, errJSON := json.Marshal(h)
		if errJSON != nil {
			return errJSON
		}
		return bucket.Put(key, updated)
	})
	if err != nil {
		return errors.Wrap(err, "release quarantine")
	}
	delete(m.active, accountID)
	delete(m.historyID, accountID)
	return nil
}

// observersLocked снимает копию списка наблюдателей под m.mu.
func (m *Manager) observersLocked() []Observer {
	out := make([]Observer, len(m.observers))
	copy(out, m.observers)
	return out
}

// notify доставляет событие наблюдателям в отдельной горутине на вызов:
// колбэки не могут заблокировать менеджер, паники проглатываются с логом.
func notify(observers []Observer, ev Event) {
	for _, obs := range observers {
		go func(obs Observer) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("quarantine: observer panic: %v", r)
				}
			}()
			obs(ev)
		}(obs)
	}
}

// historyKey строит ключ журнала "<account>/<uuid>".
func historyKey(accountID, id string) []byte {
	return []byte(accountID + "/" + id)
}

func historyPrefix(accountID string) []byte {
	return []byte(accountID + "/")
}
