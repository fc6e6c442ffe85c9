// Файл store.go — персистентный журнал сообщений в bbolt.
// Ключ строки — "<campaign>/<target>", поэтому уникальность пары
// обеспечивается самим хранилищем: Insert с существующим ключом — ошибка.
package message

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"telegram-fleet/internal/infra/clock"
	"telegram-fleet/internal/infra/storage"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

// Ошибки журнала.
var (
	// ErrDuplicate — для пары (кампания, получатель) строка уже есть.
	ErrDuplicate = errors.New("message: record already exists")
	// ErrNotFound — строки с таким ключом нет.
	ErrNotFound = errors.New("message: record not found")
)

// Store — журнал сообщений поверх bbolt.
type Store struct {
	db  *bbolt.DB
	clk clock.Clock
}

// NewStore создаёт журнал.
func NewStore(db *bbolt.DB, clk clock.Clock) *Store {
	return &Store{db: db, clk: clk}
}

// Insert создаёт строку журнала со статусом pending. Повторная вставка для
// той же пары (кампания, получатель) возвращает ErrDuplicate — этим
// диспетчер «захватывает» получателя ровно один раз.
func (s *Store) Insert(campaignID string, targetID int64, accountID string) error {
	rec := CampaignMessage{
		CampaignID: campaignID,
		TargetID:   targetID,
		AccountID:  accountID,
		Status:     StatusPending,
		CreatedAt:  s.clk.Now(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode message record")
	}
	key := recordKey(campaignID, targetID)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(storage.BucketCampaignMessages)
		if bucket.Get(key) != nil {
			return ErrDuplicate
		}
		return bucket.Put(key, raw)
	})
	if errors.Is(err, ErrDuplicate) {
		return ErrDuplicate
	}
	if err != nil {
		return errors.Wrap(err, "insert message record")
	}
	return nil
}

// Get возвращает строку журнала для пары (кампания, получатель).
func (s *Store) Get(campaignID string, targetID int64) (CampaignMessage, error) {
	var rec CampaignMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(storage.BucketCampaignMessages).Get(recordKey(campaignID, targetID))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	if errors.Is(err, ErrNotFound) {
		return CampaignMessage{}, ErrNotFound
	}
	if err != nil {
		return CampaignMessage{}, errors.Wrap(err, "get message record")
	}
	return rec, nil
}

// MarkSent переводит строку в sent, фиксируя текст и время отправки.
func (s *Store) MarkSent(campaignID string, targetID int64, text string) error {
	now := s.clk.Now()
	return s.mutate(campaignID, targetID, func(rec *CampaignMessage) {
		rec.Status = StatusSent
		rec.MessageText = text
		rec.Error = ""
		rec.SentAt = &now
	})
}

// MarkStatus переводит строку в произвольный статус с текстом ошибки.
func (s *Store) MarkStatus(campaignID string, targetID int64, status Status, errText string) error {
	return s.mutate(campaignID, targetID, func(rec *CampaignMessage) {
		rec.Status = status
		rec.Error = errText
	})
}

// Delete удаляет строку журнала. Используется при возврате получателя в
// очередь: pending-захват снимается, чтобы повторная попытка прошла Insert.
func (s *Store) Delete(campaignID string, targetID int64) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(storage.BucketCampaignMessages).Delete(recordKey(campaignID, targetID))
	})
	if err != nil {
		return errors.Wrap(err, "delete message record")
	}
	return nil
}

// ListByCampaign возвращает все строки кампании префиксным сканом.
func (s *Store) ListByCampaign(campaignID string) ([]CampaignMessage, error) {
	var out []CampaignMessage
	prefix := []byte(campaignID + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(storage.BucketCampaignMessages).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec CampaignMessage
			if errJSON := json.Unmarshal(v, &rec); errJSON != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan campaign messages")
	}
	return out, nil
}

// CountByStatus агрегирует строки кампании по статусам.
func (s *Store) CountByStatus(campaignID string) (map[Status]int, error) {
	records, err := s.ListByCampaign(campaignID)
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int)
	for _, rec := range records {
		counts[rec.Status]++
	}
	return counts, nil
}

// LastSentAt возвращает время последней успешной отправки в кампании.
func (s *Store) LastSentAt(campaignID string) (time.Time, error) {
	records, err := s.ListByCampaign(campaignID)
	if err != nil {
		return time.Time{}, err
	}
	var last time.Time
	for _, rec := range records {
		if rec.SentAt != nil && rec.SentAt.After(last) {
			last = *rec.SentAt
		}
	}
	return last, nil
}

// mutate читает, меняет и пишет строку внутри одной транзакции.
func (s *Store) mutate(campaignID string, targetID int64, apply func(*CampaignMessage)) error {
	key := recordKey(campaignID, targetID)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(storage.BucketCampaignMessages)
		raw := bucket.Get(key)
		if raw == nil {
			return ErrNotFound
		}
		var rec CampaignMessage
		if errJSON := json.Unmarshal(raw, &rec); errJSON != nil {
			return errJSON
		}
		apply(&rec)
		updated, errJSON := json.Marshal(rec)
		if errJSON != nil {
			return errJSON
		}
		return bucket.Put(key, updated)
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "update message record")
	}
	return nil
}

// recordKey строит ключ "<campaign>/<target>".
func recordKey(campaignID string, targetID int64) []byte {
	return []byte(campaignID + "/" + strconv.FormatInt(targetID, 10))
}
