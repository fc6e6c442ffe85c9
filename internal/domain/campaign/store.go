// Файл store.go — персистентное хранилище кампаний в bbolt.
// Записи сериализуются в JSON целиком; мутации идут через Update с функцией
// преобразования, чтобы смена статуса и счётчиков была атомарной.
package campaign

import (
	"encoding/json"

	"telegram-fleet/internal/infra/storage"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

// Store — хранилище кампаний.
type Store struct {
	db *bbolt.DB
}

// NewStore создаёт хранилище.
func NewStore(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// Save пишет кампанию целиком, перезаписывая существующую запись.
func (s *Store) Save(c *Campaign) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode campaign")
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(storage.BucketCampaigns).Put([]byte(c.ID), raw)
	})
	if err != nil {
		return errors.Wrap(err, "save campaign")
	}
	return nil
}

// Get возвращает кампанию по идентификатору.
func (s *Store) Get(id string) (*Campaign, error) {
	var c Campaign
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(storage.BucketCampaigns).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &c)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get campaign")
	}
	return &c, nil
}

// List возвращает кампании, опционально фильтруя по статусу
// (пустой статус — все).
func (s *Store) List(status Status) ([]*Campaign, error) {
	var out []*Campaign
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(storage.BucketCampaigns).ForEach(func(_, v []byte) error {
			var c Campaign
			if errJSON := json.Unmarshal(v, &c); errJSON != nil {
				return nil
			}
			if status != "" && c.Status != status {
				return nil
			}
			out = append(out, &c)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "list campaigns")
	}
	return out, nil
}

// Update читает кампанию, применяет apply и пишет результат в одной
// транзакции. apply может вернуть ошибку, откатив запись.
func (s *Store) Update(id string, apply func(*Campaign) error) (*Campaign, error) {
	var updated Campaign
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(storage.BucketCampaigns)
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var c Campaign
		if errJSON := json.Unmarshal(raw, &c); errJSON != nil {
			return errJSON
		}
		if errApply := apply(&c); errApply != nil {
			return errApply
		}
		encoded, errJSON := json.Marshal(&c)
		if errJSON != nil {
			return errJSON
		}
		updated = c
		return bucket.Put([]byte(id), encoded)
	})
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, ErrConflictingState):
		return nil, ErrConflictingState
	case err != nil:
		return nil, errors.Wrap(err, "update campaign")
	}
	return &updated, nil
}

// Transition переводит кампанию в статус to, проверяя машину состояний.
func (s *Store) Transition(id string, to Status, mutate func(*Campaign)) (*Campaign, error) {
	return s.Update(id, func(c *Campaign) error {
		if !CanTransition(c.Status, to) {
			return errors.Wrapf(ErrConflictingState, "%s -> %s", c.Status, to)
		}
		c.Status = to
		if mutate != nil {
			mutate(c)
		}
		return nil
	})
}

// AddCounters атомарно наращивает счётчики кампании.
func (s *Store) AddCounters(id string, sent, failed, blocked int64) error {
	if sent == 0 && failed == 0 && blocked == 0 {
		return nil
	}
	_, err := s.Update(id, func(c *Campaign) error {
		c.SentCount += sent
		c.FailedCount += failed
		c.BlockedCount += blocked
		return nil
	})
	return err
}
