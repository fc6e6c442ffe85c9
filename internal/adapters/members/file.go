// Package members — файловая реализация хранилища собранных участников.
// Скрейпинг — вне ядра; этот адаптер читает результат скрейпера (JSON-массив
// профилей) и отдаёт его ядру через порт member.Store. Файл загружается
// один раз при старте, профили неизменяемы в течение жизни процесса.
package members

import (
	"context"
	"encoding/json"
	"os"

	"telegram-fleet/internal/domain/member"

	"github.com/go-faster/errors"
)

// ErrMemberNotFound — профиля с таким идентификатором нет в файле.
var ErrMemberNotFound = errors.New("members: member not found")

// fileMember — строка файла скрейпера.
type fileMember struct {
	UserID     int64  `json:"user_id"`
	AccessHash int64  `json:"access_hash"`
	Username   string `json:"username,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// FileStore — read-only хранилище участников поверх JSON-файла.
type FileStore struct {
	byID map[int64]member.Member
}

var _ member.Store = (*FileStore)(nil)

// LoadFile читает файл скрейпера и строит индекс по user_id.
func LoadFile(path string) (*FileStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read members file")
	}
	var rows []fileMember
	if err = json.Unmarshal(raw, &rows); err != nil {
		return nil, errors.Wrap(err, "decode members file")
	}

	s := &FileStore{byID: make(map[int64]member.Member, len(rows))}
	for _, r := range rows {
		s.byID[r.UserID] = member.Member{
			UserID:     r.UserID,
			AccessHash: r.AccessHash,
			Username:   r.Username,
			FirstName:  r.FirstName,
			LastName:   r.LastName,
			Phone:      r.Phone,
		}
	}
	return s, nil
}

// Member возвращает профиль по идентификатору.
func (s *FileStore) Member(_ context.Context, id int64) (member.Member, error) {
	m, ok := s.byID[id]
	if !ok {
		return member.Member{}, errors.Wrapf(ErrMemberNotFound, "id %d", id)
	}
	return m, nil
}

// MembersBatch возвращает профили для пакета идентификаторов, пропуская
// отсутствующие.
func (s *FileStore) MembersBatch(_ context.Context, ids []int64) ([]member.Member, error) {
	out := make([]member.Member, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// Len возвращает число загруженных профилей.
func (s *FileStore) Len() int { return len(s.byID) }
