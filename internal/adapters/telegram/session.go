// Package telegram — адаптер ядра к MTProto через gotd.
// Файл session.go: файловое хранилище сессий. Один аккаунт — один файл
// в каталоге сессий; запись атомарна, чтобы обрыв процесса не оставил
// полузаписанную сессию.
package telegram

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"telegram-fleet/internal/infra/storage"

	"github.com/go-faster/errors"

	tdsession "github.com/gotd/td/session"
)

// FileStorage реализует tdsession.Storage поверх обычного файла.
// Потокобезопасен: Load/Store защищены мьютексом.
type FileStorage struct {
	Path string
	mux  sync.Mutex
}

var _ tdsession.Storage = (*FileStorage)(nil)

// sessionPath строит путь к файлу сессии аккаунта.
func sessionPath(dir, accountID string) string {
	return filepath.Join(dir, accountID+".session.json")
}

// LoadSession читает файл сессии с диска.
func (f *FileStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession атомарно сохраняет данные сессии на диск.
func (f *FileStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return errors.Wrap(err, "atomic write session")
	}
	return nil
}
