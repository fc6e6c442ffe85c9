// Файл bolt.go — открытие и разметка bbolt-базы ядра.
// Вся долговременная часть состояния (кампании, сообщения кампаний, карантины,
// фингерпринты) живёт в одном файле bbolt; по бакету на логическую таблицу.
// Риск-метрики и окна разнообразия намеренно НЕ персистятся: после рестарта
// они восстанавливаются лениво по мере поступления событий.
package storage

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Имена бакетов bbolt. Состав фиксирован на открытии базы, чтобы
// транзакции по месту использования не проверяли существование бакетов.
var (
	BucketCampaigns         = []byte("campaigns")
	BucketCampaignMessages  = []byte("campaign_messages")
	BucketQuarantineActive  = []byte("quarantine_active")
	BucketQuarantineHistory = []byte("quarantine_history")
	BucketFingerprints      = []byte("fingerprints")
)

// openTimeout ограничивает ожидание file-lock при открытии базы: второй
// процесс на том же файле — ошибка конфигурации, её лучше увидеть быстро.
const openTimeout = 5 * time.Second

// Open открывает (и при необходимости создаёт) bbolt-базу по указанному пути
// и гарантирует наличие всех бакетов ядра. Каталог создаётся автоматически.
func Open(path string) (*bbolt.DB, error) {
	if err := EnsureDir(path); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			BucketCampaigns,
			BucketCampaignMessages,
			BucketQuarantineActive,
			BucketQuarantineHistory,
			BucketFingerprints,
		} {
			if _, errB := tx.CreateBucketIfNotExists(name); errB != nil {
				return fmt.Errorf("create bucket %s: %w", name, errB)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
